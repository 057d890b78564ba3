package main

import (
	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/config"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	home  string
	addr  string
	token string
	json  bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "agentq",
		Short: "Local orchestrator for a team of task-executing agents",
		Long: `agentq keeps a registry of agents, a persistent task queue between them and
a ledger of execution runs. 'agentq serve' runs the daemon; the other
commands talk to it over its HTTP API.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.home, "home", "", "agentq home directory (default: $AGENTQ_HOME or ~/.agentq)")
	flags.StringVar(&opts.addr, "addr", "", "daemon address (default: bind_addr from config.yaml)")
	flags.StringVar(&opts.token, "token", "", "API token (default: auth_token from config.yaml)")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON instead of tables")

	root.AddCommand(
		newInitCmd(opts),
		newServeCmd(opts),
		newStatusCmd(opts),
		newAgentsCmd(opts),
		newSendCmd(opts),
		newTasksCmd(opts),
		newVerifyCmd(opts),
		newRecallCmd(opts),
		newRunsCmd(opts),
		newAuditCmd(opts),
		newDoctorCmd(opts),
	)
	return root
}

func (o *globalOptions) homeDir() string {
	if o.home != "" {
		return o.home
	}
	return config.HomeDir()
}

func (o *globalOptions) loadConfig() (config.Config, error) {
	return config.LoadFrom(o.homeDir())
}

// client resolves the daemon address and token, preferring flags over
// config.yaml.
func (o *globalOptions) client() (*apiClient, error) {
	addr, token := o.addr, o.token
	if addr == "" || token == "" {
		cfg, err := o.loadConfig()
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cfg.BindAddr
		}
		if token == "" {
			token = cfg.AuthToken
		}
	}
	return newAPIClient(addr, token), nil
}
