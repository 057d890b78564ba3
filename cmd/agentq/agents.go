package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/persistence"
)

type agentsResponse struct {
	Agents        []persistence.AgentProfile `json:"agents"`
	Statuses      []persistence.AgentStatus  `json:"statuses"`
	ActiveAgentID string                     `json:"activeAgentId"`
}

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "List and manage agents",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listAgents(cmd, opts)
		},
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List agents",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return listAgents(cmd, opts)
			},
		},
		newAgentCreateCmd(opts),
		newAgentUpdateCmd(opts),
		&cobra.Command{
			Use:   "delete <agent>",
			Short: "Delete an agent with its tasks, runs and workspace",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				if err := c.do(cmd.Context(), http.MethodDelete, "/api/agents/"+url.PathEscape(args[0]), nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "activate <agent>",
			Short: "Make an agent the active one",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				var res struct {
					ActiveAgentID string `json:"activeAgentId"`
				}
				if err := c.post(cmd.Context(), "/api/agents/active", map[string]string{"agentId": args[0]}, &res); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "active agent: %s\n", res.ActiveAgentID)
				return nil
			},
		},
		newRunNextCmd(opts),
		newAbandonCmd(opts),
	)
	return cmd
}

func listAgents(cmd *cobra.Command, opts *globalOptions) error {
	c, err := opts.client()
	if err != nil {
		return err
	}
	var res agentsResponse
	if err := c.get(cmd.Context(), "/api/agents", &res); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if opts.json {
		return printJSON(out, res)
	}

	p := newPalette(out)
	states := make(map[string]persistence.AgentStatus, len(res.Statuses))
	for _, s := range res.Statuses {
		states[s.AgentID] = s
	}
	now := time.Now()
	rows := make([][]string, 0, len(res.Agents))
	for _, a := range res.Agents {
		id := a.ID
		if id == res.ActiveAgentID {
			id += "*"
		}
		flags := []string{}
		if !a.Enabled {
			flags = append(flags, "disabled")
		}
		if !a.AutoPoll {
			flags = append(flags, "manual")
		}
		rows = append(rows, []string{
			id,
			a.Name,
			string(a.Kind),
			agentState(p, states[a.ID].State),
			strings.Join(flags, ","),
			ago(a.LastRunAt, now),
			short(a.Responsibility, 48),
		})
	}
	fmt.Fprint(out, p.renderTable([]string{"ID", "NAME", "KIND", "STATE", "FLAGS", "LAST RUN", "RESPONSIBILITY"}, rows))
	return nil
}

func newAgentCreateCmd(opts *globalOptions) *cobra.Command {
	var (
		kind, responsibility, prompt string
		disabled, manual             bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a new agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]any{
				"name":           args[0],
				"kind":           kind,
				"responsibility": responsibility,
				"systemPrompt":   prompt,
				"enabled":        !disabled,
				"autoPoll":       !manual,
			}
			var agent persistence.AgentProfile
			if err := c.post(cmd.Context(), "/api/agents", body, &agent); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), agent)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) workspace %s\n", agent.ID, agent.Kind, agent.WorkspaceDir)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "kind", "", "agent kind: worker or architect (default worker)")
	f.StringVarP(&responsibility, "responsibility", "r", "", "what this agent is responsible for")
	f.StringVar(&prompt, "prompt", "", "system prompt")
	f.BoolVar(&disabled, "disabled", false, "create the agent disabled")
	f.BoolVar(&manual, "manual", false, "do not auto-poll; tasks run only via run-next")
	return cmd
}

func newAgentUpdateCmd(opts *globalOptions) *cobra.Command {
	var (
		name, responsibility, prompt string
		enabled, autoPoll            bool
	)
	cmd := &cobra.Command{
		Use:   "update <agent>",
		Short: "Change an agent's name, responsibility, prompt or flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			body := map[string]any{}
			if f.Changed("name") {
				body["name"] = name
			}
			if f.Changed("responsibility") {
				body["responsibility"] = responsibility
			}
			if f.Changed("prompt") {
				body["systemPrompt"] = prompt
			}
			if f.Changed("enabled") {
				body["enabled"] = enabled
			}
			if f.Changed("autopoll") {
				body["autoPoll"] = autoPoll
			}
			if len(body) == 0 {
				return fmt.Errorf("nothing to update; pass at least one of --name, --responsibility, --prompt, --enabled, --autopoll")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var agent persistence.AgentProfile
			if err := c.do(cmd.Context(), http.MethodPatch, "/api/agents/"+url.PathEscape(args[0]), body, &agent); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), agent)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", agent.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "display name")
	f.StringVarP(&responsibility, "responsibility", "r", "", "responsibility")
	f.StringVar(&prompt, "prompt", "", "system prompt")
	f.BoolVar(&enabled, "enabled", true, "enable or disable the agent")
	f.BoolVar(&autoPoll, "autopoll", true, "let the dispatch loop run this agent's queue")
	return cmd
}

func newRunNextCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-next <agent>",
		Short: "Execute the agent's oldest queued task now and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res struct {
				Task *persistence.AgentTask `json:"task"`
			}
			if err := c.post(cmd.Context(), "/api/agents/"+url.PathEscape(args[0])+"/run-next", nil, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, res)
			}
			if res.Task == nil {
				fmt.Fprintf(out, "%s has nothing to run\n", args[0])
				return nil
			}
			printTaskOutcome(cmd, *res.Task)
			return nil
		},
	}
}

func newAbandonCmd(opts *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon <agent>",
		Short: "Fail every queued task of the agent and abort its running ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res struct {
				Queued  []string `json:"queued"`
				Running []string `json:"running"`
			}
			if err := c.post(cmd.Context(), "/api/agents/"+url.PathEscape(args[0])+"/abandon", map[string]string{"reason": reason}, &res); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned %d queued and %d running tasks\n", len(res.Queued), len(res.Running))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on each task")
	return cmd
}
