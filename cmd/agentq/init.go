package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/config"
)

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml into the agentq home",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault(opts.homeDir())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
