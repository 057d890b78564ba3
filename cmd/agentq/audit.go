package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/audit"
)

// The audit trail is read straight from disk so it works while the daemon
// is down.
func newAuditCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the newest supervisory actions from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := audit.Tail(opts.homeDir(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "audit log is empty")
				return nil
			}
			p := newPalette(out)
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.Timestamp,
					e.Action,
					e.Subject,
					e.Actor,
					short(e.Detail, 60),
				})
			}
			fmt.Fprint(out, p.renderTable([]string{"TIME", "ACTION", "SUBJECT", "ACTOR", "DETAIL"}, rows))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}
