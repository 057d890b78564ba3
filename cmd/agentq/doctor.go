package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/doctor"
)

var errChecksFailed = errors.New("one or more checks failed")

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the config, store, executor and daemon for problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			d := doctor.Run(cmd.Context(), &cfg, Version)
			out := cmd.OutOrStdout()
			if opts.json {
				if err := printJSON(out, d); err != nil {
					return err
				}
			} else {
				p := newPalette(out)
				rows := make([][]string, 0, len(d.Results))
				for _, r := range d.Results {
					rows = append(rows, []string{r.Name, checkStatus(p, r.Status), r.Message, p.dim.Render(r.Detail)})
				}
				fmt.Fprintf(out, "agentq %s  %s/%s  %s\n\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
				fmt.Fprint(out, p.renderTable([]string{"CHECK", "STATUS", "MESSAGE", "DETAIL"}, rows))
			}
			if d.Failed() {
				return errChecksFailed
			}
			return nil
		},
	}
}

func checkStatus(p palette, s string) string {
	switch s {
	case doctor.StatusPass:
		return p.ok.Render(s)
	case doctor.StatusWarn:
		return p.warn.Render(s)
	case doctor.StatusFail:
		return p.bad.Render(s)
	default:
		return p.dim.Render(s)
	}
}
