package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/persistence"
)

type healthResponse struct {
	Healthy           bool   `json:"healthy"`
	Version           string `json:"version"`
	ConfigFingerprint string `json:"config_fingerprint"`
	WSClients         int64  `json:"ws_clients"`
	Polling           bool   `json:"polling"`
	EventsDropped     int64  `json:"events_dropped"`
}

type summaryResponse struct {
	Summary       persistence.Summary       `json:"summary"`
	Agents        []persistence.AgentStatus `json:"agents"`
	InFlight      []string                  `json:"inFlight"`
	ActiveAgentID string                    `json:"activeAgentId"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health, queue counts and per-agent state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			var health healthResponse
			if err := c.get(ctx, "/healthz", &health); err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			var sum summaryResponse
			if err := c.get(ctx, "/api/summary", &sum); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, map[string]any{"health": health, "summary": sum})
			}
			p := newPalette(out)
			s := sum.Summary

			polling := p.ok.Render("polling")
			if !health.Polling {
				polling = p.warn.Render("paused")
			}
			fmt.Fprintf(out, "%s %s  %s  %s\n", p.header.Render("agentq"), health.Version, polling, p.dim.Render(health.ConfigFingerprint))
			fmt.Fprintf(out, "tasks   queued %d  running %d  done %d  failed %d  stalled %d  awaiting verification %d\n",
				s.TasksQueued, s.TasksRunning, s.TasksDone, s.TasksFailed, s.TasksStalled, s.TasksAwaitingVerification)
			fmt.Fprintf(out, "runs    active %d  archived %d  total %d\n", s.RunsActive, s.RunsArchived, s.RunsTotal)
			fmt.Fprintf(out, "agents  %d enabled of %d  ws clients %d  events dropped %d\n\n", s.AgentsEnabled, s.AgentsTotal, health.WSClients, health.EventsDropped)

			now := time.Now()
			rows := make([][]string, 0, len(sum.Agents))
			for _, a := range sum.Agents {
				id := a.AgentID
				if id == sum.ActiveAgentID {
					id += "*"
				}
				rows = append(rows, []string{
					id,
					string(a.Kind),
					agentState(p, a.State),
					strconv.Itoa(a.Queued),
					strconv.Itoa(a.Running),
					strconv.Itoa(a.Done),
					strconv.Itoa(a.Failed),
					ago(a.LastRunAt, now),
					short(a.LastError, 40),
				})
			}
			fmt.Fprint(out, p.renderTable([]string{"AGENT", "KIND", "STATE", "Q", "R", "DONE", "FAIL", "LAST RUN", "LAST ERROR"}, rows))
			if len(sum.InFlight) > 0 {
				fmt.Fprintf(out, "\nin flight: %s\n", strings.Join(sum.InFlight, ", "))
			}
			return nil
		},
	}
}

func agentState(p palette, s persistence.AgentState) string {
	switch s {
	case persistence.AgentWorking:
		return p.ok.Render(string(s))
	case persistence.AgentQueued:
		return p.warn.Render(string(s))
	case persistence.AgentError:
		return p.bad.Render(string(s))
	default:
		return p.dim.Render(string(s))
	}
}
