package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/persistence"
)

type tasksResponse struct {
	Tasks []persistence.AgentTask `json:"tasks"`
	Total int                     `json:"total"`
}

type runsResponse struct {
	Runs  []persistence.AgentRunRecord `json:"runs"`
	Total int                          `json:"total"`
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		from, title string
		maxRetries  int
	)
	cmd := &cobra.Command{
		Use:   "send <agent> [content]",
		Short: "Queue a task for an agent",
		Long: `Queue a task for an agent. The content is taken from the second argument,
or read from stdin when it is "-" or omitted and --title is empty.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := ""
			if len(args) == 2 && args[1] != "-" {
				content = args[1]
			} else if len(args) == 2 || title == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read task from stdin: %w", err)
				}
				content = string(data)
			}
			body := map[string]any{
				"from":    from,
				"to":      args[0],
				"title":   title,
				"content": content,
			}
			if cmd.Flags().Changed("max-retries") {
				body["maxRetries"] = maxRetries
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			var task persistence.AgentTask
			if err := c.post(cmd.Context(), "/api/tasks", body, &task); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s: %s\n", task.ID, task.ToAgentID, task.Title)
			if requested := contractField(task.Content, "requested-target"); requested != "" && requested != task.ToAgentID {
				fmt.Fprintf(cmd.OutOrStdout(), "rerouted from %s\n", requested)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&from, "from", "", "sending agent (default: the architect)")
	f.StringVarP(&title, "title", "t", "", "task title (default: first line of the content)")
	f.IntVar(&maxRetries, "max-retries", 0, "retry bound for recoverable failures (default from config)")
	return cmd
}

func newTasksCmd(opts *globalOptions) *cobra.Command {
	var (
		agent, status string
		limit         int
	)
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "List tasks, oldest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res tasksResponse
			if err := c.get(cmd.Context(), "/api/tasks"+query("agent", agent, "status", status, "limit", limitParam(limit)), &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, res)
			}
			p := newPalette(out)
			now := time.Now()
			rows := make([][]string, 0, len(res.Tasks))
			for _, t := range res.Tasks {
				verification := string(t.VerificationStatus)
				if verification == "" {
					verification = "-"
				}
				rows = append(rows, []string{
					t.ID,
					t.FromAgentID + " > " + t.ToAgentID,
					p.status(string(t.Status)),
					fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries),
					p.status(verification),
					ago(&t.CreatedAt, now),
					short(t.Title, 50),
				})
			}
			fmt.Fprint(out, p.renderTable([]string{"ID", "ROUTE", "STATUS", "RETRY", "VERIFIED", "CREATED", "TITLE"}, rows))
			if res.Total > len(res.Tasks) {
				fmt.Fprintln(out, p.dim.Render(fmt.Sprintf("showing %d of %d", len(res.Tasks), res.Total)))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&agent, "agent", "a", "", "only tasks addressed to this agent")
	f.StringVarP(&status, "status", "s", "", "only tasks with this status (queued, running, done, failed)")
	f.IntVarP(&limit, "limit", "n", 0, "show only the newest n tasks")
	cmd.AddCommand(&cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task with its contract and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var task persistence.AgentTask
			if err := c.get(cmd.Context(), "/api/tasks/"+args[0], &task); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), task)
			}
			printTaskOutcome(cmd, task)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", task.Content)
			return nil
		},
	})
	return cmd
}

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var (
		verifier, notes string
		changes         bool
	)
	cmd := &cobra.Command{
		Use:   "verify <task-id>",
		Short: "Record a verification verdict on a done task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status := string(persistence.VerificationVerified)
			if changes {
				status = string(persistence.VerificationChangesRequested)
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			var task persistence.AgentTask
			body := map[string]string{"verifier": verifier, "status": status, "notes": notes}
			if err := c.post(cmd.Context(), "/api/tasks/"+args[0]+"/verify", body, &task); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s marked %s by %s\n", task.ID, task.VerificationStatus, task.VerifiedByAgentID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&verifier, "by", "", "verifying agent (default: the architect)")
	f.StringVarP(&notes, "notes", "m", "", "verification notes")
	f.BoolVar(&changes, "changes-requested", false, "record changes_requested instead of verified")
	return cmd
}

func newRecallCmd(opts *globalOptions) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "recall <task-id> <reason>",
		Short: "Send a done or failed task back with a follow-up for the same agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var task persistence.AgentTask
			if err := c.post(cmd.Context(), "/api/tasks/"+args[0]+"/recall", map[string]string{"from": from, "reason": args[1]}, &task); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued follow-up %s for %s\n", task.ID, task.ToAgentID)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "recalling agent (default: the original sender)")
	return cmd
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	var (
		agent string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List execution runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var res runsResponse
			if err := c.get(cmd.Context(), "/api/runs"+query("agent", agent, "limit", limitParam(limit)), &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, res)
			}
			p := newPalette(out)
			rows := make([][]string, 0, len(res.Runs))
			for _, r := range res.Runs {
				took := "-"
				if r.FinishedAt != nil {
					took = r.FinishedAt.Sub(r.StartedAt).Truncate(100 * time.Millisecond).String()
				}
				outcome := r.Summary
				if r.Error != "" {
					outcome = r.Error
				}
				rows = append(rows, []string{
					r.RunID,
					r.AgentID,
					r.TaskID,
					p.status(string(r.Status)),
					r.StartedAt.Local().Format("01-02 15:04:05"),
					took,
					short(outcome, 50),
				})
			}
			fmt.Fprint(out, p.renderTable([]string{"RUN", "AGENT", "TASK", "STATUS", "STARTED", "TOOK", "OUTCOME"}, rows))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&agent, "agent", "a", "", "only runs of this agent")
	f.IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 for all)")
	return cmd
}

func printTaskOutcome(cmd *cobra.Command, t persistence.AgentTask) {
	out := cmd.OutOrStdout()
	p := newPalette(out)
	fmt.Fprintf(out, "%s  %s  %s > %s  %s\n", t.ID, p.status(string(t.Status)), t.FromAgentID, t.ToAgentID, t.Title)
	if t.ResultSummary != "" {
		fmt.Fprintf(out, "summary: %s\n", t.ResultSummary)
	}
	if t.Error != "" {
		fmt.Fprintf(out, "error: %s\n", p.bad.Render(t.Error))
	}
	if t.StaleReason != "" {
		fmt.Fprintf(out, "stalled: %s\n", t.StaleReason)
	}
}

func limitParam(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// contractField reads a "key: value" header line from a task contract.
func contractField(content, key string) string {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(line, key+": "); ok {
			return strings.TrimSpace(v)
		}
		if line == "[/task-contract]" {
			break
		}
	}
	return ""
}
