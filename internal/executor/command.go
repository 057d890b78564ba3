// Package executor runs agent tasks as external commands, either on the
// host or in a Docker sandbox.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/basket/agentq/internal/orchestrator"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/shared"
)

const (
	defaultTimeout = 10 * time.Minute
	maxSummary     = 4 * 1024
	maxErrExcerpt  = 1024
)

// ErrConnectorTask is returned for tasks addressed to connector agents,
// which are driven by their external transport rather than a command.
var ErrConnectorTask = errors.New("connector agents do not execute tasks locally")

type Config struct {
	// Command is passed to sh -c. The task content arrives on stdin.
	Command string
	Timeout time.Duration
	Runner  Runner
	Logger  *slog.Logger
}

// CommandExecutor implements orchestrator.Executor by running a shell
// command in the agent's workspace.
type CommandExecutor struct {
	command string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

func NewCommandExecutor(cfg Config) *CommandExecutor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Runner == nil {
		cfg.Runner = &HostRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CommandExecutor{
		command: cfg.Command,
		timeout: cfg.Timeout,
		runner:  cfg.Runner,
		logger:  cfg.Logger,
	}
}

func (e *CommandExecutor) Execute(ctx context.Context, agent persistence.AgentProfile, task persistence.AgentTask) (orchestrator.ExecResult, error) {
	if strings.TrimSpace(e.command) == "" {
		return orchestrator.ExecResult{}, errors.New("executor command is not configured")
	}
	if agent.WorkspaceDir != "" {
		if err := os.MkdirAll(agent.WorkspaceDir, 0o755); err != nil {
			return orchestrator.ExecResult{}, fmt.Errorf("create workspace: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := Request{
		Command: e.command,
		Dir:     agent.WorkspaceDir,
		Stdin:   task.Content,
		Env: []string{
			"AGENTQ_AGENT_ID=" + agent.ID,
			"AGENTQ_AGENT_KIND=" + string(agent.Kind),
			"AGENTQ_TASK_ID=" + task.ID,
			"AGENTQ_TASK_TITLE=" + task.Title,
			"AGENTQ_RUN_ID=" + task.RunID,
			"AGENTQ_ATTEMPT=" + strconv.Itoa(task.RetryCount+1),
		},
	}
	started := time.Now()
	out, err := e.runner.Run(runCtx, req)
	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return orchestrator.ExecResult{}, fmt.Errorf("command timed out after %s", e.timeout)
		}
		return orchestrator.ExecResult{}, fmt.Errorf("run command: %w", err)
	}

	e.logger.Debug("task command finished",
		"agent_id", agent.ID, "task_id", task.ID, "exit_code", out.ExitCode, "duration_ms", elapsed.Milliseconds())

	if out.ExitCode != 0 {
		excerpt := strings.TrimSpace(out.Stderr)
		if excerpt == "" {
			excerpt = strings.TrimSpace(out.Stdout)
		}
		excerpt = shared.Truncate(shared.Redact(excerpt), maxErrExcerpt)
		if excerpt == "" {
			return orchestrator.ExecResult{}, fmt.Errorf("command failed: exit code %d", out.ExitCode)
		}
		return orchestrator.ExecResult{}, fmt.Errorf("command failed: exit code %d: %s", out.ExitCode, excerpt)
	}

	summary := strings.TrimSpace(out.Stdout)
	if summary == "" {
		summary = fmt.Sprintf("command completed in %s with no output", elapsed.Round(time.Millisecond))
	}
	return orchestrator.ExecResult{Summary: shared.Truncate(shared.Redact(summary), maxSummary)}, nil
}

// connectorExecutor rejects local execution for connector agents.
func connectorExecutor(context.Context, persistence.AgentProfile, persistence.AgentTask) (orchestrator.ExecResult, error) {
	return orchestrator.ExecResult{}, ErrConnectorTask
}

// NewSet returns the kind-keyed executor table. Every kind except connector
// uses exec; a nil exec leaves those kinds without an executor.
func NewSet(exec orchestrator.Executor) *orchestrator.ExecutorSet {
	set := orchestrator.NewExecutorSet(exec)
	set.Register(persistence.KindConnector, orchestrator.ExecutorFunc(connectorExecutor))
	return set
}
