package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentq/internal/bus"
	otelPkg "github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/shared"
	"github.com/basket/agentq/internal/telemetry"
)

// claim is a task moved to running for one agent, waiting for its executor.
type claim struct {
	agent persistence.AgentProfile
	task  persistence.AgentTask
	runID string
}

// DispatchPass reloads state, runs maintenance, then starts the oldest
// queued task of every enabled, auto-polling, idle agent. Executions run
// concurrently; the pass returns once all of them have settled. It returns
// the number of tasks started.
//
// ctx only gates the start of the pass. Attempts that were claimed run to
// completion on a detached context, so a shutdown that cancels ctx waits
// for them instead of failing them.
func (o *Orchestrator) DispatchPass(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	o.mu.Lock()
	o.reloadLocked(ctx)
	o.mu.Unlock()

	o.RunMaintenance(ctx)
	if ctx.Err() != nil {
		return 0
	}
	runCtx := context.WithoutCancel(ctx)

	o.mu.Lock()
	var claims []claim
	for _, a := range o.agents.Agents {
		if !a.Enabled || !a.AutoPoll {
			continue
		}
		c, err := o.claimLocked(runCtx, a.ID)
		if err != nil {
			o.logger.Error("claim task", "agent_id", a.ID, "error", err)
			continue
		}
		if c != nil {
			claims = append(claims, *c)
		}
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range claims {
		wg.Add(1)
		go func(c claim) {
			defer wg.Done()
			if _, err := o.execute(runCtx, c); err != nil {
				o.logger.Error("settle task", "agent_id", c.agent.ID, "task_id", c.task.ID, "error", err)
			}
		}(c)
	}
	wg.Wait()
	return len(claims)
}

// RunNextForAgent executes the agent's oldest queued task synchronously and
// returns it in its settled state. It returns nil when the agent is
// disabled, already busy, or has nothing queued.
func (o *Orchestrator) RunNextForAgent(ctx context.Context, agentID string) (*persistence.AgentTask, error) {
	o.mu.Lock()
	id := o.resolveLocked(agentID)
	if id == "" {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	if a := o.agentLocked(id); !a.Enabled {
		o.mu.Unlock()
		return nil, nil
	}
	c, err := o.claimLocked(ctx, id)
	o.mu.Unlock()
	if err != nil || c == nil {
		return nil, err
	}
	return o.execute(ctx, *c)
}

// InFlight returns the ids of agents with an executor currently running.
func (o *Orchestrator) InFlight() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.inFlight))
	for _, a := range o.agents.Agents {
		if _, ok := o.inFlight[a.ID]; ok {
			out = append(out, a.ID)
		}
	}
	return out
}

// claimLocked moves the agent's oldest queued task to running and opens a
// run for it. It returns nil when the agent is in flight or has no queued
// task.
func (o *Orchestrator) claimLocked(ctx context.Context, agentID string) (*claim, error) {
	if _, busy := o.inFlight[agentID]; busy {
		return nil, nil
	}
	agentIdx := o.agentIndexLocked(agentID)
	if agentIdx < 0 {
		return nil, nil
	}
	idx := -1
	for i := range o.tasks {
		t := o.tasks[i]
		if t.ToAgentID != agentID || t.Status != persistence.TaskQueued {
			continue
		}
		if idx < 0 || taskBefore(t, o.tasks[idx]) {
			idx = i
		}
	}
	if idx < 0 {
		return nil, nil
	}

	now := o.now()
	prevTask := o.tasks[idx]
	prevLastRun := o.agents.Agents[agentIdx].LastRunAt

	t := &o.tasks[idx]
	if !o.transitionLocked(t, persistence.TaskRunning) {
		return nil, nil
	}
	agent := &o.agents.Agents[agentIdx]
	run := o.newRunLocked(*agent, prevTask, now)
	t.StartedAt = ptr(now)
	t.FinishedAt = nil
	t.RunID = run.RunID
	t.LastHeartbeatAt = ptr(now)
	t.StalledAt = nil
	t.StaleReason = ""
	t.UpdatedAt = now
	agent.LastRunAt = ptr(now)

	if err := o.saveLocked(ctx, true, true, true); err != nil {
		o.tasks[idx] = prevTask
		o.runs = o.runs[:len(o.runs)-1]
		o.agents.Agents[agentIdx].LastRunAt = prevLastRun
		return nil, err
	}

	o.inFlight[agentID] = run.RunID
	o.metrics.InFlight.Add(ctx, 1)
	o.logger.Info("task started", "agent_id", agentID, "task_id", t.ID, "run_id", run.RunID, "attempt", t.RetryCount+1)
	o.publish(bus.TopicTaskRunning, bus.TaskEvent{Task: *t})
	o.publish(bus.TopicRunStarted, bus.RunEvent{Run: run})
	return &claim{agent: *agent, task: *t, runID: run.RunID}, nil
}

// execute runs the claimed attempt outside the lock and settles it.
func (o *Orchestrator) execute(ctx context.Context, c claim) (*persistence.AgentTask, error) {
	ctx = shared.WithAgentID(ctx, c.agent.ID)
	ctx = shared.WithTaskID(ctx, c.task.ID)
	ctx = shared.WithRunID(ctx, c.runID)
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx, span := otelPkg.StartSpan(ctx, o.tracer, "orchestrator.execute",
		otelPkg.AttrAgentID.String(c.agent.ID),
		otelPkg.AttrAgentKind.String(string(c.agent.Kind)),
		otelPkg.AttrTaskID.String(c.task.ID),
		otelPkg.AttrRunID.String(c.runID),
		otelPkg.AttrAttempt.Int(c.task.RetryCount+1),
	)
	defer span.End()

	start := time.Now()
	res, execErr := o.invoke(ctx, c)
	o.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otelPkg.AttrAgentKind.String(string(c.agent.Kind))))
	if execErr != nil {
		span.RecordError(execErr)
	}

	settled, outcome, err := o.settle(ctx, c, res, execErr)
	span.SetAttributes(otelPkg.AttrOutcome.String(outcome))
	if outcome == OutcomeFailed.String() {
		span.SetStatus(codes.Error, settled.Error)
	}
	return settled, err
}

// invoke calls the executor for the agent's kind, converting a panic into
// an error.
func (o *Orchestrator) invoke(ctx context.Context, c claim) (res ExecResult, err error) {
	exec := o.executors.For(c.agent.Kind)
	if exec == nil {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrNoExecutor, c.agent.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			telemetry.With(ctx, o.logger).Error("executor panicked", "panic", fmt.Sprint(r))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, c.agent, c.task)
}

// settle applies the outcome of an attempt. A result for a task that is no
// longer running under the claimed run id is discarded. The returned
// outcome is "discarded" in that case.
func (o *Orchestrator) settle(ctx context.Context, c claim, res ExecResult, execErr error) (*persistence.AgentTask, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inFlight[c.agent.ID] == c.runID {
		delete(o.inFlight, c.agent.ID)
	}
	o.metrics.InFlight.Add(ctx, -1)
	now := o.now()
	logger := telemetry.With(ctx, o.logger)

	discard := func() (*persistence.AgentTask, string, error) {
		logger.Info("discarding result for task that changed while running")
		if o.settleRunLocked(c.runID, persistence.RunFailed, "", "discarded: task changed while running", now) {
			if err := o.saveRunsLocked(ctx); err != nil {
				return nil, "discarded", err
			}
		}
		return nil, "discarded", nil
	}

	idx := o.taskIndexLocked(c.task.ID)
	if idx < 0 || o.tasks[idx].Status != persistence.TaskRunning || o.tasks[idx].RunID != c.runID {
		return discard()
	}

	t := &o.tasks[idx]
	summary := strings.TrimSpace(res.Summary)
	outcome, msg := ClassifyOutcome(summary, execErr, t.RetryCount, t.MaxRetries)
	if !o.transitionLocked(t, outcome.TaskStatus()) {
		return discard()
	}
	agent := o.agentLocked(c.agent.ID)

	var runStatus persistence.RunStatus
	switch outcome {
	case OutcomeDone:
		t.ResultSummary = summary
		t.Error = ""
		t.FinishedAt = ptr(now)
		t.VerificationStatus = persistence.VerificationUnverified
		t.AwaitingVerificationSince = ptr(now)
		runStatus = persistence.RunDone
		if agent != nil {
			agent.LastError = ""
		}
	case OutcomeRetry:
		t.RetryCount++
		t.Content += retryBlock(t.RetryCount, t.MaxRetries, msg)
		t.StartedAt = nil
		t.FinishedAt = nil
		t.ResultSummary = ""
		t.Error = ""
		runStatus = persistence.RunFailed
		if agent != nil {
			agent.LastError = msg
		}
	default:
		t.ResultSummary = summary
		t.Error = msg
		t.FinishedAt = ptr(now)
		runStatus = persistence.RunFailed
		if agent != nil {
			agent.LastError = msg
		}
	}
	t.StalledAt = nil
	t.StaleReason = ""
	t.UpdatedAt = now
	o.settleRunLocked(c.runID, runStatus, summary, msg, now)
	out := *t

	err := o.saveLocked(ctx, agent != nil, true, true)

	var run persistence.AgentRunRecord
	if ri := o.runIndexLocked(c.runID); ri >= 0 {
		run = o.runs[ri]
	}
	switch outcome {
	case OutcomeDone:
		logger.Info("task done")
		o.publish(bus.TopicTaskDone, bus.TaskEvent{Task: out})
	case OutcomeRetry:
		logger.Warn("task attempt failed; requeued", "attempt", out.RetryCount, "max_retries", out.MaxRetries, "error", msg)
		o.metrics.TaskRetries.Add(ctx, 1)
		o.publish(bus.TopicTaskRetry, bus.TaskRetryEvent{Task: out, Attempt: out.RetryCount, Max: out.MaxRetries, Reason: msg})
	default:
		logger.Warn("task failed", "error", msg)
		o.metrics.TaskFailures.Add(ctx, 1)
		o.publish(bus.TopicTaskFailed, bus.TaskEvent{Task: out})
	}
	o.publish(bus.TopicRunFinished, bus.RunEvent{Run: run})
	return &out, outcome.String(), err
}
