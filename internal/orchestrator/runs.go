package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/shared"
)

const (
	reasonRestart  = "interrupted by restart"
	reasonOrphaned = "orphaned: task no longer exists"
)

// reconcileLocked repairs state left by a process that stopped with work in
// flight. Nothing executes at startup, so running tasks go back to the queue
// without spending a retry and every active run is closed out.
func (o *Orchestrator) reconcileLocked(ctx context.Context) error {
	now := o.now()
	tasksChanged, runsChanged := false, false

	known := make(map[string]bool, len(o.runs))
	for _, r := range o.runs {
		known[r.RunID] = true
	}
	for _, t := range o.tasks {
		if t.RunID == "" || known[t.RunID] || o.runEvictedLocked(t) {
			continue
		}
		o.runs = append(o.runs, synthesizeRun(t, now))
		known[t.RunID] = true
		runsChanged = true
	}

	tasksByID := make(map[string]*persistence.AgentTask, len(o.tasks))
	for i := range o.tasks {
		t := &o.tasks[i]
		tasksByID[t.ID] = t
		if t.Status != persistence.TaskRunning || !o.transitionLocked(t, persistence.TaskQueued) {
			continue
		}
		t.StartedAt = nil
		t.StalledAt = nil
		t.StaleReason = ""
		t.UpdatedAt = now
		tasksChanged = true
		o.logger.Info("requeued task interrupted by restart", "task_id", t.ID, "agent_id", t.ToAgentID)
	}

	for i := range o.runs {
		r := &o.runs[i]
		if !r.Status.Active() {
			continue
		}
		reason := reasonRestart
		if tasksByID[r.TaskID] == nil {
			reason = reasonOrphaned
		}
		finishRun(r, persistence.RunFailed, "", reason, now, o.timings.RunArchiveTTL)
		runsChanged = true
	}

	if !tasksChanged && !runsChanged {
		return nil
	}
	return o.saveLocked(ctx, false, tasksChanged, runsChanged)
}

// synthesizeRun builds the missing ledger entry for a task that references
// an unknown run id.
func synthesizeRun(t persistence.AgentTask, now time.Time) persistence.AgentRunRecord {
	started := t.CreatedAt
	if t.StartedAt != nil {
		started = *t.StartedAt
	}
	r := persistence.AgentRunRecord{
		RunID:       t.RunID,
		TaskID:      t.ID,
		AgentID:     t.ToAgentID,
		FromAgentID: t.FromAgentID,
		Label:       runLabel(t.ToAgentID, t.Title),
		CreatedAt:   started,
		UpdatedAt:   now,
		StartedAt:   started,
		Summary:     t.ResultSummary,
		Error:       t.Error,
	}
	switch t.Status {
	case persistence.TaskRunning:
		r.Status = persistence.RunRunning
	case persistence.TaskDone:
		r.Status = persistence.RunDone
	default:
		r.Status = persistence.RunFailed
	}
	if !r.Status.Active() {
		finished := now
		if t.FinishedAt != nil {
			finished = *t.FinishedAt
		}
		r.FinishedAt = &finished
	}
	return r
}

func (o *Orchestrator) newRunLocked(agent persistence.AgentProfile, t persistence.AgentTask, now time.Time) persistence.AgentRunRecord {
	r := persistence.AgentRunRecord{
		RunID:       shared.NewRunID(),
		TaskID:      t.ID,
		AgentID:     t.ToAgentID,
		FromAgentID: t.FromAgentID,
		Status:      persistence.RunRunning,
		Label:       runLabel(agent.Name, t.Title),
		CreatedAt:   now,
		UpdatedAt:   now,
		StartedAt:   now,
	}
	o.runs = append(o.runs, r)
	return r
}

func runLabel(agent, title string) string {
	return agent + ": " + title
}

func (o *Orchestrator) runIndexLocked(runID string) int {
	if runID == "" {
		return -1
	}
	for i := range o.runs {
		if o.runs[i].RunID == runID {
			return i
		}
	}
	return -1
}

// settleRunLocked closes an active run. It reports false when the run is
// unknown or already settled.
func (o *Orchestrator) settleRunLocked(runID string, status persistence.RunStatus, summary, errMsg string, now time.Time) bool {
	idx := o.runIndexLocked(runID)
	if idx < 0 || !o.runs[idx].Status.Active() {
		return false
	}
	finishRun(&o.runs[idx], status, summary, errMsg, now, o.timings.RunArchiveTTL)
	return true
}

func finishRun(r *persistence.AgentRunRecord, status persistence.RunStatus, summary, errMsg string, now time.Time, ttl time.Duration) {
	r.Status = status
	if summary != "" {
		r.Summary = summary
	}
	if errMsg != "" {
		r.Error = errMsg
	}
	r.FinishedAt = ptr(now)
	r.UpdatedAt = now
	r.ArchivedAt = ptr(now.Add(ttl))
}

// archiveRunsLocked flips settled runs past their archive deadline.
func (o *Orchestrator) archiveRunsLocked(now time.Time) int {
	n := 0
	for i := range o.runs {
		r := &o.runs[i]
		if r.Status.Active() || r.Status == persistence.RunArchived {
			continue
		}
		if r.ArchivedAt == nil {
			finished := r.UpdatedAt
			if r.FinishedAt != nil {
				finished = *r.FinishedAt
			}
			r.ArchivedAt = ptr(finished.Add(o.timings.RunArchiveTTL))
		}
		if now.Before(*r.ArchivedAt) {
			continue
		}
		r.Status = persistence.RunArchived
		r.UpdatedAt = now
		n++
	}
	return n
}

// capRunsLocked evicts the oldest inactive runs until the history fits the
// configured cap. Active runs are never evicted.
func (o *Orchestrator) capRunsLocked() int {
	excess := len(o.runs) - o.timings.RunHistoryCap
	if excess <= 0 {
		return 0
	}
	order := make([]int, 0, len(o.runs))
	for i, r := range o.runs {
		if !r.Status.Active() {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return o.runs[order[a]].CreatedAt.Before(o.runs[order[b]].CreatedAt)
	})
	if excess > len(order) {
		excess = len(order)
	}
	evict := make(map[int]bool, excess)
	for _, i := range order[:excess] {
		evict[i] = true
		if created := o.runs[i].CreatedAt; o.evictedThru == nil || created.After(*o.evictedThru) {
			o.evictedThru = ptr(created)
		}
	}
	kept := o.runs[:0:0]
	for i, r := range o.runs {
		if !evict[i] {
			kept = append(kept, r)
		}
	}
	o.runs = kept
	return excess
}

// runEvictedLocked reports whether the task's missing run was dropped by
// the history cap rather than lost. A running task always has a live run,
// so its missing run is never treated as evicted.
func (o *Orchestrator) runEvictedLocked(t persistence.AgentTask) bool {
	if o.evictedThru == nil || t.Status == persistence.TaskRunning {
		return false
	}
	attempt := t.CreatedAt
	if t.StartedAt != nil {
		attempt = *t.StartedAt
	}
	return !attempt.After(*o.evictedThru)
}

// ListRuns returns the run history, newest first.
func (o *Orchestrator) ListRuns() []persistence.AgentRunRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedRuns(o.runs, nil)
}

// ListRunsForAgent returns the agent's runs, newest first.
func (o *Orchestrator) ListRunsForAgent(agentID string) []persistence.AgentRunRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.resolveLocked(agentID)
	if id == "" {
		id = agentID
	}
	return sortedRuns(o.runs, func(r persistence.AgentRunRecord) bool { return r.AgentID == id })
}

// GetRun returns a copy of the run, or nil.
func (o *Orchestrator) GetRun(runID string) *persistence.AgentRunRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx := o.runIndexLocked(runID); idx >= 0 {
		out := o.runs[idx]
		return &out
	}
	return nil
}

func sortedRuns(runs []persistence.AgentRunRecord, keep func(persistence.AgentRunRecord) bool) []persistence.AgentRunRecord {
	out := make([]persistence.AgentRunRecord, 0, len(runs))
	for _, r := range runs {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	return out
}
