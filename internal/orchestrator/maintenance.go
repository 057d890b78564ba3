package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/persistence"
)

// MaintenanceReport counts what one maintenance pass changed.
type MaintenanceReport struct {
	Stalled             int
	Unstalled           int
	VerificationPending int
	HeartbeatTasks      int
	HeartbeatAgents     int
	Archived            int
	Evicted             int
}

// RunMaintenance flags stale work, reminds supervisors about unverified
// results, refreshes heartbeats and sweeps the run history. Only documents
// that changed are written.
func (o *Orchestrator) RunMaintenance(ctx context.Context) MaintenanceReport {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.now()
	var rep MaintenanceReport
	tasksChanged, runsChanged, agentsChanged := false, false, false

	for i := range o.tasks {
		taskChanged, runChanged := o.sweepStaleLocked(ctx, &o.tasks[i], now, &rep)
		tasksChanged = tasksChanged || taskChanged
		runsChanged = runsChanged || runChanged
		if o.remindVerificationLocked(&o.tasks[i], now) {
			rep.VerificationPending++
			tasksChanged = true
		}
	}

	if n, ids, taskIDs := o.heartbeatLocked(now); n > 0 {
		rep.HeartbeatAgents = len(ids)
		rep.HeartbeatTasks = len(taskIDs)
		tasksChanged = tasksChanged || len(taskIDs) > 0
		agentsChanged = len(ids) > 0
		o.lastHeartbeat = ptr(now)
		o.publish(bus.TopicHeartbeat, bus.HeartbeatEvent{At: now, AgentIDs: ids, TaskIDs: taskIDs})
	}

	rep.Archived = o.archiveRunsLocked(now)
	rep.Evicted = o.capRunsLocked()
	if rep.Archived > 0 || rep.Evicted > 0 {
		runsChanged = true
		o.metrics.RunsArchived.Add(ctx, int64(rep.Archived))
	}

	if tasksChanged || runsChanged || agentsChanged {
		if err := o.saveLocked(ctx, agentsChanged, tasksChanged, runsChanged); err != nil {
			o.logger.Error("persist maintenance changes", "error", err)
		}
	}
	o.publish(bus.TopicSummary, bus.SummaryEvent{Summary: o.summaryLocked()})
	return rep
}

// sweepStaleLocked flags or clears staleness on one task. It reports whether
// the task and its run changed.
func (o *Orchestrator) sweepStaleLocked(ctx context.Context, t *persistence.AgentTask, now time.Time, rep *MaintenanceReport) (bool, bool) {
	var since time.Time
	var limit time.Duration
	switch t.Status {
	case persistence.TaskRunning:
		since, limit = t.CreatedAt, o.timings.RunningStallAfter
		if t.StartedAt != nil {
			since = *t.StartedAt
		}
	case persistence.TaskQueued:
		since, limit = t.CreatedAt, o.timings.QueuedStallAfter
	}

	stale := limit > 0 && now.Sub(since) > limit
	if !stale {
		if t.StalledAt == nil && t.StaleReason == "" {
			return false, false
		}
		t.StalledAt = nil
		t.StaleReason = ""
		t.UpdatedAt = now
		rep.Unstalled++
		return true, false
	}
	if t.StalledAt != nil {
		return false, false
	}

	t.StalledAt = ptr(now)
	t.StaleReason = fmt.Sprintf("%s for %s", t.Status, now.Sub(since).Round(time.Second))
	t.UpdatedAt = now
	runChanged := false
	if t.Status == persistence.TaskRunning {
		if ri := o.runIndexLocked(t.RunID); ri >= 0 && o.runs[ri].Status == persistence.RunRunning {
			o.runs[ri].Status = persistence.RunStalled
			o.runs[ri].UpdatedAt = now
			runChanged = true
		}
	}
	rep.Stalled++
	o.metrics.TaskStalls.Add(ctx, 1)
	o.logger.Warn("task stalled", "task_id", t.ID, "agent_id", t.ToAgentID, "reason", t.StaleReason)
	o.publish(bus.TopicTaskStalled, bus.TaskStalledEvent{Task: *t, Reason: t.StaleReason})
	return true, runChanged
}

// remindVerificationLocked stamps a reminder on a done task that has waited
// too long for review.
func (o *Orchestrator) remindVerificationLocked(t *persistence.AgentTask, now time.Time) bool {
	if t.Status != persistence.TaskDone {
		return false
	}
	if t.VerificationStatus != persistence.VerificationNone && t.VerificationStatus != persistence.VerificationUnverified {
		return false
	}
	since := t.UpdatedAt
	switch {
	case t.AwaitingVerificationSince != nil:
		since = *t.AwaitingVerificationSince
	case t.FinishedAt != nil:
		since = *t.FinishedAt
	}
	if now.Sub(since) <= o.timings.VerificationPendingAfter {
		return false
	}
	if t.LastVerificationReminderAt != nil && now.Sub(*t.LastVerificationReminderAt) < o.timings.ReminderCooldown {
		return false
	}
	t.LastVerificationReminderAt = ptr(now)
	o.publish(bus.TopicTaskVerificationPending, bus.TaskEvent{Task: *t})
	return true
}

// heartbeatLocked refreshes heartbeats older than HeartbeatEvery on running
// tasks and on agents with queued or running work. It returns the number of
// refreshed entities and their ids.
func (o *Orchestrator) heartbeatLocked(now time.Time) (int, []string, []string) {
	due := func(last *time.Time) bool {
		return last == nil || now.Sub(*last) >= o.timings.HeartbeatEvery
	}
	busy := make(map[string]bool)
	var taskIDs []string
	for i := range o.tasks {
		t := &o.tasks[i]
		switch t.Status {
		case persistence.TaskRunning:
			busy[t.ToAgentID] = true
			if due(t.LastHeartbeatAt) {
				t.LastHeartbeatAt = ptr(now)
				taskIDs = append(taskIDs, t.ID)
			}
		case persistence.TaskQueued:
			busy[t.ToAgentID] = true
		}
	}
	var agentIDs []string
	for i := range o.agents.Agents {
		a := &o.agents.Agents[i]
		if busy[a.ID] && due(a.LastHeartbeatAt) {
			a.LastHeartbeatAt = ptr(now)
			agentIDs = append(agentIDs, a.ID)
		}
	}
	return len(taskIDs) + len(agentIDs), agentIDs, taskIDs
}
