package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/shared"
)

// SendTaskInput describes a delegated unit of work. MaxRetries nil uses the
// configured default.
type SendTaskInput struct {
	FromAgentID string
	ToAgentID   string
	Title       string
	Content     string
	MaxRetries  *int
}

// VerifyInput records a supervisor's review of a done task.
type VerifyInput struct {
	TaskID          string
	VerifierAgentID string
	Status          persistence.VerificationStatus
	Notes           string
}

// RecallInput reopens a done or failed task as a follow-up.
type RecallInput struct {
	TaskID      string
	FromAgentID string
	Reason      string
}

// AbandonResult lists the task ids force-cleared by AbandonJobsForAgent.
type AbandonResult struct {
	Queued  []string `json:"queued"`
	Running []string `json:"running"`
}

const maxTitleLen = 120

// SendTask queues a task for the requested agent, or for the agent the
// router proposes. Routing problems never fail the call.
func (o *Orchestrator) SendTask(ctx context.Context, in SendTaskInput) (*persistence.AgentTask, error) {
	title := oneLine(in.Title)
	content := strings.TrimSpace(in.Content)
	if title == "" {
		title = shared.Truncate(oneLine(firstLine(content)), maxTitleLen)
	}
	if title == "" {
		return nil, ErrEmptyTask
	}

	o.mu.Lock()
	requested := o.resolveLocked(in.ToAgentID)
	if requested == "" {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, in.ToAgentID)
	}
	from := o.resolveLocked(in.FromAgentID)
	if from == "" {
		from = strings.TrimSpace(in.FromAgentID)
	}
	if from == "" {
		from = o.architectIDLocked()
	}
	roster := o.enabledAgentsLocked()
	o.mu.Unlock()

	decision := o.route(ctx, RouteRequest{
		FromAgentID:        from,
		RequestedToAgentID: requested,
		Title:              title,
		Content:            content,
		Agents:             roster,
	})

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.agentLocked(requested) == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, requested)
	}
	assigned := requested
	var routing *RouteDecision
	brief := ""
	if decision != nil {
		if target := o.agentLocked(o.resolveLocked(decision.ToAgentID)); target != nil && target.Enabled {
			brief = decision.TaskBrief
			if target.ID != requested {
				assigned = target.ID
				routing = decision
			}
		} else {
			o.logger.Debug("router proposed unavailable agent; keeping requested target",
				"requested", requested, "proposed", decision.ToAgentID)
		}
	}

	maxRetries := o.timings.DefaultMaxRetries
	if in.MaxRetries != nil && *in.MaxRetries >= 0 {
		maxRetries = *in.MaxRetries
	}
	now := o.now()
	task := persistence.AgentTask{
		ID:          shared.NewTaskID(),
		FromAgentID: from,
		ToAgentID:   assigned,
		Title:       title,
		Content: buildTaskContract(contractParams{
			From:      from,
			Requested: requested,
			Assigned:  assigned,
			Title:     title,
			Body:      content,
			Routing:   routing,
			Brief:     brief,
		}),
		Status:     persistence.TaskQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	o.tasks = append(o.tasks, task)
	if err := o.saveTasksLocked(ctx); err != nil {
		o.tasks = o.tasks[:len(o.tasks)-1]
		return nil, err
	}

	o.logger.Info("task queued", "task_id", task.ID, "from", from, "to", assigned, "rerouted", routing != nil)
	o.metrics.TasksQueued.Add(ctx, 1)
	o.publish(bus.TopicTaskQueued, bus.TaskEvent{Task: task})
	if routing != nil {
		o.publish(bus.TopicTaskRerouted, bus.TaskReroutedEvent{
			TaskID:           task.ID,
			RequestedAgentID: requested,
			AssignedAgentID:  assigned,
			Rationale:        routing.Rationale,
			Confidence:       routing.Confidence,
		})
	}
	return &task, nil
}

// route asks the router for advice, swallowing every failure.
func (o *Orchestrator) route(ctx context.Context, req RouteRequest) (decision *RouteDecision) {
	if o.router == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("router panicked; keeping requested target", "panic", fmt.Sprint(r))
			decision = nil
		}
	}()
	d, err := o.router.Route(ctx, req)
	if err != nil {
		o.logger.Debug("router failed; keeping requested target", "error", err)
		return nil
	}
	return d
}

func (o *Orchestrator) enabledAgentsLocked() []persistence.AgentProfile {
	out := make([]persistence.AgentProfile, 0, len(o.agents.Agents))
	for _, a := range o.agents.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

func (o *Orchestrator) taskIndexLocked(id string) int {
	for i := range o.tasks {
		if o.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// VerifyTask records a verification verdict on a done task. It returns nil
// when the task is not done, the status is not a verdict, or the verifier is
// unknown.
func (o *Orchestrator) VerifyTask(ctx context.Context, in VerifyInput) (*persistence.AgentTask, error) {
	status := in.Status
	if status == persistence.VerificationNone {
		status = persistence.VerificationVerified
	}
	if status != persistence.VerificationVerified && status != persistence.VerificationChangesRequested {
		return nil, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.taskIndexLocked(in.TaskID)
	if idx < 0 || o.tasks[idx].Status != persistence.TaskDone {
		return nil, nil
	}
	verifier := o.architectIDLocked()
	if strings.TrimSpace(in.VerifierAgentID) != "" {
		verifier = o.resolveLocked(in.VerifierAgentID)
		if verifier == "" {
			return nil, nil
		}
	}

	now := o.now()
	prev := o.tasks[idx]
	t := &o.tasks[idx]
	t.VerificationStatus = status
	t.VerificationNotes = strings.TrimSpace(in.Notes)
	t.VerifiedByAgentID = verifier
	t.VerifiedAt = ptr(now)
	t.AwaitingVerificationSince = nil
	t.LastVerificationReminderAt = nil
	t.StalledAt = nil
	t.StaleReason = ""
	t.UpdatedAt = now
	out := *t

	if err := o.saveTasksLocked(ctx); err != nil {
		o.tasks[idx] = prev
		return nil, err
	}
	o.logger.Info("task verified", "task_id", out.ID, "status", status, "verifier", verifier)
	o.record("task.verify", out.ID, verifier, string(status)+": "+out.VerificationNotes)
	o.publish(bus.TopicTaskVerified, bus.TaskEvent{Task: out})
	return &out, nil
}

// RecallTask marks a done or failed task as needing changes and queues a
// linked follow-up for the same agent. It returns nil when the request is
// invalid.
func (o *Orchestrator) RecallTask(ctx context.Context, in RecallInput) (*persistence.AgentTask, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.taskIndexLocked(in.TaskID)
	if idx < 0 {
		return nil, nil
	}
	src := o.tasks[idx]
	if src.Status != persistence.TaskDone && src.Status != persistence.TaskFailed {
		return nil, nil
	}
	if o.agentLocked(src.ToAgentID) == nil {
		return nil, nil
	}
	from := src.FromAgentID
	if strings.TrimSpace(in.FromAgentID) != "" {
		from = o.resolveLocked(in.FromAgentID)
		if from == "" {
			return nil, nil
		}
	}

	now := o.now()
	followUp := persistence.AgentTask{
		ID:          shared.NewTaskID(),
		FromAgentID: from,
		ToAgentID:   src.ToAgentID,
		Title:       "Follow-up: " + src.Title,
		Content: buildTaskContract(contractParams{
			From:      from,
			Requested: src.ToAgentID,
			Assigned:  src.ToAgentID,
			Title:     "Follow-up: " + src.Title,
			Body:      contractBody(src.Content),
			Recall: &recallContext{
				SourceTaskID:   src.ID,
				PreviousStatus: src.Status,
				Summary:        src.ResultSummary,
				Error:          src.Error,
				Reason:         reason,
			},
		}),
		Status:         persistence.TaskQueued,
		MaxRetries:     src.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
		RecallOfTaskID: src.ID,
	}

	t := &o.tasks[idx]
	t.VerificationStatus = persistence.VerificationChangesRequested
	t.VerificationNotes = reason
	t.VerifiedByAgentID = from
	t.VerifiedAt = ptr(now)
	t.RecallCount++
	t.AwaitingVerificationSince = nil
	t.LastVerificationReminderAt = nil
	t.UpdatedAt = now
	updated := *t
	o.tasks = append(o.tasks, followUp)

	if err := o.saveTasksLocked(ctx); err != nil {
		o.tasks = o.tasks[:len(o.tasks)-1]
		o.tasks[idx] = src
		return nil, err
	}
	o.logger.Info("task recalled", "task_id", src.ID, "follow_up", followUp.ID, "from", from)
	o.record("task.recall", src.ID, from, reason)
	o.metrics.TasksQueued.Add(ctx, 1)
	o.publish(bus.TopicTaskRecalled, bus.TaskRecalledEvent{SourceTaskID: updated.ID, FollowUp: followUp, Reason: reason})
	o.publish(bus.TopicTaskQueued, bus.TaskEvent{Task: followUp})
	return &followUp, nil
}

// ListTasks returns every task in creation order.
func (o *Orchestrator) ListTasks() []persistence.AgentTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedTasks(o.tasks, nil)
}

// ListTasksForAgent returns the tasks addressed to agentID in creation order.
func (o *Orchestrator) ListTasksForAgent(agentID string) []persistence.AgentTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.resolveLocked(agentID)
	if id == "" {
		id = agentID
	}
	return sortedTasks(o.tasks, func(t persistence.AgentTask) bool { return t.ToAgentID == id })
}

// GetTask returns a copy of the task, or nil.
func (o *Orchestrator) GetTask(id string) *persistence.AgentTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	if idx := o.taskIndexLocked(id); idx >= 0 {
		out := o.tasks[idx]
		return &out
	}
	return nil
}

func sortedTasks(tasks []persistence.AgentTask, keep func(persistence.AgentTask) bool) []persistence.AgentTask {
	out := make([]persistence.AgentTask, 0, len(tasks))
	for _, t := range tasks {
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return taskBefore(out[i], out[j]) })
	return out
}

// taskBefore orders tasks FIFO by creation time, breaking ties by id.
func taskBefore(a, b persistence.AgentTask) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// AbandonJobsForAgent fails every queued task of the agent and flags its
// running tasks as aborted. A running executor is left to finish; its
// result is discarded when it arrives.
func (o *Orchestrator) AbandonJobsForAgent(ctx context.Context, agentID, reason string) (AbandonResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "abandoned by operator"
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.resolveLocked(agentID)
	if id == "" {
		return AbandonResult{}, fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}

	now := o.now()
	res := AbandonResult{Queued: []string{}, Running: []string{}}
	runsChanged := false
	for i := range o.tasks {
		t := &o.tasks[i]
		if t.ToAgentID != id {
			continue
		}
		from := t.Status
		if !persistence.CanTransition(from, persistence.TaskFailed) || !o.transitionLocked(t, persistence.TaskFailed) {
			continue
		}
		switch from {
		case persistence.TaskQueued:
			t.Error = "abandoned: " + reason
			res.Queued = append(res.Queued, t.ID)
		case persistence.TaskRunning:
			t.Error = "aborted: " + reason
			if o.settleRunLocked(t.RunID, persistence.RunFailed, "", t.Error, now) {
				runsChanged = true
			}
			res.Running = append(res.Running, t.ID)
		}
		t.FinishedAt = ptr(now)
		t.UpdatedAt = now
		t.StalledAt = nil
		t.StaleReason = ""
	}
	if len(res.Queued) == 0 && len(res.Running) == 0 {
		return res, nil
	}
	if err := o.saveLocked(ctx, false, true, runsChanged); err != nil {
		return res, err
	}
	o.logger.Info("jobs abandoned", "agent_id", id, "queued", len(res.Queued), "running", len(res.Running))
	o.record("agent.abandon", id, "", reason)
	o.publish(bus.TopicJobsAbandoned, bus.JobsAbandonedEvent{AgentID: id, Reason: reason, Queued: res.Queued, Running: res.Running})
	return res, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// transitionLocked moves t to status when the task state machine allows the
// edge. An illegal edge is logged and leaves t unchanged.
func (o *Orchestrator) transitionLocked(t *persistence.AgentTask, to persistence.TaskStatus) bool {
	if !persistence.CanTransition(t.Status, to) {
		o.logger.Error("refusing illegal task transition", "task_id", t.ID, "from", t.Status, "to", to)
		return false
	}
	t.Status = to
	return true
}
