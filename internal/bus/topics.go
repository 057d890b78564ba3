package bus

import (
	"time"

	"github.com/basket/agentq/internal/persistence"
)

// TopicPrefix matches every orchestrator topic.
const TopicPrefix = "agents:"

// Task lifecycle topics.
const (
	TopicTaskQueued              = "agents:task-queued"
	TopicTaskRunning             = "agents:task-running"
	TopicTaskDone                = "agents:task-done"
	TopicTaskFailed              = "agents:task-failed"
	TopicTaskRetry               = "agents:task-retry"
	TopicTaskStalled             = "agents:task-stalled"
	TopicTaskRerouted            = "agents:task-rerouted"
	TopicTaskVerificationPending = "agents:task-verification-pending"
	TopicTaskVerified            = "agents:task-verified"
	TopicTaskRecalled            = "agents:task-recalled"
)

// Run, registry and loop topics.
const (
	TopicRunStarted    = "agents:run-started"
	TopicRunFinished   = "agents:run-finished"
	TopicJobsAbandoned = "agents:jobs-abandoned"
	TopicSummary       = "agents:summary"
	TopicHeartbeat     = "agents:heartbeat"
	TopicUpdated       = "agents:updated"
)

// TaskEvent carries a snapshot of the task after the transition.
type TaskEvent struct {
	Task persistence.AgentTask `json:"task"`
}

// TaskRetryEvent is published when a failed attempt is requeued.
type TaskRetryEvent struct {
	Task    persistence.AgentTask `json:"task"`
	Attempt int                   `json:"attempt"`
	Max     int                   `json:"max"`
	Reason  string                `json:"reason"`
}

// TaskReroutedEvent is published when the router assigns a task to a
// different agent than the one requested.
type TaskReroutedEvent struct {
	TaskID           string  `json:"taskId"`
	RequestedAgentID string  `json:"requestedAgentId"`
	AssignedAgentID  string  `json:"assignedAgentId"`
	Rationale        string  `json:"rationale,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
}

// TaskStalledEvent is published on first detection of a stale task.
type TaskStalledEvent struct {
	Task   persistence.AgentTask `json:"task"`
	Reason string                `json:"reason"`
}

// TaskRecalledEvent links a recalled task to its follow-up.
type TaskRecalledEvent struct {
	SourceTaskID string                `json:"sourceTaskId"`
	FollowUp     persistence.AgentTask `json:"followUp"`
	Reason       string                `json:"reason"`
}

// RunEvent carries a snapshot of a run record.
type RunEvent struct {
	Run persistence.AgentRunRecord `json:"run"`
}

// JobsAbandonedEvent reports the work force-cleared for an agent.
type JobsAbandonedEvent struct {
	AgentID string   `json:"agentId"`
	Reason  string   `json:"reason"`
	Queued  []string `json:"queued"`
	Running []string `json:"running"`
}

// HeartbeatEvent lists the agents and tasks refreshed by a maintenance pass.
type HeartbeatEvent struct {
	At       time.Time `json:"at"`
	AgentIDs []string  `json:"agentIds"`
	TaskIDs  []string  `json:"taskIds"`
}

// SummaryEvent carries a freshly computed summary.
type SummaryEvent struct {
	Summary persistence.Summary `json:"summary"`
}

// UpdatedEvent is published after every registry mutation.
type UpdatedEvent struct {
	Summary  persistence.Summary       `json:"summary"`
	Statuses []persistence.AgentStatus `json:"statuses"`
}
