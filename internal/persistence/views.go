package persistence

import "time"

// Summary is a projection of the three documents. It is recomputed on
// demand and never stored.
type Summary struct {
	AgentsTotal   int `json:"agentsTotal"`
	AgentsEnabled int `json:"agentsEnabled"`

	TasksQueued               int `json:"tasksQueued"`
	TasksRunning              int `json:"tasksRunning"`
	TasksDone                 int `json:"tasksDone"`
	TasksFailed               int `json:"tasksFailed"`
	TasksStalled              int `json:"tasksStalled"`
	TasksAwaitingVerification int `json:"tasksAwaitingVerification"`

	RunsActive   int `json:"runsActive"`
	RunsArchived int `json:"runsArchived"`
	RunsTotal    int `json:"runsTotal"`

	Polling         bool       `json:"polling"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
}

// AgentState is the coarse per-agent state shown to operators.
type AgentState string

const (
	AgentDisabled AgentState = "disabled"
	AgentWorking  AgentState = "working"
	AgentQueued   AgentState = "queued"
	AgentError    AgentState = "error"
	AgentIdle     AgentState = "idle"
)

// AgentStatus is the per-agent projection.
type AgentStatus struct {
	AgentID         string     `json:"agentId"`
	Name            string     `json:"name"`
	Kind            AgentKind  `json:"kind"`
	Enabled         bool       `json:"enabled"`
	AutoPoll        bool       `json:"autoPoll"`
	InFlight        bool       `json:"inFlight"`
	State           AgentState `json:"state"`
	Queued          int        `json:"queued"`
	Running         int        `json:"running"`
	Done            int        `json:"done"`
	Failed          int        `json:"failed"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
}
