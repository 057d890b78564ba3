package persistence

import "time"

// DocumentVersion is the version stamped on every persisted document.
const DocumentVersion = 1

// AgentKind is the role of a registered agent.
type AgentKind string

const (
	KindArchitect AgentKind = "architect"
	KindWorker    AgentKind = "worker"
	KindReviewer  AgentKind = "reviewer"
	KindConnector AgentKind = "connector"
	KindCustom    AgentKind = "custom"
)

// Valid reports whether k is one of the known agent kinds.
func (k AgentKind) Valid() bool {
	switch k {
	case KindArchitect, KindWorker, KindReviewer, KindConnector, KindCustom:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of an AgentTask.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// allowedTaskTransitions defines the task state machine. The running->queued
// edge is the retry path; queued->failed covers abandoned work.
var allowedTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:  {TaskRunning, TaskFailed},
	TaskRunning: {TaskDone, TaskFailed, TaskQueued},
	TaskDone:    {},
	TaskFailed:  {},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, next := range allowedTaskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// VerificationStatus records the supervisor's review of a done task.
type VerificationStatus string

const (
	VerificationNone             VerificationStatus = ""
	VerificationUnverified       VerificationStatus = "unverified"
	VerificationVerified         VerificationStatus = "verified"
	VerificationChangesRequested VerificationStatus = "changes_requested"
)

// RunStatus is the state of a single execution attempt.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunDone     RunStatus = "done"
	RunFailed   RunStatus = "failed"
	RunStalled  RunStatus = "stalled"
	RunArchived RunStatus = "archived"
)

// Active reports whether the run still has an attempt in progress.
func (s RunStatus) Active() bool {
	return s == RunRunning || s == RunStalled
}

// AgentProfile is one registered worker actor.
type AgentProfile struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Kind            AgentKind  `json:"kind"`
	Responsibility  string     `json:"responsibility"`
	SystemPrompt    string     `json:"systemPrompt"`
	SessionID       string     `json:"sessionId"`
	WorkspaceDir    string     `json:"workspaceDir"`
	AgentDir        string     `json:"agentDir"`
	ConnectorID     string     `json:"connectorId,omitempty"`
	Enabled         bool       `json:"enabled"`
	AutoPoll        bool       `json:"autoPoll"`
	Removable       bool       `json:"removable"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	LastRunAt       *time.Time `json:"lastRunAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
}

// AgentTask is one unit of delegated work between two agents. Content holds
// the rendered task contract the receiving agent executes against.
type AgentTask struct {
	ID          string     `json:"id"`
	FromAgentID string     `json:"fromAgentId"`
	ToAgentID   string     `json:"toAgentId"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Status      TaskStatus `json:"status"`
	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`

	ResultSummary string `json:"resultSummary,omitempty"`
	Error         string `json:"error,omitempty"`

	VerificationStatus VerificationStatus `json:"verificationStatus,omitempty"`
	VerificationNotes  string             `json:"verificationNotes,omitempty"`
	VerifiedByAgentID  string             `json:"verifiedByAgentId,omitempty"`
	VerifiedAt         *time.Time         `json:"verifiedAt,omitempty"`

	RecallOfTaskID string `json:"recallOfTaskId,omitempty"`
	RecallCount    int    `json:"recallCount"`
	RunID          string `json:"runId,omitempty"`

	StalledAt                  *time.Time `json:"stalledAt,omitempty"`
	StaleReason                string     `json:"staleReason,omitempty"`
	AwaitingVerificationSince  *time.Time `json:"awaitingVerificationSince,omitempty"`
	LastHeartbeatAt            *time.Time `json:"lastHeartbeatAt,omitempty"`
	LastVerificationReminderAt *time.Time `json:"lastVerificationReminderAt,omitempty"`
}

// AgentRunRecord is one execution attempt of a task.
type AgentRunRecord struct {
	RunID       string     `json:"runId"`
	TaskID      string     `json:"taskId"`
	AgentID     string     `json:"agentId"`
	FromAgentID string     `json:"fromAgentId"`
	Status      RunStatus  `json:"status"`
	Label       string     `json:"label"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	// ArchivedAt is the deadline after which a settled run is archived.
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// AgentsDocument is the persisted agent registry.
type AgentsDocument struct {
	Version       int            `json:"version"`
	ActiveAgentID string         `json:"activeAgentId"`
	Agents        []AgentProfile `json:"agents"`
}

// TasksDocument is the persisted task list.
type TasksDocument struct {
	Version int         `json:"version"`
	Tasks   []AgentTask `json:"tasks"`
}

// RunsDocument is the persisted run history.
type RunsDocument struct {
	Version int              `json:"version"`
	Runs    []AgentRunRecord `json:"runs"`
	// EvictedThrough is the creation time of the newest run dropped by the
	// history cap. Runs at or before it are gone on purpose.
	EvictedThrough *time.Time `json:"evictedThrough,omitempty"`
}
