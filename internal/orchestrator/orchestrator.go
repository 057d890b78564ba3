// Package orchestrator is the agent/task/run lifecycle engine: the agent
// registry, the task queue with routing, retries, verification and recall,
// the run ledger, and the dispatch and maintenance loops that drive them.
//
// All state lives in memory behind one mutex and is written through to a
// persistence.Store on every mutation. Executors run outside the lock; the
// per-agent in-flight set is the only exclusion between concurrent
// executions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentq/internal/cron"
	otelPkg "github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
)

var (
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrArchitectExists = errors.New("an architect agent already exists")
	ErrConnectorKind   = errors.New("connector agents are created with EnsureConnectorAgent")
	ErrInvalidKind     = errors.New("invalid agent kind")
	ErrEmptyName       = errors.New("agent name is required")
	ErrEmptyTask       = errors.New("task title or content is required")
	ErrStoreRequired   = errors.New("orchestrator: store is required")
	ErrNoExecutor      = errors.New("no executor configured for agent kind")
)

// ExecResult is what an executor reports for a finished attempt.
type ExecResult struct {
	Summary string
}

// Executor runs one task attempt on behalf of an agent.
type Executor interface {
	Execute(ctx context.Context, agent persistence.AgentProfile, task persistence.AgentTask) (ExecResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, agent persistence.AgentProfile, task persistence.AgentTask) (ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, agent persistence.AgentProfile, task persistence.AgentTask) (ExecResult, error) {
	return f(ctx, agent, task)
}

// RouteRequest is handed to the delegation router for every new task.
type RouteRequest struct {
	FromAgentID        string
	RequestedToAgentID string
	Title              string
	Content            string
	Agents             []persistence.AgentProfile
}

// RouteDecision is the router's advice. A nil decision keeps the requested
// target.
type RouteDecision struct {
	ToAgentID  string
	Rationale  string
	Confidence float64
	TaskBrief  string
}

// Router proposes a target agent for a task.
type Router interface {
	Route(ctx context.Context, req RouteRequest) (*RouteDecision, error)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(ctx context.Context, req RouteRequest) (*RouteDecision, error)

func (f RouterFunc) Route(ctx context.Context, req RouteRequest) (*RouteDecision, error) {
	return f(ctx, req)
}

// EventSink receives lifecycle notifications. Publish must not block.
type EventSink interface {
	Publish(topic string, payload any)
}

// Workspaces provisions and removes the on-disk scaffold of an agent.
type Workspaces interface {
	Provision(agent persistence.AgentProfile) error
	Remove(agent persistence.AgentProfile) error
}

// Auditor records supervisory actions.
type Auditor interface {
	Record(action, subject, actor, detail string)
}

// Timings holds the loop cadences and lifecycle thresholds.
type Timings struct {
	DispatchInterval         time.Duration
	MaintenanceInterval      time.Duration
	RunningStallAfter        time.Duration
	QueuedStallAfter         time.Duration
	VerificationPendingAfter time.Duration
	ReminderCooldown         time.Duration
	HeartbeatEvery           time.Duration
	RunArchiveTTL            time.Duration
	RunHistoryCap            int
	DefaultMaxRetries        int
}

// DefaultTimings returns the production defaults.
func DefaultTimings() Timings {
	return Timings{
		DispatchInterval:         5 * time.Second,
		MaintenanceInterval:      30 * time.Second,
		RunningStallAfter:        15 * time.Minute,
		QueuedStallAfter:         30 * time.Minute,
		VerificationPendingAfter: 10 * time.Minute,
		ReminderCooldown:         30 * time.Minute,
		HeartbeatEvery:           60 * time.Second,
		RunArchiveTTL:            24 * time.Hour,
		RunHistoryCap:            500,
		DefaultMaxRetries:        2,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.DispatchInterval <= 0 {
		t.DispatchInterval = d.DispatchInterval
	}
	if t.MaintenanceInterval <= 0 {
		t.MaintenanceInterval = d.MaintenanceInterval
	}
	if t.RunningStallAfter <= 0 {
		t.RunningStallAfter = d.RunningStallAfter
	}
	if t.QueuedStallAfter <= 0 {
		t.QueuedStallAfter = d.QueuedStallAfter
	}
	if t.VerificationPendingAfter <= 0 {
		t.VerificationPendingAfter = d.VerificationPendingAfter
	}
	if t.ReminderCooldown <= 0 {
		t.ReminderCooldown = d.ReminderCooldown
	}
	if t.HeartbeatEvery <= 0 {
		t.HeartbeatEvery = d.HeartbeatEvery
	}
	if t.RunArchiveTTL <= 0 {
		t.RunArchiveTTL = d.RunArchiveTTL
	}
	if t.RunHistoryCap <= 0 {
		t.RunHistoryCap = d.RunHistoryCap
	}
	if t.DefaultMaxRetries <= 0 {
		t.DefaultMaxRetries = d.DefaultMaxRetries
	}
	return t
}

// Config holds the collaborators of an Orchestrator. Only Store is required.
type Config struct {
	Store      persistence.Store
	HomeDir    string
	Executors  *ExecutorSet
	Router     Router
	Events     EventSink
	Workspaces Workspaces
	Audit      Auditor
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otelPkg.Metrics
	// Zero fields take DefaultTimings values. A task can still opt out of
	// retries with SendTaskInput.MaxRetries.
	Timings Timings
	Now     func() time.Time
}

// Orchestrator owns the agent registry, the task queue and the run ledger.
type Orchestrator struct {
	store      persistence.Store
	homeDir    string
	executors  *ExecutorSet
	router     Router
	events     EventSink
	workspaces Workspaces
	audit      Auditor
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otelPkg.Metrics
	now        func() time.Time

	mu            sync.Mutex
	timings       Timings
	agents        persistence.AgentsDocument
	tasks         []persistence.AgentTask
	runs          []persistence.AgentRunRecord
	evictedThru   *time.Time
	inFlight      map[string]string // agent id -> run id
	lastHeartbeat *time.Time

	schedMu sync.Mutex
	sched   *cron.Scheduler
	polling atomic.Bool
}

// New builds an orchestrator, loads the persisted documents and reconciles
// state left behind by a previous process.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	executors := cfg.Executors
	if executors == nil {
		executors = NewExecutorSet(nil)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelPkg.NoopTracer()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}

	o := &Orchestrator{
		store:      cfg.Store,
		homeDir:    cfg.HomeDir,
		executors:  executors,
		router:     cfg.Router,
		events:     cfg.Events,
		workspaces: cfg.Workspaces,
		audit:      cfg.Audit,
		logger:     logger.With("component", "orchestrator"),
		tracer:     tracer,
		metrics:    metrics,
		now:        now,
		timings:    cfg.Timings.withDefaults(),
		inFlight:   make(map[string]string),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.loadLocked(ctx)
	if err := o.bootstrapLocked(ctx); err != nil {
		return nil, err
	}
	if err := o.reconcileLocked(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// loadLocked replaces in-memory state with the persisted documents. A
// document that fails to load is logged and replaced with an empty one; a
// corrupt one is first copied aside so the next save cannot destroy it.
func (o *Orchestrator) loadLocked(ctx context.Context) {
	agents, err := o.store.LoadAgents(ctx)
	o.loadFailedLocked(ctx, persistence.DocAgents, err)
	tasks, err := o.store.LoadTasks(ctx)
	o.loadFailedLocked(ctx, persistence.DocTasks, err)
	runs, err := o.store.LoadRuns(ctx)
	o.loadFailedLocked(ctx, persistence.DocRuns, err)
	o.agents = agents
	o.tasks = tasks.Tasks
	o.runs = runs.Runs
	o.evictedThru = runs.EvictedThrough
}

func (o *Orchestrator) loadFailedLocked(ctx context.Context, doc string, err error) {
	if err == nil {
		return
	}
	if !errors.Is(err, persistence.ErrCorruptDocument) {
		o.logger.Error("load document; starting empty", "document", doc, "error", err)
		return
	}
	saved, qerr := o.store.Quarantine(ctx, doc)
	if qerr != nil {
		o.logger.Error("corrupt document could not be copied aside; starting empty", "document", doc, "error", err, "copy_error", qerr)
		return
	}
	o.logger.Error("corrupt document copied aside; starting empty", "document", doc, "copy", saved, "error", err)
}

// reloadLocked refreshes tasks and runs from the store, keeping the current
// in-memory copy when a document cannot be read.
func (o *Orchestrator) reloadLocked(ctx context.Context) {
	if tasks, err := o.store.LoadTasks(ctx); err != nil {
		o.logger.Warn("reload tasks document; keeping in-memory state", "error", err)
	} else {
		o.tasks = tasks.Tasks
	}
	if runs, err := o.store.LoadRuns(ctx); err != nil {
		o.logger.Warn("reload runs document; keeping in-memory state", "error", err)
	} else {
		o.runs = runs.Runs
		o.evictedThru = runs.EvictedThrough
	}
}

func (o *Orchestrator) saveAgentsLocked(ctx context.Context) error {
	if err := o.store.SaveAgents(ctx, o.agents); err != nil {
		return fmt.Errorf("save agents: %w", err)
	}
	return nil
}

func (o *Orchestrator) saveTasksLocked(ctx context.Context) error {
	if err := o.store.SaveTasks(ctx, persistence.TasksDocument{Tasks: o.tasks}); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}

func (o *Orchestrator) saveRunsLocked(ctx context.Context) error {
	if err := o.store.SaveRuns(ctx, persistence.RunsDocument{Runs: o.runs, EvictedThrough: o.evictedThru}); err != nil {
		return fmt.Errorf("save runs: %w", err)
	}
	return nil
}

// saveLocked writes the selected documents, returning the first error.
func (o *Orchestrator) saveLocked(ctx context.Context, agents, tasks, runs bool) error {
	var errs []error
	if agents {
		errs = append(errs, o.saveAgentsLocked(ctx))
	}
	if tasks {
		errs = append(errs, o.saveTasksLocked(ctx))
	}
	if runs {
		errs = append(errs, o.saveRunsLocked(ctx))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) publish(topic string, payload any) {
	if o.events != nil {
		o.events.Publish(topic, payload)
	}
}

func (o *Orchestrator) record(action, subject, actor, detail string) {
	if o.audit != nil {
		o.audit.Record(action, subject, actor, detail)
	}
}

// Timings returns the active thresholds.
func (o *Orchestrator) Timings() Timings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timings
}

// SetTimings replaces the thresholds and, when polling, reschedules both
// loops with the new intervals.
func (o *Orchestrator) SetTimings(t Timings) error {
	o.mu.Lock()
	o.timings = t.withDefaults()
	timings := o.timings
	o.mu.Unlock()

	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if o.sched == nil {
		return nil
	}
	return o.scheduleLoops(timings)
}

// Start enables the dispatch and maintenance timers. Calling Start while
// already polling is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if o.sched != nil {
		return nil
	}
	o.sched = cron.NewScheduler(cron.Config{Logger: o.logger})
	if err := o.scheduleLoops(o.Timings()); err != nil {
		o.sched = nil
		return err
	}
	o.sched.Start(ctx)
	o.polling.Store(true)
	o.logger.Info("orchestrator polling started")
	return nil
}

func (o *Orchestrator) scheduleLoops(t Timings) error {
	if err := o.sched.Every("dispatch", t.DispatchInterval, func(ctx context.Context) {
		o.DispatchPass(ctx)
	}); err != nil {
		return fmt.Errorf("schedule dispatch loop: %w", err)
	}
	if err := o.sched.Every("maintenance", t.MaintenanceInterval, func(ctx context.Context) {
		o.RunMaintenance(ctx)
	}); err != nil {
		return fmt.Errorf("schedule maintenance loop: %w", err)
	}
	return nil
}

// Stop disables the timers and waits for a pass in progress to finish, or
// for ctx to expire. In-flight executions are never cancelled.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.schedMu.Lock()
	sched := o.sched
	o.sched = nil
	o.polling.Store(false)
	o.schedMu.Unlock()
	if sched == nil {
		return nil
	}
	err := sched.Stop(ctx)
	o.logger.Info("orchestrator polling stopped")
	return err
}

// Polling reports whether the timers are running.
func (o *Orchestrator) Polling() bool {
	return o.polling.Load()
}

func ptr(t time.Time) *time.Time {
	return &t
}
