package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/agentq/internal/persistence"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sinkEvent struct {
	Topic   string
	Payload any
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

func (s *fakeSink) Publish(topic string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Topic: topic, Payload: payload})
}

func (s *fakeSink) Count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

func (s *fakeSink) Last(topic string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Topic == topic {
			return s.events[i].Payload, true
		}
	}
	return nil, false
}

type fakeWorkspaces struct {
	mu          sync.Mutex
	provisioned []string
	removed     []string
}

func (w *fakeWorkspaces) Provision(a persistence.AgentProfile) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.provisioned = append(w.provisioned, a.ID)
	return nil
}

func (w *fakeWorkspaces) Remove(a persistence.AgentProfile) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, a.ID)
	return nil
}

type auditEntry struct{ action, subject, actor, detail string }

type fakeAuditor struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *fakeAuditor) Record(action, subject, actor, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{action, subject, actor, detail})
}

func (a *fakeAuditor) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.action
	}
	return out
}

type testEnv struct {
	orch       *Orchestrator
	store      persistence.Store
	dir        string
	sink       *fakeSink
	clock      *fakeClock
	workspaces *fakeWorkspaces
	audit      *fakeAuditor
	executors  *ExecutorSet
}

// newTestEnv builds an orchestrator on a file store in a temp dir. The
// default executor succeeds with "done: all tests passed".
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.NewFileStore(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	env := &testEnv{
		store:      store,
		dir:        dir,
		sink:       &fakeSink{},
		clock:      newFakeClock(),
		workspaces: &fakeWorkspaces{},
		audit:      &fakeAuditor{},
	}
	env.executors = NewExecutorSet(ExecutorFunc(func(context.Context, persistence.AgentProfile, persistence.AgentTask) (ExecResult, error) {
		return ExecResult{Summary: "done: all tests passed"}, nil
	}))
	cfg := Config{
		Store:      store,
		HomeDir:    dir,
		Executors:  env.executors,
		Events:     env.sink,
		Workspaces: env.workspaces,
		Audit:      env.audit,
		Now:        env.clock.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env.orch = mustNew(t, cfg)
	return env
}

func mustNew(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

// reopen builds a second orchestrator over the same store and clock.
func (e *testEnv) reopen(t *testing.T) *Orchestrator {
	t.Helper()
	return mustNew(t, Config{
		Store:     e.store,
		HomeDir:   e.dir,
		Executors: e.executors,
		Events:    e.sink,
		Now:       e.clock.Now,
	})
}

func (e *testEnv) createAgent(t *testing.T, name string) persistence.AgentProfile {
	t.Helper()
	a, err := e.orch.CreateAgent(context.Background(), CreateAgentInput{Name: name, Responsibility: "tests for " + name})
	if err != nil {
		t.Fatalf("CreateAgent(%q): %v", name, err)
	}
	return *a
}

func (e *testEnv) send(t *testing.T, from, to, title, content string) persistence.AgentTask {
	t.Helper()
	task, err := e.orch.SendTask(context.Background(), SendTaskInput{
		FromAgentID: from, ToAgentID: to, Title: title, Content: content,
	})
	if err != nil {
		t.Fatalf("SendTask: %v", err)
	}
	return *task
}

func (e *testEnv) task(t *testing.T, id string) persistence.AgentTask {
	t.Helper()
	task := e.orch.GetTask(id)
	if task == nil {
		t.Fatalf("task %s not found", id)
	}
	return *task
}

// flakyStore fails SaveAgents while failAgents is set.
type flakyStore struct {
	persistence.Store
	failAgents atomic.Bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) SaveAgents(ctx context.Context, doc persistence.AgentsDocument) error {
	if s.failAgents.Load() {
		return errDiskFull
	}
	return s.Store.SaveAgents(ctx, doc)
}

// newFlakyEnv is newTestEnv over a flakyStore.
func newFlakyEnv(t *testing.T) (*testEnv, *flakyStore) {
	t.Helper()
	var fs *flakyStore
	env := newTestEnv(t, func(c *Config) {
		fs = &flakyStore{Store: c.Store}
		c.Store = fs
	})
	return env, fs
}

func failingExecutor(msg string) Executor {
	return ExecutorFunc(func(context.Context, persistence.AgentProfile, persistence.AgentTask) (ExecResult, error) {
		return ExecResult{}, errString(msg)
	})
}

type errString string

func (e errString) Error() string { return string(e) }

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func assertContains(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Fatalf("expected %q to contain %q", s, sub)
	}
}
