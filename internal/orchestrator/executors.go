package orchestrator

import (
	"sync"

	"github.com/basket/agentq/internal/persistence"
)

// ExecutorSet maps agent kinds to executors, with a fallback for kinds that
// have no dedicated entry. It is built once at startup.
type ExecutorSet struct {
	mu       sync.RWMutex
	byKind   map[persistence.AgentKind]Executor
	fallback Executor
}

// NewExecutorSet returns a set whose unregistered kinds use fallback.
func NewExecutorSet(fallback Executor) *ExecutorSet {
	return &ExecutorSet{
		byKind:   make(map[persistence.AgentKind]Executor),
		fallback: fallback,
	}
}

// Register binds an executor to a kind and returns the set for chaining.
func (s *ExecutorSet) Register(kind persistence.AgentKind, exec Executor) *ExecutorSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKind[kind] = exec
	return s
}

// For returns the executor for kind, the fallback, or nil.
func (s *ExecutorSet) For(kind persistence.AgentKind) Executor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if exec, ok := s.byKind[kind]; ok && exec != nil {
		return exec
	}
	return s.fallback
}
