package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/persistence"
)

// ArchitectID is the id of the bootstrapped architect agent.
const ArchitectID = "architect"

// CreateAgentInput describes a new agent. Kind defaults to worker; Enabled
// and AutoPoll default to true when nil.
type CreateAgentInput struct {
	Name           string
	Kind           persistence.AgentKind
	Responsibility string
	SystemPrompt   string
	Enabled        *bool
	AutoPoll       *bool
}

// AgentPatch lists the mutable agent fields; nil fields are left unchanged.
type AgentPatch struct {
	Name           *string
	Responsibility *string
	SystemPrompt   *string
	Enabled        *bool
	AutoPoll       *bool
}

// ConnectorInput identifies the connector whose bridge agent should exist.
type ConnectorInput struct {
	ConnectorID string
	Label       string
}

const architectPrompt = `You are %s, the architect of this agent team.
You own planning and delegation. Break requests into focused tasks and send each one to the agent whose responsibility fits best.
Do small, self-contained work yourself; delegate everything that belongs to a specialist.
Review every completed task: verify it when the definition of done is met, or recall it with a concrete reason when it is not.
Report outcomes to the requester with what changed and how it was verified.`

const connectorPrompt = `You are %s, the bridge for the %q connector.
Forward each inbound request to the architect as a task, keeping the requester's wording.
Relay results and questions back to the connector verbatim.
Do not perform the requested work yourself and do not delegate to specialists directly.`

const genericPrompt = `You are %s, a %s agent on this team.
Responsibility: %s
Work on assigned tasks directly with your own tools. Only ask another agent for help when you are blocked.
Before reporting done, run the relevant build, test, and lint checks.
Finish with a summary of what changed and how it was verified, or state clearly what failed.`

func defaultSystemPrompt(agent persistence.AgentProfile) string {
	switch agent.Kind {
	case persistence.KindArchitect:
		return fmt.Sprintf(architectPrompt, agent.Name)
	case persistence.KindConnector:
		return fmt.Sprintf(connectorPrompt, agent.Name, agent.ConnectorID)
	default:
		resp := agent.Responsibility
		if resp == "" {
			resp = "general tasks assigned by the architect"
		}
		return fmt.Sprintf(genericPrompt, agent.Name, agent.Kind, resp)
	}
}

// Slugify lowercases name and collapses every run of characters outside
// [a-z0-9] into a single hyphen.
func Slugify(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}

func (o *Orchestrator) uniqueAgentIDLocked(base string) string {
	if o.agentIndexLocked(base) < 0 {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if o.agentIndexLocked(candidate) < 0 {
			return candidate
		}
	}
}

func (o *Orchestrator) agentIndexLocked(id string) int {
	for i := range o.agents.Agents {
		if o.agents.Agents[i].ID == id {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) agentLocked(id string) *persistence.AgentProfile {
	if i := o.agentIndexLocked(id); i >= 0 {
		return &o.agents.Agents[i]
	}
	return nil
}

func (o *Orchestrator) architectLocked() *persistence.AgentProfile {
	for i := range o.agents.Agents {
		if o.agents.Agents[i].Kind == persistence.KindArchitect {
			return &o.agents.Agents[i]
		}
	}
	return nil
}

func (o *Orchestrator) architectIDLocked() string {
	if a := o.architectLocked(); a != nil {
		return a.ID
	}
	return ArchitectID
}

// newProfileLocked fills identity, paths, session and prompt for a profile
// whose Name, Kind and Responsibility are already set, then appends it.
func (o *Orchestrator) newProfileLocked(p persistence.AgentProfile, id string) persistence.AgentProfile {
	now := o.now()
	p.ID = id
	p.AgentDir = filepath.Join(o.homeDir, "agents", id)
	p.WorkspaceDir = filepath.Join(p.AgentDir, "workspace")
	p.SessionID = uuid.NewString()
	p.CreatedAt = now
	p.UpdatedAt = now
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = defaultSystemPrompt(p)
	}
	if o.workspaces != nil {
		if err := o.workspaces.Provision(p); err != nil {
			o.logger.Warn("provision agent workspace", "agent_id", id, "error", err)
		}
	}
	o.agents.Agents = append(o.agents.Agents, p)
	return p
}

// bootstrapLocked guarantees the registry invariants after a load: one
// architect, protected connectors, and a resolvable active agent.
func (o *Orchestrator) bootstrapLocked(ctx context.Context) error {
	changed := false
	if o.architectLocked() == nil {
		id := ArchitectID
		if o.agentIndexLocked(id) >= 0 {
			id = o.uniqueAgentIDLocked(id)
		}
		o.newProfileLocked(persistence.AgentProfile{
			Name:           "Architect",
			Kind:           persistence.KindArchitect,
			Responsibility: "Plans work, delegates tasks, and verifies results.",
			Enabled:        true,
			AutoPoll:       true,
		}, id)
		o.logger.Info("bootstrapped architect agent", "agent_id", id)
		changed = true
	}
	seenArchitect := false
	for i := range o.agents.Agents {
		a := &o.agents.Agents[i]
		switch a.Kind {
		case persistence.KindArchitect:
			if seenArchitect {
				// A hand-edited registry with two architects keeps the first.
				a.Kind = persistence.KindWorker
				a.Removable = true
				changed = true
				continue
			}
			seenArchitect = true
			if a.Removable || !a.Enabled {
				a.Removable, a.Enabled = false, true
				changed = true
			}
		case persistence.KindConnector:
			if a.Removable || a.AutoPoll {
				a.Removable, a.AutoPoll = false, false
				changed = true
			}
		}
	}
	if o.agents.ActiveAgentID == "" || o.agentIndexLocked(o.agents.ActiveAgentID) < 0 {
		o.agents.ActiveAgentID = o.architectIDLocked()
		changed = true
	}
	if !changed {
		return nil
	}
	return o.saveAgentsLocked(ctx)
}

// CreateAgent registers a new agent.
func (o *Orchestrator) CreateAgent(ctx context.Context, in CreateAgentInput) (*persistence.AgentProfile, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, ErrEmptyName
	}
	kind := in.Kind
	if kind == "" {
		kind = persistence.KindWorker
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if kind == persistence.KindConnector {
		return nil, ErrConnectorKind
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if kind == persistence.KindArchitect && o.architectLocked() != nil {
		return nil, ErrArchitectExists
	}
	snap := o.snapshotLocked()
	enabled, autoPoll := true, true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	if in.AutoPoll != nil {
		autoPoll = *in.AutoPoll
	}
	p := o.newProfileLocked(persistence.AgentProfile{
		Name:           name,
		Kind:           kind,
		Responsibility: strings.TrimSpace(in.Responsibility),
		SystemPrompt:   strings.TrimSpace(in.SystemPrompt),
		Enabled:        enabled || kind == persistence.KindArchitect,
		AutoPoll:       autoPoll,
		Removable:      kind != persistence.KindArchitect,
	}, o.uniqueAgentIDLocked(Slugify(name)))

	if err := o.saveAgentsLocked(ctx); err != nil {
		o.restoreLocked(snap)
		return nil, err
	}
	o.logger.Info("agent created", "agent_id", p.ID, "kind", p.Kind)
	o.emitUpdatedLocked()
	return &p, nil
}

// EnsureConnectorAgent creates or repairs the bridge agent for a connector.
// It returns nil for an empty connector id.
func (o *Orchestrator) EnsureConnectorAgent(ctx context.Context, in ConnectorInput) (*persistence.AgentProfile, error) {
	connectorID := strings.TrimSpace(in.ConnectorID)
	if connectorID == "" {
		return nil, nil
	}
	id := "connector-" + Slugify(connectorID)
	label := strings.TrimSpace(in.Label)
	if label == "" {
		label = "Connector " + connectorID
	}
	defaultResp := fmt.Sprintf("Relays messages between the %s connector and the agent team.", connectorID)

	o.mu.Lock()
	defer o.mu.Unlock()

	snap := o.snapshotLocked()
	existing := o.agentLocked(id)
	if existing == nil {
		p := o.newProfileLocked(persistence.AgentProfile{
			Name:           label,
			Kind:           persistence.KindConnector,
			Responsibility: defaultResp,
			ConnectorID:    connectorID,
			Enabled:        true,
		}, id)
		if err := o.saveAgentsLocked(ctx); err != nil {
			o.restoreLocked(snap)
			return nil, err
		}
		o.logger.Info("connector agent created", "agent_id", id, "connector", connectorID)
		o.emitUpdatedLocked()
		return &p, nil
	}

	changed := false
	if existing.Kind != persistence.KindConnector {
		existing.Kind = persistence.KindConnector
		changed = true
	}
	if existing.ConnectorID != connectorID {
		existing.ConnectorID = connectorID
		changed = true
	}
	if existing.AutoPoll || existing.Removable {
		existing.AutoPoll, existing.Removable = false, false
		changed = true
	}
	if strings.TrimSpace(existing.Name) == "" {
		existing.Name = label
		changed = true
	}
	if strings.TrimSpace(existing.Responsibility) == "" {
		existing.Responsibility = defaultResp
		changed = true
	}
	if strings.TrimSpace(existing.SystemPrompt) == "" {
		existing.SystemPrompt = defaultSystemPrompt(*existing)
		changed = true
	}
	if !changed {
		out := *existing
		return &out, nil
	}
	existing.UpdatedAt = o.now()
	out := *existing
	if err := o.saveAgentsLocked(ctx); err != nil {
		o.restoreLocked(snap)
		return nil, err
	}
	o.logger.Info("connector agent repaired", "agent_id", id)
	o.emitUpdatedLocked()
	return &out, nil
}

// UpdateAgent applies patch to the agent and returns the result, or nil
// when the agent does not exist. The architect stays enabled and connectors
// never auto-poll.
func (o *Orchestrator) UpdateAgent(ctx context.Context, id string, patch AgentPatch) (*persistence.AgentProfile, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a := o.agentLocked(o.resolveLocked(id))
	if a == nil {
		return nil, nil
	}
	prev := *a
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, ErrEmptyName
		}
		a.Name = name
	}
	if patch.Responsibility != nil {
		a.Responsibility = strings.TrimSpace(*patch.Responsibility)
	}
	if patch.SystemPrompt != nil {
		a.SystemPrompt = strings.TrimSpace(*patch.SystemPrompt)
		if a.SystemPrompt == "" {
			a.SystemPrompt = defaultSystemPrompt(*a)
		}
	}
	if patch.Enabled != nil {
		a.Enabled = *patch.Enabled || a.Kind == persistence.KindArchitect
	}
	if patch.AutoPoll != nil {
		a.AutoPoll = *patch.AutoPoll && a.Kind != persistence.KindConnector
	}
	a.UpdatedAt = o.now()
	out := *a

	if err := o.saveAgentsLocked(ctx); err != nil {
		*a = prev
		return nil, err
	}
	o.emitUpdatedLocked()
	return &out, nil
}

// DeleteAgent removes a removable agent together with every task it sent or
// received and every run it executed. It returns false for the architect,
// protected agents and unknown ids.
func (o *Orchestrator) DeleteAgent(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := o.agentIndexLocked(o.resolveLocked(id))
	if idx < 0 {
		return false, nil
	}
	agent := o.agents.Agents[idx]
	if agent.Kind == persistence.KindArchitect || !agent.Removable {
		return false, nil
	}

	snap := o.snapshotLocked()
	o.agents.Agents = append(o.agents.Agents[:idx:idx], o.agents.Agents[idx+1:]...)
	if o.agents.ActiveAgentID == agent.ID {
		o.agents.ActiveAgentID = o.architectIDLocked()
	}

	keptTasks := o.tasks[:0:0]
	removedTasks := 0
	for _, t := range o.tasks {
		if t.ToAgentID == agent.ID || t.FromAgentID == agent.ID {
			removedTasks++
			continue
		}
		keptTasks = append(keptTasks, t)
	}
	o.tasks = keptTasks

	keptRuns := o.runs[:0:0]
	for _, r := range o.runs {
		if r.AgentID == agent.ID || r.FromAgentID == agent.ID {
			continue
		}
		keptRuns = append(keptRuns, r)
	}
	o.runs = keptRuns

	if err := o.saveLocked(ctx, true, true, true); err != nil {
		// Documents that did save now disagree with the restored state.
		o.restoreLocked(snap)
		if rerr := o.saveLocked(ctx, true, true, true); rerr != nil {
			o.logger.Error("rewrite state after failed delete", "agent_id", agent.ID, "error", rerr)
		}
		return false, err
	}
	if o.workspaces != nil {
		if err := o.workspaces.Remove(agent); err != nil {
			o.logger.Warn("remove agent workspace", "agent_id", agent.ID, "error", err)
		}
	}
	o.logger.Info("agent deleted", "agent_id", agent.ID, "tasks_removed", removedTasks)
	o.record("agent.delete", agent.ID, "", fmt.Sprintf("removed %d tasks", removedTasks))
	o.emitUpdatedLocked()
	return true, nil
}

// ResolveAgentID maps a name or id to a registered agent id, matching ids
// case-insensitively before names. It returns "" when nothing matches.
func (o *Orchestrator) ResolveAgentID(nameOrID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolveLocked(nameOrID)
}

func (o *Orchestrator) resolveLocked(nameOrID string) string {
	key := strings.TrimSpace(nameOrID)
	if key == "" {
		return ""
	}
	for _, a := range o.agents.Agents {
		if strings.EqualFold(a.ID, key) {
			return a.ID
		}
	}
	for _, a := range o.agents.Agents {
		if strings.EqualFold(strings.TrimSpace(a.Name), key) {
			return a.ID
		}
	}
	return ""
}

// ListAgents returns a copy of the registry in creation order.
func (o *Orchestrator) ListAgents() []persistence.AgentProfile {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]persistence.AgentProfile, len(o.agents.Agents))
	copy(out, o.agents.Agents)
	return out
}

// GetAgent returns a copy of the agent, or nil.
func (o *Orchestrator) GetAgent(id string) *persistence.AgentProfile {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a := o.agentLocked(o.resolveLocked(id)); a != nil {
		out := *a
		return &out
	}
	return nil
}

// ActiveAgentID returns the agent callers talk to by default.
func (o *Orchestrator) ActiveAgentID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agents.ActiveAgentID
}

// SetActiveAgent makes id the active agent. It returns false when the agent
// is unknown.
func (o *Orchestrator) SetActiveAgent(ctx context.Context, id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	resolved := o.resolveLocked(id)
	if resolved == "" {
		return false, nil
	}
	if o.agents.ActiveAgentID == resolved {
		return true, nil
	}
	prev := o.agents.ActiveAgentID
	o.agents.ActiveAgentID = resolved
	if err := o.saveAgentsLocked(ctx); err != nil {
		o.agents.ActiveAgentID = prev
		return false, err
	}
	o.emitUpdatedLocked()
	return true, nil
}

// stateSnapshot is the in-memory registry as it was before a mutation.
// Agent mutations replace the task and run slices rather than editing them,
// so only the agent slice needs its own copy.
type stateSnapshot struct {
	agents persistence.AgentsDocument
	tasks  []persistence.AgentTask
	runs   []persistence.AgentRunRecord
}

func (o *Orchestrator) snapshotLocked() stateSnapshot {
	snap := stateSnapshot{agents: o.agents, tasks: o.tasks, runs: o.runs}
	snap.agents.Agents = slices.Clone(o.agents.Agents)
	return snap
}

// restoreLocked undoes a mutation whose save failed.
func (o *Orchestrator) restoreLocked(snap stateSnapshot) {
	o.agents = snap.agents
	o.tasks = snap.tasks
	o.runs = snap.runs
}

func (o *Orchestrator) emitUpdatedLocked() {
	o.publish(bus.TopicUpdated, bus.UpdatedEvent{
		Summary:  o.summaryLocked(),
		Statuses: o.agentStatusesLocked(),
	})
}
