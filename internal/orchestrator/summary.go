package orchestrator

import "github.com/basket/agentq/internal/persistence"

// Summary returns the current counts.
func (o *Orchestrator) Summary() persistence.Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summaryLocked()
}

// AgentStatuses returns one status per agent in registry order.
func (o *Orchestrator) AgentStatuses() []persistence.AgentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agentStatusesLocked()
}

func (o *Orchestrator) summaryLocked() persistence.Summary {
	s := persistence.Summary{
		AgentsTotal: len(o.agents.Agents),
		RunsTotal:   len(o.runs),
		Polling:     o.polling.Load(),
	}
	if o.lastHeartbeat != nil {
		hb := *o.lastHeartbeat
		s.LastHeartbeatAt = &hb
	}
	for _, a := range o.agents.Agents {
		if a.Enabled {
			s.AgentsEnabled++
		}
	}
	for _, t := range o.tasks {
		switch t.Status {
		case persistence.TaskQueued:
			s.TasksQueued++
		case persistence.TaskRunning:
			s.TasksRunning++
		case persistence.TaskDone:
			s.TasksDone++
			if t.VerificationStatus == persistence.VerificationNone || t.VerificationStatus == persistence.VerificationUnverified {
				s.TasksAwaitingVerification++
			}
		case persistence.TaskFailed:
			s.TasksFailed++
		}
		if t.StalledAt != nil {
			s.TasksStalled++
		}
	}
	for _, r := range o.runs {
		switch {
		case r.Status.Active():
			s.RunsActive++
		case r.Status == persistence.RunArchived:
			s.RunsArchived++
		}
	}
	return s
}

func (o *Orchestrator) agentStatusesLocked() []persistence.AgentStatus {
	type counts struct{ queued, running, done, failed int }
	byAgent := make(map[string]*counts, len(o.agents.Agents))
	for _, t := range o.tasks {
		c := byAgent[t.ToAgentID]
		if c == nil {
			c = &counts{}
			byAgent[t.ToAgentID] = c
		}
		switch t.Status {
		case persistence.TaskQueued:
			c.queued++
		case persistence.TaskRunning:
			c.running++
		case persistence.TaskDone:
			c.done++
		case persistence.TaskFailed:
			c.failed++
		}
	}

	out := make([]persistence.AgentStatus, 0, len(o.agents.Agents))
	for _, a := range o.agents.Agents {
		c := byAgent[a.ID]
		if c == nil {
			c = &counts{}
		}
		_, inFlight := o.inFlight[a.ID]
		st := persistence.AgentStatus{
			AgentID:         a.ID,
			Name:            a.Name,
			Kind:            a.Kind,
			Enabled:         a.Enabled,
			AutoPoll:        a.AutoPoll,
			InFlight:        inFlight,
			Queued:          c.queued,
			Running:         c.running,
			Done:            c.done,
			Failed:          c.failed,
			LastRunAt:       a.LastRunAt,
			LastError:       a.LastError,
			LastHeartbeatAt: a.LastHeartbeatAt,
		}
		switch {
		case !a.Enabled:
			st.State = persistence.AgentDisabled
		case c.running > 0 || inFlight:
			st.State = persistence.AgentWorking
		case c.queued > 0:
			st.State = persistence.AgentQueued
		case a.LastError != "":
			st.State = persistence.AgentError
		default:
			st.State = persistence.AgentIdle
		}
		out = append(out, st)
	}
	return out
}
