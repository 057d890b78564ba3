package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/persistence"
)

func TestMaintenance_QueuedStall(t *testing.T) {
	env := newTestEnv(t)
	env.createAgent(t, "Worker")
	if _, err := env.orch.UpdateAgent(context.Background(), "worker", AgentPatch{AutoPoll: boolPtr(false)}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	task := env.send(t, ArchitectID, "worker", "waiting", "")

	env.clock.Advance(DefaultTimings().QueuedStallAfter + time.Minute)
	rep := env.orch.RunMaintenance(context.Background())
	if rep.Stalled != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := env.task(t, task.ID)
	if got.StalledAt == nil || !strings.Contains(got.StaleReason, "queued") {
		t.Fatalf("stalledAt=%v staleReason=%q", got.StalledAt, got.StaleReason)
	}
	if got.StaleReason != "queued for 31m0s" {
		t.Fatalf("staleReason = %q", got.StaleReason)
	}
	if env.sink.Count(bus.TopicTaskStalled) != 1 {
		t.Fatal("task-stalled not emitted")
	}

	// Subsequent passes keep the first detection and do not re-emit.
	first := *got.StalledAt
	env.clock.Advance(time.Minute)
	env.orch.RunMaintenance(context.Background())
	again := env.task(t, task.ID)
	if !again.StalledAt.Equal(first) || env.sink.Count(bus.TopicTaskStalled) != 1 {
		t.Fatal("stall re-detected")
	}
	if s := env.orch.Summary(); s.TasksStalled != 1 {
		t.Fatalf("summary stalled = %d", s.TasksStalled)
	}

	// Persisted, so a restart keeps the flag.
	reopened := env.reopen(t)
	if reopened.GetTask(task.ID).StalledAt == nil {
		t.Fatal("stall flag not persisted")
	}
}

func TestMaintenance_RunningStallAndClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAgent(t, "Worker")

	release := make(chan struct{})
	started := make(chan struct{})
	env.executors.Register(persistence.KindWorker, ExecutorFunc(func(context.Context, persistence.AgentProfile, persistence.AgentTask) (ExecResult, error) {
		close(started)
		<-release
		return ExecResult{Summary: "finally done"}, nil
	}))
	task := env.send(t, ArchitectID, "worker", "slow", "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.orch.RunNextForAgent(ctx, "worker")
	}()
	<-started

	env.clock.Advance(DefaultTimings().RunningStallAfter + time.Second)
	env.orch.RunMaintenance(ctx)
	got := env.task(t, task.ID)
	if got.StalledAt == nil || !strings.HasPrefix(got.StaleReason, "running for ") {
		t.Fatalf("running task not stalled: %+v", got)
	}
	if run := env.orch.GetRun(got.RunID); run.Status != persistence.RunStalled {
		t.Fatalf("run status = %s, want stalled", run.Status)
	}

	close(release)
	<-done
	settled := env.task(t, task.ID)
	if settled.Status != persistence.TaskDone || settled.StalledAt != nil || settled.StaleReason != "" {
		t.Fatalf("settled task = %+v", settled)
	}
	if run := env.orch.GetRun(settled.RunID); run.Status != persistence.RunDone {
		t.Fatalf("run status = %s, want done", run.Status)
	}
}

func TestMaintenance_VerificationReminderCooldown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAgent(t, "Worker")
	task := env.send(t, ArchitectID, "worker", "review me", "")
	if _, err := env.orch.RunNextForAgent(ctx, "worker"); err != nil {
		t.Fatalf("RunNextForAgent: %v", err)
	}
	timings := DefaultTimings()

	env.clock.Advance(timings.VerificationPendingAfter - time.Minute)
	if rep := env.orch.RunMaintenance(ctx); rep.VerificationPending != 0 {
		t.Fatal("reminder before threshold")
	}

	env.clock.Advance(2 * time.Minute)
	if rep := env.orch.RunMaintenance(ctx); rep.VerificationPending != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if env.task(t, task.ID).LastVerificationReminderAt == nil {
		t.Fatal("reminder not stamped")
	}

	env.clock.Advance(timings.ReminderCooldown / 2)
	if rep := env.orch.RunMaintenance(ctx); rep.VerificationPending != 0 {
		t.Fatal("reminder inside cooldown")
	}
	env.clock.Advance(timings.ReminderCooldown)
	if rep := env.orch.RunMaintenance(ctx); rep.VerificationPending != 1 {
		t.Fatal("no reminder after cooldown")
	}
	if env.sink.Count(bus.TopicTaskVerificationPending) != 2 {
		t.Fatalf("verification-pending events = %d", env.sink.Count(bus.TopicTaskVerificationPending))
	}

	if _, err := env.orch.VerifyTask(ctx, VerifyInput{TaskID: task.ID}); err != nil {
		t.Fatalf("VerifyTask: %v", err)
	}
	env.clock.Advance(timings.ReminderCooldown * 2)
	if rep := env.orch.RunMaintenance(ctx); rep.VerificationPending != 0 {
		t.Fatal("reminder for a verified task")
	}
}

func TestMaintenance_Heartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createAgent(t, "Worker")
	env.createAgent(t, "Idle")
	if _, err := env.orch.UpdateAgent(ctx, "worker", AgentPatch{AutoPoll: boolPtr(false)}); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	env.send(t, ArchitectID, "worker", "queued work", "")

	rep := env.orch.RunMaintenance(ctx)
	if rep.HeartbeatAgents != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if env.orch.GetAgent("worker").LastHeartbeatAt == nil {
		t.Fatal("busy agent heartbeat not refreshed")
	}
	if env.orch.GetAgent("idle").LastHeartbeatAt != nil {
		t.Fatal("idle agent got a heartbeat")
	}
	if env.orch.Summary().LastHeartbeatAt == nil {
		t.Fatal("summary missing lastHeartbeatAt")
	}

	env.clock.Advance(time.Second)
	if rep := env.orch.RunMaintenance(ctx); rep.HeartbeatAgents != 0 {
		t.Fatal("heartbeat refreshed before HeartbeatEvery")
	}
	env.clock.Advance(DefaultTimings().HeartbeatEvery)
	if rep := env.orch.RunMaintenance(ctx); rep.HeartbeatAgents != 1 {
		t.Fatal("heartbeat not refreshed after HeartbeatEvery")
	}
	if env.sink.Count(bus.TopicHeartbeat) != 2 || env.sink.Count(bus.TopicSummary) != 3 {
		t.Fatalf("heartbeat=%d summary=%d", env.sink.Count(bus.TopicHeartbeat), env.sink.Count(bus.TopicSummary))
	}
}

func TestMaintenance_ArchiveAndCap(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Timings = Timings{RunArchiveTTL: time.Hour, RunHistoryCap: 3}
	})
	ctx := context.Background()
	env.createAgent(t, "Worker")
	for i := 0; i < 5; i++ {
		env.send(t, ArchitectID, "worker", "job", "")
		if _, err := env.orch.RunNextForAgent(ctx, "worker"); err != nil {
			t.Fatalf("RunNextForAgent: %v", err)
		}
		env.clock.Advance(time.Minute)
	}
	if n := len(env.orch.ListRuns()); n != 5 {
		t.Fatalf("runs before sweep = %d", n)
	}

	rep := env.orch.RunMaintenance(ctx)
	if rep.Evicted != 2 || rep.Archived != 0 {
		t.Fatalf("report = %+v", rep)
	}
	runs := env.orch.ListRuns()
	if len(runs) != 3 {
		t.Fatalf("runs after cap = %d", len(runs))
	}
	// Newest first; the two oldest were evicted.
	if !runs[0].StartedAt.After(runs[2].StartedAt) {
		t.Fatal("ListRuns not newest first")
	}

	env.clock.Advance(time.Hour)
	rep = env.orch.RunMaintenance(ctx)
	if rep.Archived != 3 {
		t.Fatalf("archived = %d, want 3", rep.Archived)
	}
	s := env.orch.Summary()
	if s.RunsArchived != 3 || s.RunsActive != 0 || s.RunsTotal != 3 {
		t.Fatalf("summary = %+v", s)
	}
}
