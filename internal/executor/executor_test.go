package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/agentq/internal/orchestrator"
	"github.com/basket/agentq/internal/persistence"
)

type fakeRunner struct {
	out  Output
	err  error
	got  Request
	wait bool
}

func (f *fakeRunner) Run(ctx context.Context, req Request) (Output, error) {
	f.got = req
	if f.wait {
		<-ctx.Done()
		return Output{ExitCode: -1}, ctx.Err()
	}
	return f.out, f.err
}

func testAgent(t *testing.T) persistence.AgentProfile {
	dir := t.TempDir()
	return persistence.AgentProfile{
		ID:           "builder",
		Kind:         persistence.KindWorker,
		AgentDir:     dir,
		WorkspaceDir: filepath.Join(dir, "workspace"),
	}
}

func testTask() persistence.AgentTask {
	return persistence.AgentTask{ID: "t1", Title: "Fix build", Content: "make it green", RunID: "r1", RetryCount: 1}
}

func TestCommandExecutor_Success(t *testing.T) {
	runner := &fakeRunner{out: Output{Stdout: "  all tests passed\n"}}
	e := NewCommandExecutor(Config{Command: "make test", Runner: runner})
	agent := testAgent(t)

	res, err := e.Execute(context.Background(), agent, testTask())
	require.NoError(t, err)
	assert.Equal(t, "all tests passed", res.Summary)

	assert.Equal(t, "make test", runner.got.Command)
	assert.Equal(t, agent.WorkspaceDir, runner.got.Dir)
	assert.Equal(t, "make it green", runner.got.Stdin)
	assert.Contains(t, runner.got.Env, "AGENTQ_TASK_ID=t1")
	assert.Contains(t, runner.got.Env, "AGENTQ_RUN_ID=r1")
	assert.Contains(t, runner.got.Env, "AGENTQ_ATTEMPT=2")
	assert.DirExists(t, agent.WorkspaceDir)
}

func TestCommandExecutor_EmptyOutput(t *testing.T) {
	e := NewCommandExecutor(Config{Command: "true", Runner: &fakeRunner{}})
	res, err := e.Execute(context.Background(), testAgent(t), testTask())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Summary, "command completed in "), res.Summary)
}

func TestCommandExecutor_NonZeroExit(t *testing.T) {
	cases := []struct {
		name string
		out  Output
		want string
	}{
		{"stderr excerpt", Output{ExitCode: 2, Stderr: "tests failed\n", Stdout: "noise"}, "command failed: exit code 2: tests failed"},
		{"stdout fallback", Output{ExitCode: 1, Stdout: "lint errors"}, "command failed: exit code 1: lint errors"},
		{"no output", Output{ExitCode: 3}, "command failed: exit code 3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := NewCommandExecutor(Config{Command: "x", Runner: &fakeRunner{out: tc.out}})
			_, err := e.Execute(context.Background(), testAgent(t), testTask())
			require.Error(t, err)
			assert.Equal(t, tc.want, err.Error())
			assert.True(t, orchestrator.IsRecoverableFailure(err.Error()))
		})
	}
}

func TestCommandExecutor_RedactsAndTruncates(t *testing.T) {
	long := "password=supersecretvalue " + strings.Repeat("x", maxSummary)
	e := NewCommandExecutor(Config{Command: "x", Runner: &fakeRunner{out: Output{Stdout: long}}})
	res, err := e.Execute(context.Background(), testAgent(t), testTask())
	require.NoError(t, err)
	assert.NotContains(t, res.Summary, "supersecretvalue")
	assert.True(t, strings.HasSuffix(res.Summary, "...[truncated]"))
}

func TestCommandExecutor_Timeout(t *testing.T) {
	e := NewCommandExecutor(Config{Command: "sleep", Timeout: 20 * time.Millisecond, Runner: &fakeRunner{wait: true}})
	_, err := e.Execute(context.Background(), testAgent(t), testTask())
	require.Error(t, err)
	assert.Equal(t, "command timed out after 20ms", err.Error())
	assert.False(t, orchestrator.IsRecoverableFailure(err.Error()))
}

func TestCommandExecutor_RunnerError(t *testing.T) {
	e := NewCommandExecutor(Config{Command: "x", Runner: &fakeRunner{err: errors.New("docker unavailable")}})
	_, err := e.Execute(context.Background(), testAgent(t), testTask())
	require.Error(t, err)
	assert.Equal(t, "run command: docker unavailable", err.Error())
}

func TestCommandExecutor_NoCommand(t *testing.T) {
	e := NewCommandExecutor(Config{Runner: &fakeRunner{}})
	_, err := e.Execute(context.Background(), testAgent(t), testTask())
	require.Error(t, err)
}

func TestHostRunner(t *testing.T) {
	dir := t.TempDir()
	r := &HostRunner{}

	out, err := r.Run(context.Background(), Request{
		Command: `read line; echo "got $line in $(basename "$(pwd -P)") as $AGENTQ_AGENT_ID"; echo warn >&2`,
		Dir:     dir,
		Stdin:   "hello\n",
		Env:     []string{"AGENTQ_AGENT_ID=builder"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "got hello in "+filepath.Base(dir)+" as builder\n", out.Stdout)
	assert.Equal(t, "warn\n", out.Stderr)

	out, err = r.Run(context.Background(), Request{Command: "echo boom >&2; exit 7"})
	require.NoError(t, err)
	assert.Equal(t, 7, out.ExitCode)
	assert.Equal(t, "boom\n", out.Stderr)
}

func TestHostRunner_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := (&HostRunner{WaitDelay: 100 * time.Millisecond}).Run(ctx, Request{Command: "sleep 5"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDockerRunner_ContainerSpec(t *testing.T) {
	d := &DockerRunner{image: "alpine:3.20", memoryBytes: 256 * 1024 * 1024, networkMode: "none"}
	cfg, host := d.containerSpec(Request{Command: "make test", Dir: "/srv/ws", Env: []string{"AGENTQ_TASK_ID=t1"}})

	assert.Equal(t, "alpine:3.20", cfg.Image)
	assert.Equal(t, containerWorkdir, cfg.WorkingDir)
	assert.Equal(t, []string{"sh", "-c", `sh -c "$AGENTQ_COMMAND" < "$AGENTQ_TASK_FILE"`}, []string(cfg.Cmd))
	assert.Contains(t, cfg.Env, "AGENTQ_COMMAND=make test")
	assert.Contains(t, cfg.Env, "AGENTQ_TASK_FILE=/workspace/.agentq/task.md")
	assert.Contains(t, cfg.Env, "AGENTQ_TASK_ID=t1")
	assert.Equal(t, []string{"/srv/ws:/workspace"}, host.Binds)
	assert.Equal(t, int64(256*1024*1024), host.Memory)
	assert.Equal(t, "none", string(host.NetworkMode))
	assert.False(t, host.AutoRemove)
}

func TestNewSet(t *testing.T) {
	e := NewCommandExecutor(Config{Command: "true", Runner: &fakeRunner{}})
	set := NewSet(e)
	assert.Same(t, e, set.For(persistence.KindWorker))
	assert.Same(t, e, set.For(persistence.KindReviewer))

	_, err := set.For(persistence.KindConnector).Execute(context.Background(), persistence.AgentProfile{}, persistence.AgentTask{})
	assert.ErrorIs(t, err, ErrConnectorTask)

	assert.Nil(t, NewSet(nil).For(persistence.KindWorker))
}
