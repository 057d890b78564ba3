package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/agentq/internal/audit"
	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/gateway"
	"github.com/basket/agentq/internal/orchestrator"
	"github.com/basket/agentq/internal/persistence"
)

const cliToken = "cli-token"

type cliEnv struct {
	t    *testing.T
	home string
	srv  *httptest.Server
	orch *orchestrator.Orchestrator
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	home := t.TempDir()
	store, err := persistence.Open("file", "", home)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	orch, err := orchestrator.New(context.Background(), orchestrator.Config{
		Store:   store,
		HomeDir: home,
		Events:  b,
		Executors: orchestrator.NewExecutorSet(orchestrator.ExecutorFunc(
			func(_ context.Context, _ persistence.AgentProfile, task persistence.AgentTask) (orchestrator.ExecResult, error) {
				return orchestrator.ExecResult{Summary: "finished " + task.Title + "; all tests passed"}, nil
			})),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(gateway.New(gateway.Config{
		Orchestrator:      orch,
		Bus:               b,
		AuthToken:         cliToken,
		ConfigFingerprint: "cfg-cli",
		Version:           "v-cli",
	}).Handler())
	t.Cleanup(srv.Close)
	return &cliEnv{t: t, home: home, srv: srv, orch: orch}
}

// run executes the root command against the test daemon and returns its
// stdout.
func (e *cliEnv) run(stdin string, args ...string) (string, error) {
	e.t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--home", e.home, "--addr", e.srv.URL, "--token", cliToken}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e *cliEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run("", args...)
	require.NoError(e.t, err, out)
	return out
}

func TestCLI_AgentLifecycle(t *testing.T) {
	e := newCLIEnv(t)

	out := e.mustRun("agents", "create", "Build Bot", "-r", "compiles and tests go code")
	assert.Contains(t, out, "created build-bot (worker)")
	assert.Contains(t, out, filepath.Join("agents", "build-bot", "workspace"))

	out = e.mustRun("agents")
	assert.Contains(t, out, "build-bot")
	assert.Contains(t, out, "Build Bot")
	assert.Contains(t, out, "compiles and tests go code")

	out = e.mustRun("agents", "update", "build-bot", "--autopoll=false", "-r", "ships releases")
	assert.Contains(t, out, "updated build-bot")
	agent := e.orch.GetAgent("build-bot")
	require.NotNil(t, agent)
	assert.False(t, agent.AutoPoll)
	assert.Equal(t, "ships releases", agent.Responsibility)

	out = e.mustRun("agents", "list")
	assert.Contains(t, out, "manual")

	out = e.mustRun("agents", "activate", "build-bot")
	assert.Contains(t, out, "active agent: build-bot")
	assert.Equal(t, "build-bot", e.orch.ActiveAgentID())

	out = e.mustRun("agents", "delete", "build-bot")
	assert.Contains(t, out, "deleted build-bot")
	assert.Nil(t, e.orch.GetAgent("build-bot"))
}

func TestCLI_AgentErrors(t *testing.T) {
	e := newCLIEnv(t)

	_, err := e.run("", "agents", "update", "build-bot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")

	_, err = e.run("", "agents", "update", "ghost", "--name", "x")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, 2, exitCode(err))

	_, err = e.run("", "agents", "create", "x", "--kind", "robot")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
}

func TestCLI_TaskFlow(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("agents", "create", "Worker", "--manual")

	out := e.mustRun("send", "worker", "fix the flaky test\nin pkg/x")
	assert.Contains(t, out, "for worker: fix the flaky test")
	assert.NotContains(t, out, "rerouted")
	tasks := e.orch.ListTasks()
	require.Len(t, tasks, 1)
	id := tasks[0].ID
	assert.Equal(t, persistence.TaskQueued, tasks[0].Status)

	out = e.mustRun("tasks", "-a", "worker")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "queued")

	out = e.mustRun("agents", "run-next", "worker")
	assert.Contains(t, out, "done")
	assert.Contains(t, out, "summary: finished fix the flaky test; all tests passed")

	out = e.mustRun("agents", "run-next", "worker")
	assert.Contains(t, out, "worker has nothing to run")

	out = e.mustRun("tasks", "show", id)
	assert.Contains(t, out, "[task-contract]")
	assert.Contains(t, out, "in pkg/x")

	out = e.mustRun("verify", id, "-m", "looks good")
	assert.Contains(t, out, id+" marked verified")

	out = e.mustRun("recall", id, "also cover windows")
	assert.Contains(t, out, "queued follow-up")
	assert.Contains(t, out, "for worker")
	require.Len(t, e.orch.ListTasks(), 2)
	follow := e.orch.ListTasks()[1]
	assert.Equal(t, "Follow-up: fix the flaky test", follow.Title)
	assert.Equal(t, id, follow.RecallOfTaskID)

	out = e.mustRun("runs")
	assert.Contains(t, out, "worker")
	assert.Contains(t, out, id)

	out = e.mustRun("tasks", "-s", "queued")
	assert.Contains(t, out, follow.ID)
	assert.NotContains(t, out, id+" ")

	out = e.mustRun("agents", "abandon", "worker", "--reason", "cancelled")
	assert.Contains(t, out, "abandoned 1 queued and 0 running tasks")
	assert.Equal(t, persistence.TaskFailed, e.orch.GetTask(follow.ID).Status)
}

func TestCLI_SendFromStdin(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("agents", "create", "Worker", "--manual")

	out, err := e.run("update the changelog\nfor v2\n", "send", "worker", "-")
	require.NoError(t, err, out)
	assert.Contains(t, out, ": update the changelog")

	out, err = e.run("piped body", "send", "worker", "--max-retries", "0")
	require.NoError(t, err, out)
	tasks := e.orch.ListTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "piped body", tasks[1].Title)
	assert.Equal(t, 0, tasks[1].MaxRetries)

	_, err = e.run("", "send", "worker")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)

	_, err = e.run("", "send", "ghost", "hello")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

func TestCLI_JSONOutput(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("agents", "create", "Worker", "--manual")
	e.mustRun("send", "worker", "write docs")

	var tasks tasksResponse
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "tasks")), &tasks))
	require.Len(t, tasks.Tasks, 1)
	assert.Equal(t, 1, tasks.Total)
	assert.Equal(t, "write docs", tasks.Tasks[0].Title)

	var agents agentsResponse
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "agents")), &agents))
	ids := []string{}
	for _, a := range agents.Agents {
		ids = append(ids, a.ID)
	}
	assert.Contains(t, ids, "worker")
}

func TestCLI_Status(t *testing.T) {
	e := newCLIEnv(t)
	e.mustRun("agents", "create", "Worker", "--manual")
	e.mustRun("send", "worker", "one")
	e.mustRun("send", "worker", "two")

	out := e.mustRun("status")
	assert.Contains(t, out, "agentq v-cli")
	assert.Contains(t, out, "cfg-cli")
	assert.Contains(t, out, "paused")
	assert.Contains(t, out, "queued 2")
	assert.Contains(t, out, "worker")

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("--json", "status")), &raw))
	var sum summaryResponse
	require.NoError(t, json.Unmarshal(raw["summary"], &sum))
	assert.Equal(t, 2, sum.Summary.TasksQueued)
}

func TestCLI_StatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	addr := srv.URL
	srv.Close()

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--home", t.TempDir(), "--addr", addr, "--token", "x", "status"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon unreachable")
	assert.Equal(t, 1, exitCode(err))
}

func TestCLI_Unauthorized(t *testing.T) {
	e := newCLIEnv(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--home", e.home, "--addr", e.srv.URL, "--token", "wrong", "agents"})
	err := cmd.ExecuteContext(context.Background())
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 403, apiErr.Status)
}

func TestCLI_Init(t *testing.T) {
	home := t.TempDir()
	run := func() (string, error) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"--home", home, "init"})
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run()
	require.NoError(t, err)
	path := filepath.Join(home, "config.yaml")
	assert.Equal(t, "wrote "+path+"\n", out)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config already exists")
}

func TestCLI_Audit(t *testing.T) {
	home := t.TempDir()
	run := func(args ...string) string {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetArgs(append([]string{"--home", home, "audit"}, args...))
		require.NoError(t, cmd.ExecuteContext(context.Background()))
		return out.String()
	}

	assert.Equal(t, "audit log is empty\n", run())

	log, err := audit.Open(home)
	require.NoError(t, err)
	log.Record("agent.create", "worker", "api", "kind=worker")
	log.Record("task.verify", "t-1", "architect", "verified")
	log.Record("agent.delete", "worker", "api", "")
	require.NoError(t, log.Close())

	out := run("-n", "2")
	assert.NotContains(t, out, "agent.create")
	assert.Contains(t, out, "task.verify")
	assert.Contains(t, out, "agent.delete")

	var entries []audit.Entry
	require.NoError(t, json.Unmarshal([]byte(run("--json", "-n", "0")), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "agent.create", entries[0].Action)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 2, exitCode(&apiError{Status: 404, Message: "unknown agent"}))
	assert.Equal(t, 2, exitCode(errors.Join(errors.New("ctx"), &apiError{Status: 400})))
	assert.Equal(t, 1, exitCode(&apiError{Status: 500, Message: "boom"}))
	assert.Equal(t, 1, exitCode(errors.New("dial tcp: refused")))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "", query("agent", "", "limit", ""))
	assert.Equal(t, "?agent=build+bot&limit=5", query("agent", "build bot", "limit", "5", "status", ""))

	content := "[task-contract]\nfrom: architect\nrequested-target: builder\nassigned-target: tester\n[/task-contract]\n\nrequested-target: spoofed\n"
	assert.Equal(t, "builder", contractField(content, "requested-target"))
	assert.Equal(t, "tester", contractField(content, "assigned-target"))
	assert.Equal(t, "", contractField(content, "title"))
	assert.Equal(t, "", contractField("plain text", "from"))

	assert.Equal(t, "a b c", short("a\n b\t c", 10))
	assert.Equal(t, "abcdefg...", short("abcdefghijklmnop", 10))
	assert.Equal(t, "", limitParam(0))
	assert.Equal(t, "7", limitParam(7))

	c := newAPIClient("127.0.0.1:18789/", " tok ")
	assert.Equal(t, "http://127.0.0.1:18789", c.base)
	assert.Equal(t, "tok", c.token)
	assert.Equal(t, "https://example.test", newAPIClient("https://example.test", "").base)
}

func TestCLI_Doctor(t *testing.T) {
	home := t.TempDir()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--home", home, "--json", "doctor"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var d struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &d))
	names := []string{}
	for _, r := range d.Results {
		names = append(names, r.Name)
		assert.NotEqual(t, "FAIL", r.Status, r.Name)
	}
	assert.Equal(t, []string{"Config", "Permissions", "Store", "Executor", "Sandbox", "Daemon"}, names)
}
