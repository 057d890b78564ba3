package doctor

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/agentq/internal/config"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return &cfg
}

func fakeProbes(lookErr, pingErr, dialErr error) Probes {
	return Probes{
		LookPath:   func(string) (string, error) { return "/usr/bin/x", lookErr },
		PingDocker: func(context.Context, config.ExecutorConfig) error { return pingErr },
		Dial:       func(context.Context, string) error { return dialErr },
	}
}

func results(d Diagnosis) map[string]CheckResult {
	out := make(map[string]CheckResult, len(d.Results))
	for _, r := range d.Results {
		out[r.Name] = r
	}
	return out
}

func TestRun_FreshHome(t *testing.T) {
	cfg := loadConfig(t)
	d := RunWith(context.Background(), cfg, "v-test", fakeProbes(nil, nil, errors.New("refused")))
	if d.System.Version != "v-test" {
		t.Fatalf("version = %q", d.System.Version)
	}
	got := results(d)
	want := map[string]string{
		"Config":      StatusWarn,
		"Permissions": StatusPass,
		"Store":       StatusPass,
		"Executor":    StatusWarn,
		"Sandbox":     StatusSkip,
		"Daemon":      StatusWarn,
	}
	for name, status := range want {
		if got[name].Status != status {
			t.Errorf("%s = %+v, want %s", name, got[name], status)
		}
	}
	if d.Failed() {
		t.Fatal("fresh home should not fail")
	}
	if got["Store"].Detail != "agents=0 tasks=0 runs=0" {
		t.Fatalf("store detail = %q", got["Store"].Detail)
	}
}

func TestCheckExecutor(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Executor.Command = "claude -p"

	if r := checkExecutor(cfg, fakeProbes(nil, nil, nil)); r.Status != StatusPass || r.Message != "claude found" {
		t.Fatalf("found = %+v", r)
	}
	if r := checkExecutor(cfg, fakeProbes(errors.New("not found"), nil, nil)); r.Status != StatusFail {
		t.Fatalf("missing = %+v", r)
	}
	cfg.Executor.Sandbox = true
	if r := checkExecutor(cfg, fakeProbes(errors.New("not found"), nil, nil)); r.Status != StatusPass {
		t.Fatalf("sandboxed = %+v", r)
	}
}

func TestCheckSandbox(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Executor.Sandbox = true
	ctx := context.Background()

	if r := checkSandbox(ctx, cfg, fakeProbes(nil, nil, nil)); r.Status != StatusPass {
		t.Fatalf("reachable = %+v", r)
	}
	d := RunWith(ctx, cfg, "", fakeProbes(nil, errors.New("no socket"), nil))
	if r := results(d)["Sandbox"]; r.Status != StatusFail {
		t.Fatalf("unreachable = %+v", r)
	}
	if !d.Failed() {
		t.Fatal("Failed() = false with a failing check")
	}
}

func TestCheckStore_UnknownBackend(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Store.Backend = "etcd"
	if r := checkStore(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("store = %+v", r)
	}
}

func TestChecks_NilConfig(t *testing.T) {
	d := RunWith(context.Background(), nil, "", fakeProbes(nil, nil, nil))
	got := results(d)
	if got["Config"].Status != StatusFail {
		t.Fatalf("config = %+v", got["Config"])
	}
	for _, name := range []string{"Permissions", "Store", "Executor", "Sandbox", "Daemon"} {
		if got[name].Status != StatusSkip {
			t.Errorf("%s = %+v, want SKIP", name, got[name])
		}
	}
}
