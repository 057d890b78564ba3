// Package doctor runs the local health checks behind "agentq doctor".
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/agentq/internal/config"
	"github.com/basket/agentq/internal/executor"
	"github.com/basket/agentq/internal/persistence"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Probes are the side-effecting lookups the checks depend on.
type Probes struct {
	LookPath   func(string) (string, error)
	PingDocker func(context.Context, config.ExecutorConfig) error
	Dial       func(ctx context.Context, addr string) error
}

func defaultProbes() Probes {
	return Probes{
		LookPath:   exec.LookPath,
		PingDocker: pingDocker,
		Dial: func(ctx context.Context, addr string) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

func pingDocker(ctx context.Context, cfg config.ExecutorConfig) error {
	dr, err := executor.NewDockerRunner(executor.DockerConfig{Image: cfg.SandboxImage, MemoryMB: cfg.SandboxMemory, Network: cfg.SandboxNetwork})
	if err != nil {
		return err
	}
	defer dr.Close()
	return dr.Ping(ctx)
}

// Run executes all diagnostic checks with the real probes.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	return RunWith(ctx, cfg, version, defaultProbes())
}

// RunWith executes all checks with the given probes. Nil probe fields fall
// back to the real ones.
func RunWith(ctx context.Context, cfg *config.Config, version string, p Probes) Diagnosis {
	def := defaultProbes()
	if p.LookPath == nil {
		p.LookPath = def.LookPath
	}
	if p.PingDocker == nil {
		p.PingDocker = def.PingDocker
	}
	if p.Dial == nil {
		p.Dial = def.Dial
	}

	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	d.Results = append(d.Results,
		checkConfig(cfg),
		checkPermissions(cfg),
		checkStore(ctx, cfg),
		checkExecutor(cfg, p),
		checkSandbox(ctx, cfg, p),
		checkDaemon(ctx, cfg, p),
	)
	return d
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use", Detail: "run 'agentq init'"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: "Loaded from " + config.ConfigPath(cfg.HomeDir), Detail: "fingerprint " + cfg.Fingerprint()}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkStore opens the configured backend and loads every document, which
// also validates them against their schemas.
func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Store", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.Store.Backend, cfg.Store.Path, cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Open %s store: %v", cfg.Store.Backend, err)}
	}
	defer store.Close()

	agents, err := store.LoadAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Load agents: %v", err)}
	}
	tasks, err := store.LoadTasks(ctx)
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Load tasks: %v", err)}
	}
	runs, err := store.LoadRuns(ctx)
	if err != nil {
		return CheckResult{Name: "Store", Status: StatusFail, Message: fmt.Sprintf("Load runs: %v", err)}
	}
	return CheckResult{
		Name:    "Store",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s backend readable", cfg.Store.Backend),
		Detail:  fmt.Sprintf("agents=%d tasks=%d runs=%d", len(agents.Agents), len(tasks.Tasks), len(runs.Runs)),
	}
}

func checkExecutor(cfg *config.Config, p Probes) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: StatusSkip, Message: "Config missing"}
	}
	command := strings.TrimSpace(cfg.Executor.Command)
	if command == "" {
		return CheckResult{Name: "Executor", Status: StatusWarn, Message: "executor.command is empty; tasks will fail", Detail: "set executor.command in config.yaml"}
	}
	if cfg.Executor.Sandbox {
		return CheckResult{Name: "Executor", Status: StatusPass, Message: "Command runs inside the sandbox image", Detail: command}
	}
	bin := strings.Fields(command)[0]
	if _, err := p.LookPath(bin); err != nil {
		return CheckResult{Name: "Executor", Status: StatusFail, Message: fmt.Sprintf("%s not found on PATH", bin), Detail: command}
	}
	return CheckResult{Name: "Executor", Status: StatusPass, Message: bin + " found", Detail: command}
}

func checkSandbox(ctx context.Context, cfg *config.Config, p Probes) CheckResult {
	if cfg == nil || !cfg.Executor.Sandbox {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "sandbox disabled"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.PingDocker(pingCtx, cfg.Executor); err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}
	return CheckResult{Name: "Sandbox", Status: StatusPass, Message: "docker daemon reachable", Detail: "image " + cfg.Executor.SandboxImage}
}

// checkDaemon only warns: a stopped daemon is a normal state.
func checkDaemon(ctx context.Context, cfg *config.Config, p Probes) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Daemon", Status: StatusSkip, Message: "Config missing"}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := p.Dial(dialCtx, cfg.BindAddr); err != nil {
		return CheckResult{Name: "Daemon", Status: StatusWarn, Message: "not listening on " + cfg.BindAddr, Detail: "start it with 'agentq serve'"}
	}
	return CheckResult{Name: "Daemon", Status: StatusPass, Message: "listening on " + cfg.BindAddr, Detail: fmt.Sprintf("connect took %dms", time.Since(start).Milliseconds())}
}
