package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/agentq/internal/audit"
	"github.com/basket/agentq/internal/bus"
	"github.com/basket/agentq/internal/config"
	"github.com/basket/agentq/internal/executor"
	"github.com/basket/agentq/internal/gateway"
	"github.com/basket/agentq/internal/orchestrator"
	otelPkg "github.com/basket/agentq/internal/otel"
	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/router"
	"github.com/basket/agentq/internal/telemetry"
	"github.com/basket/agentq/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon and its HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.homeDir(), quiet)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "log to <home>/logs/system.jsonl only")
	return cmd
}

func runServe(ctx context.Context, homeDir string, quiet bool) error {
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NeedsInit {
		if _, err := config.WriteDefault(cfg.HomeDir); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint(), "created", cfg.NeedsInit)
	warnOpenBind(logger, cfg)

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	store, err := persistence.Open(cfg.Store.Backend, cfg.Store.Path, cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "backend", cfg.Store.Backend)

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	executors, closeExecutors, err := buildExecutors(cfg.Executor, logger)
	if err != nil {
		return err
	}
	defer closeExecutors()

	var rt orchestrator.Router
	if cfg.Routing.Enabled {
		rt = router.New(router.Config{MinMargin: cfg.Routing.MinMargin, Logger: logger})
	}

	eventBus := bus.New()
	orch, err := orchestrator.New(ctx, orchestrator.Config{
		Store:      store,
		HomeDir:    cfg.HomeDir,
		Executors:  executors,
		Router:     rt,
		Events:     eventBus,
		Workspaces: workspace.NewProvisioner(workspace.Config{Root: filepath.Join(cfg.HomeDir, "agents"), Logger: logger}),
		Audit:      auditLog,
		Logger:     logger,
		Tracer:     provider.Tracer,
		Metrics:    provider.Metrics,
		Timings:    timingsFrom(cfg.Orchestrator),
	})
	if err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	seedAgents(ctx, orch, cfg.Agents, logger)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start polling: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := orch.Stop(stopCtx); err != nil {
			logger.Warn("orchestrator stop", "error", err)
		}
	}()

	gw := gateway.New(gateway.Config{
		Orchestrator: orch,
		Bus:          eventBus,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.Gateway.AllowOrigins,
		RateLimit: gateway.RateLimitConfig{
			Enabled:           cfg.Gateway.RateLimitRPM > 0,
			RequestsPerMinute: cfg.Gateway.RateLimitRPM,
			BurstSize:         cfg.Gateway.RateLimitBurst,
		},
		MaxBodyBytes:      cfg.Gateway.MaxBodyBytes,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		Tracer:            provider.Tracer,
		Metrics:           provider.Metrics,
		Logger:            logger,
	})
	gw.RateLimiter().StartEviction(ctx, time.Minute, 10*time.Minute)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		go reloadOnChange(watcher, orch, cfg, logger)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.BindAddr, err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ws", "/ws/events", "auth", cfg.AuthToken != "")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
		logger.Error("gateway server error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

// buildExecutors picks the runner for the configured command. Without a
// command every non-connector task fails with ErrNoExecutor.
func buildExecutors(cfg config.ExecutorConfig, logger *slog.Logger) (*orchestrator.ExecutorSet, func(), error) {
	if strings.TrimSpace(cfg.Command) == "" {
		logger.Warn("executor.command is empty; tasks will fail until one is configured")
		return executor.NewSet(nil), func() {}, nil
	}

	var runner executor.Runner = &executor.HostRunner{}
	closeFn := func() {}
	if cfg.Sandbox {
		dr, err := executor.NewDockerRunner(executor.DockerConfig{
			Image:    cfg.SandboxImage,
			MemoryMB: cfg.SandboxMemory,
			Network:  cfg.SandboxNetwork,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init docker sandbox: %w", err)
		}
		runner = dr
		closeFn = func() { _ = dr.Close() }
		logger.Info("executor sandbox enabled", "image", cfg.SandboxImage, "network", cfg.SandboxNetwork)
	}

	exec := executor.NewCommandExecutor(executor.Config{
		Command: cfg.Command,
		Timeout: cfg.Timeout(),
		Runner:  runner,
		Logger:  logger,
	})
	return executor.NewSet(exec), closeFn, nil
}

func timingsFrom(o config.OrchestratorConfig) orchestrator.Timings {
	return orchestrator.Timings{
		DispatchInterval:         o.DispatchInterval(),
		MaintenanceInterval:      o.MaintenanceInterval(),
		RunningStallAfter:        o.RunningStallAfter(),
		QueuedStallAfter:         o.QueuedStallAfter(),
		VerificationPendingAfter: o.VerificationPendingAfter(),
		ReminderCooldown:         o.ReminderCooldown(),
		HeartbeatEvery:           o.HeartbeatEvery(),
		RunArchiveTTL:            o.RunArchiveTTL(),
		RunHistoryCap:            o.RunHistoryCap,
		DefaultMaxRetries:        o.DefaultMaxRetries,
	}
}

// seedAgents creates the configured agents that do not exist yet. Existing
// agents are never modified from config.
func seedAgents(ctx context.Context, orch *orchestrator.Orchestrator, seeds []config.AgentSeed, logger *slog.Logger) {
	for _, s := range seeds {
		if orch.ResolveAgentID(s.Name) != "" {
			continue
		}
		agent, err := orch.CreateAgent(ctx, orchestrator.CreateAgentInput{
			Name:           s.Name,
			Kind:           persistence.AgentKind(s.Kind),
			Responsibility: s.Responsibility,
			SystemPrompt:   s.SystemPrompt,
		})
		if err != nil {
			logger.Warn("seed agent skipped", "name", s.Name, "error", err)
			continue
		}
		logger.Info("seed agent created", "agent_id", agent.ID)
	}
}

// reloadOnChange applies new loop timings when config.yaml changes. Other
// settings need a restart.
func reloadOnChange(w *config.Watcher, orch *orchestrator.Orchestrator, current config.Config, logger *slog.Logger) {
	for ev := range w.Events() {
		logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
		next, err := config.LoadFrom(current.HomeDir)
		if err != nil {
			logger.Error("config.yaml reload failed; keeping previous settings", "error", err)
			continue
		}
		if next.Orchestrator != current.Orchestrator {
			if err := orch.SetTimings(timingsFrom(next.Orchestrator)); err != nil {
				logger.Error("apply reloaded timings", "error", err)
				continue
			}
			logger.Info("orchestrator timings reloaded", "dispatch_interval", next.Orchestrator.DispatchInterval(), "maintenance_interval", next.Orchestrator.MaintenanceInterval())
		}
		if restartRequired(current, next) {
			logger.Warn("config.yaml changed settings that need a restart", "config_fingerprint", next.Fingerprint())
		}
		current = next
	}
}

func restartRequired(a, b config.Config) bool {
	return a.BindAddr != b.BindAddr || a.AuthToken != b.AuthToken || a.Store != b.Store ||
		a.Executor != b.Executor || a.Routing != b.Routing || a.LogLevel != b.LogLevel
}

func warnOpenBind(logger *slog.Logger, cfg config.Config) {
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty on a non-loopback bind; the API is open to the network", "bind_addr", cfg.BindAddr)
	}
}
