package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentq/internal/otel"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "file" (JSON documents) or "sqlite".
	Backend string `yaml:"backend"`
	// Path overrides the default location under the home directory.
	Path string `yaml:"path"`
}

// OrchestratorConfig holds the loop timings. Values are in the unit named by
// the key; zero or negative values fall back to the defaults.
type OrchestratorConfig struct {
	DispatchIntervalSeconds    int `yaml:"dispatch_interval_seconds"`
	MaintenanceIntervalSeconds int `yaml:"maintenance_interval_seconds"`
	RunningStallMinutes        int `yaml:"running_stall_minutes"`
	QueuedStallMinutes         int `yaml:"queued_stall_minutes"`
	VerificationPendingMinutes int `yaml:"verification_pending_minutes"`
	ReminderCooldownMinutes    int `yaml:"reminder_cooldown_minutes"`
	HeartbeatIntervalSeconds   int `yaml:"heartbeat_interval_seconds"`
	RunArchiveTTLHours         int `yaml:"run_archive_ttl_hours"`
	RunHistoryCap              int `yaml:"run_history_cap"`
	DefaultMaxRetries          int `yaml:"default_max_retries"`
}

// ExecutorConfig configures the command executor used for worker and
// reviewer agents.
type ExecutorConfig struct {
	// Command is run through "sh -c" with the task content on stdin. Empty
	// disables command execution; tasks then fail with "no executor".
	Command        string `yaml:"command"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Sandbox        bool   `yaml:"sandbox"`
	SandboxImage   string `yaml:"sandbox_image"`
	SandboxMemory  int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork string `yaml:"sandbox_network"`
}

// RoutingConfig controls the keyword router consulted on every send.
type RoutingConfig struct {
	Enabled   bool    `yaml:"enabled"`
	MinMargin float64 `yaml:"min_margin"`
}

// GatewayConfig tunes the HTTP surface. Rate limiting is off unless
// rate_limit_rpm is set.
type GatewayConfig struct {
	AllowOrigins   []string `yaml:"allow_origins"`
	RateLimitRPM   int      `yaml:"rate_limit_rpm"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// AgentSeed is an agent created on startup when no agent with that name
// exists yet.
type AgentSeed struct {
	Name           string `yaml:"name"`
	Kind           string `yaml:"kind"`
	Responsibility string `yaml:"responsibility"`
	SystemPrompt   string `yaml:"system_prompt"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`
	// AuthToken, when set, is required as a bearer token on every API call
	// except /healthz.
	AuthToken string `yaml:"auth_token"`

	Store        StoreConfig        `yaml:"store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Routing      RoutingConfig      `yaml:"routing"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	OTel         otel.Config        `yaml:"otel"`
	Agents       []AgentSeed        `yaml:"agents"`

	// NeedsInit is set when config.yaml does not exist yet.
	NeedsInit bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect the daemon.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|store=%s:%s|orch=%+v|exec=%+v|route=%+v|agents=%d",
		c.BindAddr, c.LogLevel, c.Store.Backend, c.Store.Path, c.Orchestrator, c.Executor, c.Routing, len(c.Agents))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DispatchInterval and the methods below convert the configured integers to
// durations.
func (o OrchestratorConfig) DispatchInterval() time.Duration {
	return time.Duration(o.DispatchIntervalSeconds) * time.Second
}

func (o OrchestratorConfig) MaintenanceInterval() time.Duration {
	return time.Duration(o.MaintenanceIntervalSeconds) * time.Second
}

func (o OrchestratorConfig) RunningStallAfter() time.Duration {
	return time.Duration(o.RunningStallMinutes) * time.Minute
}

func (o OrchestratorConfig) QueuedStallAfter() time.Duration {
	return time.Duration(o.QueuedStallMinutes) * time.Minute
}

func (o OrchestratorConfig) VerificationPendingAfter() time.Duration {
	return time.Duration(o.VerificationPendingMinutes) * time.Minute
}

func (o OrchestratorConfig) ReminderCooldown() time.Duration {
	return time.Duration(o.ReminderCooldownMinutes) * time.Minute
}

func (o OrchestratorConfig) HeartbeatEvery() time.Duration {
	return time.Duration(o.HeartbeatIntervalSeconds) * time.Second
}

func (o OrchestratorConfig) RunArchiveTTL() time.Duration {
	return time.Duration(o.RunArchiveTTLHours) * time.Hour
}

func (e ExecutorConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		BindAddr: "127.0.0.1:18790",
		Store:    StoreConfig{Backend: "file"},
		Orchestrator: OrchestratorConfig{
			DispatchIntervalSeconds:    5,
			MaintenanceIntervalSeconds: 30,
			RunningStallMinutes:        15,
			QueuedStallMinutes:         30,
			VerificationPendingMinutes: 10,
			ReminderCooldownMinutes:    30,
			HeartbeatIntervalSeconds:   60,
			RunArchiveTTLHours:         24,
			RunHistoryCap:              500,
			DefaultMaxRetries:          2,
		},
		Executor: ExecutorConfig{
			TimeoutSeconds: 600,
			SandboxImage:   "alpine:3.20",
			SandboxMemory:  512,
			SandboxNetwork: "none",
		},
		Routing: RoutingConfig{Enabled: true, MinMargin: 1},
		Gateway: GatewayConfig{MaxBodyBytes: 1 << 20},
		OTel: otel.Config{
			Exporter:    "none",
			ServiceName: "agentq",
			SampleRate:  1,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentq")
}

// Load reads config.yaml from HomeDir, creating the directory if needed.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from homeDir and applies env overrides and
// defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentq home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// WriteDefault writes a config.yaml with the default values. It refuses to
// overwrite an existing file.
func WriteDefault(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config already exists: %s", path)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return path, fmt.Errorf("create agentq home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return path, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return path, fmt.Errorf("write config.yaml: %w", err)
	}
	return path, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = def.Store.Backend
	}

	o, d := &cfg.Orchestrator, def.Orchestrator
	positive(&o.DispatchIntervalSeconds, d.DispatchIntervalSeconds)
	positive(&o.MaintenanceIntervalSeconds, d.MaintenanceIntervalSeconds)
	positive(&o.RunningStallMinutes, d.RunningStallMinutes)
	positive(&o.QueuedStallMinutes, d.QueuedStallMinutes)
	positive(&o.VerificationPendingMinutes, d.VerificationPendingMinutes)
	positive(&o.ReminderCooldownMinutes, d.ReminderCooldownMinutes)
	positive(&o.HeartbeatIntervalSeconds, d.HeartbeatIntervalSeconds)
	positive(&o.RunArchiveTTLHours, d.RunArchiveTTLHours)
	positive(&o.RunHistoryCap, d.RunHistoryCap)
	// Tasks opt out of retries individually with maxRetries: 0.
	positive(&o.DefaultMaxRetries, d.DefaultMaxRetries)

	positive(&cfg.Executor.TimeoutSeconds, def.Executor.TimeoutSeconds)
	if cfg.Executor.SandboxImage == "" {
		cfg.Executor.SandboxImage = def.Executor.SandboxImage
	}
	if cfg.Executor.SandboxMemory <= 0 {
		cfg.Executor.SandboxMemory = def.Executor.SandboxMemory
	}
	if cfg.Executor.SandboxNetwork == "" {
		cfg.Executor.SandboxNetwork = def.Executor.SandboxNetwork
	}

	if cfg.Routing.MinMargin < 0 {
		cfg.Routing.MinMargin = 0
	}
	if cfg.Gateway.RateLimitRPM < 0 {
		cfg.Gateway.RateLimitRPM = 0
	}
	if cfg.Gateway.RateLimitBurst <= 0 {
		cfg.Gateway.RateLimitBurst = max(1, cfg.Gateway.RateLimitRPM/6)
	}
	if cfg.Gateway.MaxBodyBytes <= 0 {
		cfg.Gateway.MaxBodyBytes = def.Gateway.MaxBodyBytes
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}

	for i := range cfg.Agents {
		cfg.Agents[i].Name = strings.TrimSpace(cfg.Agents[i].Name)
		cfg.Agents[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Agents[i].Kind))
	}
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func validate(cfg Config) error {
	switch cfg.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("store.backend %q: want file or sqlite", cfg.Store.Backend)
	}
	for i, a := range cfg.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
	}
	if cfg.OTel.Enabled {
		if err := cfg.OTel.Validate(); err != nil {
			return fmt.Errorf("otel: %w", err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTQ_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTQ_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTQ_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AGENTQ_STORE_BACKEND"); raw != "" {
		cfg.Store.Backend = raw
	}
	if raw := os.Getenv("AGENTQ_STORE_PATH"); raw != "" {
		cfg.Store.Path = raw
	}
	if raw := os.Getenv("AGENTQ_EXECUTOR_COMMAND"); raw != "" {
		cfg.Executor.Command = raw
	}
	if raw := os.Getenv("AGENTQ_EXECUTOR_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Executor.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTQ_EXECUTOR_SANDBOX"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Executor.Sandbox = v
		}
	}
	if raw := os.Getenv("AGENTQ_DISPATCH_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestrator.DispatchIntervalSeconds = v
		}
	}
	if raw := os.Getenv("AGENTQ_MAINTENANCE_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Orchestrator.MaintenanceIntervalSeconds = v
		}
	}
	if raw := os.Getenv("AGENTQ_OTEL_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.OTel.Enabled = v
		}
	}
	if raw := os.Getenv("AGENTQ_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" && cfg.OTel.Endpoint == "" {
		cfg.OTel.Endpoint = raw
	}
}
