// Package workspace provisions the on-disk scaffold for each agent:
// <agentDir>/AGENT.md, <agentDir>/PROMPT.md and <workspaceDir>/NOTES.md.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/basket/agentq/internal/persistence"
)

var agentTmpl = template.Must(template.New("agent").Parse(`# {{.Name}}

- id: {{.ID}}
- kind: {{.Kind}}
- session: {{.SessionID}}
- workspace: {{.WorkspaceDir}}
{{- if .Responsibility}}

## Responsibility

{{.Responsibility}}
{{- end}}
`))

const notesSeed = "# Notes\n\nScratch space for this agent. agentq never overwrites this file.\n"

// ErrOutsideRoot is returned when an agent directory is not under Root.
var ErrOutsideRoot = errors.New("agent directory outside workspace root")

type Config struct {
	// Root bounds Remove; directories outside it are never deleted.
	// Typically <home>/agents.
	Root   string
	Logger *slog.Logger
}

type Provisioner struct {
	root   string
	logger *slog.Logger
}

func NewProvisioner(cfg Config) *Provisioner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provisioner{root: filepath.Clean(cfg.Root), logger: cfg.Logger}
}

// Provision creates the agent and workspace directories and refreshes the
// identity and prompt files. NOTES.md is written once and left alone.
func (p *Provisioner) Provision(agent persistence.AgentProfile) error {
	if agent.AgentDir == "" {
		return fmt.Errorf("provision %s: empty agent dir", agent.ID)
	}
	ws := agent.WorkspaceDir
	if ws == "" {
		ws = filepath.Join(agent.AgentDir, "workspace")
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	var buf bytes.Buffer
	if err := agentTmpl.Execute(&buf, agent); err != nil {
		return fmt.Errorf("render AGENT.md: %w", err)
	}
	if err := os.WriteFile(filepath.Join(agent.AgentDir, "AGENT.md"), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write AGENT.md: %w", err)
	}
	prompt := strings.TrimSpace(agent.SystemPrompt) + "\n"
	if err := os.WriteFile(filepath.Join(agent.AgentDir, "PROMPT.md"), []byte(prompt), 0o644); err != nil {
		return fmt.Errorf("write PROMPT.md: %w", err)
	}

	notes := filepath.Join(ws, "NOTES.md")
	if _, err := os.Stat(notes); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(notes, []byte(notesSeed), 0o644); err != nil {
			return fmt.Errorf("write NOTES.md: %w", err)
		}
	}
	p.logger.Debug("agent workspace provisioned", "agent_id", agent.ID, "dir", agent.AgentDir)
	return nil
}

// Remove deletes the agent directory tree. A missing directory is not an
// error.
func (p *Provisioner) Remove(agent persistence.AgentProfile) error {
	if agent.AgentDir == "" {
		return nil
	}
	dir := filepath.Clean(agent.AgentDir)
	if p.root != "" && p.root != "." {
		rel, err := filepath.Rel(p.root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("remove %s: %w", dir, ErrOutsideRoot)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove agent dir: %w", err)
	}
	p.logger.Debug("agent workspace removed", "agent_id", agent.ID, "dir", dir)
	return nil
}
