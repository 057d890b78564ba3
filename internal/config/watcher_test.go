package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentq/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Unrelated files in the home directory are ignored.
	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			// Drain a stray event, then expect close.
			<-w.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestWatcher_MissingHomeFails(t *testing.T) {
	w := config.NewWatcher(filepath.Join(t.TempDir(), "missing"), nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing home directory")
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	select {
	case <-w.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for coalesced event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
