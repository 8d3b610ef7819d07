package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	engineDir := filepath.Join(projectDir, EngineDir)
	if err := os.MkdirAll(engineDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if cfg.Engine.Version != 1 {
		t.Fatalf("expected default version == 1, got %d", cfg.Engine.Version)
	}
	if cfg.Engine.ProjectID != "default" {
		t.Fatalf("expected default projectId, got %q", cfg.Engine.ProjectID)
	}
	if cfg.Engine.Scheduler.MaxConcurrentDispatches != 5 {
		t.Fatalf("expected default maxConcurrentDispatches == 5, got %d", cfg.Engine.Scheduler.MaxConcurrentDispatches)
	}
	if !cfg.IntakeEnabled() {
		t.Fatal("expected intake enabled by default")
	}
}

func TestNewConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	engineDir := filepath.Join(projectDir, EngineDir)
	if err := os.MkdirAll(engineDir, 0o755); err != nil {
		t.Fatal(err)
	}
	configYAML := strings.TrimSpace(`
version: 1
projectId: acme-widgets
poll:
  intervalMs: 5000
scheduler:
  maxConcurrentDispatches: 10
  stuckTaskThresholdMs: 3600000
notify:
  stormBatcher:
    threshold: 3
intake:
  port: 9090
`)
	if err := os.WriteFile(filepath.Join(engineDir, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if cfg.Engine.ProjectID != "acme-widgets" {
		t.Fatalf("expected projectId acme-widgets, got %q", cfg.Engine.ProjectID)
	}
	if cfg.Engine.Scheduler.MaxConcurrentDispatches != 10 {
		t.Fatalf("expected maxConcurrentDispatches == 10, got %d", cfg.Engine.Scheduler.MaxConcurrentDispatches)
	}
	// Unset scheduler fields still pick up defaults alongside the parsed ones.
	if cfg.Engine.Scheduler.MaxDispatchesPerPoll != 10 {
		t.Fatalf("expected maxDispatchesPerPoll to default to maxConcurrentDispatches, got %d", cfg.Engine.Scheduler.MaxDispatchesPerPoll)
	}
	if cfg.Engine.Notify.StormBatcher.Threshold != 3 {
		t.Fatalf("expected stormBatcher threshold == 3, got %d", cfg.Engine.Notify.StormBatcher.Threshold)
	}
	if cfg.Engine.Intake.Port != 9090 {
		t.Fatalf("expected intake port == 9090, got %d", cfg.Engine.Intake.Port)
	}
}

func TestNewConfigRejectsInvalidLogLevel(t *testing.T) {
	projectDir := t.TempDir()
	engineDir := filepath.Join(projectDir, EngineDir)
	if err := os.MkdirAll(engineDir, 0o755); err != nil {
		t.Fatal(err)
	}
	configYAML := "logging:\n  level: verbose\n"
	if err := os.WriteFile(filepath.Join(engineDir, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewConfig(projectDir); err == nil {
		t.Fatal("expected error for unrecognized logging level")
	}
}

func TestInitEngineDirWritesDefaultConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitEngineDir(projectDir); err != nil {
		t.Fatalf("InitEngineDir returned error: %v", err)
	}
	path := filepath.Join(projectDir, EngineDir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config.yaml to be created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(projectDir, EngineDir, "locks")); err != nil {
		t.Fatalf("expected locks dir to be created: %v", err)
	}
	cfg, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if cfg.Engine.Scheduler.DefaultLeaseTTLMs != 600_000 {
		t.Fatalf("expected defaultLeaseTtlMs == 600000, got %d", cfg.Engine.Scheduler.DefaultLeaseTTLMs)
	}
}
