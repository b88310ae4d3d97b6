package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPassesValidation(t *testing.T) {
	cfg := Default()
	normalizePaths(cfg)
	if err := validate(cfg); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoadAppliesDefaultsOverEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Planner.DefaultStrategy != "hybrid" {
		t.Errorf("expected default planner strategy hybrid, got %q", cfg.Planner.DefaultStrategy)
	}
	if cfg.Executor.MaxWorkers != 4 {
		t.Errorf("expected default max_workers 4, got %d", cfg.Executor.MaxWorkers)
	}
}

func TestLoadOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[planner]
default_strategy = "rule_based"
max_tasks_per_plan = 8

[executor]
max_workers = 16
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Planner.DefaultStrategy != "rule_based" {
		t.Errorf("expected overridden strategy rule_based, got %q", cfg.Planner.DefaultStrategy)
	}
	if cfg.Planner.MaxTasksPerPlan != 8 {
		t.Errorf("expected overridden max_tasks_per_plan 8, got %d", cfg.Planner.MaxTasksPerPlan)
	}
	// untouched field keeps its default.
	if cfg.Planner.MaxDecompositionDepth != 5 {
		t.Errorf("expected default max_decomposition_depth 5, got %d", cfg.Planner.MaxDecompositionDepth)
	}
	if cfg.Executor.MaxWorkers != 16 {
		t.Errorf("expected overridden max_workers 16, got %d", cfg.Executor.MaxWorkers)
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := Default()
	cfg.Planner.DefaultStrategy = "psychic"
	err := validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for unknown planner strategy")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	found := false
	for _, issue := range verr.Issues {
		if issue.Field == "planner.default_strategy" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected issue for planner.default_strategy, got %+v", verr.Issues)
	}
}

func TestValidateCollectsMultipleIssues(t *testing.T) {
	cfg := Default()
	cfg.Executor.MaxWorkers = 0
	cfg.Executor.QueueCapacity = -1
	cfg.Verifier.DefaultLevel = "bogus"

	err := validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	verr := err.(*ValidationError)
	if len(verr.Issues) < 3 {
		t.Errorf("expected at least 3 issues, got %d: %+v", len(verr.Issues), verr.Issues)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("250ms")); err != nil {
		t.Fatal(err)
	}
	if d.Duration != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", d.Duration)
	}
	text, err := d.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(text) != "250ms" {
		t.Errorf("expected round-tripped text 250ms, got %q", text)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := Default()
	cfg.Policy.ForbiddenTools = []string{"rm"}

	clone := cfg.Clone()
	clone.Policy.ForbiddenTools[0] = "mutated"

	if cfg.Policy.ForbiddenTools[0] != "rm" {
		t.Errorf("mutating clone leaked into original: %v", cfg.Policy.ForbiddenTools)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir available")
	}
	got := ExpandHome("~/logs")
	want := filepath.Join(home, "logs")
	if got != want {
		t.Errorf("ExpandHome(~/logs) = %q, want %q", got, want)
	}
	if ExpandHome("/abs/path") != "/abs/path" {
		t.Errorf("ExpandHome should not touch absolute paths")
	}
}
