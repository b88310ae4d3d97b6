package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/antigravity-dev/htnguard/internal/llm"
)

func TestConfigureLogger(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, c := range cases {
		logger := configureLogger(c.level, true)
		if !logger.Enabled(context.Background(), c.want) {
			t.Errorf("level %q: expected %s enabled", c.level, c.want)
		}
	}
}

func TestBuildBackendWithoutAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	backend := buildBackend(slog.Default(), "claude-test")
	if _, err := backend.Generate(context.Background(), "hi", llm.GenerateConfig{}); err == nil {
		t.Fatalf("expected the Noop fallback backend to fail to generate")
	}
}
