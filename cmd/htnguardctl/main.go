// Command htnguardctl is the reference process entrypoint for the
// governed HTN planning and execution engine: it wires the Context
// aggregate (internal/htncore), registers the reference tool set, and
// runs the Agent Orchestrator over one request per invocation (logger
// configuration, config loading, single-instance lock, signal-driven
// shutdown), structured as a single-shot request runner since this
// engine's unit of work is one conversation turn, not a recurring tick.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/antigravity-dev/htnguard/internal/config"
	"github.com/antigravity-dev/htnguard/internal/htncore"
	"github.com/antigravity-dev/htnguard/internal/llm"
	"github.com/antigravity-dev/htnguard/internal/llm/anthropic"
	"github.com/antigravity-dev/htnguard/internal/lockfile"
	"github.com/antigravity-dev/htnguard/internal/orchestrator"
	"github.com/antigravity-dev/htnguard/internal/planner"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
	"github.com/antigravity-dev/htnguard/internal/verifier"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// buildBackend resolves the LLM backend for the model-based/hybrid
// planner strategies from ANTHROPIC_API_KEY, falling back to llm.Noop{}
// so a deployment with no key still runs the rule-based strategy (§4.9).
func buildBackend(logger *slog.Logger, defaultModel string) llm.Backend {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		logger.Info("ANTHROPIC_API_KEY not set, model-based planning disabled")
		return llm.Noop{}
	}
	client, err := anthropic.NewFromAPIKey(apiKey, defaultModel)
	if err != nil {
		logger.Warn("failed to construct anthropic backend, falling back to rule-based only", "error", err)
		return llm.Noop{}
	}
	return client
}

func main() {
	configPath := flag.String("config", "htnguard.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	query := flag.String("query", "", "the user request to plan and execute (required)")
	conversationID := flag.String("conversation-id", "", "conversation identifier; a fresh one is generated if empty")
	userRole := flag.String("role", "user", "caller role, consulted by policy RBAC checks")
	defaultJSON := !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
	jsonOut := flag.Bool("json", defaultJSON, "print the Response as JSON instead of a human-readable summary (defaults to JSON when stdout isn't a terminal)")
	flag.Parse()

	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(bootLogger)

	if strings.TrimSpace(*query) == "" {
		bootLogger.Error("-query is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := cfg.General.LockFile
	if lockPath == "" {
		lockPath = config.ExpandHome("~/.htnguard/htnguardctl.lock")
	}
	lock, err := lockfile.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	registry := toolhub.NewRegistry()
	registry.Register(toolhub.EchoTool{})
	for _, tool := range toolhub.ReferenceTools() {
		registry.Register(tool)
	}

	backend := buildBackend(logger, cfg.Planner.Model.Model)

	logger.Info("runtime configuration",
		"state_dir", cfg.General.StateDir,
		"worm_segment_max", humanize.Bytes(uint64(cfg.Audit.WORM.SegmentMaxBytes)),
		"worm_seal_every", cfg.Audit.WORM.SealEvery,
	)

	hctx, err := htncore.Build(cfg, logger, registry, backend)
	if err != nil {
		logger.Error("failed to build runtime context", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := hctx.Close(); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	orch := orchestrator.New(hctx, orchestrator.Options{
		SimpleLoopMaxIterations:   cfg.Orchestrator.SimpleLoopMaxIterations,
		ClassifierConfidenceFloor: cfg.Orchestrator.ClassifierConfidenceFloor,
		VerificationLevel:         verifier.Level(cfg.Verifier.DefaultLevel),
	})

	convID := strings.TrimSpace(*conversationID)
	if convID == "" {
		convID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, cancelling in-flight request", "signal", sig)
		cancel()
	}()
	defer signal.Stop(sigCh)
	defer cancel()

	resp := orch.Handle(runCtx, *query, convID, planner.Context{
		ConversationID: convID,
		UserRole:       *userRole,
	})

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			logger.Error("failed to encode response", "error", err)
			os.Exit(1)
		}
	} else {
		printResponse(resp)
	}

	if resp.Failure != nil {
		os.Exit(1)
	}
}

func printResponse(resp *orchestrator.Response) {
	fmt.Printf("conversation: %s\n", resp.ConversationID)
	fmt.Printf("path:         %s\n", resp.Path)
	if resp.Failure != nil {
		fmt.Printf("failure:      %s (%s)\n", resp.Failure.Message, resp.Failure.Kind)
		if resp.Failure.TaskID != "" {
			fmt.Printf("task:         %s\n", resp.Failure.TaskID)
		}
		fmt.Printf("retryable:    %v\n", resp.Failure.Retryable)
		fmt.Printf("correlation:  %s\n", resp.Failure.CorrelationID)
		return
	}
	fmt.Printf("response:     %s\n", resp.Text)
	if resp.Verification != nil {
		fmt.Printf("verified:     %v (coverage %.0f%%)\n", resp.Verification.Passed, resp.Verification.Coverage*100)
	}
	for id, result := range resp.TaskResults {
		fmt.Printf("  task %s (%s): %v\n", id, result.Duration, result.Output)
	}
}
