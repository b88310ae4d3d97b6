// Package htncore assembles the Context aggregate: the single struct that
// replaces the spec source's singleton `agent`, `logger`, `tracker`, and
// `metrics` objects (§9 "Global mutable state"). Every governed component
// is constructed once, here, from a loaded Config, and handed to the
// Agent Orchestrator by the cmd/htnguardctl entrypoint — nothing in this
// module reaches for a package-level global.
package htncore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/antigravity-dev/htnguard/internal/config"
	"github.com/antigravity-dev/htnguard/internal/decision"
	"github.com/antigravity-dev/htnguard/internal/executor"
	"github.com/antigravity-dev/htnguard/internal/llm"
	"github.com/antigravity-dev/htnguard/internal/plancache"
	"github.com/antigravity-dev/htnguard/internal/planner"
	"github.com/antigravity-dev/htnguard/internal/policy"
	"github.com/antigravity-dev/htnguard/internal/provenance"
	"github.com/antigravity-dev/htnguard/internal/redact"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
	"github.com/antigravity-dev/htnguard/internal/verifier"
	"github.com/antigravity-dev/htnguard/internal/worm"
)

// Context is the fully wired dependency graph one process needs to run
// the Agent Orchestrator. Built once by Build and closed once by Close.
type Context struct {
	Config *config.Config
	Logger *slog.Logger
	Meter  metric.Meter
	Tracer trace.Tracer

	Redactor   *redact.Redactor
	WORM       *worm.Log
	Decisions  *decision.Manager
	Provenance string // directory Tracker.Finalize writes into, per conversation
	Policy     *policy.Guardian
	Registry   *toolhub.Registry
	Adapter    *toolhub.Adapter
	Planner    *planner.Planner
	Cache      *plancache.Cache
	Executor   *executor.Executor
	Verifier   *verifier.Verifier

	signingKey ed25519.PrivateKey
}

// Build constructs a Context from cfg. registry must already carry every
// tool the deployment wants the Planner/Executor to resolve — tool
// implementations are external collaborators (§1) that register
// themselves before Build runs.
func Build(cfg *config.Config, logger *slog.Logger, registry *toolhub.Registry, backend llm.Backend) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backend == nil {
		backend = llm.Noop{}
	}

	for _, dir := range []string{
		cfg.General.StateDir,
		cfg.Audit.WORM.Dir,
		filepath.Join(cfg.General.StateDir, "decisions"),
		filepath.Join(cfg.General.StateDir, "provenance"),
		filepath.Dir(cfg.General.IndexDB),
		filepath.Dir(cfg.Audit.SigningKeyPath),
	} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("htncore.Build: mkdir %s: %w", dir, err)
		}
	}

	signingKey, err := loadOrCreateSigningKey(cfg.Audit.SigningKeyPath)
	if err != nil {
		return nil, err
	}

	redactor := redact.Default()

	wormLog, err := worm.Open(cfg.Audit.WORM.Dir,
		worm.WithSealEvery(cfg.Audit.WORM.SealEvery),
		worm.WithSealInterval(cfg.Audit.WORM.SealInterval.Duration),
		worm.WithSigner(signingKey),
		worm.WithRedactor(redactor),
		worm.WithSegmentMaxBytes(cfg.Audit.WORM.SegmentMaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("htncore.Build: worm.Open: %w", err)
	}

	drManager, err := decision.New(
		filepath.Join(cfg.General.StateDir, "decisions"),
		cfg.General.IndexDB,
		signingKey,
		wormLog,
	)
	if err != nil {
		wormLog.Close()
		return nil, fmt.Errorf("htncore.Build: decision.New: %w", err)
	}

	provDir := filepath.Join(cfg.General.StateDir, "provenance")

	rules := policy.Default()
	if cfg.Policy.RuleSetPath != "" {
		if loaded, err := policy.LoadRuleSet(cfg.Policy.RuleSetPath); err == nil {
			rules = loaded
		} else {
			logger.Warn("falling back to default policy rule set", "path", cfg.Policy.RuleSetPath, "error", err)
		}
	}
	rules.StrictMode = cfg.Policy.StrictMode
	if len(cfg.Policy.ActiveFrameworks) > 0 {
		rules.ActiveFrameworks = cfg.Policy.ActiveFrameworks
	}
	if len(cfg.Policy.ForbiddenPatterns) > 0 {
		rules.ForbiddenPatterns = cfg.Policy.ForbiddenPatterns
	}
	if len(cfg.Policy.PIIPatterns) > 0 {
		rules.PIIPatterns = cfg.Policy.PIIPatterns
	}
	if len(cfg.Policy.ApprovalRequiredTools) > 0 {
		rules.ApprovalRequiredTools = cfg.Policy.ApprovalRequiredTools
	}
	if len(cfg.Policy.ForbiddenTools) > 0 {
		rules.ToolDenyList = cfg.Policy.ForbiddenTools
	}
	if cfg.Policy.MaxQueryLength > 0 {
		rules.MaxQueryLength = cfg.Policy.MaxQueryLength
	}
	guardian := policy.New(rules, wormLog)

	if registry == nil {
		registry = toolhub.NewRegistry()
	}
	adapter := toolhub.NewAdapter(registry, guardian, wormLog, redactor, 0, 0)

	meter := otel.GetMeterProvider().Meter(cfg.Telemetry.ServiceName)
	tracer := otel.GetTracerProvider().Tracer(cfg.Telemetry.ServiceName)

	pln := planner.New(registry, backend, planner.Options{
		DefaultStrategy:       planner.Strategy(cfg.Planner.DefaultStrategy),
		MaxDecompositionDepth: cfg.Planner.MaxDecompositionDepth,
		MaxTasksPerPlan:       cfg.Planner.MaxTasksPerPlan,
		PlanningTimeout:       cfg.Planner.PlanningTimeout.Duration,
		HybridConfidenceFloor: cfg.Planner.HybridConfidenceFloor,
		ModelConfig: llm.GenerateConfig{
			Model:       cfg.Planner.Model.Model,
			MaxTokens:   cfg.Planner.Model.MaxTokens,
			Temperature: cfg.Planner.Model.Temperature,
			Seed:        cfg.Planner.Model.Seed,
		},
	})

	cache, err := plancache.Open(cfg.General.IndexDB, cfg.Planner.Cache.MaxEntries, cfg.Planner.Cache.TTL.Duration)
	if err != nil {
		drManager.Close()
		wormLog.Close()
		return nil, fmt.Errorf("htncore.Build: plancache.Open: %w", err)
	}

	exec := executor.New(adapter, wormLog, drManager, executor.NewMetrics(meter), executor.Options{
		Strategy:           executor.Strategy(cfg.Executor.DefaultStrategy),
		MaxWorkers:         cfg.Executor.MaxWorkers,
		QueueCapacity:      cfg.Executor.QueueCapacity,
		TaskTimeout:        cfg.Executor.TaskTimeout.Duration,
		GraphTimeout:       cfg.Executor.GraphTimeout.Duration,
		MaxRetries:         cfg.Executor.MaxRetries,
		RetryBackoffBase:   cfg.Executor.RetryBackoffBase.Duration,
		RetryBackoffFactor: cfg.Executor.RetryBackoffFactor,
		RetryBackoffMax:    cfg.Executor.RetryBackoffMax.Duration,
		RetryJitter:        cfg.Executor.RetryJitter,
		AdaptiveSmallGraph: cfg.Executor.AdaptiveSmallGraph,
	})

	vfy := verifier.New(adapter, wormLog, drManager, verifier.Options{
		DefaultLevel:   verifier.Level(cfg.Verifier.DefaultLevel),
		ParanoidSample: cfg.Verifier.ParanoidSample,
	})

	return &Context{
		Config:     cfg,
		Logger:     logger,
		Meter:      meter,
		Tracer:     tracer,
		Redactor:   redactor,
		WORM:       wormLog,
		Decisions:  drManager,
		Provenance: provDir,
		Policy:     guardian,
		Registry:   registry,
		Adapter:    adapter,
		Planner:    pln,
		Cache:      cache,
		Executor:   exec,
		Verifier:   vfy,
		signingKey: signingKey,
	}, nil
}

// NewProvenanceTracker returns a fresh Tracker scoped to one conversation,
// writing its finalized graph under ctx.Provenance (§4.4: "partial graphs
// are never exposed outside the tracker", which is why one Tracker per
// conversation rather than a shared mutable instance).
func (c *Context) NewProvenanceTracker(conversationID string) *provenance.Tracker {
	return provenance.New(c.Provenance, conversationID)
}

// Close releases every durable handle the Context owns. Safe to call once
// during process shutdown.
func (c *Context) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Cache != nil {
		record(c.Cache.Close())
	}
	if c.Decisions != nil {
		record(c.Decisions.Close())
	}
	if c.WORM != nil {
		record(c.WORM.Close())
	}
	return firstErr
}

// loadOrCreateSigningKey reads a raw 64-byte Ed25519 private key from path,
// generating and persisting one on first run. No corpus dependency offers
// key management better suited to a single-operator signing key than
// crypto/ed25519 + crypto/rand directly (see DESIGN.md).
func loadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
	if raw, err := os.ReadFile(path); err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("htncore.loadOrCreateSigningKey: %s is not a valid ed25519 private key (%d bytes)", path, len(raw))
		}
		return ed25519.PrivateKey(raw), nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("htncore.loadOrCreateSigningKey: read %s: %w", path, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("htncore.loadOrCreateSigningKey: generate: %w", err)
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return nil, fmt.Errorf("htncore.loadOrCreateSigningKey: write %s: %w", path, err)
	}
	return priv, nil
}

// PublicKey returns the public half of the Context's signing key, for
// callers that verify Decision Records or WORM seals out-of-process.
func (c *Context) PublicKey() ed25519.PublicKey {
	return c.signingKey.Public().(ed25519.PublicKey)
}
