// Package config loads and validates the htnguard TOML configuration: the
// Planner, Executor, Verifier, Policy, and Audit sections described in
// spec §6, plus the ambient General/Telemetry sections carried from the
// teacher's configuration layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root of the htnguard configuration tree.
type Config struct {
	General   General   `toml:"general"`
	Planner   Planner   `toml:"planner"`
	Executor  Executor  `toml:"executor"`
	Verifier  Verifier  `toml:"verifier"`
	Policy       Policy       `toml:"policy"`
	Audit        Audit        `toml:"audit"`
	Telemetry    Telemetry    `toml:"telemetry"`
	Orchestrator Orchestrator `toml:"orchestrator"`
}

// General carries process-wide ambient settings not owned by any one
// governed component.
type General struct {
	LogLevel     string   `toml:"log_level"`      // debug|info|warn|error
	LogFormat    string   `toml:"log_format"`      // text|json
	StateDir     string   `toml:"state_dir"`       // root of logs/decisions, logs/worm, logs/provenance
	LockFile     string   `toml:"lock_file"`       // single-instance advisory lock
	IndexDB      string   `toml:"index_db"`        // sqlite path shared by the DR index and plan cache
	RequestGraceTimeout Duration `toml:"request_grace_timeout"` // grace period after a deadline before a worker is declared leaked
}

// Planner holds `planner.*` options (spec §6).
type Planner struct {
	DefaultStrategy       string  `toml:"default_strategy"` // rule_based|model_based|hybrid
	MaxDecompositionDepth int     `toml:"max_decomposition_depth"`
	MaxTasksPerPlan       int     `toml:"max_tasks_per_plan"`
	PlanningTimeout       Duration `toml:"planning_timeout"`
	HybridConfidenceFloor float64 `toml:"hybrid_confidence_floor"` // below this, hybrid escalates to model-based
	Cache                 PlannerCache `toml:"cache"`
	Model                 PlannerModel `toml:"model"`
}

// PlannerCache holds `planner.cache.*` options.
type PlannerCache struct {
	MaxEntries int      `toml:"max_entries"`
	TTL        Duration `toml:"ttl"`
}

// PlannerModel configures the model-based strategy's LLM backend.
type PlannerModel struct {
	Provider    string  `toml:"provider"` // anthropic|noop
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	Seed        int64   `toml:"seed"`
}

// Executor holds `executor.*` options.
type Executor struct {
	DefaultStrategy      string   `toml:"default_strategy"` // sequential|parallel|adaptive
	MaxWorkers           int      `toml:"max_workers"`
	QueueCapacity        int      `toml:"queue_capacity"`
	TaskTimeout          Duration `toml:"task_timeout"`
	GraphTimeout         Duration `toml:"graph_timeout"`
	EnableWorkStealing   bool     `toml:"enable_work_stealing"`
	MaxRetries           int      `toml:"max_retries"`
	RetryBackoffBase     Duration `toml:"retry_backoff_base"`
	RetryBackoffFactor   float64  `toml:"retry_backoff_factor"`
	RetryBackoffMax      Duration `toml:"retry_backoff_max"`
	RetryJitter          float64  `toml:"retry_jitter"` // fraction, e.g. 0.2 for +-20%
	AdaptiveSmallGraph   int      `toml:"adaptive_small_graph"` // graphs at or below this size run sequential under adaptive
}

// Verifier holds `verifier.*` options.
type Verifier struct {
	DefaultLevel    string `toml:"default_level"` // basic|strict|paranoid
	ParanoidSample  float64 `toml:"paranoid_sample"` // fraction of tasks cross-checked under paranoid
}

// Policy holds `policy.*` options.
type Policy struct {
	StrictMode            bool     `toml:"strict_mode"`
	ActiveFrameworks      []string `toml:"active_frameworks"`
	RuleSetPath           string   `toml:"rule_set_path"` // YAML file, §4.5/§3
	ForbiddenPatterns     []string `toml:"forbidden_patterns"`
	PIIPatterns           []string `toml:"pii_patterns"`
	ApprovalRequiredTools []string `toml:"approval_required_tools"`
	ForbiddenTools        []string `toml:"forbidden_tools"`
	MaxQueryLength        int      `toml:"max_query_length"`
}

// Audit holds `audit.*` options.
type Audit struct {
	WORM           WORMConfig `toml:"worm"`
	SigningKeyPath string     `toml:"signing_key_path"`
}

// WORMConfig holds `audit.worm.*` options.
type WORMConfig struct {
	Dir             string   `toml:"dir"`
	SealEvery       int      `toml:"seal_every"`       // count-based sealing cadence; 0 disables count-based sealing
	SealInterval    Duration `toml:"seal_interval"`    // timer-based sealing cadence; 0 disables timer-based sealing
	SegmentMaxBytes int64    `toml:"segment_max_bytes"`
}

// Telemetry configures the in-process OpenTelemetry meter/tracer (§2
// [EXPANDED]). No exporter is configured here: wiring a backend is an
// external collaborator's concern.
type Telemetry struct {
	ServiceName string `toml:"service_name"`
	Enabled     bool   `toml:"enabled"`
}

// Orchestrator holds `orchestrator.*` options (§4.12): the top-level
// request loop's simple-vs-HTN classifier thresholds.
type Orchestrator struct {
	SimpleLoopMaxIterations   int     `toml:"simple_loop_max_iterations"`
	ClassifierConfidenceFloor float64 `toml:"classifier_confidence_floor"`
}

// Clone returns a deep copy of cfg so concurrent readers never observe a
// mutation made through a different handle.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cp := *cfg
	cp.Policy.ActiveFrameworks = cloneStringSlice(cfg.Policy.ActiveFrameworks)
	cp.Policy.ForbiddenPatterns = cloneStringSlice(cfg.Policy.ForbiddenPatterns)
	cp.Policy.PIIPatterns = cloneStringSlice(cfg.Policy.PIIPatterns)
	cp.Policy.ApprovalRequiredTools = cloneStringSlice(cfg.Policy.ApprovalRequiredTools)
	cp.Policy.ForbiddenTools = cloneStringSlice(cfg.Policy.ForbiddenTools)
	return &cp
}

func cloneStringSlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Default returns the built-in configuration defaults, applied before a
// TOML file is decoded over them.
func Default() *Config {
	return &Config{
		General: General{
			LogLevel:            "info",
			LogFormat:           "text",
			StateDir:            "logs",
			LockFile:            "htnguard.lock",
			IndexDB:             "logs/index.sqlite",
			RequestGraceTimeout: Duration{5 * time.Second},
		},
		Planner: Planner{
			DefaultStrategy:       "hybrid",
			MaxDecompositionDepth: 5,
			MaxTasksPerPlan:       64,
			PlanningTimeout:       Duration{10 * time.Second},
			HybridConfidenceFloor: 0.6,
			Cache: PlannerCache{
				MaxEntries: 512,
				TTL:        Duration{30 * time.Minute},
			},
			Model: PlannerModel{
				Provider:    "noop",
				MaxTokens:   1024,
				Temperature: 0.2,
			},
		},
		Executor: Executor{
			DefaultStrategy:    "adaptive",
			MaxWorkers:         4,
			QueueCapacity:      256,
			TaskTimeout:        Duration{30 * time.Second},
			GraphTimeout:       Duration{5 * time.Minute},
			EnableWorkStealing: true,
			MaxRetries:         2,
			RetryBackoffBase:   Duration{100 * time.Millisecond},
			RetryBackoffFactor: 2.0,
			RetryBackoffMax:    Duration{5 * time.Second},
			RetryJitter:        0.2,
			AdaptiveSmallGraph: 2,
		},
		Verifier: Verifier{
			DefaultLevel:   "strict",
			ParanoidSample: 0.2,
		},
		Policy: Policy{
			StrictMode:     false,
			MaxQueryLength: 8192,
		},
		Audit: Audit{
			WORM: WORMConfig{
				Dir:             "logs/worm",
				SealEvery:       100,
				SegmentMaxBytes: 64 << 20,
			},
			SigningKeyPath: "logs/audit.key",
		},
		Telemetry: Telemetry{
			ServiceName: "htnguard",
			Enabled:     true,
		},
		Orchestrator: Orchestrator{
			SimpleLoopMaxIterations:   3,
			ClassifierConfidenceFloor: 0.6,
		},
	}
}

// Load reads and validates the configuration at path, applying Default()
// first so a partial file only overrides the fields it sets.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	normalizePaths(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadManager loads path and wraps the result in a thread-safe Manager.
func LoadManager(path string) (ConfigManager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

func normalizePaths(cfg *Config) {
	cfg.General.StateDir = ExpandHome(cfg.General.StateDir)
	cfg.General.IndexDB = ExpandHome(cfg.General.IndexDB)
	cfg.General.LockFile = ExpandHome(cfg.General.LockFile)
	cfg.Audit.WORM.Dir = ExpandHome(cfg.Audit.WORM.Dir)
	cfg.Audit.SigningKeyPath = ExpandHome(cfg.Audit.SigningKeyPath)
	cfg.Policy.RuleSetPath = ExpandHome(cfg.Policy.RuleSetPath)
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// ValidationIssue names one field-level configuration problem.
type ValidationIssue struct {
	Field      string
	Message    string
	Suggestion string
}

// ValidationError aggregates every ValidationIssue found by validate, so an
// operator sees the whole list of problems in one pass instead of
// fixing-and-rerunning one at a time.
type ValidationError struct {
	Issues []ValidationIssue
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config: %d validation issue(s):\n", len(e.Issues))
	for _, issue := range e.Issues {
		fmt.Fprintf(&b, "  - %s: %s (%s)\n", issue.Field, issue.Message, issue.Suggestion)
	}
	return b.String()
}

func (e *ValidationError) add(field, message, suggestion string) {
	e.Issues = append(e.Issues, ValidationIssue{Field: field, Message: message, Suggestion: suggestion})
}

var validStrategies = map[string]bool{"rule_based": true, "model_based": true, "hybrid": true}
var validExecStrategies = map[string]bool{"sequential": true, "parallel": true, "adaptive": true}
var validVerifierLevels = map[string]bool{"basic": true, "strict": true, "paranoid": true}

func validate(cfg *Config) error {
	verr := &ValidationError{}

	if !validStrategies[cfg.Planner.DefaultStrategy] {
		verr.add("planner.default_strategy", fmt.Sprintf("unknown strategy %q", cfg.Planner.DefaultStrategy), "use rule_based, model_based, or hybrid")
	}
	if cfg.Planner.MaxDecompositionDepth <= 0 {
		verr.add("planner.max_decomposition_depth", "must be positive", "set a depth cap, e.g. 5")
	}
	if cfg.Planner.MaxTasksPerPlan <= 0 {
		verr.add("planner.max_tasks_per_plan", "must be positive", "set a fan-out cap, e.g. 64")
	}
	if cfg.Planner.HybridConfidenceFloor < 0 || cfg.Planner.HybridConfidenceFloor > 1 {
		verr.add("planner.hybrid_confidence_floor", "must be in [0,1]", "set a value like 0.6")
	}

	if !validExecStrategies[cfg.Executor.DefaultStrategy] {
		verr.add("executor.default_strategy", fmt.Sprintf("unknown strategy %q", cfg.Executor.DefaultStrategy), "use sequential, parallel, or adaptive")
	}
	if cfg.Executor.MaxWorkers <= 0 {
		verr.add("executor.max_workers", "must be positive", "set a worker pool size, e.g. 4")
	}
	if cfg.Executor.QueueCapacity <= 0 {
		verr.add("executor.queue_capacity", "must be positive", "set a bounded queue size")
	}
	if cfg.Executor.MaxRetries < 0 {
		verr.add("executor.max_retries", "must be non-negative", "set 0 to disable retries")
	}
	if cfg.Executor.RetryBackoffFactor < 1.0 {
		verr.add("executor.retry_backoff_factor", "must be >= 1.0", "set e.g. 2.0 for exponential backoff")
	}

	if !validVerifierLevels[cfg.Verifier.DefaultLevel] {
		verr.add("verifier.default_level", fmt.Sprintf("unknown level %q", cfg.Verifier.DefaultLevel), "use basic, strict, or paranoid")
	}
	if cfg.Verifier.ParanoidSample < 0 || cfg.Verifier.ParanoidSample > 1 {
		verr.add("verifier.paranoid_sample", "must be in [0,1]", "set a sampling fraction like 0.2")
	}

	if cfg.Policy.MaxQueryLength <= 0 {
		verr.add("policy.max_query_length", "must be positive", "set a character cap, e.g. 8192")
	}

	if cfg.Audit.WORM.SealEvery < 0 {
		verr.add("audit.worm.seal_every", "must be non-negative", "set 0 to disable count-based sealing")
	}

	if len(verr.Issues) > 0 {
		return verr
	}
	return nil
}
