// Package policy implements the Policy / Compliance Guardian (§4.5): query,
// plan, and post-execution validation against a declarative rule set, plus
// RBAC checks on tool invocation.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/redact"
)

// RuleSet is the Policy Rule Set of §3, loaded from YAML (§4.5: regex
// pattern lists and allow/deny lists read more naturally as YAML than the
// TOML used for the rest of configuration).
type RuleSet struct {
	ForbiddenPatterns     []string `yaml:"forbidden_patterns"`
	PIIPatterns           []string `yaml:"pii_patterns"`
	ToolAllowList         []string `yaml:"tool_allow_list"` // empty means "all tools allowed unless denied"
	ToolDenyList          []string `yaml:"tool_deny_list"`
	ApprovalRequiredTools []string `yaml:"approval_required_tools"`
	MaxPlanDepth          int      `yaml:"max_plan_depth"`
	MaxToolCount          int      `yaml:"max_tool_count"`
	StrictMode            bool     `yaml:"strict_mode"`
	ActiveFrameworks      []string `yaml:"active_frameworks"`
	MaxQueryLength        int      `yaml:"max_query_length"`
	RolesAllowedDangerous []string `yaml:"roles_allowed_dangerous"` // role names; see CheckToolCall for how the list is applied
}

// LoadRuleSet reads and parses a YAML rule set file.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, htnerr.NewCode(htnerr.KindUnavailable, htnerr.CodeConfigurationError, "policy.LoadRuleSet", err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, htnerr.NewCode(htnerr.KindValidation, htnerr.CodeConfigurationError, "policy.LoadRuleSet", err)
	}
	rs.applyDefaults()
	return &rs, nil
}

func (rs *RuleSet) applyDefaults() {
	if rs.MaxPlanDepth <= 0 {
		rs.MaxPlanDepth = 5
	}
	if rs.MaxToolCount <= 0 {
		rs.MaxToolCount = 64
	}
	if rs.MaxQueryLength <= 0 {
		rs.MaxQueryLength = 8192
	}
}

// Default returns a minimal, permissive RuleSet with sane caps and no
// forbidden patterns configured — the caller is expected to load a real
// rule set from YAML in production.
func Default() *RuleSet {
	rs := &RuleSet{}
	rs.applyDefaults()
	return rs
}

// Outcome is the result shape shared by all three validation entry points
// (§4.5: "{valid, warnings[], errors[]}").
type Outcome struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

func (o *Outcome) addError(msg string)   { o.Errors = append(o.Errors, msg); o.Valid = false }
func (o *Outcome) addWarning(msg string) { o.Warnings = append(o.Warnings, msg) }

func newOutcome() *Outcome { return &Outcome{Valid: true} }

// WORMAppender is the subset of *worm.Log the Guardian needs.
type WORMAppender interface {
	Append(kind string, payload any) (uint64, error)
}

// PlanLike is the minimal shape validate_plan needs from a Plan/TaskGraph,
// defined here so that policy does not import internal/planner;
// *planner.Plan satisfies it.
type PlanLike interface {
	Depth() int
	TaskCount() int
	ToolNames() []string
	DangerousToolNames() []string
}

// Guardian evaluates queries, plans, and executions against a RuleSet.
type Guardian struct {
	mu       sync.RWMutex
	rules    *RuleSet
	redactor *redact.Redactor
	forbidden []*regexp.Regexp
	pii       []*regexp.Regexp
	worm      WORMAppender
}

// New builds a Guardian over rules, compiling its regex lists once.
func New(rules *RuleSet, worm WORMAppender) *Guardian {
	if rules == nil {
		rules = Default()
	}
	g := &Guardian{rules: rules, worm: worm, redactor: redact.Default()}
	g.compile()
	return g
}

func (g *Guardian) compile() {
	g.forbidden = compileAll(g.rules.ForbiddenPatterns)
	g.pii = compileAll(g.rules.PIIPatterns)
}

func compileAll(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		if re, err := regexp.Compile(e); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// SetRules atomically swaps the active rule set, e.g. on config reload.
func (g *Guardian) SetRules(rules *RuleSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = rules
	g.compile()
}

func (g *Guardian) snapshot() (*RuleSet, []*regexp.Regexp, []*regexp.Regexp) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rules, g.forbidden, g.pii
}

// ValidateQuery checks raw user text for length and forbidden/PII
// patterns (§4.5). In strict mode, any error (but not a warning) means the
// caller must reject the request before planning begins.
func (g *Guardian) ValidateQuery(text string, conversationID string) *Outcome {
	rules, forbidden, pii := g.snapshot()
	out := newOutcome()

	if len(text) == 0 {
		out.addError("ValidationFailure: query is empty")
	}
	if rules.MaxQueryLength > 0 && len(text) > rules.MaxQueryLength {
		out.addError(fmt.Sprintf("ValidationFailure: query exceeds max length %d", rules.MaxQueryLength))
	}
	for _, re := range forbidden {
		if re.MatchString(text) {
			out.addError(fmt.Sprintf("PolicyViolation: forbidden pattern matched (%s)", re.String()))
		}
	}
	for _, re := range pii {
		if re.MatchString(text) {
			out.addWarning(fmt.Sprintf("query contains PII pattern (%s); will be redacted before any persistence", re.String()))
		}
	}

	g.emit("policy.validate_query", conversationID, out)
	return out
}

// ValidatePlan checks a produced plan's depth, tool count, and forbidden
// tool usage, and flags approval-required tools for gated execution (§4.5).
func (g *Guardian) ValidatePlan(p PlanLike, conversationID string) *Outcome {
	rules, _, _ := g.snapshot()
	out := newOutcome()

	if p.Depth() > rules.MaxPlanDepth {
		out.addError(fmt.Sprintf("SchemaMismatch: plan depth %d exceeds max %d", p.Depth(), rules.MaxPlanDepth))
	}
	if p.TaskCount() > rules.MaxToolCount {
		out.addError(fmt.Sprintf("SchemaMismatch: plan has %d tasks, exceeds max %d", p.TaskCount(), rules.MaxToolCount))
	}

	deny := toSet(rules.ToolDenyList)
	allow := toSet(rules.ToolAllowList)
	for _, name := range p.ToolNames() {
		if deny[name] {
			out.addError(fmt.Sprintf("PolicyViolation: tool %q is forbidden", name))
			continue
		}
		if len(allow) > 0 && !allow[name] {
			out.addError(fmt.Sprintf("PolicyViolation: tool %q is not on the allow list", name))
		}
	}
	approval := toSet(rules.ApprovalRequiredTools)
	for _, name := range p.ToolNames() {
		if approval[name] {
			out.addWarning(fmt.Sprintf("ApprovalRequired: tool %q requires approval before dispatch", name))
		}
	}

	g.emit("policy.validate_plan", conversationID, out)
	return out
}

// AuditExecution runs post-execution assertions over a completed graph's
// result summary (§4.5). result is a free-form summary (task outcomes,
// tool usage) the caller assembles; AuditExecution does not reach back
// into the executor's internals.
func (g *Guardian) AuditExecution(result map[string]any, conversationID string) *Outcome {
	out := newOutcome()
	if failedRaw, ok := result["failed_critical"]; ok {
		if failed, ok := failedRaw.(bool); ok && failed {
			out.addError("CriticalFailure: a CRITICAL task failed and was not recovered")
		}
	}
	g.emit("policy.audit_execution", conversationID, out)
	return out
}

// CheckToolCall implements toolhub.PolicyChecker: the per-invocation
// allow/deny, approval and dangerous-class check consulted by the Tool
// Executor Adapter (§4.6 step 3). It receives no caller role, so the role
// names in RolesAllowedDangerous are not matched: a dangerous-class tool is
// blocked for every caller when that list is empty and allowed for every
// caller otherwise.
func (g *Guardian) CheckToolCall(name string, _ map[string]any, sideEffect graph.SideEffect) (allowed bool, reason string, approvalRequired bool) {
	rules, _, _ := g.snapshot()
	deny := toSet(rules.ToolDenyList)
	if deny[name] {
		return false, fmt.Sprintf("tool %q is on the forbidden list", name), false
	}
	allow := toSet(rules.ToolAllowList)
	if len(allow) > 0 && !allow[name] {
		return false, fmt.Sprintf("tool %q is not on the allow list", name), false
	}
	if toSet(rules.ApprovalRequiredTools)[name] {
		return true, fmt.Sprintf("tool %q requires approval", name), true
	}
	if sideEffect == graph.Dangerous && len(rules.RolesAllowedDangerous) == 0 {
		return false, fmt.Sprintf("tool %q is dangerous-class and no role is authorized", name), false
	}
	return true, "", false
}

// StrictMode reports whether the active rule set runs in strict mode
// (§4.5: "In strict mode, any error fails the request").
func (g *Guardian) StrictMode() bool {
	rules, _, _ := g.snapshot()
	return rules.StrictMode
}

// Frameworks returns the active regulatory/compliance frameworks declared
// by the rule set, echoed into Decision Records (§3, §6 `frameworks`).
func (g *Guardian) Frameworks() []string {
	rules, _, _ := g.snapshot()
	return append([]string(nil), rules.ActiveFrameworks...)
}

func (g *Guardian) emit(kind, conversationID string, out *Outcome) {
	if g.worm == nil {
		return
	}
	redactedErrors := make([]string, len(out.Errors))
	for i, e := range out.Errors {
		redactedErrors[i] = g.redactor.Redact(e)
	}
	redactedWarnings := make([]string, len(out.Warnings))
	for i, w := range out.Warnings {
		redactedWarnings[i] = g.redactor.Redact(w)
	}
	_, _ = g.worm.Append(kind, map[string]any{
		"conversation_id": conversationID,
		"valid":           out.Valid,
		"errors":          redactedErrors,
		"warnings":        redactedWarnings,
	})
}

func toSet(in []string) map[string]bool {
	s := make(map[string]bool, len(in))
	for _, v := range in {
		s[v] = true
	}
	return s
}

// ViolationErr converts a failing Outcome into a *htnerr.Error with the
// PolicyViolation code, used by callers in strict mode (§4.5, §7).
func ViolationErr(op string, out *Outcome) error {
	if out.Valid {
		return nil
	}
	return htnerr.NewCode(htnerr.KindPolicy, htnerr.CodePolicyViolation, op, fmt.Errorf("%v", out.Errors))
}
