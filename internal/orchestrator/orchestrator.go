// Package orchestrator implements the Agent Orchestrator (§4.12): the
// top-level request loop that classifies a user message into a bounded
// simple-tool-call loop or a full HTN plan/execute/verify cycle, records a
// Decision Record and WORM event at every step, and finalizes one
// Provenance Graph per conversation.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/antigravity-dev/htnguard/internal/decision"
	"github.com/antigravity-dev/htnguard/internal/executor"
	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/htncore"
	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/planner"
	"github.com/antigravity-dev/htnguard/internal/provenance"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
	"github.com/antigravity-dev/htnguard/internal/verifier"
)

// FailureInfo is the structured error object a caller sees on a
// recoverable failure (§7: "kind, message, task_id?, retryable, correlation_id").
type FailureInfo struct {
	Kind          htnerr.Code
	Message       string
	TaskID        string
	Retryable     bool
	CorrelationID string
}

// Response is what the Orchestrator returns to the caller: either a
// successful outcome (Text plus partial results) or a Failure. The two
// are mutually exclusive except that a recoverable failure may carry
// partial results from independent branches that did succeed (§7).
type Response struct {
	ConversationID string
	Path           string // "simple" or "htn"
	Text           string
	TaskResults    map[string]*graph.Result
	Verification   *verifier.Report
	Failure        *FailureInfo
}

// Options configures the Orchestrator's simple-loop/HTN classifier and
// fallback behavior.
type Options struct {
	SimpleLoopMaxIterations int
	ClassifierConfidenceFloor float64
	VerificationLevel       verifier.Level
}

func (o *Options) applyDefaults() {
	if o.SimpleLoopMaxIterations <= 0 {
		o.SimpleLoopMaxIterations = 3
	}
	if o.ClassifierConfidenceFloor <= 0 {
		o.ClassifierConfidenceFloor = 0.6
	}
}

// Orchestrator runs the top-level loop of §4.12 over a wired htncore.Context.
type Orchestrator struct {
	ctx  *htncore.Context
	opts Options
}

// New builds an Orchestrator over ctx.
func New(ctx *htncore.Context, opts Options) *Orchestrator {
	opts.applyDefaults()
	return &Orchestrator{ctx: ctx, opts: opts}
}

// directActionPattern recognizes single-verb, single-target queries that
// don't need full decomposition — the "cheap rule pass" of §4.12 step 3,
// layered on top of the rule-based planner's own confidence signal.
var directActionPattern = regexp.MustCompile(`(?i)^(read|summarize|calculate|compute)\s+\S+$`)

// Handle runs one full request: validate → classify → (simple | HTN) →
// verify → respond, recording Decision Records and WORM events throughout
// and finalizing one Provenance Graph for conversationID (§4.12).
func (o *Orchestrator) Handle(ctx context.Context, message, conversationID string, reqCtx planner.Context) *Response {
	correlationID := newCorrelationID()
	tracker := o.ctx.NewProvenanceTracker(conversationID)
	activityID, promptEntityID, _ := tracker.StartGeneration(provenance.AgentUser, "user:"+conversationID, message)

	queryOutcome := o.ctx.Policy.ValidateQuery(message, conversationID)
	if !queryOutcome.Valid && o.ctx.Policy.StrictMode() {
		o.recordDecision(decision.KindPolicyReject, message, nil, queryOutcome, nil, conversationID, "")
		o.finalize(tracker)
		return &Response{
			ConversationID: conversationID,
			Failure: &FailureInfo{
				Kind:          htnerr.CodePolicyViolation,
				Message:       strings.Join(queryOutcome.Errors, "; "),
				Retryable:     false,
				CorrelationID: correlationID,
			},
		}
	}

	path := o.classify(ctx, message)

	var resp *Response
	if path == "simple" {
		resp = o.runSimpleLoop(ctx, message, conversationID, correlationID, activityID, promptEntityID, tracker)
	} else {
		resp = o.runHTN(ctx, message, conversationID, reqCtx, correlationID, activityID, promptEntityID, tracker)
		if resp.Failure != nil && resp.Failure.Kind != htnerr.CodePolicyViolation {
			o.ctx.Logger.Warn("htn path failed, falling back to simple loop once",
				"conversation_id", conversationID, "reason", resp.Failure.Message)
			fallback := o.runSimpleLoop(ctx, message, conversationID, correlationID, activityID, promptEntityID, tracker)
			if fallback.Failure == nil {
				fallback.Path = "htn_fallback_simple"
				resp = fallback
			}
		}
	}

	o.finalize(tracker)
	return resp
}

// classify decides simple-loop vs. HTN per §4.12 step 3: a keyword/verb
// heuristic (single direct-action queries) combined with a cheap
// rule-based planning pass's confidence.
func (o *Orchestrator) classify(ctx context.Context, message string) string {
	trimmed := strings.TrimSpace(message)
	if directActionPattern.MatchString(trimmed) {
		return "simple"
	}
	if plan, ok, err := planner.RuleBased(trimmed, o.ctx.Registry); err == nil && ok {
		if plan.TaskCount() <= 1 && plan.Confidence >= o.opts.ClassifierConfidenceFloor {
			return "simple"
		}
	}
	return "htn"
}

// runSimpleLoop executes a bounded loop of direct tool calls (§4.12 step
// 3/5), used for single-action queries and as the one-shot fallback after
// an HTN failure other than a policy violation.
func (o *Orchestrator) runSimpleLoop(ctx context.Context, message, conversationID, correlationID, activityID, promptEntityID string, tracker *provenance.Tracker) *Response {
	action, args, ok := parseDirectAction(message)
	if !ok {
		// The classifier also routes single-task rule-based matches here.
		if plan, matched, err := planner.RuleBased(strings.TrimSpace(message), o.ctx.Registry); err == nil && matched && plan.TaskCount() == 1 {
			t := plan.Graph.AllTasks()[0]
			action, args, ok = t.Action, t.Arguments, true
		}
	}
	if !ok {
		return &Response{
			ConversationID: conversationID,
			Path:           "simple",
			Failure: &FailureInfo{
				Kind:          htnerr.CodeEmptyPlan,
				Message:       fmt.Sprintf("could not resolve %q to a direct tool call", message),
				Retryable:     false,
				CorrelationID: correlationID,
			},
		}
	}

	var lastResult toolhub.Result
	var lastErr error
	for attempt := 1; attempt <= o.opts.SimpleLoopMaxIterations; attempt++ {
		lastResult, lastErr = o.ctx.Adapter.Invoke(ctx, action, args, time.Now().Add(30*time.Second))
		if lastErr == nil && lastResult.Status == toolhub.StatusSuccess {
			break
		}
		if lastErr == nil && (lastResult.Status == toolhub.StatusBlocked || lastResult.Status == toolhub.StatusValidationFailed) {
			break
		}
	}

	toolEntityID, _ := tracker.AddToolActivity("tool:"+action, []string{promptEntityID}, action, map[string]any{"status": string(lastResult.Status)})
	_ = activityID

	o.recordDecision(decision.KindResponse, message, action, lastResult, []string{action}, conversationID, "")

	if lastErr != nil || (lastResult.Status != toolhub.StatusSuccess) {
		return &Response{
			ConversationID: conversationID,
			Path:           "simple",
			Failure: &FailureInfo{
				Kind:          codeForStatus(lastResult.Status),
				Message:       lastResult.Error,
				Retryable:     lastResult.Status == toolhub.StatusTimeout || lastResult.Status == toolhub.StatusError,
				CorrelationID: correlationID,
			},
		}
	}

	_, _ = tracker.AddArtifact(provenance.EntityArtifact, "simple_loop_result", []string{toolEntityID}, map[string]any{"action": action})

	return &Response{
		ConversationID: conversationID,
		Path:           "simple",
		Text:           fmt.Sprintf("%v", lastResult.Output),
		TaskResults: map[string]*graph.Result{
			action: {Output: lastResult.Output, Duration: lastResult.Duration},
		},
	}
}

// runHTN runs the full Planner → Executor → Verifier pipeline (§4.12 step
// 4), consulting the Plan Cache before planning and the Policy Guardian
// both before planning and after execution.
func (o *Orchestrator) runHTN(ctx context.Context, message, conversationID string, reqCtx planner.Context, correlationID, activityID, promptEntityID string, tracker *provenance.Tracker) *Response {
	plan, cacheHit, err := o.planWithCache(ctx, message, reqCtx)
	if err != nil {
		return htnFailure(conversationID, correlationID, err)
	}

	planOutcome := o.ctx.Policy.ValidatePlan(plan, conversationID)
	if !planOutcome.Valid && o.ctx.Policy.StrictMode() {
		o.recordDecision(decision.KindPolicyReject, message, plan.Fingerprint, planOutcome, plan.ToolNames(), conversationID, "")
		return &Response{
			ConversationID: conversationID,
			Path:           "htn",
			Failure: &FailureInfo{
				Kind:          htnerr.CodePolicyViolation,
				Message:       strings.Join(planOutcome.Errors, "; "),
				Retryable:     false,
				CorrelationID: correlationID,
			},
		}
	}

	o.recordDecision(decision.KindPlanning, message, plan.Fingerprint, map[string]any{
		"strategy": plan.Strategy, "confidence": plan.Confidence, "task_count": plan.TaskCount(), "cache_hit": cacheHit,
	}, plan.ToolNames(), conversationID, "")

	planEntityID, _ := tracker.AddArtifact(provenance.EntityArtifact, plan.Fingerprint, []string{promptEntityID}, map[string]any{
		"strategy": string(plan.Strategy), "task_count": plan.TaskCount(),
	})

	report, err := o.ctx.Executor.Run(ctx, plan, conversationID)
	if err != nil {
		return htnFailure(conversationID, correlationID, err)
	}
	for id, res := range report.Results {
		_, _ = tracker.AddToolActivity("executor", []string{planEntityID}, id, map[string]any{"error": res.Error != ""})
	}

	verification, err := o.ctx.Verifier.Verify(ctx, plan, report, o.opts.VerificationLevel, conversationID)
	if err != nil {
		return htnFailure(conversationID, correlationID, err)
	}

	auditOutcome := o.ctx.Policy.AuditExecution(map[string]any{
		"failed_critical": hasCriticalFailure(plan.Graph),
	}, conversationID)

	if !verification.Passed || (!auditOutcome.Valid && o.ctx.Policy.StrictMode()) {
		kind := htnerr.CodePostconditionFailed
		if hasCriticalFailure(plan.Graph) {
			kind = htnerr.CodeCriticalFailure
		}
		o.recordDecision(decision.KindVerification, plan.Fingerprint, report.Stats, verification, plan.ToolNames(), conversationID, "")
		return &Response{
			ConversationID: conversationID,
			Path:           "htn",
			TaskResults:    report.Results,
			Verification:   verification,
			Failure: &FailureInfo{
				Kind:          kind,
				Message:       fmt.Sprintf("verification failed for %d task(s)", len(verification.Failed)),
				Retryable:     false,
				CorrelationID: correlationID,
			},
		}
	}

	o.recordDecision(decision.KindResponse, plan.Fingerprint, report.Stats, verification, plan.ToolNames(), conversationID, "")

	return &Response{
		ConversationID: conversationID,
		Path:           "htn",
		Text:           summarizeResults(report),
		TaskResults:    report.Results,
		Verification:   verification,
	}
}

// planWithCache checks the Plan Cache for a fingerprint match before
// running the (possibly LLM-backed) planner, and stores a fresh plan on a
// miss. Cache hits still go through ValidatePlan in the caller (§4.9:
// "Cache hits still re-run policy validation").
func (o *Orchestrator) planWithCache(ctx context.Context, message string, reqCtx planner.Context) (*planner.Plan, bool, error) {
	precheckFP := planner.Fingerprint(planner.NormalizeQuery(message), o.ctx.Planner.Capabilities(), o.ctx.Planner.DefaultStrategy())
	if o.ctx.Cache != nil {
		if cached, ok := o.ctx.Cache.Get(precheckFP); ok {
			return cached, true, nil
		}
	}

	plan, err := o.ctx.Planner.Plan(ctx, message, reqCtx)
	if err != nil {
		return nil, false, err
	}
	if o.ctx.Cache != nil {
		_ = o.ctx.Cache.Put(plan)
	}
	return plan, false, nil
}

func (o *Orchestrator) recordDecision(kind decision.Kind, input, plan, result any, toolsUsed []string, conversationID, taskID string) {
	if o.ctx.Decisions == nil {
		return
	}
	_, _ = o.ctx.Decisions.Record(kind, input, plan, result, toolsUsed, nil, decision.Context{
		ConversationID: conversationID,
		TaskID:         taskID,
		Actor:          "orchestrator",
		Frameworks:     o.ctx.Policy.Frameworks(),
	})
}

func (o *Orchestrator) finalize(tracker *provenance.Tracker) {
	if _, err := tracker.Finalize(); err != nil {
		o.ctx.Logger.Warn("provenance finalize failed", "error", err)
	}
}

func htnFailure(conversationID, correlationID string, err error) *Response {
	code := htnerr.CodeOf(err)
	if code == "" {
		code = htnerr.CodeToolUnavailable
	}
	return &Response{
		ConversationID: conversationID,
		Path:           "htn",
		Failure: &FailureInfo{
			Kind:          code,
			Message:       err.Error(),
			Retryable:     code.Retryable(),
			CorrelationID: correlationID,
		},
	}
}

func hasCriticalFailure(g *graph.TaskGraph) bool {
	for _, t := range g.AllTasks() {
		if t.Priority == graph.CRITICAL && t.State == graph.Failed {
			return true
		}
	}
	return false
}

func codeForStatus(status toolhub.Status) htnerr.Code {
	switch status {
	case toolhub.StatusTimeout:
		return htnerr.CodeTimeout
	case toolhub.StatusBlocked:
		return htnerr.CodePolicyBlocked
	case toolhub.StatusValidationFailed:
		return htnerr.CodeValidationFailure
	default:
		return htnerr.CodeToolUnavailable
	}
}

func summarizeResults(report *executor.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "completed %d/%d task(s)", report.Stats.Completed, report.Stats.Total)
	return b.String()
}

// parseDirectAction maps a simple-loop query to a tool name and argument
// map for the bounded direct-call loop (§4.12 step 3). This is
// deliberately minimal: real natural-language-to-tool-call mapping is the
// Planner's job, exercised by the HTN path. It recognizes only
// directActionPattern's shape; runSimpleLoop resolves the classifier's
// other simple case, a single-task rule-based match, via planner.RuleBased.
func parseDirectAction(message string) (action string, args map[string]any, ok bool) {
	m := directActionPattern.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return "", nil, false
	}
	verb := strings.ToLower(m[1])
	target := strings.TrimSpace(strings.TrimSpace(message)[len(m[1]):])
	target = strings.TrimSpace(target)
	switch verb {
	case "read":
		return "file_read", map[string]any{"path": target}, true
	case "summarize":
		return "summarize", map[string]any{"target": target}, true
	case "calculate", "compute":
		return "calculator", map[string]any{"expression": target}, true
	default:
		return "", nil, false
	}
}

func newCorrelationID() string {
	return fmt.Sprintf("corr-%d", time.Now().UnixNano())
}
