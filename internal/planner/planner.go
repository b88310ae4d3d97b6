package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/llm"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

// Context carries per-request metadata the Planner may use to tailor a
// plan (§4.9: "query text, optional context (conversation identifier,
// user role, prior tasks)").
type Context struct {
	ConversationID string
	UserRole       string
	PriorTaskIDs   []string
}

// Options configures a Planner (mirrors config.Planner).
type Options struct {
	DefaultStrategy       Strategy
	MaxDecompositionDepth int
	MaxTasksPerPlan       int
	PlanningTimeout       time.Duration
	HybridConfidenceFloor float64
	ModelConfig           llm.GenerateConfig
}

// Planner produces Plans from queries using the rule-based, model-based,
// and hybrid strategies of §4.9.
type Planner struct {
	registry *toolhub.Registry
	backend  llm.Backend
	opts     Options
}

// New builds a Planner over registry (used to resolve tool side-effect
// classes and build the model-based tool catalog) and backend (may be
// llm.Noop{} to disable model-based escalation entirely).
func New(registry *toolhub.Registry, backend llm.Backend, opts Options) *Planner {
	if opts.MaxDecompositionDepth <= 0 {
		opts.MaxDecompositionDepth = 5
	}
	if opts.MaxTasksPerPlan <= 0 {
		opts.MaxTasksPerPlan = 64
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = Hybrid
	}
	if opts.HybridConfidenceFloor <= 0 {
		opts.HybridConfidenceFloor = 0.6
	}
	return &Planner{registry: registry, backend: backend, opts: opts}
}

// Plan decomposes query into a Plan under the Planner's default strategy,
// then validates the result against §4.9's output contract (depth/fan-out
// caps, every action resolvable) and attaches parallelism hints (§4.9) and
// a fingerprint (§3).
func (p *Planner) Plan(ctx context.Context, query string, reqCtx Context) (*Plan, error) {
	if p.opts.PlanningTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.PlanningTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	var plan *Plan
	var planErr error
	go func() {
		defer close(done)
		plan, planErr = p.decompose(ctx, query)
	}()

	select {
	case <-ctx.Done():
		return nil, htnerr.NewCode(htnerr.KindTimeout, htnerr.CodePlanningTimeout, "planner.Plan", ctx.Err())
	case <-done:
	}
	if planErr != nil {
		return nil, planErr
	}

	if err := p.validate(plan); err != nil {
		return nil, err
	}
	attachParallelHints(plan.Graph, p.registry)

	plan.Fingerprint = Fingerprint(NormalizeQuery(query), p.registry.Descriptors(), plan.Strategy)
	return plan, nil
}

// Capabilities returns the tool descriptors visible to this Planner, for
// callers (e.g. a Plan Cache lookup) that need to precompute a Fingerprint
// before running a full decomposition.
func (p *Planner) Capabilities() []toolhub.Descriptor {
	return p.registry.Descriptors()
}

// DefaultStrategy returns the Planner's configured default strategy tag —
// the same tag Plan attaches to every produced Plan regardless of which
// internal strategy actually ran (hybrid always tags Hybrid, §4.9).
func (p *Planner) DefaultStrategy() Strategy {
	return p.opts.DefaultStrategy
}

func (p *Planner) decompose(ctx context.Context, query string) (*Plan, error) {
	switch p.opts.DefaultStrategy {
	case RuleBased:
		plan, ok, err := RuleBased(query, p.registry)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, htnerr.NewCode(htnerr.KindValidation, htnerr.CodeEmptyPlan, "planner.decompose", fmt.Errorf("no rule-based template matched %q", query))
		}
		return plan, nil
	case ModelBased:
		plan, err := ModelBased(ctx, query, p.backend, p.opts.ModelConfig, p.registry, p.opts.MaxDecompositionDepth, p.opts.MaxTasksPerPlan)
		if err == nil {
			return plan, nil
		}
		// model-based failed: fall back to a rule-based match if one exists.
		if rulePlan, ok, ruleErr := RuleBased(query, p.registry); ruleErr == nil && ok {
			rulePlan.Strategy = ModelBased
			return rulePlan, nil
		}
		return nil, err
	default: // Hybrid
		return p.hybrid(ctx, query)
	}
}

// hybrid runs rule-based first; if its confidence is below the configured
// floor, it calls model-based and returns the model plan with its
// confidence raised to the max of the two (§4.9). Tasks of the rule plan
// are not merged into the model plan.
func (p *Planner) hybrid(ctx context.Context, query string) (*Plan, error) {
	rulePlan, ok, err := RuleBased(query, p.registry)
	if err != nil {
		return nil, err
	}
	if ok && rulePlan.Confidence >= p.opts.HybridConfidenceFloor {
		rulePlan.Strategy = Hybrid
		return rulePlan, nil
	}

	modelPlan, modelErr := ModelBased(ctx, query, p.backend, p.opts.ModelConfig, p.registry, p.opts.MaxDecompositionDepth, p.opts.MaxTasksPerPlan)
	if modelErr != nil {
		if ok {
			// model-based unavailable or unparseable: fall back to the
			// rule-based match we already have, even below the floor.
			rulePlan.Strategy = Hybrid
			return rulePlan, nil
		}
		return nil, modelErr
	}

	modelPlan.Strategy = Hybrid
	if ok && rulePlan.Confidence > modelPlan.Confidence {
		modelPlan.Confidence = rulePlan.Confidence
	}
	return modelPlan, nil
}

func (p *Planner) validate(plan *Plan) error {
	if plan == nil || plan.TaskCount() == 0 {
		return htnerr.NewCode(htnerr.KindValidation, htnerr.CodeEmptyPlan, "planner.validate", fmt.Errorf("plan has no tasks"))
	}
	if plan.Depth() > p.opts.MaxDecompositionDepth {
		return htnerr.NewCode(htnerr.KindValidation, htnerr.CodeSchemaMismatch, "planner.validate", fmt.Errorf("plan depth %d exceeds max %d", plan.Depth(), p.opts.MaxDecompositionDepth))
	}
	if plan.TaskCount() > p.opts.MaxTasksPerPlan {
		return htnerr.NewCode(htnerr.KindValidation, htnerr.CodeSchemaMismatch, "planner.validate", fmt.Errorf("plan has %d tasks, exceeds max %d", plan.TaskCount(), p.opts.MaxTasksPerPlan))
	}
	for _, t := range plan.Graph.AllTasks() {
		if _, ok := p.registry.Lookup(t.Action); !ok {
			return htnerr.NewCode(htnerr.KindNotFound, htnerr.CodeToolUnavailable, "planner.validate", fmt.Errorf("action %q does not resolve to a registered tool", t.Action))
		}
	}
	return nil
}

// attachParallelHints sets each task's Commutative/ResourceKey fields from
// its resolved tool descriptor (§4.9: pure/read tasks are parallel-safe by
// construction via SideEffect.ParallelSafe(); write/network/dangerous
// tasks serialize on a resource token unless the tool declares itself
// commutative).
func attachParallelHints(g *graph.TaskGraph, reg *toolhub.Registry) {
	for _, t := range g.AllTasks() {
		tool, ok := reg.Lookup(t.Action)
		if !ok {
			continue
		}
		desc := tool.Describe()
		commutative := desc.Commutative
		resourceKey := ""
		if !desc.SideEffect.ParallelSafe() && !commutative {
			resourceKey = t.Action
		}
		g.SetHints(t.ID, commutative, resourceKey)
	}
}

// NormalizeQuery canonicalizes a query for fingerprinting so trivial
// formatting differences (case, surrounding whitespace) don't change the
// cache key.
func NormalizeQuery(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}
