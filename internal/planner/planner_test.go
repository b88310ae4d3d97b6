package planner

import (
	"context"
	"testing"

	"github.com/antigravity-dev/htnguard/internal/llm"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

func newTestRegistry() *toolhub.Registry {
	r := toolhub.NewRegistry()
	for _, tool := range toolhub.ReferenceTools() {
		r.Register(tool)
	}
	return r
}

func TestRuleBasedChain(t *testing.T) {
	plan, ok, err := RuleBased("Read sales.csv then summarize revenue by month", newTestRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected the chain template to match")
	}
	if plan.TaskCount() != 2 {
		t.Fatalf("expected 2 tasks, got %d", plan.TaskCount())
	}
	if got := plan.ToolNames(); len(got) != 2 {
		t.Fatalf("expected 2 distinct tools, got %v", got)
	}
}

func TestRuleBasedFanOut(t *testing.T) {
	plan, ok, err := RuleBased("Summarize a.txt, b.txt, and c.txt", newTestRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected the fan-out template to match")
	}
	if plan.TaskCount() != 3 {
		t.Fatalf("expected 3 independent tasks, got %d", plan.TaskCount())
	}
	order, err := plan.Graph.TopoOrder()
	if err != nil || len(order) != 3 {
		t.Fatalf("expected a valid topo order of 3, got %v, err=%v", order, err)
	}
}

func TestRuleBasedNoMatch(t *testing.T) {
	_, ok, err := RuleBased("something entirely unrecognized as a shape", newTestRegistry())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no template to match")
	}
}

func TestPlannerRuleBasedIdempotent(t *testing.T) {
	reg := newTestRegistry()
	p := New(reg, llm.Noop{}, Options{DefaultStrategy: RuleBased})

	p1, err := p.Plan(context.Background(), "Summarize a.txt, b.txt, and c.txt", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p2, err := p.Plan(context.Background(), "Summarize a.txt, b.txt, and c.txt", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p1.Fingerprint != p2.Fingerprint {
		t.Fatalf("expected identical fingerprints for identical queries, got %q vs %q", p1.Fingerprint, p2.Fingerprint)
	}
}

func TestPlannerValidateEmptyPlan(t *testing.T) {
	reg := newTestRegistry()
	p := New(reg, llm.Noop{}, Options{DefaultStrategy: RuleBased})

	_, err := p.Plan(context.Background(), "this will not match any template", Context{})
	if err == nil {
		t.Fatal("expected an error for a query with no matching template and no model backend")
	}
}

func TestPlannerHybridFallsBackToRuleOnHighConfidence(t *testing.T) {
	reg := newTestRegistry()
	p := New(reg, llm.Noop{}, Options{DefaultStrategy: Hybrid, HybridConfidenceFloor: 0.5})

	plan, err := p.Plan(context.Background(), "Read sales.csv then summarize revenue by month", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Strategy != Hybrid {
		t.Fatalf("expected the final plan to be tagged hybrid, got %s", plan.Strategy)
	}
	if plan.TaskCount() != 2 {
		t.Fatalf("expected 2 tasks from the rule-based match, got %d", plan.TaskCount())
	}
}

func TestFingerprintStableForSameInputs(t *testing.T) {
	caps := []toolhub.Descriptor{{Name: "summarize", Version: "1"}}
	a := Fingerprint(NormalizeQuery("Summarize X"), caps, Hybrid)
	b := Fingerprint(NormalizeQuery("summarize x"), caps, Hybrid)
	if a != b {
		t.Fatalf("expected case/whitespace-insensitive fingerprints to match, got %q vs %q", a, b)
	}
}

func TestFingerprintDiffersByStrategy(t *testing.T) {
	caps := []toolhub.Descriptor{{Name: "summarize", Version: "1"}}
	a := Fingerprint("q", caps, RuleBased)
	b := Fingerprint("q", caps, ModelBased)
	if a == b {
		t.Fatal("expected different strategies to produce different fingerprints")
	}
}

func TestPlanDepth(t *testing.T) {
	plan, ok, err := RuleBased("Read sales.csv then summarize revenue by month", newTestRegistry())
	if err != nil || !ok {
		t.Fatalf("expected chain template to match, ok=%v err=%v", ok, err)
	}
	if plan.Depth() != 1 {
		t.Fatalf("expected a depth-1 chain (one edge), got %d", plan.Depth())
	}
}
