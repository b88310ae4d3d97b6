package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/antigravity-dev/htnguard/internal/executor"
	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/planner"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

type fakeInvoker struct {
	output string
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]any, deadline time.Time) (toolhub.Result, error) {
	return toolhub.Result{Status: toolhub.StatusSuccess, Output: f.output}, nil
}

func completedPlan(t *testing.T) *planner.Plan {
	t.Helper()
	g := graph.New("q", "q", "test")
	if err := g.Add(graph.Task{ID: "t1", Action: "file_read", SideEffect: graph.Read}, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := g.Mark("t1", graph.Ready, nil); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if err := g.Mark("t1", graph.Running, nil); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := g.Mark("t1", graph.Completed, &graph.Result{Output: "hello"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	return &planner.Plan{Graph: g, Strategy: planner.RuleBased}
}

func TestVerifyBasicPassesOnCompletion(t *testing.T) {
	v := New(nil, nil, nil, Options{DefaultLevel: Basic})
	report, err := v.Verify(context.Background(), completedPlan(t), &executor.Report{}, Basic, "conv-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Passed {
		t.Fatalf("expected pass, got failures: %+v", report.Failed)
	}
}

func TestVerifyParanoidDetectsMismatch(t *testing.T) {
	v := New(&fakeInvoker{output: "different"}, nil, nil, Options{ParanoidSample: 1.0})
	report, err := v.Verify(context.Background(), completedPlan(t), &executor.Report{}, Paranoid, "conv-2")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.Passed {
		t.Fatal("expected paranoid cross-check to detect the output mismatch")
	}
	if len(report.Failed) != 1 || report.Failed[0].TaskID != "t1" {
		t.Fatalf("expected a single failure on t1, got %+v", report.Failed)
	}
}

func TestVerifyParanoidAgreesOnMatch(t *testing.T) {
	v := New(&fakeInvoker{output: "hello"}, nil, nil, Options{ParanoidSample: 1.0})
	report, err := v.Verify(context.Background(), completedPlan(t), &executor.Report{}, Paranoid, "conv-3")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.Passed {
		t.Fatalf("expected pass when independent re-check agrees, got %+v", report.Failed)
	}
}
