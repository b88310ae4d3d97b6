package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/planner"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

type fakeInvoker struct {
	fail map[string]int // action -> number of leading failures before success
	done map[string]int
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]any, deadline time.Time) (toolhub.Result, error) {
	if f.done == nil {
		f.done = map[string]int{}
	}
	f.done[name]++
	if n := f.fail[name]; f.done[name] <= n {
		return toolhub.Result{Status: toolhub.StatusError, Error: "injected failure"}, nil
	}
	return toolhub.Result{Status: toolhub.StatusSuccess, Output: "ok"}, nil
}

func planWithChain(t *testing.T) *planner.Plan {
	t.Helper()
	g := graph.New("q", "q", "test")
	if err := g.Add(graph.Task{ID: "t1", Action: "file_read", Priority: graph.NORMAL, SideEffect: graph.Read, MaxRetries: 2}, nil); err != nil {
		t.Fatalf("add t1: %v", err)
	}
	if err := g.Add(graph.Task{ID: "t2", Action: "summarize", Priority: graph.NORMAL, SideEffect: graph.Pure, MaxRetries: 2}, []string{"t1"}); err != nil {
		t.Fatalf("add t2: %v", err)
	}
	return &planner.Plan{Graph: g, Strategy: planner.RuleBased, Confidence: 0.9}
}

func TestExecutorRunSequentialSuccess(t *testing.T) {
	inv := &fakeInvoker{}
	e := New(inv, nil, nil, nil, Options{Strategy: Sequential, MaxWorkers: 1, TaskTimeout: time.Second})
	report, err := e.Run(context.Background(), planWithChain(t), "conv-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Stats.Completed != 2 {
		t.Fatalf("expected 2 completed tasks, got %+v", report.Stats)
	}
	if report.Cancelled {
		t.Fatal("expected a clean run, not cancelled")
	}
}

func TestExecutorRetriesTransientFailure(t *testing.T) {
	inv := &fakeInvoker{fail: map[string]int{"file_read": 1}}
	e := New(inv, nil, nil, nil, Options{
		Strategy: Parallel, MaxWorkers: 2, TaskTimeout: time.Second,
		MaxRetries: 2, RetryBackoffBase: time.Millisecond, RetryBackoffMax: 5 * time.Millisecond,
	})
	report, err := e.Run(context.Background(), planWithChain(t), "conv-2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Stats.Completed != 2 {
		t.Fatalf("expected both tasks to eventually complete after retry, got %+v", report.Stats)
	}
	if inv.done["file_read"] != 2 {
		t.Fatalf("expected file_read invoked twice (1 failure + 1 retry success), got %d", inv.done["file_read"])
	}
}

func TestExecutorCriticalFailureCancelsGraph(t *testing.T) {
	g := graph.New("q", "q", "test")
	if err := g.Add(graph.Task{ID: "critical", Action: "file_read", Priority: graph.CRITICAL, SideEffect: graph.Read, MaxRetries: 0}, nil); err != nil {
		t.Fatalf("add critical: %v", err)
	}
	if err := g.Add(graph.Task{ID: "sibling", Action: "summarize", Priority: graph.NORMAL, SideEffect: graph.Pure, MaxRetries: 0}, nil); err != nil {
		t.Fatalf("add sibling: %v", err)
	}
	plan := &planner.Plan{Graph: g, Strategy: planner.RuleBased}

	inv := &fakeInvoker{fail: map[string]int{"file_read": 99}}
	e := New(inv, nil, nil, nil, Options{
		Strategy: Sequential, MaxWorkers: 1, TaskTimeout: time.Second,
		MaxRetries: 1, RetryBackoffBase: time.Millisecond, RetryBackoffMax: 5 * time.Millisecond,
	})
	report, err := e.Run(context.Background(), plan, "conv-3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Cancelled {
		t.Fatal("expected critical task failure to cancel the graph")
	}
}

func TestExecutorRejectsOverfanOut(t *testing.T) {
	g := graph.New("q", "q", "test")
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		if err := g.Add(graph.Task{ID: id, Action: "summarize", SideEffect: graph.Pure}, nil); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	plan := &planner.Plan{Graph: g, Strategy: planner.RuleBased}

	e := New(&fakeInvoker{}, nil, nil, nil, Options{QueueCapacity: 2})
	if _, err := e.Run(context.Background(), plan, "conv-4"); err == nil {
		t.Fatal("expected OverfanOut rejection for a plan exceeding queue capacity")
	}
}
