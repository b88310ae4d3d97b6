package graph

import (
	"testing"
)

func TestAddRejectsCycle(t *testing.T) {
	g := New("summarize a.txt", "summarize", "hybrid")
	if err := g.Add(Task{ID: "t1", Action: "file_read"}, nil); err != nil {
		t.Fatalf("add t1: %v", err)
	}
	if err := g.Add(Task{ID: "t2", Action: "summarize"}, []string{"t1"}); err != nil {
		t.Fatalf("add t2: %v", err)
	}

	// t1 -> t2 already exists (t2 depends on t1); adding the edge t1 -> t2
	// (t1 depends on t2) would close a cycle.
	if err := g.AddEdge("t1", "t2"); err == nil {
		t.Fatal("expected CycleDetected, got nil error")
	}
}

func TestAddEdgeConnectsExistingTasks(t *testing.T) {
	g := New("q", "goal", "rule_based")
	must(t, g.Add(Task{ID: "t1"}, nil))
	must(t, g.Add(Task{ID: "t2"}, nil))
	must(t, g.AddEdge("t2", "t1"))

	ready := g.ReadyTasks()
	if len(ready) != 1 || ready[0].ID != "t1" {
		t.Fatalf("expected only t1 ready after AddEdge, got %+v", ready)
	}
}

func TestReadyTasksRespectsPrerequisites(t *testing.T) {
	g := New("q", "goal", "rule_based")
	must(t, g.Add(Task{ID: "t1", Priority: NORMAL}, nil))
	must(t, g.Add(Task{ID: "t2", Priority: NORMAL}, []string{"t1"}))

	ready := g.ReadyTasks()
	if len(ready) != 1 || ready[0].ID != "t1" {
		t.Fatalf("expected only t1 ready, got %+v", ready)
	}

	must(t, g.Mark("t1", Ready, nil))
	must(t, g.Mark("t1", Running, nil))
	must(t, g.Mark("t1", Completed, &Result{Output: "done"}))

	ready = g.ReadyTasks()
	if len(ready) != 1 || ready[0].ID != "t2" {
		t.Fatalf("expected only t2 ready after t1 completes, got %+v", ready)
	}
}

func TestReadyTasksOrderedByPriorityThenID(t *testing.T) {
	g := New("q", "goal", "rule_based")
	must(t, g.Add(Task{ID: "b", Priority: NORMAL}, nil))
	must(t, g.Add(Task{ID: "a", Priority: NORMAL}, nil))
	must(t, g.Add(Task{ID: "c", Priority: CRITICAL}, nil))

	ready := g.ReadyTasks()
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready tasks, got %d", len(ready))
	}
	if ready[0].ID != "c" {
		t.Fatalf("expected CRITICAL task c first, got %q", ready[0].ID)
	}
	if ready[1].ID != "a" || ready[2].ID != "b" {
		t.Fatalf("expected a before b among equal priority, got %q then %q", ready[1].ID, ready[2].ID)
	}
}

func TestMarkPropagatesSkipOnFailure(t *testing.T) {
	g := New("q", "goal", "rule_based")
	must(t, g.Add(Task{ID: "t1", Priority: NORMAL, MaxRetries: 0}, nil))
	must(t, g.Add(Task{ID: "t2", Priority: NORMAL}, []string{"t1"}))

	must(t, g.Mark("t1", Ready, nil))
	must(t, g.Mark("t1", Running, nil))
	must(t, g.Mark("t1", Failed, &Result{Error: "boom"}))
	must(t, g.Mark("t1", Skipped, nil))

	got, _ := g.Get("t2")
	if got.State != Skipped {
		t.Fatalf("expected t2 to be SKIPPED, got %s", got.State)
	}
}

func TestMarkRejectsIllegalTransition(t *testing.T) {
	g := New("q", "goal", "rule_based")
	must(t, g.Add(Task{ID: "t1"}, nil))
	if err := g.Mark("t1", Running, nil); err == nil {
		t.Fatal("expected error transitioning PENDING directly to RUNNING")
	}
}

func TestTopoOrderStableTieBreak(t *testing.T) {
	g := New("q", "goal", "rule_based")
	must(t, g.Add(Task{ID: "b", Priority: NORMAL}, nil))
	must(t, g.Add(Task{ID: "a", Priority: NORMAL}, nil))

	order, err := g.TopoOrder()
	if err != nil {
		t.Fatalf("topo order: %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("expected [a b], got %v", order)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
