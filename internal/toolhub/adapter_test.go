package toolhub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antigravity-dev/htnguard/internal/graph"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.Register(EchoTool{})
	for _, tool := range ReferenceTools() {
		r.Register(tool)
	}
	return r
}

func TestAdapterInvokeSuccess(t *testing.T) {
	a := NewAdapter(newTestRegistry(), nil, nil, nil, 0, 0)
	res, err := a.Invoke(context.Background(), "echo", map[string]any{"text": "hi"}, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", res.Status, res.Error)
	}
	if res.Output != "hi" {
		t.Fatalf("expected echoed output, got %v", res.Output)
	}
}

func TestAdapterInvokeUnknownTool(t *testing.T) {
	a := NewAdapter(newTestRegistry(), nil, nil, nil, 0, 0)
	_, err := a.Invoke(context.Background(), "does_not_exist", nil, time.Time{})
	if err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
}

func TestAdapterInvokeValidationFailure(t *testing.T) {
	a := NewAdapter(newTestRegistry(), nil, nil, nil, 0, 0)
	res, err := a.Invoke(context.Background(), "echo", map[string]any{}, time.Time{})
	if err != nil {
		t.Fatalf("validation failures are not Go errors: %v", err)
	}
	if res.Status != StatusValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %s", res.Status)
	}
}

type denyChecker struct {
	allowed          bool
	approvalRequired bool
	reason           string
}

func (d denyChecker) CheckToolCall(string, map[string]any, graph.SideEffect) (bool, string, bool) {
	return d.allowed, d.reason, d.approvalRequired
}

func TestAdapterInvokePolicyBlocked(t *testing.T) {
	a := NewAdapter(newTestRegistry(), denyChecker{allowed: false, reason: "nope"}, nil, nil, 0, 0)
	res, err := a.Invoke(context.Background(), "echo", map[string]any{"text": "hi"}, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusBlocked {
		t.Fatalf("expected BLOCKED, got %s", res.Status)
	}
}

func TestAdapterInvokeApprovalRequired(t *testing.T) {
	a := NewAdapter(newTestRegistry(), denyChecker{allowed: true, approvalRequired: true, reason: "needs sign-off"}, nil, nil, 0, 0)
	res, err := a.Invoke(context.Background(), "echo", map[string]any{"text": "hi"}, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusBlocked {
		t.Fatalf("expected BLOCKED for an approval-gated tool, got %s", res.Status)
	}
}

type slowTool struct{}

func (slowTool) Describe() Descriptor {
	return Descriptor{Name: "slow", SideEffect: graph.Read, DefaultTimeout: 20 * time.Millisecond}
}

func (slowTool) Invoke(ctx context.Context, _ map[string]any) (any, error) {
	select {
	case <-time.After(time.Second):
		return "done", nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestAdapterInvokeTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(slowTool{})
	a := NewAdapter(r, nil, nil, nil, 0, 0)

	res, err := a.Invoke(context.Background(), "slow", nil, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("expected TIMEOUT, got %s (%s)", res.Status, res.Error)
	}
}

type erroringTool struct{}

func (erroringTool) Describe() Descriptor {
	return Descriptor{Name: "erroring", SideEffect: graph.Read}
}

func (erroringTool) Invoke(context.Context, map[string]any) (any, error) {
	return nil, errors.New("boom")
}

func TestAdapterInvokeToolError(t *testing.T) {
	r := NewRegistry()
	r.Register(erroringTool{})
	a := NewAdapter(r, nil, nil, nil, 0, 0)

	res, err := a.Invoke(context.Background(), "erroring", nil, time.Time{})
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("expected ERROR, got %s", res.Status)
	}
}
