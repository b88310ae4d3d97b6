package toolhub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/redact"
)

// Adapter is the invocation path described by §4.6's five-step contract. It
// sits in front of a Registry and owns the per-tool circuit breakers, rate
// limiters, and the optional Docker sandbox used for dangerous-class tools
// — grounded in the teacher's internal/dispatch package, which pairs one
// RateLimiter and one DockerDispatcher with every outbound dispatch.
type Adapter struct {
	registry *Registry
	policy   PolicyChecker
	worm     WORMAppender
	redactor *redact.Redactor
	sandbox  *DockerSandbox // nil disables sandboxed execution of dangerous tools

	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int
}

// NewAdapter builds an Adapter over registry, consulting checker for policy
// decisions and appending redacted audit events to worm. ratePerSecond/burst
// configure the default per-tool rate limit (0 disables limiting).
func NewAdapter(registry *Registry, checker PolicyChecker, worm WORMAppender, redactor *redact.Redactor, ratePerSecond float64, burst int) *Adapter {
	if redactor == nil {
		redactor = redact.Default()
	}
	return &Adapter{
		registry:  registry,
		policy:    checker,
		worm:      worm,
		redactor:  redactor,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		limiters:  make(map[string]*rate.Limiter),
		rateLimit: rate.Limit(ratePerSecond),
		rateBurst: burst,
	}
}

// WithSandbox attaches a DockerSandbox used for dangerous-class tools and
// returns the adapter for chaining.
func (a *Adapter) WithSandbox(s *DockerSandbox) *Adapter {
	a.sandbox = s
	return a
}

func (a *Adapter) breakerFor(name string) *gobreaker.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cb, ok := a.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tool:" + name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	a.breakers[name] = cb
	return cb
}

func (a *Adapter) limiterFor(name string) *rate.Limiter {
	if a.rateLimit <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.limiters[name]; ok {
		return l
	}
	l := rate.NewLimiter(a.rateLimit, a.rateBurst)
	a.limiters[name] = l
	return l
}

// Invoke runs the §4.6 contract for one tool call, never returning a Go
// error for a tool-level failure — only for an unknown tool name, which the
// Planner/Executor are expected to have already screened via Descriptors().
// deadline, if non-zero, caps ctx with the stricter of its own deadline and
// the caller's (§5: "the strictest active deadline applies").
func (a *Adapter) Invoke(ctx context.Context, name string, args map[string]any, deadline time.Time) (Result, error) {
	tool, ok := a.registry.Lookup(name)
	if !ok {
		return Result{}, unknownToolErr(name)
	}
	desc := tool.Describe()

	if problems := validateArgs(desc.Args, args); len(problems) > 0 {
		return Result{Status: StatusValidationFailed, Error: fmt.Sprintf("%v", problems)}, nil
	}

	if a.policy != nil {
		allowed, reason, approval := a.policy.CheckToolCall(name, args, desc.SideEffect)
		if approval {
			a.emit("tool.approval_required", map[string]any{"tool": name, "reason": reason})
			return Result{Status: StatusBlocked, Error: "ApprovalRequired: " + reason}, nil
		}
		if !allowed {
			a.emit("tool.blocked", map[string]any{"tool": name, "reason": a.redactor.Redact(reason)})
			return Result{Status: StatusBlocked, Error: "PolicyBlocked: " + reason}, nil
		}
	}

	if l := a.limiterFor(name); l != nil {
		if err := l.Wait(ctx); err != nil {
			return Result{Status: StatusTimeout, Error: "rate limit wait: " + err.Error()}, nil
		}
	}

	effDeadline := deadline
	if d := desc.DefaultTimeout; d > 0 {
		byTool := time.Now().Add(d)
		if effDeadline.IsZero() || byTool.Before(effDeadline) {
			effDeadline = byTool
		}
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if !effDeadline.IsZero() {
		callCtx, cancel = context.WithDeadline(ctx, effDeadline)
		defer cancel()
	}

	start := time.Now()
	invoker := func() (any, error) {
		if desc.SideEffect == graph.Dangerous && a.sandbox != nil {
			return a.sandbox.Run(callCtx, desc, args)
		}
		return tool.Invoke(callCtx, args)
	}

	cb := a.breakerFor(name)
	out, err := cb.Execute(invoker)
	duration := time.Since(start)

	res := Result{Duration: duration}
	switch {
	case err == nil:
		res.Status = StatusSuccess
		res.Output = a.redactOutput(out)
	case callCtx.Err() == context.DeadlineExceeded:
		res.Status = StatusTimeout
		res.Error = "Timeout: " + err.Error()
	case callCtx.Err() == context.Canceled:
		res.Status = StatusError
		res.Error = "cancelled: " + err.Error()
	default:
		res.Status = StatusError
		res.Error = a.redactor.Redact(err.Error())
	}

	a.emit("tool.executed", map[string]any{
		"tool":        name,
		"status":      string(res.Status),
		"duration_ms": duration.Milliseconds(),
		"error":       res.Error,
	})
	return res, nil
}

func (a *Adapter) redactOutput(out any) any {
	s, ok := out.(string)
	if !ok {
		return out
	}
	return a.redactor.Redact(s)
}

func (a *Adapter) emit(kind string, payload any) {
	if a.worm == nil {
		return
	}
	_, _ = a.worm.Append(kind, payload)
}
