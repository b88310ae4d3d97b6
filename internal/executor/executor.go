// Package executor implements the Executor (§4.10): it walks a Task
// Graph to completion under a chosen strategy, invoking tools through the
// Tool Executor Adapter, retrying transient failures with backoff,
// serializing non-commutative side effects on a resource token, and
// propagating critical-task failure into graph-wide cancellation.
//
// The concurrency model is grounded in the teacher's
// internal/scheduler.ConcurrencyController (admission control over a
// priority-ordered queue) and internal/dispatch.RetryPolicy (backoff with
// jitter and escalation): a single dispatcher goroutine repeatedly pulls
// the Task Graph's priority-sorted ready set, admits as many as the
// configured worker budget and the resource-token ledger allow, and
// blocks for the next completion when nothing more can be admitted. Each
// admitted task runs under a golang.org/x/sync/errgroup.Group — the
// worker pool's goroutine lifecycle (launch, crash propagation, joining
// every in-flight task before Run returns) is the group's, not hand-rolled
// WaitGroup bookkeeping, and the group's derived context is what carries
// cooperative cancellation down into each tool invocation.
package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/htnguard/internal/decision"
	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/planner"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

// Strategy selects how the Executor schedules a graph's tasks (§4.10).
type Strategy string

const (
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
	Adaptive   Strategy = "adaptive"
)

// Options configures an Executor (mirrors config.Executor).
type Options struct {
	Strategy           Strategy
	MaxWorkers         int
	QueueCapacity      int
	TaskTimeout        time.Duration
	GraphTimeout       time.Duration
	MaxRetries         int
	RetryBackoffBase   time.Duration
	RetryBackoffFactor float64
	RetryBackoffMax    time.Duration
	RetryJitter        float64
	AdaptiveSmallGraph int
}

func (o *Options) applyDefaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 4
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 2
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = 100 * time.Millisecond
	}
	if o.RetryBackoffFactor < 1 {
		o.RetryBackoffFactor = 2
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = 5 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.AdaptiveSmallGraph <= 0 {
		o.AdaptiveSmallGraph = 2
	}
	if o.Strategy == "" {
		o.Strategy = Adaptive
	}
}

// Invoker is the subset of *toolhub.Adapter the Executor dispatches
// through.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, deadline time.Time) (toolhub.Result, error)
}

// WORMAppender is the subset of *worm.Log the Executor needs.
type WORMAppender interface {
	Append(kind string, payload any) (uint64, error)
}

// DecisionRecorder is the subset of *decision.Manager the Executor needs
// to file a tool_call Decision Record per completed task (§4.3, §6).
type DecisionRecorder interface {
	Record(kind decision.Kind, input, plan, result any, toolsUsed, alternatives []string, ctx decision.Context) (*decision.Record, error)
}

// Metrics holds the OpenTelemetry instruments the Executor records
// against (§2 [EXPANDED]). Nil fields are skipped, so a zero-value
// Metrics (no meter wired) is a safe default.
type Metrics struct {
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksRetried   metric.Int64Counter
	TaskDuration   metric.Float64Histogram
}

// NewMetrics builds a Metrics instance from meter, tolerating instrument
// creation errors by leaving the affected instrument nil.
func NewMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}
	m.TasksCompleted, _ = meter.Int64Counter("htnguard.executor.tasks_completed")
	m.TasksFailed, _ = meter.Int64Counter("htnguard.executor.tasks_failed")
	m.TasksRetried, _ = meter.Int64Counter("htnguard.executor.tasks_retried")
	m.TaskDuration, _ = meter.Float64Histogram("htnguard.executor.task_duration_seconds")
	return m
}

// Report summarizes a completed Run (§4.10: "aggregate pass/fail counts
// and per-task results returned to the caller").
type Report struct {
	Results   map[string]*graph.Result
	Stats     graph.Stats
	Cancelled bool
}

// Executor walks a planner.Plan's Task Graph to completion.
type Executor struct {
	invoker  Invoker
	worm     WORMAppender
	decision DecisionRecorder
	metrics  *Metrics
	opts     Options
}

// New builds an Executor. worm, decision, and metrics may be nil — each
// degrades to a no-op rather than failing a Run.
func New(invoker Invoker, worm WORMAppender, recorder DecisionRecorder, metrics *Metrics, opts Options) *Executor {
	opts.applyDefaults()
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Executor{invoker: invoker, worm: worm, decision: recorder, metrics: metrics, opts: opts}
}

// Run walks plan's Task Graph to completion under the Executor's
// configured strategy, returning a Report once every task has reached a
// terminal state or the graph-wide deadline/cancellation fires.
func (e *Executor) Run(ctx context.Context, plan *planner.Plan, conversationID string) (*Report, error) {
	g := plan.Graph
	if plan.TaskCount() > e.opts.QueueCapacity {
		return nil, htnerr.NewCode(htnerr.KindExhausted, htnerr.CodeOverfanOut, "executor.Run",
			fmt.Errorf("plan has %d tasks, exceeds queue capacity %d", plan.TaskCount(), e.opts.QueueCapacity))
	}

	if e.opts.GraphTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.GraphTimeout)
		defer cancel()
	}

	workers := e.opts.MaxWorkers
	switch e.opts.Strategy {
	case Sequential:
		workers = 1
	case Adaptive:
		if plan.TaskCount() <= e.opts.AdaptiveSmallGraph {
			workers = 1
		}
	}

	egCtx, eg := errgroup.WithContext(ctx)
	r := &runState{
		e:              e,
		g:              g,
		conversationID: conversationID,
		eg:             eg,
		sem:            make(chan struct{}, workers),
		completions:    make(chan struct{}, plan.TaskCount()+1),
		resourceHeld:   make(map[string]bool),
		results:        make(map[string]*graph.Result),
	}
	r.loop(egCtx)
	// Wait joins every admitted task's goroutine — the errgroup's own
	// WaitGroup replaces the hand-rolled drain loop this used to need.
	_ = eg.Wait()

	return &Report{Results: r.results, Stats: g.StatsSnapshot(), Cancelled: r.cancelled}, nil
}

// runState holds the mutable bookkeeping of one Run — separated from
// Executor (which is reused across concurrent Runs) so a Run's resource
// ledger and in-flight counters never leak between graphs.
type runState struct {
	e              *Executor
	g              *graph.TaskGraph
	conversationID string

	eg          *errgroup.Group
	sem         chan struct{}
	completions chan struct{}

	mu           sync.Mutex
	resourceHeld map[string]bool
	inFlight     int
	results      map[string]*graph.Result
	cancelled    bool
}

func (r *runState) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			r.cancelAll()
			return
		}

		ready := r.g.ReadyTasks()
		dispatched := 0
		for _, t := range ready {
			if t.ResourceKey != "" && r.resourceIsHeld(t.ResourceKey) {
				continue
			}
			select {
			case r.sem <- struct{}{}:
			default:
				goto wait
			}
			r.admit(ctx, t)
			dispatched++
		}

	wait:
		stats := r.g.StatsSnapshot()
		if stats.Pending == 0 && stats.Running == 0 {
			return
		}
		if dispatched == 0 {
			r.mu.Lock()
			inFlight := r.inFlight
			r.mu.Unlock()
			if inFlight == 0 {
				// Nothing ready, nothing running, but pending remains:
				// every pending task's prerequisites are blocked by a
				// non-completed ancestor that will never complete
				// (already marked FAILED/CANCELLED without propagation
				// reaching here, or a resource deadlock). Treat as done.
				return
			}
			select {
			case <-r.completions:
			case <-ctx.Done():
				r.cancelAll()
				return
			}
		}
	}
}

// admit launches task on the run's errgroup.Group: the group owns the
// goroutine from here on, joins it in Run's eg.Wait(), and would surface a
// non-nil return as a WorkerCrashed-class failure that cancels ctx for
// every sibling task (§7's WorkerCrashed kind).
func (r *runState) admit(ctx context.Context, t *graph.Task) {
	if t.ResourceKey != "" {
		r.mu.Lock()
		r.resourceHeld[t.ResourceKey] = true
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.inFlight++
	r.mu.Unlock()

	_ = r.g.Mark(t.ID, graph.Ready, nil)
	_ = r.g.Mark(t.ID, graph.Running, nil)

	r.eg.Go(func() (err error) {
		defer func() {
			<-r.sem
			if t.ResourceKey != "" {
				r.mu.Lock()
				delete(r.resourceHeld, t.ResourceKey)
				r.mu.Unlock()
			}
			r.mu.Lock()
			r.inFlight--
			r.mu.Unlock()
			select {
			case r.completions <- struct{}{}:
			default:
			}
			if p := recover(); p != nil {
				r.fail(t, toolhub.Result{Status: toolhub.StatusError, Error: fmt.Sprint(p)}, 0, false)
				err = htnerr.NewCode(htnerr.KindTool, htnerr.CodeWorkerCrashed, "executor.execute", fmt.Errorf("task %s panicked: %v", t.ID, p))
			}
		}()
		r.execute(ctx, t)
		return nil
	})
}

func (r *runState) resourceIsHeld(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resourceHeld[key]
}

func (r *runState) cancelAll() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.g.CancelAll()
}

// execute invokes task's tool with the executor's retry policy, recording
// a tool_call Decision Record and emitting WORM events per attempt, then
// marks the graph's terminal state and fans critical failure out into
// cancellation of every other pending task (§4.10, §7).
func (r *runState) execute(ctx context.Context, task *graph.Task) {
	e := r.e
	deadline := time.Now().Add(e.opts.TaskTimeout)
	if task.DeadlineMillis > 0 {
		byTask := time.Now().Add(time.Duration(task.DeadlineMillis) * time.Millisecond)
		if byTask.Before(deadline) {
			deadline = byTask
		}
	}

	maxRetries := task.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.opts.MaxRetries
	}

	var lastResult toolhub.Result
	var lastErr error
	attempt := 0
	for {
		attempt++
		if ctx.Err() != nil {
			r.fail(task, toolhub.Result{Status: toolhub.StatusTimeout, Error: "graph cancelled before task could run"}, 0, false)
			return
		}
		e.emit("task.started", map[string]any{"task_id": task.ID, "action": task.Action, "attempt": attempt})

		start := time.Now()
		// callCtx is a child of the run's errgroup context: a graph-wide
		// cancel or deadline reaches the tool's next checkpoint, not just
		// this task's own deadline (§4.10, §5 cooperative cancellation).
		callCtx, cancel := context.WithDeadline(ctx, deadline)
		lastResult, lastErr = e.invoker.Invoke(callCtx, task.Action, task.Arguments, deadline)
		cancel()
		duration := time.Since(start)

		e.recordDecision(task, lastResult, r.conversationID)
		e.observe(lastResult.Status == toolhub.StatusSuccess, duration)

		if lastErr == nil && lastResult.Status == toolhub.StatusSuccess {
			r.complete(task, lastResult, duration)
			return
		}
		if lastErr == nil && lastResult.Status == toolhub.StatusBlocked {
			r.fail(task, lastResult, duration, false)
			return
		}

		retryable := lastErr == nil && (lastResult.Status == toolhub.StatusTimeout || lastResult.Status == toolhub.StatusError)
		if !retryable || attempt > maxRetries {
			r.fail(task, lastResult, duration, attempt > maxRetries && retryable)
			return
		}

		e.emit("task.retrying", map[string]any{"task_id": task.ID, "attempt": attempt, "error": lastResult.Error})
		if e.metrics.TasksRetried != nil {
			e.metrics.TasksRetried.Add(context.Background(), 1)
		}
		select {
		case <-time.After(backoffDelay(attempt, e.opts.RetryBackoffBase, e.opts.RetryBackoffMax, e.opts.RetryBackoffFactor, e.opts.RetryJitter)):
		case <-ctx.Done():
			r.fail(task, lastResult, duration, false)
			return
		}
	}
}

func (r *runState) complete(task *graph.Task, res toolhub.Result, duration time.Duration) {
	result := &graph.Result{Output: res.Output, Duration: duration}
	_ = r.g.Mark(task.ID, graph.Completed, result)
	r.mu.Lock()
	r.results[task.ID] = result
	r.mu.Unlock()
	r.e.emit("task.completed", map[string]any{"task_id": task.ID, "duration_ms": duration.Milliseconds()})
	if r.e.metrics.TasksCompleted != nil {
		r.e.metrics.TasksCompleted.Add(context.Background(), 1)
	}
}

// fail marks task FAILED (then SKIPPED when the task is non-critical, whose
// dependents the graph marks SKIPPED), and — when the task is CRITICAL —
// cancels every other pending/ready task in the graph (§4.10: "a CRITICAL
// task's terminal failure cancels the remainder of the graph"). The cancel
// runs before the FAILED mark so a critical task's dependents end up
// CANCELLED rather than SKIPPED.
func (r *runState) fail(task *graph.Task, res toolhub.Result, duration time.Duration, exhausted bool) {
	if task.Priority == graph.CRITICAL {
		r.cancelAll()
	}
	result := &graph.Result{Error: res.Error, Duration: duration}
	_ = r.g.Mark(task.ID, graph.Failed, result)
	r.mu.Lock()
	r.results[task.ID] = result
	r.mu.Unlock()

	reason := res.Error
	if reason == "" {
		reason = string(res.Status)
	}
	r.e.emit("task.failed", map[string]any{"task_id": task.ID, "reason": reason, "exhausted_retries": exhausted})
	if r.e.metrics.TasksFailed != nil {
		r.e.metrics.TasksFailed.Add(context.Background(), 1)
	}

	if task.Priority == graph.CRITICAL {
		r.e.emit("task.critical_failure", map[string]any{"task_id": task.ID, "reason": reason})
		return
	}
	_ = r.g.Mark(task.ID, graph.Skipped, nil)
}

func (e *Executor) recordDecision(task *graph.Task, res toolhub.Result, conversationID string) {
	if e.decision == nil {
		return
	}
	_, _ = e.decision.Record(decision.KindToolCall, task.Arguments, task.Action, res,
		[]string{task.Action}, nil, decision.Context{ConversationID: conversationID, TaskID: task.ID, Actor: "executor"})
}

func (e *Executor) observe(success bool, duration time.Duration) {
	if e.metrics.TaskDuration != nil {
		e.metrics.TaskDuration.Record(context.Background(), duration.Seconds())
	}
}

func (e *Executor) emit(kind string, payload any) {
	if e.worm == nil {
		return
	}
	_, _ = e.worm.Append(kind, payload)
}

// backoffDelay mirrors the teacher's dispatch.backoffDelayWithFactor:
// exponential backoff from base by factor^(attempt-1), capped at max,
// with +/-jitter applied multiplicatively.
func backoffDelay(attempt int, base, max time.Duration, factor, jitter float64) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	backoff := float64(base) * math.Pow(factor, float64(attempt-1))
	if math.IsNaN(backoff) || math.IsInf(backoff, 0) {
		backoff = float64(max)
	}
	if max > 0 && backoff > float64(max) {
		backoff = float64(max)
	}
	if backoff < float64(base) {
		backoff = float64(base)
	}
	spread := (rand.Float64()*2 - 1) * jitter
	return time.Duration(backoff * (1 + spread))
}
