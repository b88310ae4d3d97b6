// Package verifier implements the Verifier (§4.11): basic, strict, and
// paranoid levels of post-execution checking over a completed Task
// Graph. Basic confirms every non-skipped task reached COMPLETED;
// strict additionally evaluates each task's declared postconditions
// against its Result; paranoid further re-invokes an independent method
// for a configurable sample of read-class tasks and flags a mismatch —
// grounded in the teacher's internal/health "independent confirmation
// before declaring a workflow stuck" pattern (stuck.go's tmux liveness
// re-check layered on top of PID inspection), generalized here from
// dispatch liveness to task-result cross-checking.
package verifier

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/htnguard/internal/decision"
	"github.com/antigravity-dev/htnguard/internal/executor"
	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/planner"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

// Level is one of the verification depths of §4.11.
type Level string

const (
	Basic    Level = "basic"
	Strict   Level = "strict"
	Paranoid Level = "paranoid"
)

// Options configures a Verifier (mirrors config.Verifier).
type Options struct {
	DefaultLevel   Level
	ParanoidSample float64 // fraction of eligible tasks cross-checked under paranoid
}

func (o *Options) applyDefaults() {
	if o.DefaultLevel == "" {
		o.DefaultLevel = Strict
	}
	if o.ParanoidSample <= 0 {
		o.ParanoidSample = 0.2
	}
}

// TaskFailure is one task's verification failure, by kind.
type TaskFailure struct {
	TaskID string
	Reason string
	Code   htnerr.Code
}

// Report is the aggregate verification outcome of §4.11: "{passed,
// failed[], coverage}".
type Report struct {
	Passed   bool
	Checked  []string
	Failed   []TaskFailure
	Coverage float64 // fraction of graph tasks checked, i.e. not SKIPPED or CANCELLED, at any level
}

// WORMAppender is the subset of *worm.Log the Verifier needs.
type WORMAppender interface {
	Append(kind string, payload any) (uint64, error)
}

// DecisionRecorder is the subset of *decision.Manager the Verifier needs
// to file the verification Decision Record (§4.3, §6).
type DecisionRecorder interface {
	Record(kind decision.Kind, input, plan, result any, toolsUsed, alternatives []string, ctx decision.Context) (*decision.Record, error)
}

// Invoker is the subset of *toolhub.Adapter the paranoid level
// cross-checks through, re-invoking a read-class tool independently of
// the original task.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any, deadline time.Time) (toolhub.Result, error)
}

// Verifier evaluates a completed Run against its Plan.
type Verifier struct {
	invoker Invoker
	worm    WORMAppender
	dr      DecisionRecorder
	opts    Options
}

// New builds a Verifier. invoker may be nil to disable the paranoid
// level's cross-check (it then behaves as strict).
func New(invoker Invoker, worm WORMAppender, dr DecisionRecorder, opts Options) *Verifier {
	opts.applyDefaults()
	return &Verifier{invoker: invoker, worm: worm, dr: dr, opts: opts}
}

// Verify checks report against plan's Task Graph at level, returning an
// aggregate Report (§4.11).
func (v *Verifier) Verify(ctx context.Context, plan *planner.Plan, report *executor.Report, level Level, conversationID string) (*Report, error) {
	if level == "" {
		level = v.opts.DefaultLevel
	}

	tasks := plan.Graph.AllTasks()
	out := &Report{Passed: true}

	var postconditionEligible, cross int
	for _, t := range tasks {
		if t.State == graph.Skipped || t.State == graph.Cancelled {
			continue
		}
		out.Checked = append(out.Checked, t.ID)

		if t.State != graph.Completed {
			out.Passed = false
			out.Failed = append(out.Failed, TaskFailure{TaskID: t.ID, Reason: "task did not complete", Code: htnerr.CodePostconditionFailed})
			continue
		}
		if level == Basic {
			continue
		}

		if len(t.Postconditions) > 0 {
			postconditionEligible++
			if !evaluatePostconditions(t) {
				out.Passed = false
				out.Failed = append(out.Failed, TaskFailure{TaskID: t.ID, Reason: "postcondition violated", Code: htnerr.CodePostconditionFailed})
				continue
			}
		}
	}

	if level == Paranoid && v.invoker != nil {
		sampled := sampleReadTasks(tasks, v.opts.ParanoidSample)
		cross = len(sampled)
		if len(sampled) > 0 {
			failures, err := v.crossCheck(ctx, sampled)
			if err != nil {
				return nil, err
			}
			if len(failures) > 0 {
				out.Passed = false
				out.Failed = append(out.Failed, failures...)
			}
		}
	}

	if len(tasks) > 0 {
		out.Coverage = float64(len(out.Checked)) / float64(len(tasks))
	}

	v.emit("verification.completed", map[string]any{
		"level": string(level), "passed": out.Passed, "coverage": out.Coverage,
		"postcondition_checks": postconditionEligible, "cross_checks": cross,
	})
	if v.dr != nil {
		_, _ = v.dr.Record(decision.KindVerification, report.Stats, string(level), out, nil, nil,
			decision.Context{ConversationID: conversationID, Actor: "verifier"})
	}
	return out, nil
}

func evaluatePostconditions(t *graph.Task) bool {
	if t.Result == nil {
		return false
	}
	for _, pc := range t.Postconditions {
		if pc.Check == nil {
			continue
		}
		if !pc.Check(*t.Result) {
			return false
		}
	}
	return true
}

// sampleReadTasks returns a fraction (rounded up, at least one if any are
// eligible) of the read/pure-class completed tasks, for paranoid
// cross-checking — write/network/dangerous tasks are not safe to
// re-invoke independently.
func sampleReadTasks(tasks []*graph.Task, fraction float64) []*graph.Task {
	var eligible []*graph.Task
	for _, t := range tasks {
		if t.State == graph.Completed && (t.SideEffect == graph.Read || t.SideEffect == graph.Pure) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	n := int(float64(len(eligible))*fraction + 0.999999)
	if n < 1 {
		n = 1
	}
	if n >= len(eligible) {
		return eligible
	}
	rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	return eligible[:n]
}

// crossCheck re-invokes each sampled task's tool independently and
// compares the fresh output to the recorded Result, bounding concurrency
// with an errgroup so a large sample never stampedes the tool registry.
func (v *Verifier) crossCheck(ctx context.Context, sampled []*graph.Task) ([]TaskFailure, error) {
	results := make([]TaskFailure, len(sampled))
	hit := make([]bool, len(sampled))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, t := range sampled {
		i, t := i, t
		g.Go(func() error {
			res, err := v.invoker.Invoke(gctx, t.Action, t.Arguments, time.Now().Add(10*time.Second))
			if err != nil || res.Status != toolhub.StatusSuccess {
				hit[i] = true
				results[i] = TaskFailure{TaskID: t.ID, Reason: "independent re-check failed to reproduce a successful result", Code: htnerr.CodeIndependentCheckFailed}
				return nil
			}
			if t.Result != nil && fmt.Sprint(res.Output) != fmt.Sprint(t.Result.Output) {
				hit[i] = true
				results[i] = TaskFailure{TaskID: t.ID, Reason: "independent re-check produced a different result", Code: htnerr.CodeIndependentCheckFailed}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, htnerr.New(htnerr.KindUnavailable, "verifier.crossCheck", err)
	}

	var failures []TaskFailure
	for i, present := range hit {
		if present {
			failures = append(failures, results[i])
		}
	}
	return failures, nil
}

func (v *Verifier) emit(kind string, payload any) {
	if v.worm == nil {
		return
	}
	_, _ = v.worm.Append(kind, payload)
}
