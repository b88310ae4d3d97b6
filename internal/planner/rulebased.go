package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

// template is one entry of the rule-based strategy's library: a query
// shape recognized by pattern, with a builder that emits the resulting
// tasks. Confidence reflects how specific (narrow) the match is — a
// template that pins down both the tools and the dependency shape scores
// higher than a generic single-task fallback (§4.9).
type template struct {
	name       string
	pattern    *regexp.Regexp
	confidence float64
	build      func(match []string, reg *toolhub.Registry) ([]taskSpec, []string, error)
}

// taskSpec is a template's task before it is inserted into a TaskGraph.
type taskSpec struct {
	id            string
	name          string
	action        string
	args          map[string]any
	prerequisites []string
	priority      graph.Priority
}

// parsePriority maps the case-insensitive priority token a rule-based
// template or a model-based response may emit onto graph.Priority,
// defaulting to NORMAL for empty or unrecognized input.
func parsePriority(s string) graph.Priority {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return graph.LOW
	case "HIGH":
		return graph.HIGH
	case "CRITICAL":
		return graph.CRITICAL
	default:
		return graph.NORMAL
	}
}

var chainPattern = regexp.MustCompile(`(?i)^read\s+(\S+)\s+then\s+summarize\s+(.+)$`)
var fanOutPattern = regexp.MustCompile(`(?i)^summarize\s+(.+)$`)
var listSplit = regexp.MustCompile(`\s*(?:,|and)\s*`)

// defaultTemplates is the library rule-based matching walks in order,
// first match wins.
func defaultTemplates() []template {
	return []template{
		{
			name:       "read_then_summarize",
			pattern:    chainPattern,
			confidence: 0.95,
			build: func(m []string, reg *toolhub.Registry) ([]taskSpec, []string, error) {
				file, subject := m[1], strings.TrimSpace(m[2])
				return []taskSpec{
					{id: "t1", name: "read " + file, action: "file_read", args: map[string]any{"path": file}},
					{id: "t2", name: "summarize " + subject, action: "summarize", args: map[string]any{"subject": subject}, prerequisites: []string{"t1"}},
				}, []string{"file_read", "summarize"}, nil
			},
		},
		{
			name:       "fan_out_summarize",
			pattern:    fanOutPattern,
			confidence: 0.85,
			build: func(m []string, reg *toolhub.Registry) ([]taskSpec, []string, error) {
				items := splitList(m[1])
				if len(items) == 0 {
					return nil, nil, fmt.Errorf("EmptyPlan: no items found to summarize")
				}
				specs := make([]taskSpec, 0, len(items))
				for i, item := range items {
					specs = append(specs, taskSpec{
						id:     fmt.Sprintf("t%d", i+1),
						name:   "summarize " + item,
						action: "summarize",
						args:   map[string]any{"target": item},
					})
				}
				return specs, []string{"summarize"}, nil
			},
		},
	}
}

func splitList(s string) []string {
	parts := listSplit.Split(strings.TrimSpace(s), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RuleBased decomposes query against the template library. plan is nil
// and ok is false when no template matches, signalling the hybrid
// strategy to escalate to model-based.
func RuleBased(query string, reg *toolhub.Registry) (plan *Plan, ok bool, err error) {
	for _, t := range defaultTemplates() {
		m := t.pattern.FindStringSubmatch(strings.TrimSpace(query))
		if m == nil {
			continue
		}
		specs, toolsUsed, buildErr := t.build(m, reg)
		if buildErr != nil {
			return nil, false, htnerr.NewCode(htnerr.KindValidation, htnerr.CodeEmptyPlan, "planner.RuleBased", buildErr)
		}
		g, err := buildGraph(query, t.name, specs, reg)
		if err != nil {
			return nil, false, err
		}
		return &Plan{
			Graph:      g,
			Strategy:   RuleBased,
			Confidence: t.confidence,
			Reasoning:  fmt.Sprintf("matched rule-based template %q using tools %v", t.name, toolsUsed),
		}, true, nil
	}
	return nil, false, nil
}

// buildGraph inserts specs into a fresh TaskGraph, resolving each task's
// side-effect class from the tool registry (falling back to Read when the
// tool is unresolvable — planning is allowed to reference a tool that
// isn't registered yet in this process; the Planner contract requires
// resolution only at validation time, not at decomposition time).
func buildGraph(query, strategyHint string, specs []taskSpec, reg *toolhub.Registry) (*graph.TaskGraph, error) {
	g := graph.New(query, query, strategyHint)
	for _, s := range specs {
		priority := s.priority
		if priority == graph.LOW {
			priority = graph.NORMAL
		}
		t := graph.Task{
			ID:         s.id,
			Name:       s.name,
			Action:     s.action,
			Arguments:  s.args,
			Priority:   priority,
			SideEffect: resolveSideEffect(s.action, reg),
			MaxRetries: 2,
		}
		if err := g.Add(t, s.prerequisites); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func resolveSideEffect(action string, reg *toolhub.Registry) graph.SideEffect {
	if reg == nil {
		return graph.Read
	}
	if tool, ok := reg.Lookup(action); ok {
		return tool.Describe().SideEffect
	}
	return graph.Read
}
