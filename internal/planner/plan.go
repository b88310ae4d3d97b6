// Package planner implements the Planner (§4.9): rule-based, model-based,
// and hybrid decomposition strategies that turn a query into a Plan — a
// Task Graph plus strategy metadata.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

// Strategy names the decomposition strategy that produced a Plan.
type Strategy string

const (
	RuleBased  Strategy = "rule_based"
	ModelBased Strategy = "model_based"
	Hybrid     Strategy = "hybrid"
)

// Plan is a Task Graph plus the metadata §3 specifies: strategy tag,
// confidence, reasoning summary, and a stable fingerprint.
type Plan struct {
	Graph       *graph.TaskGraph
	Strategy    Strategy
	Confidence  float64
	Reasoning   string
	Fingerprint string
}

// Depth returns the length (in edges) of the graph's longest prerequisite
// chain, implementing policy.PlanLike for plan-depth validation (§4.5).
func (p *Plan) Depth() int {
	order, err := p.Graph.TopoOrder()
	if err != nil {
		return 0
	}
	depth := make(map[string]int, len(order))
	max := 0
	for _, id := range order {
		d := 0
		for _, pre := range p.Graph.Predecessors(id) {
			if depth[pre]+1 > d {
				d = depth[pre] + 1
			}
		}
		depth[id] = d
		if d > max {
			max = d
		}
	}
	return max
}

// TaskCount implements policy.PlanLike.
func (p *Plan) TaskCount() int {
	return len(p.Graph.AllTasks())
}

// ToolNames implements policy.PlanLike: the distinct `action` values used
// across the plan's tasks.
func (p *Plan) ToolNames() []string {
	seen := map[string]bool{}
	for _, t := range p.Graph.AllTasks() {
		seen[t.Action] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DangerousToolNames implements policy.PlanLike.
func (p *Plan) DangerousToolNames() []string {
	var out []string
	for _, t := range p.Graph.AllTasks() {
		if t.SideEffect == graph.Dangerous {
			out = append(out, t.Action)
		}
	}
	sort.Strings(out)
	return out
}

// Fingerprint computes the stable hash of a normalized query, the sorted
// set of tool capabilities visible to the planner, and the strategy tag
// (§3: "a fingerprint (stable hash of the normalized query + tool
// capabilities + strategy)"). Used both as the Plan Cache key and to
// satisfy the idempotence law in §8 (same inputs -> same fingerprint).
func Fingerprint(normalizedQuery string, capabilities []toolhub.Descriptor, strategy Strategy) string {
	names := make([]string, 0, len(capabilities))
	for _, d := range capabilities {
		names = append(names, d.QualifiedName())
	}
	sort.Strings(names)

	payload, _ := json.Marshal(struct {
		Query        string   `json:"query"`
		Capabilities []string `json:"capabilities"`
		Strategy     Strategy `json:"strategy"`
	}{normalizedQuery, names, strategy})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
