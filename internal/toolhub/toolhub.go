// Package toolhub implements the Tool Registry & Tool Executor Adapter
// (§4.6): a uniform invocation path in front of any Tool, validating
// arguments, consulting policy, enforcing a timeout, redacting output, and
// emitting a WORM event — regardless of which concrete tool answers.
package toolhub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antigravity-dev/htnguard/internal/graph"
	"github.com/antigravity-dev/htnguard/internal/htnerr"
)

// ArgSpec describes one accepted argument of a tool, in the style of a
// minimal JSON-schema property (§3 Tool Descriptor).
type ArgSpec struct {
	Type     string // "string" | "number" | "bool" | "object" | "array"
	Required bool
}

// Descriptor is the Tool Descriptor of §3: identity, schema, capabilities,
// side-effect class, and default timeout.
type Descriptor struct {
	Name           string
	Version        string
	Description    string
	Args           map[string]ArgSpec
	Capabilities   []string
	SideEffect     graph.SideEffect
	DefaultTimeout time.Duration
	Commutative    bool // true if concurrent invocations never conflict despite a write/network/dangerous class
}

// QualifiedName is the `<name>@<version>` form used in DR `tools_used` (§6).
func (d Descriptor) QualifiedName() string {
	if d.Version == "" {
		return d.Name
	}
	return fmt.Sprintf("%s@%s", d.Name, d.Version)
}

// Status is one of the invocation outcomes of §4.6.
type Status string

const (
	StatusSuccess           Status = "SUCCESS"
	StatusError             Status = "ERROR"
	StatusBlocked           Status = "BLOCKED"
	StatusTimeout           Status = "TIMEOUT"
	StatusValidationFailed  Status = "VALIDATION_FAILED"
)

// Result is what every invocation returns — never an exception to the
// caller, per §4.6 step 2 and §7's propagation policy.
type Result struct {
	Status   Status
	Output   any
	Error    string
	Duration time.Duration
}

// Tool is the capability set a concrete tool implementation registers
// (§9: polymorphism via tagged capability sets, not inheritance).
type Tool interface {
	Describe() Descriptor
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// PolicyChecker is the subset of the Policy Guardian the adapter consults
// before dispatch (§4.6 step 3). Defined here, not imported from
// internal/policy, to keep toolhub free of a dependency on policy's config
// surface; internal/policy.Guardian satisfies it.
type PolicyChecker interface {
	CheckToolCall(name string, args map[string]any, sideEffect graph.SideEffect) (allowed bool, reason string, approvalRequired bool)
}

// WORMAppender is the subset of *worm.Log the adapter needs.
type WORMAppender interface {
	Append(kind string, payload any) (uint64, error)
}

// Registry is a keyed map of registered tools, guarded for concurrent
// registration and read (§4.6: "keyed map name -> Tool Descriptor +
// invocable").
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tool under its own declared name, overwriting any prior
// registration of the same name — the common startup-time idiom (§9:
// "Implementations register themselves into keyed maps at startup").
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Describe().Name] = tool
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Descriptors returns every registered tool's Descriptor, used by the
// Planner to build its tool catalog for model-based prompts (§4.9).
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Describe())
	}
	return out
}

// validateArgs checks args against spec's required/typed fields, returning
// a human-readable list of problems (empty when valid).
func validateArgs(spec map[string]ArgSpec, args map[string]any) []string {
	var problems []string
	for name, s := range spec {
		v, present := args[name]
		if !present {
			if s.Required {
				problems = append(problems, fmt.Sprintf("missing required argument %q", name))
			}
			continue
		}
		if s.Type != "" && !matchesType(v, s.Type) {
			problems = append(problems, fmt.Sprintf("argument %q: expected %s", name, s.Type))
		}
	}
	return problems
}

func matchesType(v any, t string) bool {
	switch t {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

// unknownToolErr builds the ToolUnavailable error for a name that resolves
// to nothing in the registry.
func unknownToolErr(name string) error {
	return htnerr.NewCode(htnerr.KindNotFound, htnerr.CodeToolUnavailable, "toolhub.Invoke", fmt.Errorf("unknown tool %q", name))
}
