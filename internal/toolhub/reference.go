package toolhub

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-dev/htnguard/internal/graph"
)

// EchoTool is a pure reference tool used by tests and registered by
// cmd/htnguardctl; no rule-based planner template dispatches to it.
// Real tool implementations (calculator, sandbox, file reader, document
// analyzer) are external collaborators per §1 — this is not one of them,
// it exists purely to exercise the registry/adapter contract end to end.
type EchoTool struct{}

func (EchoTool) Describe() Descriptor {
	return Descriptor{
		Name:        "echo",
		Version:     "1",
		Description: "returns its text argument unchanged",
		Args:        map[string]ArgSpec{"text": {Type: "string", Required: true}},
		SideEffect:  graph.Pure,
	}
}

func (EchoTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	return fmt.Sprintf("%v", args["text"]), nil
}

// FuncTool adapts a plain function into a Tool, used to register the
// external collaborators a concrete deployment plugs in (file_read,
// summarize, calculator, …) without requiring each to implement Describe
// itself.
type FuncTool struct {
	Descriptor Descriptor
	Fn         func(ctx context.Context, args map[string]any) (any, error)
}

func (t FuncTool) Describe() Descriptor { return t.Descriptor }

func (t FuncTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.Fn(ctx, args)
}

// ReferenceTools returns minimal, in-process implementations of the
// external collaborators §1 names as out of scope (file_read, summarize,
// calculator). They exist so the rule-based planner's templates and the
// orchestrator's simple loop have something real to dispatch to;
// cmd/htnguardctl registers them, and a deployment with its own tools
// registers those over the same Registry.
func ReferenceTools() []Tool {
	return []Tool{
		FuncTool{
			Descriptor: Descriptor{
				Name:           "file_read",
				Version:        "1",
				Description:    "reads a UTF-8 text file from the local filesystem",
				Args:           map[string]ArgSpec{"path": {Type: "string", Required: true}},
				SideEffect:     graph.Read,
				DefaultTimeout: 10 * time.Second,
				Commutative:    true,
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				path, _ := args["path"].(string)
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("file_read: %w", err)
				}
				return string(data), nil
			},
		},
		FuncTool{
			Descriptor: Descriptor{
				Name:           "summarize",
				Version:        "1",
				Description:    "returns a short extractive summary of its input text",
				Args:           map[string]ArgSpec{},
				SideEffect:     graph.Pure,
				DefaultTimeout: 5 * time.Second,
				Commutative:    true,
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				text := firstNonEmpty(args, "text", "subject", "target")
				return summarizeText(text), nil
			},
		},
		FuncTool{
			Descriptor: Descriptor{
				Name:           "calculator",
				Version:        "1",
				Description:    "evaluates a simple binary arithmetic expression",
				Args:           map[string]ArgSpec{"expression": {Type: "string", Required: true}},
				SideEffect:     graph.Pure,
				DefaultTimeout: 2 * time.Second,
				Commutative:    true,
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				expr, _ := args["expression"].(string)
				return evalBinaryExpr(expr)
			},
		},
	}
}

func firstNonEmpty(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// summarizeText takes the first two sentences, a deliberately simple
// extractive heuristic — enough to exercise the planner/executor/verifier
// pipeline without depending on an LLM backend for a reference tool.
func summarizeText(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	sentences := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '\n' })
	limit := 2
	if len(sentences) < limit {
		limit = len(sentences)
	}
	out := strings.TrimSpace(strings.Join(sentences[:limit], ". "))
	if out == "" {
		return text
	}
	return out
}

var binaryExprOps = map[string]func(a, b float64) float64{
	"+": func(a, b float64) float64 { return a + b },
	"-": func(a, b float64) float64 { return a - b },
	"*": func(a, b float64) float64 { return a * b },
	"/": func(a, b float64) float64 { return a / b },
}

func evalBinaryExpr(expr string) (float64, error) {
	for op, fn := range binaryExprOps {
		if idx := strings.Index(expr, op); idx > 0 {
			left, err1 := strconv.ParseFloat(strings.TrimSpace(expr[:idx]), 64)
			right, err2 := strconv.ParseFloat(strings.TrimSpace(expr[idx+1:]), 64)
			if err1 == nil && err2 == nil {
				return fn(left, right), nil
			}
		}
	}
	return 0, fmt.Errorf("calculator: could not parse expression %q", expr)
}
