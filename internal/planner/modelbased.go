package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antigravity-dev/htnguard/internal/htnerr"
	"github.com/antigravity-dev/htnguard/internal/llm"
	"github.com/antigravity-dev/htnguard/internal/toolhub"
)

// modelTask is the structured shape the model-based prompt asks the LLM
// backend to emit per task (§4.9: "response is parsed as a structured plan
// (identifier, action, arguments, prerequisites)").
type modelTask struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Action        string         `json:"action"`
	Arguments     map[string]any `json:"arguments"`
	Prerequisites []string       `json:"prerequisites"`
	Priority      string         `json:"priority"`
}

type modelResponse struct {
	Tasks      []modelTask `json:"tasks"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// BuildPrompt renders the prompt sent to the LLM backend: the query plus
// the tool catalog and decomposition constraints (§4.9).
func BuildPrompt(query string, capabilities []toolhub.Descriptor, maxDepth, maxTasks int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decompose the following user request into a task graph.\n\nRequest: %s\n\n", query)
	b.WriteString("Available tools:\n")
	for _, d := range capabilities {
		fmt.Fprintf(&b, "- %s (%s): %s\n", d.Name, d.SideEffect, d.Description)
	}
	fmt.Fprintf(&b, "\nConstraints: depth <= %d, total tasks <= %d.\n", maxDepth, maxTasks)
	b.WriteString("Respond with JSON: {\"tasks\":[{\"id\":\"t1\",\"name\":\"...\",\"action\":\"<tool name>\",\"arguments\":{},\"prerequisites\":[],\"priority\":\"NORMAL\"}],\"confidence\":0.0,\"reasoning\":\"...\"}\n")
	return b.String()
}

// ModelBased delegates decomposition to backend, parsing its response into
// a Plan. A malformed response (timeout, unparseable JSON, empty task
// list) is surfaced as an error so the caller can fall back to rule-based;
// Planner does so under both the hybrid and the model_based strategy.
func ModelBased(ctx context.Context, query string, backend llm.Backend, cfg llm.GenerateConfig, reg *toolhub.Registry, maxDepth, maxTasks int) (*Plan, error) {
	if backend == nil {
		return nil, htnerr.NewCode(htnerr.KindUnavailable, htnerr.CodeBackendUnavailable, "planner.ModelBased", fmt.Errorf("no LLM backend configured"))
	}

	prompt := BuildPrompt(query, reg.Descriptors(), maxDepth, maxTasks)
	result, err := backend.Generate(ctx, prompt, cfg)
	if err != nil {
		return nil, htnerr.NewCode(htnerr.KindUnavailable, htnerr.CodeBackendUnavailable, "planner.ModelBased", err)
	}

	var resp modelResponse
	jsonText := extractJSON(result.Text)
	if jsonText == "" {
		return nil, htnerr.NewCode(htnerr.KindValidation, htnerr.CodeEmptyPlan, "planner.ModelBased", fmt.Errorf("no JSON object found in model response"))
	}
	if err := json.Unmarshal([]byte(jsonText), &resp); err != nil {
		return nil, htnerr.NewCode(htnerr.KindValidation, htnerr.CodeEmptyPlan, "planner.ModelBased", fmt.Errorf("parsing model plan: %w", err))
	}
	if len(resp.Tasks) == 0 {
		return nil, htnerr.NewCode(htnerr.KindValidation, htnerr.CodeEmptyPlan, "planner.ModelBased", fmt.Errorf("model returned zero tasks"))
	}

	specs := make([]taskSpec, 0, len(resp.Tasks))
	for _, mt := range resp.Tasks {
		if mt.ID == "" || mt.Action == "" {
			return nil, htnerr.NewCode(htnerr.KindValidation, htnerr.CodeEmptyPlan, "planner.ModelBased", fmt.Errorf("task missing id or action"))
		}
		specs = append(specs, taskSpec{
			id:            mt.ID,
			name:          mt.Name,
			action:        mt.Action,
			args:          mt.Arguments,
			prerequisites: mt.Prerequisites,
			priority:      parsePriority(mt.Priority),
		})
	}

	g, err := buildGraph(query, "model_based", specs, reg)
	if err != nil {
		return nil, err
	}

	confidence := resp.Confidence
	if confidence <= 0 {
		confidence = 0.75
	}
	return &Plan{
		Graph:      g,
		Strategy:   ModelBased,
		Confidence: confidence,
		Reasoning:  resp.Reasoning,
	}, nil
}

// extractJSON returns the first top-level {...} object found in text,
// tolerating a model that wraps its JSON in prose or a code fence.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
