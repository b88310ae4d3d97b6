// Package llm defines the LLM backend interface the Planner's model-based
// strategy consumes (§6), plus a deterministic no-op implementation used
// when no real backend is configured.
package llm

import "context"

// GenerateConfig parameters a call to Generate (§6: "deterministic seed
// supported").
type GenerateConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Seed        int64
}

// GenerateResult is the structured shape §6 specifies.
type GenerateResult struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Backend is the external collaborator interface the Planner's
// model-based/hybrid strategies call through (§1: "the LLM backend
// adapter" is out of scope as an implementation, but its Go-level
// interface is part of this core).
type Backend interface {
	Generate(ctx context.Context, prompt string, cfg GenerateConfig) (GenerateResult, error)
}

// Noop is a Backend that always fails to generate, used as the default so
// the model-based strategy deterministically falls back to rule-based
// (§4.9: "Parse errors fall back to rule-based") rather than silently
// fabricating a plan.
type Noop struct{}

func (Noop) Generate(_ context.Context, _ string, _ GenerateConfig) (GenerateResult, error) {
	return GenerateResult{}, errBackendUnavailable
}

var errBackendUnavailable = backendUnavailableError{}

type backendUnavailableError struct{}

func (backendUnavailableError) Error() string { return "BackendUnavailable: no model backend configured" }
