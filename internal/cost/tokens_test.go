package cost

import "testing"

func TestExtractTokenUsageCombinedTrailer(t *testing.T) {
	usage := ExtractTokenUsage("some output\nTokens: 120 input, 45 output", "some prompt")
	if usage.Input != 120 || usage.Output != 45 {
		t.Fatalf("expected 120/45, got %+v", usage)
	}
}

func TestExtractTokenUsageSeparateTrailers(t *testing.T) {
	usage := ExtractTokenUsage("Input tokens: 30\nOutput tokens: 10", "prompt")
	if usage.Input != 30 || usage.Output != 10 {
		t.Fatalf("expected 30/10, got %+v", usage)
	}
}

func TestExtractTokenUsageFallsBackToEstimate(t *testing.T) {
	usage := ExtractTokenUsage("no trailer here", "a prompt of some length")
	if usage.Input == 0 || usage.Output == 0 {
		t.Fatalf("expected non-zero estimated usage, got %+v", usage)
	}
}

func TestCalculateCost(t *testing.T) {
	usage := TokenUsage{Input: 1_000_000, Output: 1_000_000}
	got := CalculateCost(usage, 3.0, 15.0)
	if got != 18.0 {
		t.Fatalf("expected 18.0, got %v", got)
	}
}

func TestCalculateCostZeroUsage(t *testing.T) {
	if got := CalculateCost(TokenUsage{}, 3.0, 15.0); got != 0 {
		t.Fatalf("expected 0 cost for zero usage, got %v", got)
	}
}
