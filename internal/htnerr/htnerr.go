// Package htnerr defines the error taxonomy shared across planning,
// execution, and compliance components.
package htnerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's buckets. Kinds are
// checked with Is and KindOf below, which find the *Error anywhere in the
// chain via errors.As, so wrapped errors compose normally with
// fmt.Errorf("%w").
type Kind string

const (
	KindValidation   Kind = "validation"   // malformed task graph, plan, or config
	KindPolicy       Kind = "policy"       // policy guardian rejected an operation
	KindRedaction    Kind = "redaction"    // redaction could not be applied safely
	KindTool         Kind = "tool"         // a tool invocation failed
	KindTimeout      Kind = "timeout"      // a deadline elapsed
	KindCancelled    Kind = "cancelled"    // cooperative cancellation observed
	KindIntegrity    Kind = "integrity"    // hash chain, signature, or cache integrity violated
	KindNotFound     Kind = "not_found"    // referenced task, plan, or record does not exist
	KindConflict     Kind = "conflict"     // concurrent mutation conflict (e.g. resource token held)
	KindUnavailable  Kind = "unavailable"  // dependency (LLM backend, docker, db) unreachable
	KindExhausted    Kind = "exhausted"    // retry budget or resource budget exhausted
	KindUnauthorized Kind = "unauthorized" // caller lacks required role/capability
)

// Code names one of §7's literal error taxonomy values. Unlike Kind (a
// coarse bucket used for errors.Is matching), Code is the exact label that
// belongs in a user-visible structured error object's `kind` field.
type Code string

const (
	// Policy
	CodePolicyViolation  Code = "PolicyViolation"
	CodePolicyBlocked    Code = "PolicyBlocked"
	CodeApprovalRequired Code = "ApprovalRequired"
	// Validation
	CodeValidationFailure Code = "ValidationFailure"
	CodeSchemaMismatch    Code = "SchemaMismatch"
	// Planning
	CodePlanningTimeout Code = "PlanningTimeout"
	CodeEmptyPlan       Code = "EmptyPlan"
	CodeToolUnavailable Code = "ToolUnavailable"
	// Execution
	CodeTimeout       Code = "Timeout"
	CodeOverfanOut    Code = "OverfanOut"
	CodeCycleDetected Code = "CycleDetected"
	CodeWorkerCrashed Code = "WorkerCrashed"
	// Verification
	CodePostconditionFailed     Code = "PostconditionFailed"
	CodeIndependentCheckFailed  Code = "IndependentCheckFailed"
	// Infrastructure
	CodeStorageError       Code = "StorageError"
	CodeSignatureError     Code = "SignatureError"
	CodeBackendUnavailable Code = "BackendUnavailable"
	// Fatal
	CodeCorruption          Code = "Corruption"
	CodeConfigurationError  Code = "ConfigurationError"
	// Execution (critical-task propagation, not in §7 but named in §8/§4.10)
	CodeCriticalFailure Code = "CriticalFailure"
)

// Retryable reports whether a recoverable failure of this Code is safe to
// retry under the executor's retry policy (§4.10, §7): only transient,
// infrastructure-class conditions are.
func (c Code) Retryable() bool {
	switch c {
	case CodeTimeout, CodeBackendUnavailable, CodeWorkerCrashed:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a taxonomy Kind and a stable Op name
// describing which operation raised it. Code, when set, carries the exact
// §7 literal label; callers that don't need that precision may leave it
// empty and rely on Kind alone.
type Error struct {
	Kind Kind
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op, wrapping err under kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NewCode builds an *Error carrying both a Kind bucket and an exact §7 Code.
func NewCode(kind Kind, code Code, op string, err error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

// CodeOf extracts the Code of err, defaulting to "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to "" when err does not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
