// Package fault defines the error taxonomy shared across the ingestion,
// retrieval and routing layers.
//
// Four kinds cover every failure the core has to react to:
//   - Transient: network or store hiccups, safe to retry with backoff
//   - Validation: malformed input or a rejected atom, routed to human
//     review and never silently dropped
//   - Capacity: pool or rate-limit pressure, degrade instead of crashing
//   - Config: fatal at startup, never retried
//
// Components wrap errors with the matching constructor and callers branch
// on KindOf(). Errors from third-party SDKs that carry no typed kind are
// classified by substring matching as a fallback (the LLM and embedding
// SDKs do not expose sentinel errors for transient failures).
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for retry and degradation decisions.
type Kind int

const (
	// KindUnknown is an unclassified error. Treated as non-retryable.
	KindUnknown Kind = iota

	// KindTransient is a network/store hiccup. Retry with backoff.
	KindTransient

	// KindValidation is malformed input or a rejected atom. Goes to
	// human review, never retried.
	KindValidation

	// KindCapacity is pool or rate-limit pressure. Degrade gracefully.
	KindCapacity

	// KindConfig is an invalid configuration. Fatal at startup.
	KindConfig
)

// String returns the stable name used in logs and the ingestion log.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient_io"
	case KindValidation:
		return "validation_failure"
	case KindCapacity:
		return "capacity_exceeded"
	case KindConfig:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Fault wraps an error with its Kind. It implements errors.Unwrap so
// sentinel checks on the underlying error keep working.
type Fault struct {
	kind Kind
	err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.kind, f.err)
}

func (f *Fault) Unwrap() error { return f.err }

// Kind returns the classification of this fault.
func (f *Fault) Kind() Kind { return f.kind }

// Transient wraps err as a retryable I/O failure.
func Transient(err error) error { return wrap(KindTransient, err) }

// Validation wraps err as a non-retryable validation failure.
func Validation(err error) error { return wrap(KindValidation, err) }

// Capacity wraps err as pool/rate-limit pressure.
func Capacity(err error) error { return wrap(KindCapacity, err) }

// Config wraps err as a fatal configuration error.
func Config(err error) error { return wrap(KindConfig, err) }

func wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{kind: k, err: err}
}

// transientPatterns groups error substrings that indicate a transient
// failure, matched case-insensitively against err.Error().
//
// NOTE: string matching is a documented exception to the rule against
// strings.Contains(err.Error(), ...): the Genkit and provider SDKs do
// not expose typed errors for these conditions.
var transientPatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "connection refused", "timeout", "temporary", "broken pipe"},
}

// KindOf returns the Kind of err: an explicit Fault wrapper wins,
// context errors count as transient, and unwrapped SDK errors fall back
// to pattern classification.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	lower := strings.ToLower(err.Error())
	for _, group := range transientPatterns {
		for _, sub := range group {
			if strings.Contains(lower, sub) {
				return KindTransient
			}
		}
	}
	return KindUnknown
}

// Retryable reports whether err should trigger another attempt.
// Only transient failures retry; capacity pressure backs off at a higher
// level and validation failures go straight to review.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
