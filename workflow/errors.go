// Package workflow runs plan jobs over a durable NATS JetStream queue:
// at-least-once delivery, bounded retries with backoff, and a linear
// pipeline of stages with one fan-out at synthesis.
package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure. The kind decides retryability and is the
// only error detail the poll endpoint exposes.
type Kind string

const (
	// KindValidation is a malformed or unresolvable request. Never retried.
	KindValidation Kind = "validation"

	// KindUpstreamUnavailable is a transport-level failure talking to an
	// upstream engine. Retried with backoff.
	KindUpstreamUnavailable Kind = "upstream_unavailable"

	// KindUpstreamTimeout is an upstream call that exceeded its deadline.
	// Retried with backoff.
	KindUpstreamTimeout Kind = "upstream_timeout"

	// KindUpstreamProtocol is an upstream answer we could not interpret.
	// Not retried; the engine is up but speaking the wrong shape.
	KindUpstreamProtocol Kind = "upstream_protocol"

	// KindStorage is a manifest or audio write failure. Retried once,
	// then fatal.
	KindStorage Kind = "storage"

	// KindPartialSynthesis marks jobs where some audio items failed. Not
	// an error state; recorded for observability only.
	KindPartialSynthesis Kind = "partial_synthesis"

	// KindInternal is a violated programming invariant. Never retried.
	KindInternal Kind = "internal"
)

// maxAttemptsFor bounds delivery attempts per kind.
func maxAttemptsFor(kind Kind) int {
	switch kind {
	case KindUpstreamUnavailable, KindUpstreamTimeout:
		return 4
	case KindStorage:
		return 2
	default:
		return 1
	}
}

// StageError is a classified pipeline failure.
type StageError struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError wraps err with its stage name and kind.
func NewStageError(kind Kind, stage string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// ClassifyError extracts the kind, defaulting to internal for unclassified
// errors so bugs never loop in the retry path.
func ClassifyError(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// Retryable reports whether a failure of this kind should be redelivered
// given how many attempts have already run.
func Retryable(kind Kind, attempt int) bool {
	return attempt < maxAttemptsFor(kind)
}
