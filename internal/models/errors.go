package models

import (
	"errors"
	"fmt"
)

// ErrorKind partitions pipeline errors by their handling policy.
type ErrorKind int

const (
	// ErrConfig marks invalid source configuration. Fatal at startup,
	// non-fatal on reload (the previous snapshot is retained).
	ErrConfig ErrorKind = iota
	// ErrTransientFetch marks a retryable fetch failure (timeout, 5xx, 429,
	// DNS). Never propagates past the fetcher.
	ErrTransientFetch
	// ErrPermanentFetch marks a non-retryable fetch failure (other 4xx, TLS,
	// malformed response). Surfaces as a source cooldown.
	ErrPermanentFetch
	// ErrParse marks a normalization failure for one raw item. The item is
	// dropped and counted.
	ErrParse
	// ErrStore marks a key-value engine failure. Retryable; sustained
	// failure buffers writes and backpressures the collection engine.
	ErrStore
	// ErrInvariant marks a broken internal contract, e.g. an attempt to
	// change an item_id.
	ErrInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfig:
		return "config"
	case ErrTransientFetch:
		return "transient_fetch"
	case ErrPermanentFetch:
		return "permanent_fetch"
	case ErrParse:
		return "parse"
	case ErrStore:
		return "store"
	case ErrInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// PipelineError tags an error with its kind and the operation that produced it.
type PipelineError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation tag.
func NewError(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the error kind, defaulting to ErrInvariant for untagged errors.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInvariant
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *PipelineError
	return errors.As(err, &pe) && pe.Kind == kind
}
