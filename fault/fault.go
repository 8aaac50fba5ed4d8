// Package fault classifies engine errors into the handful of kinds callers
// act on: transient storage trouble is ridden out in memory, integrity
// failures are never promoted to canonical state, and the rest is logged.
package fault

import "errors"

type Kind string

const (
	// TransientStorage covers quota exhaustion and temporary unavailability.
	TransientStorage Kind = "transient_storage"
	// Integrity covers checksum mismatches and authentication-tag failures.
	Integrity Kind = "integrity"
	// TokenRotation marks a forced CSRF reinitialisation.
	TokenRotation Kind = "token_rotation"
	// MergeAmbiguity marks equal-timestamp foreign activities with
	// differing content. It is resolved, never surfaced.
	MergeAmbiguity Kind = "merge_ambiguity"
	// Internal is everything else.
	Internal Kind = "internal"
)

type classifiedError struct {
	kind  Kind
	code  string
	cause error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap classifies cause. A nil cause yields nil.
func Wrap(cause error, kind Kind, code string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{kind: kind, code: code, cause: cause}
}

// KindOf returns the outermost classification of err, or "" if none.
func KindOf(err error) Kind {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.kind
	}
	return ""
}

// CodeOf returns the machine-readable code of err, or "" if unclassified.
func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func IsTransient(err error) bool { return KindOf(err) == TransientStorage }

func IsIntegrity(err error) bool { return KindOf(err) == Integrity }
