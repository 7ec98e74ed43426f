// Package errors provides structured error handling for FastSearch.
//
// Every error carries a Kind from the service taxonomy. Batch operations
// report per-file errors by message; single-resource operations propagate
// the first error unchanged so callers can branch on Kind.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error within the service taxonomy.
type Kind string

const (
	// KindValidation indicates bad input rejected before side effects.
	KindValidation Kind = "VALIDATION"
	// KindNotFound indicates a knowledge base or file absent where required.
	KindNotFound Kind = "NOT_FOUND"
	// KindAlreadyExists indicates a creation or upload conflict.
	KindAlreadyExists Kind = "ALREADY_EXISTS"
	// KindLoader indicates a per-file document loading failure.
	KindLoader Kind = "LOADER"
	// KindSplitter indicates a per-file text splitting failure.
	KindSplitter Kind = "SPLITTER"
	// KindEmbedding indicates a transient embedding service failure.
	KindEmbedding Kind = "EMBEDDING"
	// KindIndex indicates a transient index backend failure.
	KindIndex Kind = "INDEX"
	// KindIndexIntegrity indicates a post-write read-back returned zero hits.
	KindIndexIntegrity Kind = "INDEX_INTEGRITY"
	// KindRerank indicates a transient re-ranker service failure.
	KindRerank Kind = "RERANK"
	// KindInternal indicates an unexpected error.
	KindInternal Kind = "INTERNAL"
)

// Error is the structured error type for FastSearch.
type Error struct {
	Kind    Kind
	Message string
	// Details contains additional context as key-value pairs.
	Details map[string]string
	// Cause is the underlying error, if any.
	Cause error
	// Retryable indicates the operation may succeed on retry.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Kind, enabling errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail. Returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given kind and message.
// The retryable flag is derived from the kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableKind(kind),
	}
}

// Newf creates an Error with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

// Wrap creates an Error from an existing error, keeping its message.
// Returns nil if err is nil. An existing *Error passes through unchanged.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return New(kind, err.Error(), err)
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// AlreadyExists creates a conflict error.
func AlreadyExists(format string, args ...any) *Error {
	return Newf(KindAlreadyExists, format, args...)
}

// Internal creates an internal error wrapping cause.
func Internal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}

// KindOf extracts the Kind from an error chain.
// Returns KindInternal for non-structured errors, empty for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsNotFound reports whether the error chain carries KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsAlreadyExists reports whether the error chain carries KindAlreadyExists.
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }

// IsValidation reports whether the error chain carries KindValidation.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsRetryable reports whether the error chain allows a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}

// HTTPStatus maps an error to the HTTP status code used in response envelopes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// isRetryableKind reports whether a kind represents a transient remote failure.
func isRetryableKind(kind Kind) bool {
	switch kind {
	case KindEmbedding, KindIndex, KindRerank:
		return true
	default:
		return false
	}
}
