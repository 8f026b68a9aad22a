// Package smolvmerr holds the error kind taxonomy shared by the host and
// guest halves of smolvm, and the mapping from error kind to HTTP status.
package smolvmerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport-agnostic handling. It is not a
// type name — callers switch on Kind, not on concrete error types.
type Kind string

const (
	KindTransport     Kind = "transport"
	KindProtocol      Kind = "protocol_violation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindRuntime       Kind = "runtime_failure"
	KindTimeout       Kind = "timeout"
	KindFatal         Kind = "fatal"
)

// Error is a coded, kinded error. Code is the wire-visible discriminator
// (e.g. "NOT_FOUND", "PULL_FAILED"); Kind groups codes for HTTP mapping.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind, code, and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap builds an *Error carrying an underlying cause.
func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// Common codes used across the protocol catalogue.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeConflict         = "CONFLICT"
	CodePullFailed       = "PULL_FAILED"
	CodeOverlayFailed    = "OVERLAY_FAILED"
	CodeSpawnFailed      = "SPAWN_FAILED"
	CodeMountFailed      = "MOUNT_FAILED"
	CodeRunFailed        = "RUN_FAILED"
	CodeGCFailed         = "GC_FAILED"
	CodeFormatFailed     = "FORMAT_FAILED"
	CodeStatusFailed     = "STATUS_FAILED"
	CodeQueryFailed      = "QUERY_FAILED"
	CodeListFailed       = "LIST_FAILED"
	CodeCleanupFailed    = "CLEANUP_FAILED"
	CodeLockTimeout      = "LOCK_TIMEOUT"
	CodeNotFormatted     = "NOT_FORMATTED"
	CodeInternal         = "INTERNAL_ERROR"
)

// HTTPStatus maps an error kind to an HTTP status code for the REST bridge.
func HTTPStatus(err error) int {
	var se *Error
	if errors.As(err, &se) {
		switch se.Kind {
		case KindNotFound:
			return http.StatusNotFound
		case KindConflict:
			return http.StatusConflict
		case KindProtocol:
			return http.StatusBadRequest
		case KindTimeout:
			return http.StatusRequestTimeout
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
