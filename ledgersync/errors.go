// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"errors"
	"fmt"
	"net/http"
)

// Failure taxonomy for the offline sync core.
//
// The gateway and the orchestrator decide queue-vs-surface based on these
// classes: only NetworkError-class failures are retried; validation and auth
// failures are surfaced immediately because replaying them cannot succeed.

// ErrStorageUnavailable is returned when the durable store cannot be opened
// (e.g. the host forbids persistent storage). The store degrades to
// memory-only operation; enqueue keeps working but queued work does not
// survive a restart.
var ErrStorageUnavailable = errors.New("ledgersync: durable storage unavailable")

// ErrStorageReset is returned when the on-disk schema version is newer than
// this build understands. This is a fatal startup condition; the user must
// reset local storage.
var ErrStorageReset = errors.New("ledgersync: storage reset required (incompatible schema version)")

// NetworkError wraps a transient reachability failure. Mutations failing with
// a NetworkError are queued while offline and retried on the next drain.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError means the remote rejected the payload as semantically
// invalid. It is never queued and never retried automatically.
type ValidationError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("validation error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("validation error (%d): %s", e.StatusCode, e.Message)
}

// AuthError means the credential was rejected (401/403). It triggers a single
// token refresh and retry; it is never queued.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%d): %s", e.StatusCode, e.Message)
}

// IsNetworkError reports whether err is (or wraps) a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// classifyStatus maps an HTTP response status to the failure taxonomy.
// errorCode/message come from the server's JSON error envelope when present.
func classifyStatus(statusCode int, errorCode, message string) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &AuthError{StatusCode: statusCode, Message: message}
	case statusCode >= 400 && statusCode < 500:
		return &ValidationError{StatusCode: statusCode, Code: errorCode, Message: message}
	default:
		// 5xx and anything unexpected: the server is degraded, treat as
		// transient so the mutation stays queued.
		return &NetworkError{Err: fmt.Errorf("server returned status %d: %s", statusCode, message)}
	}
}
