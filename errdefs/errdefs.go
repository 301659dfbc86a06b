// Package errdefs defines the error categories surfaced by the SDK, so that
// callers can branch on them with errors.Is and errors.As. Transient transport
// failures, remote API refusals, malformed protocol data, and timeouts are all
// distinguishable.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrAPIKeyNotFound is returned when no API key is configured.
	// Set CELLBOX_API_KEY or provide the key explicitly.
	ErrAPIKeyNotFound = errors.New("API key not found")

	// ErrNotInitialized is returned when a sandbox daemon API is used before
	// its RPC client has been connected.
	ErrNotInitialized = errors.New("rpc client not initialized")

	// ErrTimeout is returned when an operation exceeds its configured timeout.
	ErrTimeout = errors.New("operation timed out")

	// ErrRateLimited is returned on HTTP 429 from the control plane.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// APIError is a non-2xx response from the control plane or the sandbox daemon.
// A non-zero process exit code is not an APIError; it is a normal result.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// NotFoundError is returned when a named resource does not exist remotely.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.Resource)
}

// AuthenticationError is returned when the control plane rejects the API key.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// ProtocolError is malformed data on the streaming wire protocol: a frame
// payload that is not valid JSON, or a process event matching no known shape.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsStatus reports whether err is an APIError with the given HTTP status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// IsNotFound reports whether err is a NotFoundError or a 404 APIError.
func IsNotFound(err error) bool {
	var nfErr *NotFoundError
	return errors.As(err, &nfErr) || IsStatus(err, 404)
}
