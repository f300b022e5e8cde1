package infomentor

import (
	"errors"
	"fmt"
)

// AuthError means the portal actively refused us: rejected credentials,
// a negotiation loop, or a session that expired again right after a
// re-login. It is the only error class that should ever prompt the
// operator for new credentials.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth: %s", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConnectionError is a transport-level failure: dns, tls, timeouts,
// cancellation mid-flight.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection: %s: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// APIError means an endpoint we could reach answered with something
// other than what that endpoint is known to produce.
type APIError struct {
	Endpoint string
	Status   int
	Reason   string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api: %s (status %d): %s", e.Endpoint, e.Status, e.Reason)
	}
	return fmt.Sprintf("api: %s (status %d)", e.Endpoint, e.Status)
}

// DataError means a response arrived intact but could not be
// interpreted at all.
type DataError struct {
	Resource string
	Reason   string
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data: %s: %s", e.Resource, e.Reason)
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
