package ess

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned, wrapped in an *AuthenticationError, when a
// call needs a session and none is held.
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthenticationError means the credentials are invalid or the session has
// expired. Retrying with the same session will not help.
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		if e.Reason == "" {
			return "authentication error: " + e.Err.Error()
		}
		return fmt.Sprintf("authentication error: %s: %v", e.Reason, e.Err)
	}
	return "authentication error: " + e.Reason
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// APIError is a transport failure or a non-auth HTTP error.
type APIError struct {
	Endpoint string
	// StatusCode is 0 for transport failures.
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("api error: %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("api error: %s: status %d", e.Endpoint, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("api error: %s: %v", e.Endpoint, e.Err)
	}
	return "api error: " + e.Endpoint
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is or wraps an *AuthenticationError.
func IsAuthError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsAPIError reports whether err is or wraps an *APIError.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}
