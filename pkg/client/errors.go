package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRateLimited is returned when the shared rate limit is exhausted and
	// the request was not sent.
	ErrRateLimited = errors.New("request blocked: rate limit exhausted")

	// ErrInvalidRepoName is returned for names not of the form owner/name.
	ErrInvalidRepoName = errors.New("invalid repository name")
)

// APIError represents a GitHub error with additional context.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GitHub %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("GitHub %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a GitHub 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// parseErrorMessage returns the message field of a GitHub error body.
func parseErrorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}
