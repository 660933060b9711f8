package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ErrorDetail is one entry of the backend's error envelope.
type ErrorDetail struct {
	Message           string     `json:"message"`
	LockedUntil       *time.Time `json:"lockedUntil,omitempty"`
	AttemptsRemaining *int       `json:"attemptsRemaining,omitempty"`
}

// ErrorBody is the backend's error envelope.
type ErrorBody struct {
	Errors []ErrorDetail `json:"errors"`
}

// Error is a non-2xx backend response.
type Error struct {
	Status  int
	Details []ErrorDetail
}

func newError(status int, body []byte) *Error {
	e := &Error{Status: status}
	var eb ErrorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		e.Details = eb.Errors
	}
	return e
}

func (e *Error) Error() string {
	if m := e.Message(); m != "" {
		return fmt.Sprintf("api: status %d: %s", e.Status, m)
	}
	return fmt.Sprintf("api: status %d", e.Status)
}

// Message returns the first detail message, if any.
func (e *Error) Message() string {
	if len(e.Details) == 0 {
		return ""
	}
	return e.Details[0].Message
}

// First returns the first detail or a zero value.
func (e *Error) First() ErrorDetail {
	if len(e.Details) == 0 {
		return ErrorDetail{}
	}
	return e.Details[0]
}

// IsCredential reports whether the status denotes a rejected credential.
func (e *Error) IsCredential() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}
