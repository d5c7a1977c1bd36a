package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// UnauthorizedError is returned for 401 responses.
type UnauthorizedError struct {
	Label string
}

func (e *UnauthorizedError) Error() string {
	if e.Label == "" {
		return "backend: unauthorized"
	}
	return "backend: unauthorized: " + e.Label
}

// ClientError is any other 4xx response. Label is the backend's error
// label, e.g. "not-found" or "access-denied".
type ClientError struct {
	Code    int
	Label   string
	Message string
}

func (e *ClientError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("backend: client error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("backend: client error %d (%s): %s", e.Code, e.Label, e.Message)
}

// ServerError is a 5xx response.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("backend: server error %d: %s", e.Code, e.Message)
}

// TransportError wraps network failures and timeouts.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("backend: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// apiError is the backend's JSON error body.
type apiError struct {
	Code    int    `json:"code"`
	Label   string `json:"label"`
	Message string `json:"message"`
}

// classify maps a non-2xx response to one of the error types above.
func classify(status int, body []byte) error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || (ae.Label == "" && ae.Message == "") {
		ae.Message = truncate(string(body), 200)
	}
	switch {
	case status == http.StatusUnauthorized:
		return &UnauthorizedError{Label: ae.Label}
	case status >= 500:
		return &ServerError{Code: status, Message: ae.Message}
	default:
		return &ClientError{Code: status, Label: ae.Label, Message: ae.Message}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// StatusCode returns the HTTP status carried by a classified error, or 0.
func StatusCode(err error) int {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Code
	}
	var se *ServerError
	if errors.As(err, &se) {
		return se.Code
	}
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return http.StatusUnauthorized
	}
	return 0
}

func IsNotFound(err error) bool  { return StatusCode(err) == http.StatusNotFound }
func IsForbidden(err error) bool { return StatusCode(err) == http.StatusForbidden }

// IsTransport reports whether err is a network or timeout failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
