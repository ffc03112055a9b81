package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const defaultErrorMessage = "An unexpected error occurred"

// APIError is the single error shape surfaced by the client. Callers read
// Message; Status is informational and zero for transport failures.
type APIError struct {
	Status  int
	Message string
	err     error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.err
}

// Message extracts the human-readable message from any error, preferring
// an APIError's message.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return defaultErrorMessage
}

func transportError(err error) *APIError {
	return &APIError{Message: err.Error(), err: err}
}

// statusError builds an APIError from a non-2xx response, taking the message
// from a structured body when one is present.
func statusError(status int, body []byte) *APIError {
	msg := messageFromBody(body)
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", status)
		if text := http.StatusText(status); text != "" {
			msg = fmt.Sprintf("%s (%d)", text, status)
		}
	}
	return &APIError{Status: status, Message: msg}
}

func messageFromBody(body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "error", "message"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}
		// Validation errors arrive as structured detail; keep them readable.
		if compact := strings.TrimSpace(string(raw)); compact != "" && compact != "null" {
			return compact
		}
	}
	return ""
}
