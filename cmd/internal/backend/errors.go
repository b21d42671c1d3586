package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrUnauthorized marks a 401 response.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden marks a 403 response.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound marks a 404 response.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks a 422 response.
	ErrValidation = errors.New("validation failed")
	// ErrServer marks a 5xx response.
	ErrServer = errors.New("backend server error")
	// ErrTransport marks a request that never produced a response.
	ErrTransport = errors.New("backend unreachable")
)

// DefaultErrorMessage is shown when a failure carries no usable message.
const DefaultErrorMessage = "Something went wrong. Please try again."

// APIError is a non-2xx backend response.
//
// The backend body is {message: string | {field: string | [string]}, error: string}.
type APIError struct {
	Status int
	Method string
	Path   string

	// Message is the string form of "message" (empty when it was an object).
	Message string
	// Fields holds the per-field messages when "message" was an object.
	Fields map[string][]string
	// Detail is the "error" member.
	Detail string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && len(e.Fields) > 0 {
		msg = strings.Join(e.Messages(), "; ")
	}
	if msg == "" {
		msg = e.Detail
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("backend %s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

// Unwrap maps the status onto a sentinel so callers can errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return ErrForbidden
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status == http.StatusUnprocessableEntity:
		return ErrValidation
	case e.Status >= 500:
		return ErrServer
	default:
		return nil
	}
}

// Messages returns the user-facing messages for this error.
// Object payloads expand to one "field: msg" entry per message, sorted by
// field. Otherwise the message comes first, then "error" if it differs.
func (e *APIError) Messages() []string {
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make([]string, 0, len(keys))
		for _, k := range keys {
			for _, m := range e.Fields[k] {
				out = append(out, k+": "+m)
			}
		}
		return out
	}

	var out []string
	if e.Message != "" {
		out = append(out, e.Message)
	}
	if e.Detail != "" && e.Detail != e.Message {
		out = append(out, e.Detail)
	}
	return out
}

// Messages extracts user-facing messages from any error returned by Client.
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if msgs := apiErr.Messages(); len(msgs) > 0 {
			return msgs
		}
	}
	return []string{DefaultErrorMessage}
}

type errorBody struct {
	Message json.RawMessage `json:"message"`
	Error   json.RawMessage `json:"error"`
}

func decodeAPIError(status int, method, path string, body []byte) *APIError {
	e := &APIError{Status: status, Method: method, Path: path}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return e
	}

	e.Detail = rawString(eb.Error)

	if len(eb.Message) == 0 {
		return e
	}
	var s string
	if err := json.Unmarshal(eb.Message, &s); err == nil {
		e.Message = strings.TrimSpace(s)
		return e
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(eb.Message, &obj); err != nil {
		return e
	}
	e.Fields = make(map[string][]string, len(obj))
	for field, raw := range obj {
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			e.Fields[field] = list
			continue
		}
		if v := rawString(raw); v != "" {
			e.Fields[field] = []string{v}
		}
	}
	return e
}

// rawString renders a JSON scalar as text; strings are unquoted.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
