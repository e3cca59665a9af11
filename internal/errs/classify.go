package errs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the failure class of an API error.
type Kind int

const (
	// KindGeneric covers every failure that fits no other class.
	KindGeneric Kind = iota
	// KindNetwork means no response was received (refused, timeout, DNS).
	KindNetwork
	// KindServer means the backend answered with 500, 502, 503 or 504.
	KindServer
	// KindAuth means the backend answered 401.
	KindAuth
	// KindValidation means a 4xx body carried field-level validation details.
	KindValidation
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "generic"
	}
}

// APIError is a classified failure of a backend call. It is never mutated after Classify.
type APIError struct {
	Kind        Kind
	Status      int
	Message     string
	FieldErrors map[string][]string
	Cause       error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Status, e.Message)
}

// Unwrap exposes the original transport error.
func (e *APIError) Unwrap() error { return e.Cause }

// Is lets callers match classified errors against the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrOffline:
		return e.Kind == KindNetwork
	}
	return false
}

// Retryable reports whether the failure is worth retrying once connectivity returns.
func (e *APIError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindServer
}

type validationItem struct {
	Loc  any    `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// Classify maps a raw backend outcome onto an APIError.
// status == 0 means no response was received; cause is the transport error if any.
// The result depends only on its inputs.
func Classify(status int, body []byte, cause error) *APIError {
	if status == 0 {
		msg := "network error"
		if cause != nil {
			msg = cause.Error()
		}
		return &APIError{Kind: KindNetwork, Message: msg, Cause: cause}
	}

	var payload map[string]json.RawMessage
	_ = json.Unmarshal(body, &payload)
	msg := bodyMessage(payload)

	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &APIError{Kind: KindServer, Status: status, Message: fallbackMessage(msg, status, cause), Cause: cause}
	case http.StatusUnauthorized:
		return &APIError{Kind: KindAuth, Status: status, Message: fallbackMessage(msg, status, cause), Cause: cause}
	}

	if fields, ok := validationFields(payload); ok {
		if msg == "" {
			msg = "validation failed"
		}
		return &APIError{Kind: KindValidation, Status: status, Message: msg, FieldErrors: fields, Cause: cause}
	}
	return &APIError{Kind: KindGeneric, Status: status, Message: fallbackMessage(msg, status, cause), Cause: cause}
}

// ClassifyTransport classifies an error returned by http.Client.Do (no response).
func ClassifyTransport(err error) *APIError {
	return Classify(0, nil, err)
}

func bodyMessage(payload map[string]json.RawMessage) string {
	for _, field := range []string{"detail", "message"} {
		raw, ok := payload[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func fallbackMessage(msg string, status int, cause error) string {
	if msg != "" {
		return msg
	}
	if cause != nil && cause.Error() != "" {
		return cause.Error()
	}
	return fmt.Sprintf("HTTP %d", status)
}

func validationFields(payload map[string]json.RawMessage) (map[string][]string, bool) {
	raw, ok := payload["detail"]
	if !ok {
		return nil, false
	}
	var items []validationItem
	if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
		return nil, false
	}
	out := make(map[string][]string, len(items))
	for _, it := range items {
		path := joinLoc(it.Loc)
		msg := it.Msg
		if msg == "" {
			msg = "Invalid"
		}
		out[path] = append(out[path], msg)
	}
	return out, true
}

func joinLoc(loc any) string {
	switch v := loc.(type) {
	case nil:
		return "unknown"
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ".")
	default:
		return fmt.Sprint(v)
	}
}

// IsRetryable reports whether err is a Network/Server-class failure, classified or raw.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// KindOf returns the kind of a classified error, or KindGeneric.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindGeneric
}

// ValidationErrors returns field-level messages carried by err, if any.
func ValidationErrors(err error) map[string][]string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Kind == KindValidation {
		return apiErr.FieldErrors
	}
	return nil
}
