package devserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
)

// fieldError is one item of a 422 body.
type fieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// httpError is a handler failure with the response it maps to.
type httpError struct {
	status int
	body   any
}

func (e *httpError) Error() string { return http.StatusText(e.status) }

func detail(status int, msg string) *httpError {
	return &httpError{status: status, body: map[string]string{"detail": msg}}
}

func invalid(items ...fieldError) *httpError {
	return &httpError{status: http.StatusUnprocessableEntity, body: map[string][]fieldError{"detail": items}}
}

func missing(where, field string) fieldError {
	return fieldError{Loc: []any{where, field}, Msg: "Field required", Type: "missing"}
}

func notFound(what string) *httpError { return detail(http.StatusNotFound, what+" not found") }

// handlerFunc is an http handler that reports failures as errors.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var he *httpError
		if !errors.As(err, &he) {
			s.log.Error("handler failed", zap.String("path", r.URL.Path), zap.Error(err))
			he = detail(http.StatusInternalServerError, "Internal server error")
		}
		writeJSON(w, he.status, he.body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON reads the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return invalid(fieldError{Loc: []any{"body"}, Msg: "JSON decode error", Type: "json_invalid"})
	}
	return nil
}
