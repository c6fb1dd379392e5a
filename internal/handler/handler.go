// Package handler serves the dashboard's HTTP API and live feed.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"changkun.de/x/plandash/internal/logger"
	"changkun.de/x/plandash/internal/service"
	"changkun.de/x/plandash/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// DefaultHeartbeat is the interval between server pings on the live feed.
const DefaultHeartbeat = 30 * time.Second

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	svc       *service.Service
	heartbeat time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithHeartbeat overrides DefaultHeartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHandler returns handlers backed by svc.
func NewHandler(svc *service.Service, opts ...Option) *Handler {
	h := &Handler{svc: svc, heartbeat: DefaultHeartbeat}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Health reports that the server is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Handler.Warn("encode response", "error", err)
	}
}

// writeError maps err to a status code and writes it as {"error": ...}.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var malformed *store.MalformedRecordError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrImmutableID):
		status = http.StatusConflict
	case errors.As(err, &malformed), errors.Is(err, store.ErrUnsupportedShape):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidField),
		errors.Is(err, store.ErrInvalidID),
		errors.Is(err, store.ErrInvalidStatus):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.Handler.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody decodes the JSON request body into v. On failure it writes a
// 400 response and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

// queryBool reads a boolean query parameter; anything unparsable is false.
func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
