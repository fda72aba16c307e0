package handler

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"docstore/internal/hub"
	"docstore/internal/storage"
	"docstore/internal/storeerr"
	"docstore/internal/workqueue"
)

// Error response structure
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Handler serves the management API of a set of repositories and of the
// work queuing backend
type Handler struct {
	repos  map[string]storage.Management
	queues *workqueue.Queuing
	events hub.Publisher
	log    *logrus.Entry
}

// New creates a handler. queues may be nil when no work queue runs.
func New(queues *workqueue.Queuing, log *logrus.Entry, repos ...storage.Management) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	h := &Handler{
		repos:  make(map[string]storage.Management, len(repos)),
		queues: queues,
		log:    log.WithField("component", "http"),
	}
	for _, r := range repos {
		h.repos[r.Name()] = r
	}
	return h
}

// WithEvents publishes the administrative actions served by h to p. When
// p is also an http.Handler it serves GET /api/events.
func (h *Handler) WithEvents(p hub.Publisher) *Handler {
	h.events = p
	return h
}

func (h *Handler) publish(ev hub.Event) {
	if h.events != nil {
		h.events.Publish(ev)
	}
}

// Register adds the API routes to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	if stream, ok := h.events.(http.Handler); ok {
		mux.Handle("GET /api/events", stream)
	}

	// Repository endpoints
	mux.HandleFunc("GET /api/repositories", h.ListRepositories)
	mux.HandleFunc("GET /api/repositories/{name}", h.GetRepository)
	mux.HandleFunc("POST /api/repositories/{name}/caches/clear", h.ClearCaches)
	mux.HandleFunc("POST /api/repositories/{name}/invalidations/next", h.ProcessInvalidationsNext)
	mux.HandleFunc("POST /api/repositories/{name}/readacls/rebuild", h.RebuildReadAcls)
	mux.HandleFunc("POST /api/repositories/{name}/cleanup", h.CleanupDeleted)
	mux.HandleFunc("GET /api/repositories/{name}/binaries", h.ReferencedBinaries)

	// Queue endpoints
	mux.HandleFunc("GET /api/queues", h.ListQueues)
	mux.HandleFunc("GET /api/queues/{id}", h.GetQueue)
	mux.HandleFunc("POST /api/queues/{id}/suspend", h.SuspendQueue)
	mux.HandleFunc("POST /api/queues/{id}/resume", h.ResumeQueue)
	mux.HandleFunc("DELETE /api/queues/{id}/completed", h.ClearCompleted)
}

// Health answers as long as the server runs
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.repos))
	for name := range h.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	h.writeJSON(w, map[string]any{"status": "ok", "repositories": names}, http.StatusOK)
}

// Helper methods

func (h *Handler) writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.WithError(err).Error("failed to encode JSON")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, error, details string, statusCode int) {
	h.writeJSON(w, ErrorResponse{Error: error, Details: details}, statusCode)
}

// fail writes err with the status of its kind
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error(msg)
	}
	h.writeError(w, msg, err.Error(), status)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storeerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storeerr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, storeerr.ErrOperationNotAllowed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// timeParam parses an optional RFC 3339 query parameter; absent is zero
func timeParam(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", storeerr.ErrInvalidArgument, key, err)
	}
	return t, nil
}

// intParam parses an optional integer query parameter; absent is zero
func intParam(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", storeerr.ErrInvalidArgument, key, err)
	}
	return n, nil
}
