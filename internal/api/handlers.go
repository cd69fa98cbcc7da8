package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/browserpilot/internal/driver"
	"github.com/shehryarbajwa/browserpilot/internal/logging"
	"github.com/shehryarbajwa/browserpilot/internal/orchestrator"
	"github.com/shehryarbajwa/browserpilot/internal/proxy"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/pkg/models"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 20
	sessionHeader       = "X-Session-ID"
)

// Executor runs tasks.
type Executor interface {
	Execute(ctx context.Context, req models.TaskRequest) (*models.TaskResult, error)
}

// Sessions is the read and terminate side of the session manager.
type Sessions interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Snapshot(ctx context.Context, id string) ([]byte, error)
	History(ctx context.Context, id string, limit int) ([]models.HistoryEntry, error)
	Evict(ctx context.Context, id string) error
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	executor Executor
	sessions Sessions
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(executor Executor, sessions Sessions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		executor: executor,
		sessions: sessions,
		logger:   logger,
	}
}

// ExecuteTask handles POST /api/execute-task
func (h *Handler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req models.TaskRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.executor.Execute(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// CleanScreenshot handles GET /api/v1/session/{id}/clean-screenshot. It
// returns the screenshot stored by the session's last task without touching
// the browser.
func (h *Handler) CleanScreenshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if header := r.Header.Get(sessionHeader); header != "" && header != id {
		writeJSONError(w, http.StatusBadRequest, "X-Session-ID does not match the session in the path")
		return
	}

	shot, err := h.sessions.Snapshot(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, struct {
		Screenshot []byte `json:"screenshot"`
	}{shot})
}

// GetSession handles GET /api/v1/session/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		*models.Session
		HasScreenshot bool `json:"has_screenshot"`
	}{sess, sess.HasScreenshot()})
}

// GetHistory handles GET /api/v1/session/{id}/history?limit=N
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.sessions.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// DeleteSession handles DELETE /api/v1/session/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Evict(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DebugSession handles GET /api/v1/session/{id}/ws
func (h *Handler) DebugSession(proxyServer *proxy.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		url, err := proxyServer.Resolve(r.Context(), id)
		if errors.Is(err, proxy.ErrNoBrowser) {
			writeJSONError(w, http.StatusNotFound, "Session has no remote browser to debug")
			return
		}
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		proxyServer.HandleDebugConnection(w, r, id, url)
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// writeError maps domain errors to status codes. Error text from the
// browser engine is logged, never sent.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	} else {
		logger.Info("request rejected", "status", status, "error", err)
	}
	if status == http.StatusBadRequest {
		msg = err.Error()
	}
	writeJSONError(w, status, msg)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, session.ErrSessionExpired):
		return http.StatusGone, "Session expired or not found. Start a new session."
	case errors.Is(err, session.ErrSessionBusy):
		return http.StatusConflict, "Session is busy with another task. Try again shortly."
	case errors.Is(err, session.ErrCapacity),
		errors.Is(err, session.ErrLaunch),
		errors.Is(err, driver.ErrEngineUnavailable):
		return http.StatusServiceUnavailable, "Browser engine unavailable. Please try again later."
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
