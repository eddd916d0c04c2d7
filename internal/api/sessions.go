package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remedylabs/remedy/internal/orchestrator"
)

// SessionHandler handles remediation session endpoints.
type SessionHandler struct {
	orch *orchestrator.Orchestrator
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(orch *orchestrator.Orchestrator) *SessionHandler {
	return &SessionHandler{orch: orch}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{sessionID}", h.Get)
		r.Post("/{sessionID}/approval", h.Approval)
		r.Delete("/{sessionID}", h.Cancel)
	})
}

// Create starts a new remediation session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.orch.Start(r.Context(), req)
	if err != nil {
		var vErr *orchestrator.ValidationError
		if errors.As(err, &vErr) {
			Error(w, http.StatusBadRequest, vErr.Error())
			return
		}
		slog.Error("Failed to start session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	JSON(w, http.StatusCreated, session)
}

// List returns recent sessions, newest first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.orch.List(r.Context(), 50)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// Get returns one session with its attempt history.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.orch.Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("Failed to get session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	JSON(w, http.StatusOK, session)
}

type approvalRequest struct {
	Decision string `json:"decision"`
}

// Approval resolves a session paused at the approval gate.
func (h *SessionHandler) Approval(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch req.Decision {
	case "approve":
		err = h.orch.Approve(sessionID)
	case "reject":
		err = h.orch.Reject(sessionID)
	default:
		Error(w, http.StatusBadRequest, `decision must be "approve" or "reject"`)
		return
	}

	switch {
	case err == nil:
		slog.Info("Approval decision recorded",
			"session_id", sessionID, "decision", req.Decision)
		JSON(w, http.StatusOK, map[string]interface{}{
			"session_id": sessionID,
			"decision":   req.Decision,
		})
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, orchestrator.ErrNotAwaitingApproval),
		errors.Is(err, orchestrator.ErrSessionFinished):
		Error(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Failed to record approval decision", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to record decision")
	}
}

// Cancel aborts a running session.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	err := h.orch.Cancel(r.Context(), sessionID)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, orchestrator.ErrSessionFinished):
		Error(w, http.StatusConflict, "session already finished")
	default:
		slog.Error("Failed to cancel session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "failed to cancel session")
	}
}
