// Package stream exposes session thought streams over WebSocket.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/remedylabs/remedy/internal/bus"
	"github.com/remedylabs/remedy/internal/domain"
	"github.com/remedylabs/remedy/internal/orchestrator"
)

// Handler upgrades connections and bridges the event bus to clients. A
// client may start sessions over the socket or attach to ones started over
// HTTP; sessions started on a connection are cancelled when it drops.
type Handler struct {
	orch          *orchestrator.Orchestrator
	bus           *bus.Bus
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a new WebSocket stream handler.
func NewHandler(orch *orchestrator.Orchestrator, eventBus *bus.Bus, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		orch:          orch,
		bus:           eventBus,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientMessage represents an inbound control message.
type clientMessage struct {
	Action    string                     `json:"action"`
	SessionID string                     `json:"session_id,omitempty"`
	Request   *orchestrator.StartRequest `json:"request,omitempty"`
}

// conn wraps one WebSocket connection. The write mutex serializes the read
// loop's replies with the stream goroutines.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	owned map[string]bool // sessions started on this connection
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{ws: ws, owned: make(map[string]bool)}

	// Attach immediately when the client connected for an existing session,
	// either via the per-session route or the session_id query parameter.
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session_id")
	}
	if sessionID != "" {
		go h.streamSession(ctx, c, sessionID)
	}

	h.readLoop(ctx, c)
	cancel()

	h.cancelOwned(c)
	slog.Info("WebSocket stream ended", "ip", r.RemoteAddr)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, c *conn) {
	for {
		_, message, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			h.writeError(c, "", "malformed message")
			continue
		}

		switch msg.Action {
		case "analyze":
			h.handleAnalyze(ctx, c, msg)
		case "subscribe":
			if msg.SessionID == "" {
				h.writeError(c, "", "session_id required")
				continue
			}
			go h.streamSession(ctx, c, msg.SessionID)
		case "approve", "reject":
			h.handleDecision(c, msg)
		case "cancel":
			if err := h.orch.Cancel(ctx, msg.SessionID); err != nil {
				h.writeError(c, msg.SessionID, err.Error())
			}
		case "ping":
			c.writeJSON(map[string]string{"type": "pong"})
		default:
			h.writeError(c, msg.SessionID, "unknown action")
		}
	}
}

func (h *Handler) handleAnalyze(ctx context.Context, c *conn, msg clientMessage) {
	if msg.Request == nil {
		h.writeError(c, "", "request payload required")
		return
	}

	session, err := h.orch.Start(ctx, *msg.Request)
	if err != nil {
		var vErr *orchestrator.ValidationError
		if errors.As(err, &vErr) {
			h.writeError(c, "", vErr.Error())
			return
		}
		slog.Error("Failed to start session over WebSocket", "error", err)
		h.writeError(c, "", "failed to start session")
		return
	}

	c.mu.Lock()
	c.owned[session.ID] = true
	c.mu.Unlock()

	c.writeJSON(map[string]string{
		"type":       "session_started",
		"session_id": session.ID,
	})

	go h.streamSession(ctx, c, session.ID)
}

func (h *Handler) handleDecision(c *conn, msg clientMessage) {
	if msg.SessionID == "" {
		h.writeError(c, "", "session_id required")
		return
	}

	var err error
	if msg.Action == "approve" {
		err = h.orch.Approve(msg.SessionID)
	} else {
		err = h.orch.Reject(msg.SessionID)
	}
	if err != nil {
		h.writeError(c, msg.SessionID, err.Error())
		return
	}

	c.writeJSON(map[string]string{
		"type":       "decision_recorded",
		"session_id": msg.SessionID,
		"decision":   msg.Action,
	})
}

// streamSession forwards a session's events to the client until the stream
// completes or the connection dies.
func (h *Handler) streamSession(ctx context.Context, c *conn, sessionID string) {
	sub := h.bus.Subscribe(sessionID)
	defer h.bus.Unsubscribe(sessionID, sub)

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if !c.writeJSON(event) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// cancelOwned aborts any still-running session the dropped client started.
func (h *Handler) cancelOwned(c *conn) {
	c.mu.Lock()
	owned := make([]string, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.mu.Unlock()

	for _, id := range owned {
		err := h.orch.Cancel(context.Background(), id)
		if err == nil {
			slog.Info("Cancelled session after client disconnect", "session_id", id)
			continue
		}
		if !errors.Is(err, orchestrator.ErrSessionFinished) && !errors.Is(err, orchestrator.ErrSessionNotFound) {
			slog.Warn("Failed to cancel session after disconnect", "error", err, "session_id", id)
		}
	}
}

func (h *Handler) writeError(c *conn, sessionID, message string) {
	payload := map[string]string{
		"type":  string(domain.EventError),
		"error": message,
	}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	c.writeJSON(payload)
}

// writeJSON marshals v and writes it as one text frame. Returns false when
// the connection is no longer usable.
func (c *conn) writeJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal stream payload", "error", err)
		return true
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return false
	}
	return true
}
