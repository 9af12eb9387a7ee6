package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-expand/internal/expand"
	"github.com/kozaktomas/face-expand/internal/progress"
)

const wsWriteTimeout = 10 * time.Second

// ProgressHandler exposes job progress by token, by polling or by push.
type ProgressHandler struct {
	service  *expand.Service
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewProgressHandler creates the handler. checkOrigin guards WebSocket upgrades.
func NewProgressHandler(service *expand.Service, logger *zap.Logger, checkOrigin func(*http.Request) bool) *ProgressHandler {
	return &ProgressHandler{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// eventType names the SSE event of a record.
func eventType(rec progress.Record) string {
	if rec.Phase.Terminal() || rec.Phase == progress.PhaseTimeout {
		return string(rec.Phase)
	}
	return "progress"
}

// Get returns the latest record.
func (h *ProgressHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Progress(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// Events streams records as Server-Sent Events until the job ends.
func (h *ProgressHandler) Events(w http.ResponseWriter, r *http.Request) {
	updates, err := h.service.Subscribe(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}

	for rec := range updates {
		sendSSEEvent(w, flusher, eventType(rec), rec)
	}
}

// WebSocket pushes records as JSON text messages, then closes normally.
func (h *ProgressHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if _, err := h.service.Progress(r.Context(), token); err != nil {
		respondServiceError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	// The client never sends data; reading detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read failed", zap.Error(err))
				}
				return
			}
		}
	}()

	updates, err := h.service.Subscribe(ctx, token)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()), time.Now().Add(wsWriteTimeout))
		return
	}
	for rec := range updates {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(rec); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(wsWriteTimeout))
}
