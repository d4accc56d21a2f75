package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ekisa-team/rvcbroker/internal/progress"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ProgressHandler streams request state transitions over a websocket.
type ProgressHandler struct {
	hub      *progress.Hub
	upgrader websocket.Upgrader
}

// NewProgressHandler creates a new ProgressHandler instance.
func NewProgressHandler(r chi.Router, hub *progress.Hub) *ProgressHandler {
	h := &ProgressHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The broker listens on loopback and serves local tools.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r.Get("/ws/progress", h.handleProgress)

	return h
}

// handleProgress sends every event as a JSON text message. An optional
// job_id query parameter restricts the stream to one job; callers pick that
// id up front by sending it in the X-Job-Id header of their request.
func (h *ProgressHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")

	// Subscribe before the handshake completes so no event published after
	// the client is connected is missed.
	events, unsubscribe := h.hub.Subscribe(progress.DefaultBuffer)
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reading is only needed to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if jobID != "" && ev.JobID != jobID {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
