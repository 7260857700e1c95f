package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sciffer/labrange/pkg/models"
	"github.com/sciffer/labrange/pkg/statemachine"
)

const (
	defaultWatchInterval = time.Second
	watchWriteTimeout    = 10 * time.Second
)

// WatchMessage is pushed to watchers whenever a session's status changes or
// new events are recorded
type WatchMessage struct {
	SessionID string                `json:"session_id"`
	Status    models.SessionStatus  `json:"status"`
	Events    []models.SessionEvent `json:"events,omitempty"`
}

// NewUpgrader creates a WebSocket upgrader. An empty origin list allows every origin.
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
}

// WatchSession handles GET /sessions/{id}/watch. It streams WatchMessages
// until the session reaches a terminal status or the client goes away.
func (h *Handler) WatchSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.ownedSession(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithSession(session.ID).Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Watchers never send data; a read error means the client disconnected.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()

	seen := map[string]bool{}
	var lastStatus models.SessionStatus
	for {
		msg := WatchMessage{SessionID: session.ID, Status: session.Status}
		for _, e := range session.Events {
			if !seen[e.ID] {
				seen[e.ID] = true
				msg.Events = append(msg.Events, e)
			}
		}

		if session.Status != lastStatus || len(msg.Events) > 0 {
			lastStatus = session.Status
			//nolint:errcheck
			conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.WithSession(session.ID).Debug("watcher went away", zap.Error(err))
				return
			}
		}

		if statemachine.IsTerminal(session.Status) {
			h.closeWatch(conn, websocket.CloseNormalClosure, "session ended")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		session, err = h.sessions.GetSessionStatus(ctx, session.ID)
		if err != nil {
			h.logger.Error("failed to refresh watched session", zap.Error(err))
			h.closeWatch(conn, websocket.CloseInternalServerErr, "failed to load session")
			return
		}
	}
}

func (h *Handler) closeWatch(conn *websocket.Conn, code int, text string) {
	//nolint:errcheck
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text),
		time.Now().Add(watchWriteTimeout))
}
