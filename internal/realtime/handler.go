package realtime

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	myMiddleware "realtime-chat/internal/middleware"
)

type Handler struct {
	hub        *Hub
	session    *Session
	upgrader   websocket.Upgrader
	sendBuffer int
	log        *slog.Logger
}

// NewHandler builds the websocket endpoint. An empty allowedOrigins accepts
// any origin.
func NewHandler(hub *Hub, session *Session, allowedOrigins []string, sendBuffer int, log *slog.Logger) *Handler {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Handler{
		hub:     hub,
		session: session,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				return slices.Contains(allowedOrigins, r.Header.Get("Origin"))
			},
		},
		sendBuffer: sendBuffer,
		log:        log,
	}
}

// ServeWs upgrades an authenticated request and hands the connection to the hub.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := myMiddleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", userID, "err", err)
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		hub:      h.hub,
		session:  h.session,
		conn:     conn,
		send:     make(chan []byte, h.sendBuffer),
	}

	// Presence comes first so the read loop's cleanup always has something
	// to undo. This connection learns who is online from setup's snapshot.
	h.session.Open(r.Context(), client)
	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		h.session.Close(client)
		conn.Close()
	}
}
