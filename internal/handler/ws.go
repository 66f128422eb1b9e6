package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/askhub/livesync/internal/logger"
	"github.com/askhub/livesync/internal/middleware"
	"github.com/askhub/livesync/internal/ws"
)

type WSHandler struct {
	hub            *ws.Hub
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewWSHandler создаёт обработчик WebSocket. allowedOrigins как в CORS ("*" означает любой).
func NewWSHandler(hub *ws.Hub, allowedOrigins []string) *WSHandler {
	h := &WSHandler{hub: hub, allowedOrigins: allowedOrigins}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and hands the connection to the hub, which
// activates the viewer's session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	viewer := middleware.GetUserID(r.Context())
	if viewer == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade viewer=%s: %v", viewer, err)
		return
	}

	// the request context ends with the handler; the connection outlives it
	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, viewer)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
