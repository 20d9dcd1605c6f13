package handler

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/middleware"
	"github.com/sessiongate/internal/ws"
)

// WSHandler — GET /ws. Апгрейд соединения для событий отзыва сессии.
// Маршрут стоит под bearer + session guard, поэтому session_id уже проверен.
type WSHandler struct {
	hub *ws.Hub
}

func NewWSHandler(hub *ws.Hub) *WSHandler {
	return &WSHandler{hub: hub}
}

func checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(os.Getenv("WS_ALLOWED_ORIGINS"))
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.GetSessionID(r.Context())
	if sessionID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade session=%s: %v", middleware.MaskSessionID(sessionID), err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, sessionID)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
