// Package ws доставляет устройствам события отзыва сессии в реальном времени:
// устройство с открытым соединением узнаёт о force-activate/logout сразу,
// не дожидаясь следующего защищённого запроса.
package ws

import (
	"context"
	"sync"

	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/middleware"
)

// Event — исходящее сообщение клиенту. Единственный тип — session_revoked.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{} // ключ — session_id
	total    int
	maxConns int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// NotifyRevoked шлёт session_revoked всем соединениям отозванной сессии и закрывает их:
// сессии больше нет, держать соединение не за чем. Вызывается из подписки на канал
// отзыва (Redis pub/sub или in-memory), поэтому работает и при отзыве на другом инстансе.
func (h *Hub) NotifyRevoked(sessionID string) {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[sessionID]))
	for c := range h.clients[sessionID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}
	ev := Event{Type: "session_revoked", SessionID: sessionID}
	for _, c := range conns {
		c.Send(ev)
		c.Close()
	}
	logger.Infof("ws: session_revoked доставлено session_id=%s conns=%d", middleware.MaskSessionID(sessionID), len(conns))
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting session=%s", h.maxConns, middleware.MaskSessionID(c.sessionID))
		c.Close()
		return
	}
	if _, ok := h.clients[c.sessionID]; !ok {
		h.clients[c.sessionID] = make(map[*Client]struct{})
	}
	h.clients[c.sessionID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.sessionID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			h.total--
			if len(set) == 0 {
				delete(h.clients, c.sessionID)
			}
		}
	}
	h.mu.Unlock()
}
