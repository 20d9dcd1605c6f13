package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufSize    = 8
)

// Client represents a single WebSocket connection of one device session.
// Lifecycle: NewClient -> Start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
// Клиент ничего не шлёт серверу — входящие сообщения игнорируются, соединение
// живёт ради событий отзыва и ping/pong.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan Event
	sessionID string

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, sessionID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan Event, sendBufSize),
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// Start launches readPump and writePump goroutines with controlled lifecycle.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Send ставит событие в очередь записи. Не блокирует: при переполненном буфере
// соединение считается мёртвым и закрывается (TTL кеша и validate подстрахуют).
func (c *Client) Send(ev Event) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
		logger.Errorf("ws send buffer full session=%s, closing", middleware.MaskSessionID(c.sessionID))
		c.Close()
	}
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
// Соединение закрывает writePump после дренажа очереди: событие session_revoked,
// поставленное перед Close, успевает уйти клиенту.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.cancel != nil {
			c.cancel()
		} else {
			c.conn.Close()
		}
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("ws set read deadline session=%s: %v", middleware.MaskSessionID(c.sessionID), err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error session=%s: %v", middleware.MaskSessionID(c.sessionID), err)
			}
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			// Дренаж: уже поставленные события уходят до close frame.
			for {
				select {
				case ev := <-c.send:
					if err := c.writeEvent(ev); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
			}
			return
		case ev := <-c.send:
			if err := c.writeEvent(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeEvent(ev Event) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("ws marshal session=%s: %v", middleware.MaskSessionID(c.sessionID), err)
		return nil
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
