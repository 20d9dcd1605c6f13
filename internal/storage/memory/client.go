package memory

import (
	"context"
	"sync"
	"time"
)

const (
	activeSessionTTL        = 30 * time.Second
	registerRateLimitWindow = 60 * time.Second
	registerRateLimitMax    = 30
)

type item struct {
	val string
	exp time.Time
}

// Client — in-memory реализация SessionStateStore для -dev (один процесс, без Redis).
type Client struct {
	mu       sync.RWMutex
	accounts map[string]item
	limit    map[string][]time.Time
	subs     map[int]func(string)
	nextSub  int
}

func New() *Client {
	return &Client{
		accounts: make(map[string]item),
		limit:    make(map[string][]time.Time),
		subs:     make(map[int]func(string)),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetActiveAccount(ctx context.Context, sessionID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.accounts[sessionID]
	if !ok || time.Now().After(v.exp) {
		return "", nil
	}
	return v.val, nil
}

func (c *Client) SetActiveAccount(ctx context.Context, sessionID, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[sessionID] = item{val: accountID, exp: time.Now().Add(activeSessionTTL)}
	return nil
}

func (c *Client) DeleteActiveAccount(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, sessionID)
	return nil
}

func (c *Client) CheckRegisterRateLimit(ctx context.Context, accountID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	cut := now.Add(-registerRateLimitWindow)
	var kept []time.Time
	for _, t := range c.limit[accountID] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= registerRateLimitMax {
		c.limit[accountID] = kept
		return false, nil
	}
	c.limit[accountID] = append(kept, now)
	return true, nil
}

// PublishRevoked доставляет подписчикам в этом же процессе (в -dev инстанс один).
func (c *Client) PublishRevoked(ctx context.Context, sessionID string) error {
	c.mu.RLock()
	fns := make([]func(string), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(sessionID)
	}
	return nil
}

func (c *Client) SubscribeRevoked(ctx context.Context, fn func(sessionID string)) (stop func(), err error) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}, nil
}
