package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Активная сессия кешируется коротко: отзыв и так удаляет ключ, TTL страхует
// от потерянной инвалидации. Rate limit: 30 регистраций за минуту на аккаунт.
const (
	ActiveSessionTTL        = 30 * time.Second
	RegisterRateLimitWindow = 60 // секунд
	RegisterRateLimitMax    = 30 // регистраций за окно

	revokedChannel = "session_revoked"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// GetActiveAccount возвращает владельца активной сессии ("" — нет в кеше).
func (c *Client) GetActiveAccount(ctx context.Context, sessionID string) (string, error) {
	val, err := c.cli.Get(ctx, "session_account:"+sessionID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (c *Client) SetActiveAccount(ctx context.Context, sessionID, accountID string) error {
	return c.cli.Set(ctx, "session_account:"+sessionID, accountID, ActiveSessionTTL).Err()
}

// DeleteActiveAccount вызывается при каждом отзыве — следующий validate увидит revoked из БД.
func (c *Client) DeleteActiveAccount(ctx context.Context, sessionID string) error {
	return c.cli.Del(ctx, "session_account:"+sessionID).Err()
}

// CheckRegisterRateLimit проверяет register_limit:{account}: макс. RegisterRateLimitMax за окно.
func (c *Client) CheckRegisterRateLimit(ctx context.Context, accountID string) (allowed bool, err error) {
	key := "register_limit:" + accountID
	n, err := c.cli.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		c.cli.Expire(ctx, key, RegisterRateLimitWindow*time.Second)
	}
	return n <= int64(RegisterRateLimitMax), nil
}

func (c *Client) PublishRevoked(ctx context.Context, sessionID string) error {
	return c.cli.Publish(ctx, revokedChannel, sessionID).Err()
}

// SubscribeRevoked читает канал отзыва в отдельной горутине до отмены ctx или вызова stop.
func (c *Client) SubscribeRevoked(ctx context.Context, fn func(sessionID string)) (stop func(), err error) {
	sub := c.cli.Subscribe(ctx, revokedChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn(msg.Payload)
			}
		}
	}()
	return func() { sub.Close() }, nil
}
