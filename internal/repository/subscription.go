package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/model"
)

type SubscriptionRepository struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepository(pool *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

// Upsert сохраняет подписку. Повторная подписка с тем же endpoint обновляет ключи.
func (r *SubscriptionRepository) Upsert(ctx context.Context, sub *model.PushSubscription) error {
	defer logger.DeferLogDuration("subscription.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO push_subscriptions (account_id, endpoint, p256dh, auth, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (account_id, endpoint) DO UPDATE SET p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth`,
		sub.AccountID, sub.Endpoint, sub.P256dh, sub.Auth)
	if err != nil {
		return fmt.Errorf("subscriptionRepo.Upsert: %w", err)
	}
	return nil
}

// Delete удаляет подписку по endpoint (отписка или протухший endpoint после 404/410 от push-сервиса).
func (r *SubscriptionRepository) Delete(ctx context.Context, accountID, endpoint string) error {
	defer logger.DeferLogDuration("subscription.Delete", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM push_subscriptions WHERE account_id = $1 AND endpoint = $2`, accountID, endpoint)
	if err != nil {
		return fmt.Errorf("subscriptionRepo.Delete: %w", err)
	}
	return nil
}

// ListByAccountID возвращает все подписки аккаунта.
func (r *SubscriptionRepository) ListByAccountID(ctx context.Context, accountID string) ([]model.PushSubscription, error) {
	defer logger.DeferLogDuration("subscription.ListByAccountID", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT account_id, endpoint, p256dh, auth FROM push_subscriptions WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("subscriptionRepo.ListByAccountID: %w", err)
	}
	defer rows.Close()
	var out []model.PushSubscription
	for rows.Next() {
		var s model.PushSubscription
		if err := rows.Scan(&s.AccountID, &s.Endpoint, &s.P256dh, &s.Auth); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
