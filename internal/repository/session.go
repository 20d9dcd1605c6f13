package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/model"
)

var (
	// ErrNotFound — сессия не найдена (или не в ожидаемом статусе).
	ErrNotFound = errors.New("not found")
	// ErrInvalidTarget — force-activate ссылается на неподходящую пару кандидат/цель.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrAlreadyResolved — повторный cancel уже отозванного кандидата. Не фатально.
	ErrAlreadyResolved = errors.New("already resolved")
)

const sessionCols = `id, account_id, device_name, user_agent, status, issued_at, revoked_at`

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// scanSession сканирует строку в model.Session (порядок соответствует sessionCols).
func scanSession(s interface{ Scan(dest ...any) error }, sess *model.Session) error {
	return s.Scan(&sess.ID, &sess.AccountID, &sess.DeviceName, &sess.UserAgent, &sess.Status, &sess.IssuedAt, &sess.RevokedAt)
}

// lockAccount берёт advisory-замок на аккаунт в рамках транзакции.
// Все атомарные блоки (допуск, swap, cancel) для одного аккаунта сериализуются этим замком;
// разные аккаунты не конкурируют.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, accountID)
	return err
}

// Admit — атомарный допуск: под замком аккаунта отзывает предыдущего pending-кандидата
// (новая попытка входа вытесняет старую), считает активные сессии и вставляет новую строку:
// active при count < maxActive, иначе pending. Наивный вариант "посчитать, потом вставить"
// без замка — гонка: два конкурентных register могли бы оба занять последний слот.
func (r *SessionRepository) Admit(ctx context.Context, s *model.Session, maxActive int) (overquota bool, supersededIDs []string, err error) {
	defer logger.DeferLogDuration("session.Admit", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("sessionRepo.Admit begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockAccount(ctx, tx, s.AccountID); err != nil {
		return false, nil, fmt.Errorf("sessionRepo.Admit lock: %w", err)
	}

	// Вытеснение: на аккаунт допустим максимум один pending-кандидат.
	rows, err := tx.Query(ctx,
		`UPDATE sessions SET status = 'revoked', revoked_at = NOW()
		 WHERE account_id = $1 AND status = 'pending' RETURNING id`, s.AccountID)
	if err != nil {
		return false, nil, fmt.Errorf("sessionRepo.Admit supersede: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return false, nil, err
		}
		supersededIDs = append(supersededIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, nil, err
	}

	var activeCount int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE account_id = $1 AND status = 'active'`, s.AccountID).Scan(&activeCount)
	if err != nil {
		return false, nil, fmt.Errorf("sessionRepo.Admit count: %w", err)
	}

	s.Status = model.StatusActive
	if activeCount >= maxActive {
		s.Status = model.StatusPending
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, account_id, device_name, user_agent, status, issued_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULL)`,
		s.ID, s.AccountID, s.DeviceName, s.UserAgent, s.Status, s.IssuedAt)
	if err != nil {
		return false, nil, fmt.Errorf("sessionRepo.Admit insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("sessionRepo.Admit commit: %w", err)
	}
	return s.Status == model.StatusPending, supersededIDs, nil
}

// ForceActivate — атомарный swap: цель отзывается, кандидат активируется в одной транзакции.
// Либо оба перехода, либо ни одного; число активных сессий аккаунта не меняется.
// Любое нарушение предусловий (кандидат не pending, цель не active, чужой аккаунт) — ErrInvalidTarget.
func (r *SessionRepository) ForceActivate(ctx context.Context, accountID, candidateID, targetID string) error {
	defer logger.DeferLogDuration("session.ForceActivate", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sessionRepo.ForceActivate begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockAccount(ctx, tx, accountID); err != nil {
		return fmt.Errorf("sessionRepo.ForceActivate lock: %w", err)
	}

	var candStatus, candAccount string
	err = tx.QueryRow(ctx, `SELECT status, account_id FROM sessions WHERE id = $1`, candidateID).
		Scan(&candStatus, &candAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidTarget
		}
		return fmt.Errorf("sessionRepo.ForceActivate candidate: %w", err)
	}
	if candAccount != accountID || candStatus != string(model.StatusPending) {
		return ErrInvalidTarget
	}

	var targetStatus, targetAccount string
	err = tx.QueryRow(ctx, `SELECT status, account_id FROM sessions WHERE id = $1`, targetID).
		Scan(&targetStatus, &targetAccount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidTarget
		}
		return fmt.Errorf("sessionRepo.ForceActivate target: %w", err)
	}
	if targetAccount != accountID || targetStatus != string(model.StatusActive) {
		return ErrInvalidTarget
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status = 'revoked', revoked_at = NOW() WHERE id = $1`, targetID); err != nil {
		return fmt.Errorf("sessionRepo.ForceActivate revoke target: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status = 'active' WHERE id = $1`, candidateID); err != nil {
		return fmt.Errorf("sessionRepo.ForceActivate activate candidate: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sessionRepo.ForceActivate commit: %w", err)
	}
	return nil
}

// Cancel отзывает pending-кандидата. Повторный cancel уже отозванного — ErrAlreadyResolved
// (идемпотентность: второй вызов не ошибка). Неизвестный id или не-pending сессия — ErrNotFound.
func (r *SessionRepository) Cancel(ctx context.Context, accountID, candidateID string) error {
	defer logger.DeferLogDuration("session.Cancel", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sessionRepo.Cancel begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockAccount(ctx, tx, accountID); err != nil {
		return fmt.Errorf("sessionRepo.Cancel lock: %w", err)
	}

	var status, owner string
	err = tx.QueryRow(ctx, `SELECT status, account_id FROM sessions WHERE id = $1`, candidateID).
		Scan(&status, &owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("sessionRepo.Cancel select: %w", err)
	}
	if owner != accountID {
		return ErrNotFound
	}
	switch status {
	case string(model.StatusRevoked):
		return ErrAlreadyResolved
	case string(model.StatusPending):
		// ок, отзываем ниже
	default:
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status = 'revoked', revoked_at = NOW() WHERE id = $1`, candidateID); err != nil {
		return fmt.Errorf("sessionRepo.Cancel revoke: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sessionRepo.Cancel commit: %w", err)
	}
	return nil
}

// Revoke помечает одну сессию аккаунта отозванной (logout). false — строки нет или уже revoked.
func (r *SessionRepository) Revoke(ctx context.Context, accountID, sessionID string) (bool, error) {
	defer logger.DeferLogDuration("session.Revoke", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = 'revoked', revoked_at = NOW()
		 WHERE account_id = $1 AND id = $2 AND status <> 'revoked'`, accountID, sessionID)
	if err != nil {
		return false, fmt.Errorf("sessionRepo.Revoke: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAllByAccount отзывает все неотозванные сессии аккаунта.
// Возвращает id отозванных сессий для инвалидации кеша и уведомления устройств.
func (r *SessionRepository) RevokeAllByAccount(ctx context.Context, accountID string) ([]string, error) {
	defer logger.DeferLogDuration("session.RevokeAllByAccount", time.Now())()
	rows, err := r.pool.Query(ctx,
		`UPDATE sessions SET status = 'revoked', revoked_at = NOW()
		 WHERE account_id = $1 AND status <> 'revoked' RETURNING id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.RevokeAllByAccount: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetByID возвращает сессию в любом статусе. Валидатору нужно отличать revoked от неизвестной.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	defer logger.DeferLogDuration("session.GetByID", time.Now())()
	s := &model.Session{}
	row := r.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)
	if err := scanSession(row, s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sessionRepo.GetByID: %w", err)
	}
	return s, nil
}

// ListByAccountID — все сессии аккаунта, включая revoked (история входов), issued_at по возрастанию.
func (r *SessionRepository) ListByAccountID(ctx context.Context, accountID string) ([]model.Session, error) {
	defer logger.DeferLogDuration("session.ListByAccountID", time.Now())()
	return r.list(ctx, `SELECT `+sessionCols+` FROM sessions WHERE account_id = $1 ORDER BY issued_at ASC`, accountID)
}

// ListUnrevokedByAccountID — только active и pending (payload ответа register при overquota).
func (r *SessionRepository) ListUnrevokedByAccountID(ctx context.Context, accountID string) ([]model.Session, error) {
	defer logger.DeferLogDuration("session.ListUnrevokedByAccountID", time.Now())()
	return r.list(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE account_id = $1 AND status <> 'revoked' ORDER BY issued_at ASC`,
		accountID)
}

func (r *SessionRepository) list(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessionRepo.list: %w", err)
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		var s model.Session
		if err := scanSession(rows, &s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountActive — число активных сессий аккаунта (для тестов свойств квоты).
func (r *SessionRepository) CountActive(ctx context.Context, accountID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE account_id = $1 AND status = 'active'`, accountID).Scan(&n)
	return n, err
}
