package storage

import "context"

// SessionStateStore — кеш активных сессий, rate limit регистраций и канал отзыва.
// Кеш хранит session_id → account_id только для активных сессий: наличие ключа — «активна»,
// значение — владелец. Источник истины — БД; ключ обязан удаляться при любом отзыве
// (logout, cancel, force-activate, вытеснение кандидата), чтобы отзыв был виден
// немедленно из любого процесса.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type SessionStateStore interface {
	// GetActiveAccount возвращает владельца активной сессии ("" — нет в кеше, идём в БД).
	GetActiveAccount(ctx context.Context, sessionID string) (string, error)
	SetActiveAccount(ctx context.Context, sessionID, accountID string) error
	DeleteActiveAccount(ctx context.Context, sessionID string) error
	CheckRegisterRateLimit(ctx context.Context, accountID string) (allowed bool, err error)
	// PublishRevoked рассылает id отозванной сессии всем инстансам (для ws-уведомлений устройств).
	PublishRevoked(ctx context.Context, sessionID string) error
	// SubscribeRevoked вызывает fn для каждого отзыва до отмены ctx. stop останавливает подписку.
	SubscribeRevoked(ctx context.Context, fn func(sessionID string)) (stop func(), err error)
	Close() error
}
