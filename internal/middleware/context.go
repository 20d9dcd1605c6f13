package middleware

import "context"

type contextKey string

const (
	AccountIDKey contextKey = "account_id"
	SessionIDKey contextKey = "session_id"
)

// GetAccountID возвращает account_id из контекста (устанавливается BearerAuth).
func GetAccountID(ctx context.Context) string {
	v, _ := ctx.Value(AccountIDKey).(string)
	return v
}

// GetSessionID возвращает session_id из контекста (устанавливается SessionGuard).
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}
