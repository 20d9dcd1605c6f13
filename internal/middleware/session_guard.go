package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/repository"
	"github.com/sessiongate/internal/service"
)

// SessionValidator подтверждает, что сессия активна, и возвращает владельца.
// Реализация: service.AdmissionService.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (string, error)
}

// SessionGuard — валидатор сессии на защищённых запросах: X-Session-Id (или query session_id
// для WebSocket) должен ссылаться на активную сессию аккаунта из bearer-токена.
// revoked — 401 "session revoked": это сигнал принудительного перевхода, и именно он делает
// force-activate наблюдаемым для отозванного устройства, чей identity-токен ещё жив.
func SessionGuard(adm SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get("X-Session-Id")
			if sessionID == "" {
				sessionID = r.URL.Query().Get("session_id")
			}
			if sessionID == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			owner, err := adm.Validate(r.Context(), sessionID)
			if err != nil {
				switch {
				case errors.Is(err, service.ErrRevoked):
					http.Error(w, `{"error":"session revoked"}`, http.StatusUnauthorized)
				case errors.Is(err, repository.ErrNotFound):
					http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
				default:
					logger.Errorf("session guard: validate session_id=%s: %v", MaskSessionID(sessionID), err)
					http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				}
				return
			}
			// Сессия должна принадлежать аккаунту из bearer-токена (чужой session_id не принимаем).
			if acc := GetAccountID(r.Context()); acc != "" && acc != owner {
				http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), SessionIDKey, sessionID)
			if GetAccountID(ctx) == "" {
				ctx = context.WithValue(ctx, AccountIDKey, owner)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
