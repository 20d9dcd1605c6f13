package middleware

import (
	"context"
	"net/http"

	"github.com/sessiongate/internal/logger"
)

// TokenVerifier проверяет bearer-токен identity-провайдера и возвращает account_id (subject).
// Реализация: authtoken.JWKSVerifier.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// BearerAuth проверяет заголовок Authorization и кладёт account_id в контекст.
// Плохой/отсутствующий токен — 401 без подробностей (детали только в логе).
func BearerAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			accountID, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				logger.Errorf("bearer auth: %v", err)
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), AccountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
