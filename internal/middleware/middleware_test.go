package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sessiongate/internal/repository"
	"github.com/sessiongate/internal/service"
)

func TestMaskSessionID(t *testing.T) {
	cases := map[string]string{
		"":        "****",
		"abc":     "****",
		"abcd":    "****",
		"abcdef":  "abcd***",
		" abcde ": "abcd***",
	}
	for in, want := range cases {
		if got := MaskSessionID(in); got != want {
			t.Errorf("MaskSessionID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := newRateLimiter(2, 50*time.Millisecond)
	if !rl.allow("k") || !rl.allow("k") {
		t.Fatal("first two calls must pass")
	}
	if rl.allow("k") {
		t.Fatal("third call must be limited")
	}
	// Другой ключ не задет.
	if !rl.allow("other") {
		t.Fatal("independent key must pass")
	}
	time.Sleep(60 * time.Millisecond)
	if !rl.allow("k") {
		t.Fatal("window expired, call must pass")
	}
}

type fakeValidator struct {
	owner string
	err   error
}

func (f fakeValidator) Validate(ctx context.Context, sessionID string) (string, error) {
	return f.owner, f.err
}

func guardedRequest(sessionID, accountID string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	if sessionID != "" {
		r.Header.Set("X-Session-Id", sessionID)
	}
	if accountID != "" {
		r = r.WithContext(context.WithValue(r.Context(), AccountIDKey, accountID))
	}
	return r
}

func TestSessionGuard(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetAccountID(r.Context()) + "/" + GetSessionID(r.Context())))
	})

	cases := []struct {
		name       string
		validator  fakeValidator
		sessionID  string
		accountID  string
		wantStatus int
		wantBody   string
	}{
		{"active", fakeValidator{owner: "acc-1"}, "sess-1", "acc-1", http.StatusOK, "acc-1/sess-1"},
		{"missing header", fakeValidator{owner: "acc-1"}, "", "acc-1", http.StatusUnauthorized, "unauthorized"},
		{"revoked", fakeValidator{err: service.ErrRevoked}, "sess-1", "acc-1", http.StatusUnauthorized, "session revoked"},
		{"unknown", fakeValidator{err: repository.ErrNotFound}, "sess-1", "acc-1", http.StatusNotFound, "session not found"},
		// Чужая сессия не принимается, и ответ не отличим от "нет такой".
		{"foreign session", fakeValidator{owner: "acc-2"}, "sess-1", "acc-1", http.StatusNotFound, "session not found"},
		// Без bearer-контекста (внутренние маршруты) владелец берётся из валидатора.
		{"owner from validator", fakeValidator{owner: "acc-9"}, "sess-9", "", http.StatusOK, "acc-9/sess-9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			SessionGuard(tc.validator)(okHandler).ServeHTTP(rec, guardedRequest(tc.sessionID, tc.accountID))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Fatalf("body = %q, want contains %q", rec.Body.String(), tc.wantBody)
			}
		})
	}
}

func TestSessionGuardQueryFallback(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetSessionID(r.Context())))
	})
	r := httptest.NewRequest(http.MethodGet, "/ws?session_id=sess-ws", nil)
	r = r.WithContext(context.WithValue(r.Context(), AccountIDKey, "acc-1"))
	rec := httptest.NewRecorder()
	SessionGuard(fakeValidator{owner: "acc-1"})(okHandler).ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || rec.Body.String() != "sess-ws" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

type fakeVerifier struct {
	account string
	err     error
}

func (f fakeVerifier) Verify(ctx context.Context, token string) (string, error) {
	return f.account, f.err
}

func TestBearerAuth(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetAccountID(r.Context())))
	})

	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	BearerAuth(fakeVerifier{account: "acc-1"})(okHandler).ServeHTTP(rec, r)
	if rec.Code != http.StatusOK || rec.Body.String() != "acc-1" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	BearerAuth(fakeVerifier{account: "acc-1"})(okHandler).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing header: status = %d, want 401", rec.Code)
	}
}

func TestInternalOnly(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r := httptest.NewRequest(http.MethodPost, "/internal/validate", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	rec := httptest.NewRecorder()
	InternalOnly(okHandler).ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("private ip: status = %d, want 200", rec.Code)
	}

	r = httptest.NewRequest(http.MethodPost, "/internal/validate", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	rec = httptest.NewRecorder()
	InternalOnly(okHandler).ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("public ip: status = %d, want 403", rec.Code)
	}

	t.Setenv("INTERNAL_VALIDATE_SECRET", "s3cret")
	r = httptest.NewRequest(http.MethodPost, "/internal/validate", nil)
	r.RemoteAddr = "203.0.113.7:1234"
	r.Header.Set("X-Internal-Secret", "s3cret")
	rec = httptest.NewRecorder()
	InternalOnly(okHandler).ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("secret header: status = %d, want 200", rec.Code)
	}
}
