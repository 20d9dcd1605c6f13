package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type staticTokens struct{ token string }

func (s staticTokens) Token(ctx context.Context) (string, error) { return s.token, nil }

type memStore struct {
	mu sync.Mutex
	id string
}

func (m *memStore) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}
func (m *memStore) Save(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = id
	return nil
}
func (m *memStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id = ""
	return nil
}

// protocolServer — минимальный сервер допуска для прогонов автомата.
type protocolServer struct {
	mu            sync.Mutex
	overquota     bool
	candidate     string
	active        string
	registerCalls int
	cancelled     string
	forceRejected bool
}

func (p *protocolServer) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registerCalls
}

func (p *protocolServer) cancelledID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *protocolServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions/register", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.registerCalls++
		w.Header().Set("Content-Type", "application/json")
		if p.overquota {
			json.NewEncoder(w).Encode(map[string]any{
				"overquota": true,
				"candidate": p.candidate,
				"sessions": []map[string]any{
					{"id": p.active, "device_name": "Old", "status": "active", "issued_at": 100},
					{"id": p.candidate, "device_name": "New", "status": "pending", "issued_at": 200},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"overquota":  false,
			"session_id": "fresh-id",
			"sessions":   []map[string]any{{"id": "fresh-id", "status": "active"}},
		})
	})
	mux.HandleFunc("POST /api/sessions/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		p.mu.Lock()
		p.cancelled = req.SessionID
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	})
	mux.HandleFunc("POST /api/sessions/force-activate", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		rejected := p.forceRejected
		cand := p.candidate
		p.mu.Unlock()
		if rejected {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid candidate or target"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"status": "activated", "session_id": cand,
		})
	})
	mux.HandleFunc("GET /api/me", func(w http.ResponseWriter, r *http.Request) {
		sid := r.Header.Get("X-Session-Id")
		p.mu.Lock()
		active := p.active
		p.mu.Unlock()
		if sid != active {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "session revoked"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"account_id": "acc-1", "session_id": sid})
	})
	return mux
}

func newTestOrchestrator(t *testing.T, p *protocolServer, store *memStore) *Orchestrator {
	t.Helper()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)
	return New(srv.URL, staticTokens{token: "tok"}, store, "Test Device")
}

func TestConnectAdmitted(t *testing.T) {
	p := &protocolServer{}
	store := &memStore{}
	o := newTestOrchestrator(t, p, store)

	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if o.State() != StateActive {
		t.Fatalf("state = %s, want active", o.State())
	}
	if o.SessionID() != "fresh-id" {
		t.Fatalf("session id = %q", o.SessionID())
	}
	if id, _ := store.Load(); id != "fresh-id" {
		t.Fatalf("persisted id = %q", id)
	}
}

func TestConnectOverquotaThenForceActivate(t *testing.T) {
	p := &protocolServer{overquota: true, candidate: "cand-1", active: "old-1"}
	store := &memStore{}
	o := newTestOrchestrator(t, p, store)
	ctx := context.Background()

	if err := o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if o.State() != StateResolvingQuota {
		t.Fatalf("state = %s, want resolving_quota", o.State())
	}
	if o.Candidate() != "cand-1" {
		t.Fatalf("candidate = %q", o.Candidate())
	}
	targets := o.ActiveSessions()
	if len(targets) != 1 || targets[0].ID != "old-1" {
		t.Fatalf("active sessions = %v", targets)
	}
	// Register вызывается ровно один раз на попытку: повторный Connect не дёргает его.
	if err := o.Connect(ctx); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if p.calls() != 1 {
		t.Fatalf("register calls = %d, want 1", p.calls())
	}

	if err := o.ForceActivate(ctx, "old-1"); err != nil {
		t.Fatalf("force-activate: %v", err)
	}
	if o.State() != StateActive || o.SessionID() != "cand-1" {
		t.Fatalf("state = %s session = %q", o.State(), o.SessionID())
	}
	if id, _ := store.Load(); id != "cand-1" {
		t.Fatalf("persisted id = %q", id)
	}
}

func TestConnectOverquotaThenCancel(t *testing.T) {
	p := &protocolServer{overquota: true, candidate: "cand-1", active: "old-1"}
	store := &memStore{}
	o := newTestOrchestrator(t, p, store)
	ctx := context.Background()

	if err := o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := o.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if o.State() != StateAuthenticating {
		t.Fatalf("state = %s, want authenticating", o.State())
	}
	if p.cancelledID() != "cand-1" {
		t.Fatalf("cancelled = %q, want cand-1", p.cancelledID())
	}
	if o.SessionID() != "" {
		t.Fatal("no working session after cancel")
	}
}

// Отклонённое решение не переводит автомат: выбор предъявляется заново.
func TestForceActivateRejectedKeepsState(t *testing.T) {
	p := &protocolServer{overquota: true, candidate: "cand-1", active: "old-1", forceRejected: true}
	o := newTestOrchestrator(t, p, &memStore{})
	ctx := context.Background()

	o.Connect(ctx)
	err := o.ForceActivate(ctx, "old-1")
	if !errors.Is(err, ErrDecisionRejected) {
		t.Fatalf("err = %v, want ErrDecisionRejected", err)
	}
	if o.State() != StateResolvingQuota {
		t.Fatalf("state = %s, want resolving_quota", o.State())
	}
}

func TestConnectRestoresStoredSession(t *testing.T) {
	p := &protocolServer{active: "stored-1"}
	store := &memStore{id: "stored-1"}
	o := newTestOrchestrator(t, p, store)

	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if o.State() != StateActive || o.SessionID() != "stored-1" {
		t.Fatalf("state = %s session = %q", o.State(), o.SessionID())
	}
	if p.calls() != 0 {
		t.Fatalf("register calls = %d, want 0 (session restored)", p.calls())
	}
}

func TestConnectClearsRevokedStoredSession(t *testing.T) {
	p := &protocolServer{active: "other"}
	store := &memStore{id: "dead-1"}
	o := newTestOrchestrator(t, p, store)

	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Мёртвый id вычищен, получен новый через register.
	if o.State() != StateActive || o.SessionID() != "fresh-id" {
		t.Fatalf("state = %s session = %q", o.State(), o.SessionID())
	}
	if p.calls() != 1 {
		t.Fatalf("register calls = %d, want 1", p.calls())
	}
}

func TestDoDetectsRevocation(t *testing.T) {
	p := &protocolServer{}
	store := &memStore{}
	o := newTestOrchestrator(t, p, store)
	ctx := context.Background()

	if err := o.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Сессию отозвали на сервере.
	p.mu.Lock()
	p.active = "someone-else"
	p.mu.Unlock()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/me", nil)
	_, err := o.Do(req)
	if !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("err = %v, want ErrSessionRevoked", err)
	}
	if o.State() != StateAuthenticating {
		t.Fatalf("state = %s, want authenticating", o.State())
	}
	if id, _ := store.Load(); id != "" {
		t.Fatalf("stored id = %q, want cleared", id)
	}
}

func TestHandleRevokedEvent(t *testing.T) {
	p := &protocolServer{}
	store := &memStore{}
	o := newTestOrchestrator(t, p, store)

	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Чужой id не трогает автомат.
	o.HandleRevokedEvent("other-id")
	if o.State() != StateActive {
		t.Fatalf("state = %s after foreign event", o.State())
	}
	o.HandleRevokedEvent("fresh-id")
	if o.State() != StateAuthenticating {
		t.Fatalf("state = %s, want authenticating", o.State())
	}
	if id, _ := store.Load(); id != "" {
		t.Fatalf("stored id = %q, want cleared", id)
	}
}
