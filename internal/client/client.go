// Package client — оркестратор сессии на стороне устройства: явный конечный
// автомат от аутентификации до рабочей сессии, включая разрешение overquota.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// State — состояние автомата подключения.
type State string

const (
	// StateAuthenticating — нет токена или сессия потеряна; нужен вход.
	StateAuthenticating State = "authenticating"
	// StateRegistering — токен есть, сессия ещё не допущена.
	StateRegistering State = "registering"
	// StateResolvingQuota — квота занята; ждём ровно одно решение пользователя.
	StateResolvingQuota State = "resolving_quota"
	// StateActive — рабочая сессия допущена и сохранена.
	StateActive State = "active"
)

var (
	// ErrInvalidState — операция не соответствует текущему состоянию автомата.
	ErrInvalidState = errors.New("operation not valid in current state")
	// ErrSessionRevoked — сервер сообщил, что сессия отозвана; автомат вернулся к аутентификации.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrDecisionRejected — решение отклонено сервером; выбор предъявляется заново.
	ErrDecisionRejected = errors.New("resolution rejected")
)

// TokenSource выдаёт bearer-токен. Точка ожидания: реализация может
// блокироваться до завершения входа пользователя.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// SessionStore хранит рабочий session_id между запусками (файл, keychain и т.п.).
type SessionStore interface {
	Load() (string, error)
	Save(sessionID string) error
	Clear() error
}

// SessionInfo — сессия аккаунта в ответах сервера.
type SessionInfo struct {
	ID         string `json:"id"`
	DeviceName string `json:"device_name"`
	Status     string `json:"status"`
	IssuedAt   int64  `json:"issued_at"`
}

type registerResponse struct {
	Overquota bool          `json:"overquota"`
	SessionID string        `json:"session_id"`
	Candidate string        `json:"candidate"`
	Sessions  []SessionInfo `json:"sessions"`
}

// Orchestrator ведёт устройство через протокол допуска:
// Authenticating → Registering → {Active | ResolvingQuota} → Active.
// Не потокобезопасен: предполагается один владелец (цикл подключения устройства).
type Orchestrator struct {
	baseURL    string
	httpc      *http.Client
	tokens     TokenSource
	store      SessionStore
	deviceName string

	state     State
	token     string
	sessionID string
	candidate string
	sessions  []SessionInfo
}

func New(baseURL string, tokens TokenSource, store SessionStore, deviceName string) *Orchestrator {
	return &Orchestrator{
		baseURL:    baseURL,
		httpc:      &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		store:      store,
		deviceName: deviceName,
		state:      StateAuthenticating,
	}
}

func (o *Orchestrator) State() State { return o.state }

// SessionID — рабочий id в состоянии Active, иначе пустая строка.
func (o *Orchestrator) SessionID() string {
	if o.state != StateActive {
		return ""
	}
	return o.sessionID
}

// Candidate и Sessions доступны в ResolvingQuota — материал для выбора пользователя.
func (o *Orchestrator) Candidate() string       { return o.candidate }
func (o *Orchestrator) Sessions() []SessionInfo { return o.sessions }

// ActiveSessions — активные сессии из последнего ответа register (цели для force-activate).
func (o *Orchestrator) ActiveSessions() []SessionInfo {
	var out []SessionInfo
	for _, s := range o.sessions {
		if s.Status == "active" {
			out = append(out, s)
		}
	}
	return out
}

// Connect двигает автомат до Active или ResolvingQuota. Сначала пробует
// восстановить сохранённую сессию; если её нет или она отозвана — register.
// Сетевая ошибка оставляет состояние как было: вызов можно повторить.
func (o *Orchestrator) Connect(ctx context.Context) error {
	if o.state == StateActive || o.state == StateResolvingQuota {
		return nil
	}
	if o.state == StateAuthenticating {
		token, err := o.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("authenticate: %w", err)
		}
		o.token = token
		o.state = StateRegistering
	}

	if stored, err := o.store.Load(); err == nil && stored != "" {
		switch err := o.probeSession(ctx, stored); {
		case err == nil:
			o.sessionID = stored
			o.state = StateActive
			return nil
		case errors.Is(err, ErrSessionRevoked) || errors.Is(err, errSessionUnknown):
			// Сохранённая сессия мертва — чистим и регистрируемся заново.
			if cerr := o.store.Clear(); cerr != nil {
				return fmt.Errorf("clear stored session: %w", cerr)
			}
		default:
			return err
		}
	}
	return o.register(ctx)
}

// errSessionUnknown — сохранённый id неизвестен серверу (не отозван, просто нет).
var errSessionUnknown = errors.New("session unknown")

// probeSession проверяет сохранённую сессию защищённым вызовом /api/me.
func (o *Orchestrator) probeSession(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/me", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	req.Header.Set("X-Session-Id", sessionID)
	resp, err := o.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized:
		return ErrSessionRevoked
	case http.StatusNotFound:
		return errSessionUnknown
	default:
		return fmt.Errorf("probe session: unexpected status %d", resp.StatusCode)
	}
}

// register выполняется ровно один раз на попытку: overquota — ветка, не ошибка,
// и повторный register при живом кандидате вытеснил бы его.
func (o *Orchestrator) register(ctx context.Context) error {
	if o.state != StateRegistering {
		return ErrInvalidState
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/sessions/register", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	req.Header.Set("X-Device-Name", o.deviceName)
	resp, err := o.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		o.reset()
		return ErrSessionRevoked
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register: unexpected status %d", resp.StatusCode)
	}
	var res registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("register: decode: %w", err)
	}
	o.sessions = res.Sessions
	if res.Overquota {
		o.candidate = res.Candidate
		o.state = StateResolvingQuota
		return nil
	}
	o.sessionID = res.SessionID
	o.state = StateActive
	if err := o.store.Save(res.SessionID); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Cancel — решение "не входить": кандидат отзывается, автомат возвращается
// к аутентификации без рабочей сессии.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	if o.state != StateResolvingQuota {
		return ErrInvalidState
	}
	body, _ := json.Marshal(map[string]string{"session_id": o.candidate})
	resp, err := o.post(ctx, "/api/sessions/cancel", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		// Решение не принято — выбор предъявляется заново.
		return fmt.Errorf("%w: cancel status %d", ErrDecisionRejected, resp.StatusCode)
	}
	o.reset()
	return nil
}

// ForceActivate — решение "вытеснить targetID": кандидат становится рабочей сессией.
// При отказе (цель уже не активна и т.п.) состояние не меняется — можно выбрать другую цель.
func (o *Orchestrator) ForceActivate(ctx context.Context, targetID string) error {
	if o.state != StateResolvingQuota {
		return ErrInvalidState
	}
	body, _ := json.Marshal(map[string]string{"candidate_id": o.candidate, "target_id": targetID})
	resp, err := o.post(ctx, "/api/sessions/force-activate", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: force-activate status %d", ErrDecisionRejected, resp.StatusCode)
	}
	var res struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return fmt.Errorf("force-activate: decode: %w", err)
	}
	o.sessionID = res.SessionID
	o.candidate = ""
	o.state = StateActive
	if err := o.store.Save(res.SessionID); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Do выполняет защищённый запрос с bearer и X-Session-Id текущей сессии.
// 401 означает отзыв: сохранённый id чистится, автомат — в Authenticating.
func (o *Orchestrator) Do(req *http.Request) (*http.Response, error) {
	if o.state != StateActive {
		return nil, ErrInvalidState
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	req.Header.Set("X-Session-Id", o.sessionID)
	resp, err := o.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if err := o.store.Clear(); err != nil {
			return nil, fmt.Errorf("clear stored session: %w", err)
		}
		o.reset()
		return nil, ErrSessionRevoked
	}
	return resp, nil
}

// HandleRevokedEvent — реакция на session_revoked из ws-канала: немедленный
// сброс без ожидания следующего защищённого вызова.
func (o *Orchestrator) HandleRevokedEvent(sessionID string) error {
	if o.state != StateActive || o.sessionID != sessionID {
		return nil
	}
	if err := o.store.Clear(); err != nil {
		return err
	}
	o.reset()
	return nil
}

func (o *Orchestrator) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+o.token)
	req.Header.Set("Content-Type", "application/json")
	return o.httpc.Do(req)
}

func (o *Orchestrator) reset() {
	o.state = StateAuthenticating
	o.token = ""
	o.sessionID = ""
	o.candidate = ""
	o.sessions = nil
}
