package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/middleware"
	"github.com/sessiongate/internal/model"
	"github.com/sessiongate/internal/repository"
	"github.com/sessiongate/internal/service"
)

// Admission — операции протокола допуска, нужные HTTP-слою.
// Реализация: service.AdmissionService.
type Admission interface {
	Register(ctx context.Context, accountID, deviceName, userAgent string) (*service.RegisterResult, error)
	Cancel(ctx context.Context, accountID, candidateID string) error
	ForceActivate(ctx context.Context, accountID, candidateID, targetID string) (string, error)
	Logout(ctx context.Context, accountID, sessionID string) (bool, error)
	LogoutAll(ctx context.Context, accountID string) (int, error)
	ListSessions(ctx context.Context, accountID string) ([]model.Session, error)
	MaxActive() int
}

// SessionHandler — HTTP-слой протокола допуска: register, разрешение overquota
// (cancel / force-activate), logout и список сессий.
type SessionHandler struct {
	adm Admission
}

func NewSessionHandler(adm Admission) *SessionHandler {
	return &SessionHandler{adm: adm}
}

// Register — POST /api/sessions/register. Имя устройства берётся из X-Device-Name
// (по умолчанию "Browser"), user agent — из стандартного заголовка.
// Ответ всегда 200: overquota — штатная ветка протокола, не ошибка.
func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	if accountID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := h.adm.Register(r.Context(), accountID, r.Header.Get("X-Device-Name"), r.UserAgent())
	if err != nil {
		if errors.Is(err, service.ErrRateLimitExceeded) {
			writeError(w, http.StatusTooManyRequests, "too many registration attempts")
			return
		}
		logger.Errorf("register account=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

// Cancel — POST /api/sessions/cancel. Отзыв собственного pending-кандидата.
// Повторный cancel уже отозванного кандидата — не ошибка.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	err := h.adm.Cancel(r.Context(), accountID, req.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyResolved) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_resolved"})
			return
		}
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		logger.Errorf("cancel account=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type forceActivateRequest struct {
	CandidateID string `json:"candidate_id"`
	TargetID    string `json:"target_id"`
}

// ForceActivate — POST /api/sessions/force-activate. Swap: цель отзывается,
// кандидат становится активным; суммарное число активных не меняется.
func (h *SessionHandler) ForceActivate(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	var req forceActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CandidateID == "" || req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "candidate_id and target_id required")
		return
	}
	sessionID, err := h.adm.ForceActivate(r.Context(), accountID, req.CandidateID, req.TargetID)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTarget) {
			writeError(w, http.StatusBadRequest, "invalid candidate or target")
			return
		}
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		logger.Errorf("force-activate account=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "force activate failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "activated",
		"session_id": sessionID,
		"revoked":    req.TargetID,
	})
}

type logoutRequest struct {
	SessionID string `json:"session_id"`
}

// Logout — DELETE /api/session. Отзывает одну сессию аккаунта (обычно свою).
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	var req logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		// Без тела выходим из текущей сессии, если она есть в контексте.
		req.SessionID = middleware.GetSessionID(r.Context())
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	ok, err := h.adm.Logout(r.Context(), accountID, req.SessionID)
	if err != nil {
		logger.Errorf("logout account=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// LogoutAll — DELETE /api/sessions. Выход на всех устройствах аккаунта.
func (h *SessionHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	n, err := h.adm.LogoutAll(r.Context(), accountID)
	if err != nil {
		logger.Errorf("logout-all account=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// ListSessions — GET /api/sessions. Все сессии аккаунта, включая revoked (история входов).
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	list, err := h.adm.ListSessions(r.Context(), accountID)
	if err != nil {
		logger.Errorf("list sessions account=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "failed to load sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":   list,
		"max_active": h.adm.MaxActive(),
	})
}

// Me — GET /api/me. Личность и текущая сессия из контекста (маршрут под session guard).
func (h *SessionHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	sessionID := middleware.GetSessionID(r.Context())
	resp := map[string]string{
		"account_id": accountID,
		"session_id": sessionID,
	}
	if list, err := h.adm.ListSessions(r.Context(), accountID); err == nil {
		for _, s := range list {
			if s.ID == sessionID {
				resp["device_name"] = s.DeviceName
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
