package handler

import (
	"encoding/json"
	"net/http"

	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/middleware"
	"github.com/sessiongate/internal/model"
	"github.com/sessiongate/internal/repository"
)

// PushHandler управляет Web Push подписками устройств на оповещения безопасности.
type PushHandler struct {
	subRepo     *repository.SubscriptionRepository
	vapidPublic string
}

func NewPushHandler(subRepo *repository.SubscriptionRepository, vapidPublic string) *PushHandler {
	return &PushHandler{subRepo: subRepo, vapidPublic: vapidPublic}
}

// VAPIDPublicKey — GET /api/push/vapid-public-key. Ключ для подписки браузера.
func (h *PushHandler) VAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublic == "" {
		writeError(w, http.StatusNotImplemented, "push notifications disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapidPublic})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// Subscribe — POST /api/push/subscribe. Формат тела совпадает с PushSubscription из браузера.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "invalid subscription")
		return
	}
	sub := &model.PushSubscription{
		AccountID: accountID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
	}
	if err := h.subRepo.Upsert(r.Context(), sub); err != nil {
		logger.Errorf("push subscribe account=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe — DELETE /api/push/subscribe.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.GetAccountID(r.Context())
	var req unsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.subRepo.Delete(r.Context(), accountID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe account=%s: %v", accountID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
