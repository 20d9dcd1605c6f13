package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/repository"
)

const alertSendTimeout = 10 * time.Second

// AlertService отправляет Web Push оповещения безопасности (попытка входа сверх квоты,
// принудительный отзыв) на подписанные устройства аккаунта. Реализует AlertNotifier.
type AlertService struct {
	subRepo     *repository.SubscriptionRepository
	vapidPublic string
	vapidPriv   string
	subscriber  string // контактный mailto для VAPID
}

func NewAlertService(subRepo *repository.SubscriptionRepository, vapidPublic, vapidPrivate, subscriber string) *AlertService {
	if subscriber == "" {
		subscriber = "mailto:admin@localhost"
	}
	return &AlertService{subRepo: subRepo, vapidPublic: vapidPublic, vapidPriv: vapidPrivate, subscriber: subscriber}
}

type alertPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notify отправляет оповещение всем подпискам аккаунта. Отправка асинхронная:
// допуск сессии не ждёт push-сервисы. Протухшие подписки (404/410) удаляются.
func (a *AlertService) Notify(ctx context.Context, accountID, title, body string, data map[string]string) {
	if a.vapidPublic == "" || a.vapidPriv == "" {
		return
	}
	subs, err := a.subRepo.ListByAccountID(ctx, accountID)
	if err != nil {
		logger.Errorf("alert: ListByAccountID account=%s: %v", accountID, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(alertPayload{Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("alert: marshal payload: %v", err)
		return
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
		defer cancel()
		for _, sub := range subs {
			resp, err := webpush.SendNotification(payload, &webpush.Subscription{
				Endpoint: sub.Endpoint,
				Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
			}, &webpush.Options{
				Subscriber:      a.subscriber,
				VAPIDPublicKey:  a.vapidPublic,
				VAPIDPrivateKey: a.vapidPriv,
				TTL:             3600,
			})
			if err != nil {
				logger.Errorf("alert: send account=%s: %v", accountID, err)
				continue
			}
			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
				if err := a.subRepo.Delete(sendCtx, sub.AccountID, sub.Endpoint); err != nil {
					logger.Errorf("alert: delete stale subscription account=%s: %v", accountID, err)
				}
			}
			resp.Body.Close()
		}
	}()
}
