package model

// PushSubscription — Web Push подписка устройства (оповещения безопасности).
type PushSubscription struct {
	AccountID string `json:"account_id"`
	Endpoint  string `json:"endpoint"`
	P256dh    string `json:"p256dh"`
	Auth      string `json:"auth"`
}
