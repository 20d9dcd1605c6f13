package model

import "time"

// SessionStatus — статус сессии устройства.
type SessionStatus string

const (
	// StatusActive — сессия допущена, устройство авторизовано.
	StatusActive SessionStatus = "active"
	// StatusPending — кандидат сверх квоты, ждёт решения пользователя (cancel / force-activate).
	StatusPending SessionStatus = "pending"
	// StatusRevoked — сессия отозвана. Терминальный статус; строка сохраняется для истории.
	StatusRevoked SessionStatus = "revoked"
)

// Valid сообщает, известен ли статус.
func (s SessionStatus) Valid() bool {
	return s == StatusActive || s == StatusPending || s == StatusRevoked
}

// CanTransitionTo проверяет допустимость перехода статуса.
// Переходы монотонны: pending → active, pending → revoked, active → revoked.
// Из revoked выхода нет.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusRevoked
	case StatusActive:
		return next == StatusRevoked
	default:
		return false
	}
}

// Session — одна авторизация устройства в рамках аккаунта.
// ID, AccountID, DeviceName, UserAgent и IssuedAt неизменяемы после создания; меняется только Status.
type Session struct {
	ID         string        `json:"id"`
	AccountID  string        `json:"account_id"`
	DeviceName string        `json:"device_name"`
	UserAgent  string        `json:"user_agent,omitempty"`
	Status     SessionStatus `json:"status"`
	IssuedAt   int64         `json:"issued_at"` // Unix секунды
	RevokedAt  *time.Time    `json:"revoked_at,omitempty"`
}
