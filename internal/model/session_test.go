package model

import "testing"

// Полная таблица переходов: revoked терминален, active не возвращается в pending.
func TestSessionStatusTransitions(t *testing.T) {
	statuses := []SessionStatus{StatusActive, StatusPending, StatusRevoked}
	allowed := map[[2]SessionStatus]bool{
		{StatusPending, StatusActive}:  true,
		{StatusPending, StatusRevoked}: true,
		{StatusActive, StatusRevoked}:  true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			got := from.CanTransitionTo(to)
			want := allowed[[2]SessionStatus{from, to}]
			if got != want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestSessionStatusRevokedTerminal(t *testing.T) {
	for _, to := range []SessionStatus{StatusActive, StatusPending, StatusRevoked} {
		if StatusRevoked.CanTransitionTo(to) {
			t.Errorf("revoked должен быть терминальным, но разрешён переход в %s", to)
		}
	}
}

func TestSessionStatusValid(t *testing.T) {
	for _, s := range []SessionStatus{StatusActive, StatusPending, StatusRevoked} {
		if !s.Valid() {
			t.Errorf("статус %s должен быть валидным", s)
		}
	}
	if SessionStatus("deleted").Valid() {
		t.Error("неизвестный статус не должен быть валидным")
	}
}
