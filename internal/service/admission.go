package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/model"
	"github.com/sessiongate/internal/repository"
	"github.com/sessiongate/internal/storage"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrRevoked — сессия отозвана. Сигнал клиенту: очистить сохранённый id и войти заново.
	ErrRevoked = errors.New("session revoked")
)

func maskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}

// AlertNotifier отправляет оповещения безопасности на устройства аккаунта. Если nil — оповещения отключены.
type AlertNotifier interface {
	Notify(ctx context.Context, accountID, title, body string, data map[string]string)
}

// AdmissionService реализует протокол допуска сессий: register с проверкой квоты,
// разрешение overquota (cancel / force-activate), logout и валидацию.
type AdmissionService struct {
	sessionRepo *repository.SessionRepository
	store       storage.SessionStateStore
	alerts      AlertNotifier
	maxActive   int
}

func NewAdmissionService(
	sessionRepo *repository.SessionRepository,
	store storage.SessionStateStore,
	alerts AlertNotifier,
	maxActive int,
) *AdmissionService {
	if maxActive <= 0 {
		maxActive = 3
	}
	return &AdmissionService{
		sessionRepo: sessionRepo, store: store, alerts: alerts, maxActive: maxActive,
	}
}

// MaxActive возвращает квоту N (для ответов и тестов).
func (s *AdmissionService) MaxActive() int { return s.maxActive }

// RegisterResult — итог register. При Overquota клиент обязан разрешить выбор:
// cancel кандидата или force-activate с выбором цели.
type RegisterResult struct {
	Overquota bool            `json:"overquota"`
	SessionID string          `json:"session_id,omitempty"`
	Candidate string          `json:"candidate,omitempty"`
	Sessions  []model.Session `json:"sessions"`
}

// retryQuotaRace повторяет атомарный блок при потере транзакции из-за конкуренции
// (serialization failure / deadlock). Гонка не видна вызывающему коду.
func retryQuotaRace(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !isQuotaRace(err) {
			return err
		}
		logger.Infof("%s: quota race, повтор %d: %v", op, attempt+1, err)
	}
	return err
}

func isQuotaRace(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// Register — допуск новой сессии устройства. Решение о квоте и вставка строки — один
// атомарный блок на аккаунт (repository.Admit); сессия не возвращается без записи в БД.
// Overquota — не ошибка, а штатная ветка.
func (s *AdmissionService) Register(ctx context.Context, accountID, deviceName, userAgent string) (*RegisterResult, error) {
	if accountID == "" {
		return nil, repository.ErrNotFound
	}
	allowed, err := s.store.CheckRegisterRateLimit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrRateLimitExceeded
	}

	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		deviceName = "Browser"
	}
	sess := &model.Session{
		ID:         uuid.New().String(),
		AccountID:  accountID,
		DeviceName: deviceName,
		UserAgent:  userAgent,
		IssuedAt:   time.Now().UTC().Unix(),
	}

	var overquota bool
	var superseded []string
	err = retryQuotaRace("register", func() error {
		var admitErr error
		overquota, superseded, admitErr = s.sessionRepo.Admit(ctx, sess, s.maxActive)
		return admitErr
	})
	if err != nil {
		return nil, err
	}

	// Вытесненные pending-кандидаты отозваны — чистим кеш и уведомляем.
	for _, id := range superseded {
		s.dropRevoked(ctx, id)
	}

	if !overquota {
		if err := s.store.SetActiveAccount(ctx, sess.ID, accountID); err != nil {
			logger.Errorf("register: SetActiveAccount session_id=%s: %v", maskSessionID(sess.ID), err)
		}
	}

	sessions, err := s.sessionRepo.ListUnrevokedByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	res := &RegisterResult{Overquota: overquota, Sessions: sessions}
	if overquota {
		res.Candidate = sess.ID
		if s.alerts != nil {
			s.alerts.Notify(ctx, accountID, "Попытка входа с нового устройства",
				deviceName+": достигнут лимит устройств, требуется подтверждение",
				map[string]string{"type": "overquota", "candidate": sess.ID})
		}
	} else {
		res.SessionID = sess.ID
	}
	return res, nil
}

// Cancel отзывает pending-кандидата. repository.ErrAlreadyResolved — не ошибка для клиента:
// повторный cancel уже отозванного кандидата идемпотентен.
func (s *AdmissionService) Cancel(ctx context.Context, accountID, candidateID string) error {
	err := retryQuotaRace("cancel", func() error {
		return s.sessionRepo.Cancel(ctx, accountID, candidateID)
	})
	if err != nil {
		return err
	}
	s.dropRevoked(ctx, candidateID)
	return nil
}

// ForceActivate — swap: цель отзывается, кандидат активируется (одна транзакция).
// Возвращает id теперь активной сессии — клиент принимает его как рабочий.
func (s *AdmissionService) ForceActivate(ctx context.Context, accountID, candidateID, targetID string) (string, error) {
	err := retryQuotaRace("force-activate", func() error {
		return s.sessionRepo.ForceActivate(ctx, accountID, candidateID, targetID)
	})
	if err != nil {
		return "", err
	}
	s.dropRevoked(ctx, targetID)
	if err := s.store.SetActiveAccount(ctx, candidateID, accountID); err != nil {
		logger.Errorf("force-activate: SetActiveAccount session_id=%s: %v", maskSessionID(candidateID), err)
	}
	if s.alerts != nil {
		s.alerts.Notify(ctx, accountID, "Устройство отключено",
			"Сессия завершена: вход выполнен на другом устройстве",
			map[string]string{"type": "force_revoked", "session_id": targetID})
	}
	return candidateID, nil
}

// Logout отзывает одну сессию аккаунта. false — сессии нет или уже отозвана.
func (s *AdmissionService) Logout(ctx context.Context, accountID, sessionID string) (bool, error) {
	ok, err := s.sessionRepo.Revoke(ctx, accountID, sessionID)
	if err != nil {
		return false, err
	}
	if ok {
		s.dropRevoked(ctx, sessionID)
	}
	return ok, nil
}

// LogoutAll отзывает все сессии аккаунта (выход везде).
func (s *AdmissionService) LogoutAll(ctx context.Context, accountID string) (int, error) {
	ids, err := s.sessionRepo.RevokeAllByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.dropRevoked(ctx, id)
	}
	return len(ids), nil
}

// ListSessions — все сессии аккаунта, включая revoked (история входов для UI).
func (s *AdmissionService) ListSessions(ctx context.Context, accountID string) ([]model.Session, error) {
	return s.sessionRepo.ListByAccountID(ctx, accountID)
}

// Validate подтверждает, что session_id активна, и возвращает владельца.
// revoked → ErrRevoked (триггер повторного входа на клиенте), неизвестный или
// pending id → ErrNotFound: pending-кандидат не допущен и рабочим id не является.
// Вызывается на каждом защищённом запросе — именно это делает отзыв чужого
// устройства наблюдаемым, даже если его identity-токен ещё жив.
func (s *AdmissionService) Validate(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", repository.ErrNotFound
	}
	if acc, err := s.store.GetActiveAccount(ctx, sessionID); err == nil && acc != "" {
		return acc, nil
	} else if err != nil {
		logger.Errorf("validate: store session_id=%s: %v", maskSessionID(sessionID), err)
	}
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return "", err
	}
	switch sess.Status {
	case model.StatusActive:
		if err := s.store.SetActiveAccount(ctx, sessionID, sess.AccountID); err != nil {
			logger.Errorf("validate: SetActiveAccount session_id=%s: %v", maskSessionID(sessionID), err)
		}
		return sess.AccountID, nil
	case model.StatusRevoked:
		return "", ErrRevoked
	default:
		return "", repository.ErrNotFound
	}
}

// dropRevoked — инвалидация кеша и рассылка отзыва. Ошибки не фатальны: кеш имеет TTL,
// а следующий защищённый запрос устройства всё равно получит revoked из БД.
func (s *AdmissionService) dropRevoked(ctx context.Context, sessionID string) {
	if err := s.store.DeleteActiveAccount(ctx, sessionID); err != nil {
		logger.Errorf("DeleteActiveAccount session_id=%s: %v", maskSessionID(sessionID), err)
	}
	if err := s.store.PublishRevoked(ctx, sessionID); err != nil {
		logger.Errorf("PublishRevoked session_id=%s: %v", maskSessionID(sessionID), err)
	}
}
