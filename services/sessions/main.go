// Сервис допуска сессий: квота активных устройств на аккаунт,
// разрешение overquota (cancel / force-activate), валидация сессий.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sessiongate/internal/authtoken"
	"github.com/sessiongate/internal/config"
	"github.com/sessiongate/internal/handler"
	"github.com/sessiongate/internal/logger"
	"github.com/sessiongate/internal/middleware"
	"github.com/sessiongate/internal/repository"
	"github.com/sessiongate/internal/service"
	"github.com/sessiongate/internal/startup"
	"github.com/sessiongate/internal/storage"
	"github.com/sessiongate/internal/storage/memory"
	"github.com/sessiongate/internal/ws"
	"github.com/sessiongate/migrations"
)

func main() {
	logger.SetPrefix("sessions")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory store (no external deps)")
	flag.Parse()

	logger.Info("starting sessions service")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}
	logger.Info("database connected, migrations applied")

	sessionRepo := repository.NewSessionRepository(pool)
	subRepo := repository.NewSubscriptionRepository(pool)

	var store storage.SessionStateStore
	if *dev {
		logger.Info("sessions -dev: in-memory store (кеш и канал отзыва в одном процессе)")
		store = memory.New()
	} else {
		redisClient := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		store = redisClient
	}
	defer store.Close()

	alerts := service.NewAlertService(subRepo, cfg.PushVAPIDPublicKey, cfg.PushVAPIDPrivateKey, cfg.PushSubscriber)
	adm := service.NewAdmissionService(sessionRepo, store, alerts, cfg.MaxActiveSessions)
	logger.Infof("session quota: %d active per account", adm.MaxActive())

	var verifier middleware.TokenVerifier
	if cfg.Auth.JWKSURL != "" {
		verifier = authtoken.NewJWKSVerifier(authtoken.Config{
			JWKSURL:  cfg.Auth.JWKSURL,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   time.Duration(cfg.Auth.LeewaySeconds) * time.Second,
		})
	} else if *dev {
		logger.Info("sessions -dev: AUTH_JWKS_URL не задан, bearer = account_id (только для разработки)")
		verifier = devVerifier{}
	} else {
		logger.Errorf("AUTH_JWKS_URL is required outside -dev")
		os.Exit(1)
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(cfg.MaxWSConnections)
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()
	stopSub, err := store.SubscribeRevoked(hubCtx, hub.NotifyRevoked)
	if err != nil {
		logger.Errorf("subscribe revoked channel: %v", err)
		os.Exit(1)
	}
	defer stopSub()

	sessionH := handler.NewSessionHandler(adm)
	pushH := handler.NewPushHandler(subRepo, cfg.PushVAPIDPublicKey)
	wsH := handler.NewWSHandler(hub)
	internalH := handler.NewInternalHandler(adm)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Device-Name"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.With(middleware.InternalOnly).Post("/internal/validate", internalH.Validate)
	r.Get("/api/push/vapid-public-key", pushH.VAPIDPublicKey)

	// Только bearer: сессии ещё нет (register) или она — аргумент, а не удостоверение (cancel, force-activate).
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(verifier))
		r.Post("/api/sessions/register", sessionH.Register)
		r.Post("/api/sessions/cancel", sessionH.Cancel)
		r.Post("/api/sessions/force-activate", sessionH.ForceActivate)
	})

	// Bearer + активная сессия.
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(verifier))
		r.Use(middleware.SessionGuard(adm))
		r.Get("/api/me", sessionH.Me)
		r.Get("/api/sessions", sessionH.ListSessions)
		r.Delete("/api/session", sessionH.Logout)
		r.Delete("/api/sessions", sessionH.LogoutAll)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.Serve)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// devVerifier принимает сырой токен как account_id. Только для -dev.
type devVerifier struct{}

func (devVerifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", authtoken.ErrUnauthorized
	}
	return token, nil
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			logger.Errorf("read migration %s: %v", name, err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", name, err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "sessiongate"
		password = "sessiongate_secret"
		database = "sessiongate"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
