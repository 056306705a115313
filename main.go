package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/api"
	"github.com/Martian-dev/ai-brain-calendar/internal/auth"
	"github.com/Martian-dev/ai-brain-calendar/internal/config"
	"github.com/Martian-dev/ai-brain-calendar/internal/crypto"
	"github.com/Martian-dev/ai-brain-calendar/internal/eventstore/postgres"
	"github.com/Martian-dev/ai-brain-calendar/internal/eventstore/sqlite"
	"github.com/Martian-dev/ai-brain-calendar/internal/lock"
	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/matching"
	natsjs "github.com/Martian-dev/ai-brain-calendar/internal/nats"
	"github.com/Martian-dev/ai-brain-calendar/internal/providers/google"
	"github.com/Martian-dev/ai-brain-calendar/internal/providers/outlook"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
	"github.com/Martian-dev/ai-brain-calendar/internal/sync"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Service failed", zap.String("error", logging.SanitizeError(err)))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sealer, err := crypto.NewTokenSealer(cfg.CredentialsKey)
	if err != nil {
		return err
	}

	oauthClients := auth.NewOAuthClients(cfg.Google, cfg.Microsoft)
	credentials := auth.NewCredentialStore(st, sealer, oauthClients, cfg.Sync.RefreshSkew, logger)

	registry := sync.NewRegistry(
		google.New(logger),
		outlook.New(logger),
	)
	matcher := matching.NewMatcher(st, st, logger).WithFreeMailExclusion(cfg.Matching.ExcludeFreeMailContacts)
	orchestrator := sync.NewOrchestrator(st, credentials, registry, sync.NewReconciler(st, logger), matcher, cfg.Sync, logger)
	manager := sync.NewManager(orchestrator, st, matcher, cfg.Sync.Workers, logger)

	if cfg.Redis.Addr != "" {
		rdb, err := lock.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		manager.WithLocker(lock.NewRedisLocker(rdb, cfg.Redis.LockTTL, logger))
		logger.Info("Cross-process sync lock enabled", zap.String("redis", cfg.Redis.Addr))
	}

	var wg gosync.WaitGroup

	if cfg.NATS.URL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			return err
		}

		dispatcher := sync.NewDispatcher(st, publisher, cfg.NATS.DispatchInterval, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	} else {
		logger.Warn("NATS not configured, sync events stay in the outbox")
	}

	scheduler := sync.NewScheduler(manager, st, cfg.Sync.Interval, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	authn, err := authenticator(ctx, cfg.Auth, logger)
	if err != nil {
		return err
	}

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(manager, st, st, matcher, st, authn, logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	wg.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Driver == "postgres" {
		return postgres.Open(ctx, postgres.Config{
			URL:            cfg.PostgresURL(),
			MaxConnections: cfg.MaxConnections,
		}, logger)
	}
	return sqlite.Open(cfg.Path)
}

func authenticator(ctx context.Context, cfg config.AuthConfig, logger *zap.Logger) (api.Authenticator, error) {
	if !cfg.EnableVerification {
		logger.Warn("JWT verification disabled, trusting X-Organization-ID headers")
		return api.HeaderAuthenticator{}, nil
	}
	return auth.NewJWTVerifier(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
}
