// Command api runs the Warden HTTP service: the gateway admission
// pipeline, the admin surface, and the auxiliary endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/wardenhq/warden/internal/api"
	"github.com/wardenhq/warden/internal/api/middleware"
	"github.com/wardenhq/warden/internal/apps"
	"github.com/wardenhq/warden/internal/audit"
	"github.com/wardenhq/warden/internal/auth"
	"github.com/wardenhq/warden/internal/authz"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/crypto"
	"github.com/wardenhq/warden/internal/llm"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/oauth"
	"github.com/wardenhq/warden/internal/quota"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/internal/verify"
	"github.com/wardenhq/warden/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.Setup(cfg.Env)

	if err := run(cfg, log); err != nil {
		log.Error("server_exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sentryEnabled := cfg.SentryDSN != ""
	if sentryEnabled {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			Release:     api.Version,
		})
		if err != nil {
			return err
		}
		defer sentry.Flush(2 * time.Second)
	}

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	provider, err := auth.NewJWTProvider(auth.JWTOptions{
		PrivateKeyPEM:      cfg.JWTPrivateKeyPEM,
		KeyID:              cfg.JWTKeyID,
		SecondaryPublicPEM: cfg.JWTSecondaryPublicPEM,
		SecondaryKeyID:     cfg.JWTSecondaryKeyID,
		AccessTTL:          cfg.AccessTokenTTL,
		PreAuthTTL:         cfg.PreAuthTokenTTL,
	})
	if err != nil {
		return err
	}

	box, err := crypto.NewSecretBox(cfg.AppEncryptionKey)
	if err != nil {
		return err
	}

	userStore := storage.NewUserStore(pool)
	appStore := storage.NewAppStore(pool)
	rbacStore := storage.NewRBACStore(pool)
	planStore := storage.NewPlanStore(pool)

	auditWriter := audit.NewWriter(storage.NewAuditStore(pool), log)
	defer auditWriter.Close()

	outbox := notify.NewQueue(storage.NewOutboxStore(pool), log)

	verifyStore := verify.NewStore(rdb, outbox, log)
	verifyStore.DebugEcho = cfg.DebugMode
	if cfg.DebugMode {
		log.Warn("debug_mode_enabled", "detail", "verification codes are echoed in responses")
	}

	tokenSvc := auth.NewTokenService(provider, storage.NewTokenStore(pool),
		cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.SSOSessionTTL)

	authSvc := auth.NewService(auth.Config{
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutDuration:  cfg.LockoutDuration,
	}, userStore, appStore, tokenSvc, auth.NewArgon2Hasher(),
		verifyStore, storage.NewRecoveryStore(pool), outbox, auditWriter,
		auth.NewMFAService("Warden"))

	engine := authz.NewEngine(rbacStore, rdb, log)
	authzSvc := authz.NewService(rbacStore, engine, authz.NewBus(), log)

	accounter := quota.NewAccounter(storage.NewQuotaStore(pool), planStore, log)
	appSvc := apps.NewService(appStore, box, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	router := api.NewRouter(api.Deps{
		Logger:        log,
		Auth:          authSvc,
		Tokens:        tokenSvc,
		TokenProvider: provider,
		Apps:          appSvc,
		Engine:        engine,
		Authz:         authzSvc,
		Accounter:     accounter,
		Verify:        verifyStore,
		OAuth:         oauth.NewRegistry(oauth.NewGoogle(), oauth.NewWeChat()),
		LLM:           llm.NewForwarder(cfg.UpstreamLLMURL, cfg.UpstreamTimeout, accounter, log),
		Users:         userStore,
		Bindings:      appStore,
		Plans:         planStore,
		Orgs:          storage.NewOrgStore(pool),
		RateLimiter:   middleware.NewRateLimiter(rdb, cfg.DefaultRateLimit, log),
		IPLimiter:     middleware.NewIPLimiter(10, 20),
		Registry:      registry,
		HealthChecks: map[string]api.HealthCheck{
			"database": pool.Ping,
			"cache":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		SentryEnabled: sentryEnabled,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// The LLM proxy holds the response open for the upstream call.
		WriteTimeout: cfg.UpstreamTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server_started", "addr", srv.Addr, "env", cfg.Env, "version", api.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("server_stopped")
	return nil
}
