package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"storefront-checkout/internal/config"
	"storefront-checkout/internal/database"
	"storefront-checkout/internal/events"
	"storefront-checkout/internal/httpapi"
	"storefront-checkout/internal/infrastructure/auth"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/logger"
	"storefront-checkout/internal/metrics"
	"storefront-checkout/internal/ratelimit"
	"storefront-checkout/internal/repo"
	"storefront-checkout/internal/service"
	"storefront-checkout/internal/webhook"
	"storefront-checkout/internal/worker"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	log, err := logger.New(logger.Config{
		ServiceName: "storefront-checkout",
		Env:         string(cfg.AppEnv),
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	log.Info("server exited")
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.DBAutoMigrate {
		if err := database.Migrate(ctx, db, log); err != nil {
			return err
		}
	}

	intents, ledger, closeStore, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var gateways []payment.Gateway
	if cfg.BlackcatEnabled() {
		gateways = append(gateways, payment.NewBlackcat(cfg.BlackcatBaseURL, cfg.BlackcatAPIKey, cfg.UpstreamTimeout))
	}
	if cfg.WiseEnabled() {
		gateways = append(gateways, payment.NewWise(cfg.WiseBaseURL, cfg.WiseAPIToken, cfg.WiseProfileID, cfg.UpstreamTimeout))
	}

	var publisher events.Publisher = events.NewLogPublisher(log)
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(log, cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	defer publisher.Close()

	checkout := service.NewCheckoutService(
		repo.NewOrderRepo(db, cfg.UpstreamTimeout),
		intents,
		ledger,
		payment.NewRegistry(gateways...),
		publisher,
		m,
		log,
		service.Options{
			IntentTTL:         cfg.IntentTTL,
			ExpiredRetention:  cfg.ExpiredRetention,
			TerminalRetention: cfg.TerminalRetention,
			MaxConfirmations:  cfg.MaxConfirmations,
			UpstreamTimeout:   cfg.UpstreamTimeout,
			Now:               time.Now,
		},
	)

	limiter := ratelimit.New(ratelimit.DefaultRules())

	if cfg.AppEnv == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Handler:       httpapi.NewCheckoutHandler(checkout, webhook.NewVerifier(cfg.WebhookSecret), m, log),
		Authenticator: auth.NewSupabase(cfg.SupabaseURL, cfg.SupabaseAnonKey, cfg.UpstreamTimeout),
		Limiter:       limiter,
		Metrics:       m,
		Logger:        log,
		CORSOrigins:   cfg.CORSOrigins,
		Health: func(ctx context.Context) map[string]string {
			return database.Health(ctx, db)
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", string(cfg.StoreBackend)),
			zap.Int("gateways", len(gateways)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		worker.NewSweeper(checkout, limiter, log, cfg.SweepInterval).Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStores picks the intent store and ledger backend.
func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (repo.IntentRepo, repo.IdempotencyLedger, func(), error) {
	if cfg.StoreBackend != config.StoreRedis {
		log.Warn("intents are kept in process memory and are lost on restart")
		return repo.NewMemoryIntentRepo(), repo.NewMemoryLedger(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			log.Warn("failed to close redis client", zap.Error(err))
		}
	}
	return repo.NewRedisIntentRepo(client), repo.NewRedisLedger(client), closeFn, nil
}
