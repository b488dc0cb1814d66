package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/imagegen-gateway/config"
	"github.com/vnmchuo/imagegen-gateway/internal/admin"
	"github.com/vnmchuo/imagegen-gateway/internal/auth"
	"github.com/vnmchuo/imagegen-gateway/internal/billing"
	"github.com/vnmchuo/imagegen-gateway/internal/coordinator"
	"github.com/vnmchuo/imagegen-gateway/internal/idempotency"
	"github.com/vnmchuo/imagegen-gateway/internal/ledger"
	"github.com/vnmchuo/imagegen-gateway/internal/pricing"
	"github.com/vnmchuo/imagegen-gateway/internal/provider"
	"github.com/vnmchuo/imagegen-gateway/internal/provider/gemini"
	"github.com/vnmchuo/imagegen-gateway/internal/proxy"
	"github.com/vnmchuo/imagegen-gateway/internal/seeder"
	"github.com/vnmchuo/imagegen-gateway/internal/telemetry"
	"github.com/vnmchuo/imagegen-gateway/internal/worker"
	"github.com/vnmchuo/imagegen-gateway/pkg/logging"
	"github.com/vnmchuo/imagegen-gateway/pkg/ratelimit"
)

const serviceName = "imagegen-gateway"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logging.New(serviceName, "info").WithError(err).Fatal("failed to load config")
	}
	log := logging.New(serviceName, cfg.LogLevel)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Pricing table
	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		table, err = pricing.LoadTable(cfg.PricingFile)
		if err != nil {
			log.WithError(err).Fatal("failed to load pricing table")
		}
		log.WithField("file", cfg.PricingFile).Info("pricing table loaded")
	}
	calculator := pricing.NewCalculator(table)

	// 4. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping postgres")
	}
	log.Info("PostgreSQL connected")

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("failed to ping redis")
	}
	log.Info("Redis connected")

	// 6. Ledger, tokens, sessions
	accounts := ledger.NewRedisStore(rdb)
	tokens := auth.NewRedisTokenStore(rdb)
	sessions := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)

	// 7. Usage history
	billingStore := billing.NewPostgresStore(pool)
	if err := billingStore.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to prepare usage schema")
	}
	usageQueue := worker.NewUsageQueue(billingStore, cfg.UsageQueueSize, log.WithField("component", "usage"))

	// 8. Provider
	breaker := provider.WithBreaker(gemini.New(cfg.GeminiAPIKey,
		gemini.WithBaseURL(cfg.GeminiBaseURL),
		gemini.WithTimeout(cfg.ProviderTimeout),
	))

	// 9. Coordinator
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	coord := coordinator.New(coordinator.Deps{
		Pricing:  calculator,
		Limiter:  ratelimit.New(cfg.RateLimitStrategy, rdb, cfg.RateLimitPerMinute),
		Guard:    idempotency.NewGuard(rdb, cfg.IdempotencyTTL),
		Ledger:   accounts,
		Provider: breaker,
		Recorder: usageQueue,
		Tracer:   tracer,
		Logger:   log.WithField("component", "coordinator"),
	})

	// 10. Handlers
	handler := proxy.NewHandler(coord, accounts, billingStore, tracer, log.WithField("component", "http"))
	login := auth.NewLoginHandler(tokens, accounts, sessions, cfg.BindDevice, log.WithField("component", "auth"))
	adminHandler := admin.NewHandler(cfg.AdminSecret, tokens, accounts, log.WithField("component", "admin"))
	authMiddleware := auth.NewMiddleware(sessions)

	// 11. Seed test account if RUN_SEED=true
	if cfg.RunSeed {
		if err := seeder.SeedTestAccount(ctx, accounts, tokens, log); err != nil {
			log.WithError(err).Error("[Seeder] failed to seed test account")
		}
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logging.Middleware(log))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"imagegen-gateway","provider_circuit":"` + breaker.State() + `"}`))
	})
	r.Handle("/metrics", telemetry.MetricsHandler())
	r.Post("/auth", login.ServeHTTP)
	r.Mount("/admin", adminHandler.Routes())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/generate", handler.HandleGenerate)
		r.Post("/v1/generate", handler.HandleGenerate)
		r.Get("/balance", handler.HandleBalance)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 13. Background work
	bgCtx, stopBackground := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = usageQueue.Process(bgCtx)
	}()
	go reportGauges(bgCtx, usageQueue, breaker)

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("port", cfg.Port).Info("Image generation gateway starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-quit
	log.Info("Shutting down gracefully...")

	// in-flight generations may still be waiting on the provider
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ProviderTimeout+10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("forced shutdown")
	}
	stopBackground()
	<-workerDone
	log.Info("Server stopped")
}

// reportGauges publishes queue depth and breaker state until ctx is done.
func reportGauges(ctx context.Context, q *worker.UsageQueue, b *provider.Breaker) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			telemetry.UsageQueueDepth.Set(float64(q.Len()))
			open := 0.0
			if b.State() == "open" {
				open = 1
			}
			telemetry.ProviderCircuitOpen.Set(open)
		}
	}
}
