package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/imran-chowdhury/schedora/libs/amqpx"
	"github.com/imran-chowdhury/schedora/libs/config"
	"github.com/imran-chowdhury/schedora/libs/db"
	"github.com/imran-chowdhury/schedora/libs/httpx"
	otelx "github.com/imran-chowdhury/schedora/libs/otel"
	"github.com/imran-chowdhury/schedora/libs/runtime"
	"github.com/imran-chowdhury/schedora/services/payments-service/internal/audit"
	"github.com/imran-chowdhury/schedora/services/payments-service/internal/payments"
	"github.com/imran-chowdhury/schedora/services/payments-service/internal/storage"
	"github.com/imran-chowdhury/schedora/services/payments-service/internal/webhooks"
)

func main() {
	service := config.String("SERVICE_NAME", "payments-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	amqpURL, err := config.RequiredString("AMQP_URL")
	if err != nil {
		panic(err)
	}
	conn := amqpx.NewConnection(amqpx.Config{
		URL:           amqpURL,
		ReconnectBase: config.Duration("AMQP_RECONNECT_BASE", time.Second),
		ReconnectCap:  config.Duration("AMQP_RECONNECT_CAP", 30*time.Second),
		MaxAttempts:   config.Int("AMQP_MAX_RECONNECT_ATTEMPTS", 10),
		// Publisher side only declares the exchanges; consumers own their
		// queue topology.
		OnConnect: func(ch amqpx.Channel) error {
			return amqpx.Declare(ch, nil)
		},
	}, logger)
	defer func() { _ = conn.Close() }()

	// Establish the broker connection eagerly so topology exists before the
	// first webhook, but tolerate a broker that is still coming up: publishes
	// connect lazily.
	if _, err := conn.Connect(ctx); err != nil {
		logger.Warn("amqp not available at startup, will connect lazily", "err", err)
	}
	go func() {
		select {
		case <-ctx.Done():
		case err := <-conn.Fatal():
			logger.Error("amqp reconnection exhausted, shutting down", "err", err)
			stop()
		}
	}()

	publisher := amqpx.NewPublisher(conn, logger)

	auditStore := audit.NewStore(pool)
	paymentRepo := payments.NewRepository(pool)
	secrets := storage.NewSecretsRepository(pool)
	registry := webhooks.NewRegistry(
		webhooks.NewStripe(config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute)),
		&webhooks.Paystack{},
		&webhooks.Razorpay{},
	)
	gateway := webhooks.NewGateway(registry, auditStore, paymentRepo, secrets, publisher, logger)

	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "amqp", Check: amqpx.ReadyCheck(conn)},
	}

	// The webhook route is public and unauthenticated until signature
	// verification runs, so it gets its own rate limit. Redis-backed when
	// configured, per-process otherwise.
	var webhookLimit httpx.Middleware
	rlLimit := config.Int("WEBHOOK_RATE_LIMIT", 300)
	rlWindow := config.Duration("WEBHOOK_RATE_WINDOW", time.Minute)
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr, Password: config.String("REDIS_PASSWORD", "")})
		webhookLimit = httpx.NewRedisRateLimiter(rdb, rlLimit, rlWindow, "wh").Middleware(logger, true)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		webhookLimit = httpx.NewRateLimiter(rlLimit, rlWindow).Middleware()
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("POST /api/v1/payments/webhooks/{provider}/{tenantID}",
		webhookLimit(http.HandlerFunc(gateway.HandleWebhook)))
	audit.NewHandler(auditStore, gateway, logger).Register(mux)

	// CORS is only needed when the operator dashboard calls the audit API
	// from a browser; with no configured origins it is a no-op.
	var corsOrigins []string
	if raw := config.String("CORS_ALLOWED_ORIGINS", ""); raw != "" {
		corsOrigins = strings.Split(raw, ",")
	}
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(2<<20),
		httpx.WithTimeout(config.Duration("HTTP_REQUEST_TIMEOUT", 30*time.Second)),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:         10 * time.Minute,
		}),
	)
	handler = otelhttp.NewHandler(handler, "payments")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
