package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/imran-chowdhury/schedora/libs/amqpx"
	"github.com/imran-chowdhury/schedora/libs/config"
	"github.com/imran-chowdhury/schedora/libs/db"
	"github.com/imran-chowdhury/schedora/libs/httpx"
	otelx "github.com/imran-chowdhury/schedora/libs/otel"
	"github.com/imran-chowdhury/schedora/libs/runtime"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/deadletters"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/email"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/inbox"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/notifier"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/sms"
	"github.com/imran-chowdhury/schedora/services/notification-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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

	desc := amqpx.Descriptor{
		Queue:          config.String("PAYMENT_EVENTS_QUEUE", "notifications.payment-events"),
		RoutingPattern: config.String("PAYMENT_EVENTS_PATTERN", "payment.*"),
		RetryDelays: config.Durations("PAYMENT_EVENTS_RETRY_DELAYS", []time.Duration{
			5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute,
		}),
		MaxAttempts: config.Int("PAYMENT_EVENTS_MAX_ATTEMPTS", 5),
	}
	if err := desc.Validate(); err != nil {
		panic(err)
	}

	amqpURL, err := config.RequiredString("AMQP_URL")
	if err != nil {
		panic(err)
	}
	conn := amqpx.NewConnection(amqpx.Config{
		URL:           amqpURL,
		ReconnectBase: config.Duration("AMQP_RECONNECT_BASE", time.Second),
		ReconnectCap:  config.Duration("AMQP_RECONNECT_CAP", 30*time.Second),
		MaxAttempts:   config.Int("AMQP_MAX_RECONNECT_ATTEMPTS", 10),
		OnConnect: func(ch amqpx.Channel) error {
			return amqpx.Declare(ch, []amqpx.Descriptor{desc})
		},
	}, logger)
	defer func() { _ = conn.Close() }()

	go func() {
		select {
		case <-ctx.Done():
		case err := <-conn.Fatal():
			logger.Error("amqp reconnection exhausted, shutting down", "err", err)
			stop()
		}
	}()

	smtpHost := config.String("SMTP_HOST", "mailpit")
	smtpPort := config.String("SMTP_PORT", "1025")
	smtpFrom := config.String("SMTP_FROM", "no-reply@schedora.local")
	emailSender := email.NewSMTPSender(smtpHost, smtpPort, smtpFrom)

	var smsSender sms.Sender
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "webhook":
		smsSender = sms.NewWebhookSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	default:
		smsSender = sms.NewNoopSender()
	}

	n := notifier.New(
		inbox.NewRepository(pool),
		storage.NewRepository(pool),
		storage.NewContactsRepository(pool),
		emailSender,
		smsSender,
		logger,
	)
	consumer := amqpx.NewConsumer(conn, desc, n.Handle, logger)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("consumer stopped", "err", err)
			stop()
		}
	}()

	// The watcher competes with external DLQ tooling for deliveries, so it
	// can be switched off where operators shovel the queue themselves.
	if config.Bool("DEAD_LETTER_WATCH", true) {
		watcher := deadletters.NewWatcher(conn, desc.DeadLetterQueue(), logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("dead-letter watcher stopped", "err", err)
			}
		}()
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "amqp", Check: amqpx.ReadyCheck(conn)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
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
