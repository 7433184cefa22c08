package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ride-coordination/internal/adapters/crdb"
	"github.com/robertarktes/ride-coordination/internal/adapters/payments"
	"github.com/robertarktes/ride-coordination/internal/adapters/rabbit"
	"github.com/robertarktes/ride-coordination/internal/config"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/outbox"
)

const (
	pollInterval = time.Second
	batchSize    = 100
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "rides-outbox-publisher")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("component", "outbox")

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool).WithOutboxPolicy(crdb.OutboxPolicy{
		MaxAttempts: cfg.OutboxMaxAttempts,
		RetryDelay:  cfg.OutboxRetryDelay,
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn, cfg.EventsExchange)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()

	publisher := outbox.NewPublisher(repo, rabbitPub, logger, batchSize)
	if cfg.StripeAPIKey != "" {
		publisher.Handle(domain.EventBookingRefunded, outbox.RefundHandler(payments.NewStripeRefunder(cfg.StripeAPIKey), logger))
	} else {
		logger.Warn("STRIPE_API_KEY not set, refunds are published without being issued")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go publisher.Run(ctx, pollInterval)
	logger.Info("Outbox publisher started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown outbox publisher")
}
