package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ride-coordination/internal/adapters/crdb"
	"github.com/robertarktes/ride-coordination/internal/adapters/rabbit"
	"github.com/robertarktes/ride-coordination/internal/config"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/paymentgate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "rides-payment-listener")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("component", "payments")

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, cfg.PaymentResultsQueue, "")
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume %s: %v", cfg.PaymentResultsQueue, err)
	}
	listener := paymentgate.NewListener(paymentgate.New(repo, cfg.TxMaxAttempts, logger), logger)
	go listener.Run(ctx, deliveries)
	logger.WithField("queue", cfg.PaymentResultsQueue).Info("payment listener started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown payment listener")
}
