package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ride-coordination/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ride-coordination/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ride-coordination/internal/adapters/redis"
	"github.com/robertarktes/ride-coordination/internal/config"
	"github.com/robertarktes/ride-coordination/internal/lifecycle"
	"github.com/robertarktes/ride-coordination/internal/livelocation"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/paymentgate"
	"github.com/robertarktes/ride-coordination/internal/seatledger"
	"github.com/robertarktes/ride-coordination/internal/sweeper"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "rides-completion-sweeper")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("component", "sweeper")

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	ledger := seatledger.New(repo, seatledger.Options{
		TxAttempts:     cfg.TxMaxAttempts,
		RefundOnCancel: cfg.RefundOnRideCancel,
		Logger:         logger,
	})
	gate := paymentgate.New(repo, cfg.TxMaxAttempts, logger)
	// No sessions run here. Clearing a finished ride marks it ended in Redis,
	// which refuses the API instances' sessions on their next write.
	hub := livelocation.NewHub(redisadapter.NewLocations(redisClient, cfg.LocationTTL), ledger, logger)
	rides := lifecycle.New(repo, ledger, gate, lifecycle.Options{
		TxAttempts: cfg.TxMaxAttempts,
		Logger:     logger,
		Locations:  hub,
		Audit:      audit,
	})

	worker := sweeper.New(repo, rides, sweeper.Options{
		Batch:       cfg.SweepBatch,
		Concurrency: cfg.SweepConcurrency,
		Logger:      logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.SweepInterval)
	logger.WithField("interval", cfg.SweepInterval).Info("completion sweeper started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown completion sweeper")
}
