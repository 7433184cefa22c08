package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ride-coordination/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ride-coordination/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ride-coordination/internal/adapters/redis"
	"github.com/robertarktes/ride-coordination/internal/config"
	httphandler "github.com/robertarktes/ride-coordination/internal/http"
	"github.com/robertarktes/ride-coordination/internal/idempotency"
	"github.com/robertarktes/ride-coordination/internal/lifecycle"
	"github.com/robertarktes/ride-coordination/internal/livelocation"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/paymentgate"
	"github.com/robertarktes/ride-coordination/internal/rateLimit"
	"github.com/robertarktes/ride-coordination/internal/seatledger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "rides-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel)

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	if err := repo.Migrate(context.Background()); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	audit := mongoadapter.NewAuditLogger(mongoClient.Database(cfg.MongoDB), logger)
	if err := audit.EnsureIndexes(context.Background()); err != nil {
		logger.WithError(err).Warn("failed to ensure audit indexes")
	}

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), cfg.IdempotencyTTL, logger)
	rl := rateLimit.NewRateLimiter(redisCache)

	auth, err := httphandler.NewAuthenticator(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("failed to load JWT key: %v", err)
	}

	locations := redisadapter.NewLocations(redisClient, cfg.LocationTTL)
	ledger := seatledger.New(repo, seatledger.Options{
		TxAttempts:     cfg.TxMaxAttempts,
		RefundOnCancel: cfg.RefundOnRideCancel,
		Logger:         logger,
		Revoker:        locations,
	})
	gate := paymentgate.New(repo, cfg.TxMaxAttempts, logger)
	hub := livelocation.NewHub(locations, ledger, logger)
	defer hub.Close()
	rides := lifecycle.New(repo, ledger, gate, lifecycle.Options{
		TxAttempts: cfg.TxMaxAttempts,
		Logger:     logger,
		Locations:  hub,
		Audit:      audit,
	})

	handlers := httphandler.NewHandlers(ledger, rides, paymentgate.NewListener(gate, logger), hub, map[string]httphandler.ReadyCheck{
		"crdb":  pool.Ping,
		"redis": redisCache.Ping,
		"mongo": func(ctx context.Context) error { return mongoClient.Ping(ctx, nil) },
	})

	r := httphandler.SetupRouter(handlers, logger, httphandler.RouterConfig{
		Auth:          auth,
		RateLimiter:   rl,
		RatePerMinute: cfg.RateLimitPerMinute,
		Idempotency:   idemp,
		CallbackToken: cfg.CallbackToken,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
