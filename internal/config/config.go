package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	JWTPublicKey string
	OTLPEndpoint string
	LogLevel     string
	StripeAPIKey string
	// CallbackToken guards the payment gateway callback when set.
	CallbackToken string

	TxMaxAttempts      int
	SweepInterval      time.Duration
	SweepBatch         int
	SweepConcurrency   int
	LocationTTL        time.Duration
	RefundOnRideCancel bool
	IdempotencyTTL     time.Duration
	RateLimitPerMinute int

	EventsExchange      string
	PaymentResultsQueue string
	OutboxMaxAttempts   int
	OutboxRetryDelay    time.Duration
}

func defaults() Config {
	return Config{
		HTTPAddr:            ":8080",
		MongoDB:             "rides",
		LogLevel:            "info",
		TxMaxAttempts:       5,
		SweepInterval:       2 * time.Minute,
		SweepBatch:          100,
		SweepConcurrency:    4,
		LocationTTL:         2 * time.Hour,
		RefundOnRideCancel:  true,
		IdempotencyTTL:      time.Hour,
		RateLimitPerMinute:  60,
		EventsExchange:      "rides.events",
		PaymentResultsQueue: "payment.results",
		OutboxMaxAttempts:   10,
		OutboxRetryDelay:    30 * time.Second,
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	var errs []error

	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	cfg.CRDBDSN = os.Getenv("CRDB_DSN")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setString(&cfg.MongoDB, "MONGO_DB")
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RabbitURL = os.Getenv("RABBIT_URL")
	cfg.JWTPublicKey = os.Getenv("JWT_PUBLIC_KEY")
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.CallbackToken = os.Getenv("PAYMENT_CALLBACK_TOKEN")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.EventsExchange, "EVENTS_EXCHANGE")
	setString(&cfg.PaymentResultsQueue, "PAYMENT_RESULTS_QUEUE")

	setInt(&cfg.TxMaxAttempts, "TX_MAX_ATTEMPTS", &errs)
	setDuration(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setInt(&cfg.SweepBatch, "SWEEP_BATCH", &errs)
	setInt(&cfg.SweepConcurrency, "SWEEP_CONCURRENCY", &errs)
	setDuration(&cfg.LocationTTL, "LOCATION_TTL", &errs)
	setBool(&cfg.RefundOnRideCancel, "REFUND_ON_RIDE_CANCEL", &errs)
	setDuration(&cfg.IdempotencyTTL, "IDEMPOTENCY_TTL", &errs)
	setInt(&cfg.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE", &errs)
	setInt(&cfg.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS", &errs)
	setDuration(&cfg.OutboxRetryDelay, "OUTBOX_RETRY_DELAY", &errs)

	if cfg.TxMaxAttempts < 1 {
		errs = append(errs, errors.New("TX_MAX_ATTEMPTS must be >= 1"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.OutboxMaxAttempts < 1 {
		errs = append(errs, errors.New("OUTBOX_MAX_ATTEMPTS must be >= 1"))
	}
	if cfg.SweepConcurrency < 1 {
		errs = append(errs, errors.New("SWEEP_CONCURRENCY must be >= 1"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setInt(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, errors.Wrapf(err, "invalid %s", key))
			return
		}
		*target = n
	}
}

func setDuration(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, errors.Wrapf(err, "invalid %s", key))
			return
		}
		*target = d
	}
}

func setBool(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, errors.Wrapf(err, "invalid %s", key))
			return
		}
		*target = b
	}
}
