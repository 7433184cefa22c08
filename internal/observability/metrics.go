package observability

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robertarktes/ride-coordination/internal/domain"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rides_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rides_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_tx_retries_total",
			Help: "Transactions retried after a serialization conflict",
		},
	)

	BookingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rides_booking_outcomes_total",
			Help: "Booking operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rides_transitions_total",
			Help: "Ride status transitions by target status and actor",
		},
		[]string{"to", "actor"},
	)

	SweptRides = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_swept_total",
			Help: "Rides completed by the completion sweeper",
		},
	)

	LocationSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_location_samples_total",
			Help: "Live location samples written",
		},
	)

	LocationSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rides_location_subscribers",
			Help: "Open live location subscriptions",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rides_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	OutboxParked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_outbox_parked_total",
			Help: "Outbox records given up on after repeated failures",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rides_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

var resultKinds = []struct {
	err   error
	label string
}{
	{domain.ErrSeatsUnavailable, "seats_unavailable"},
	{domain.ErrDuplicateBooking, "duplicate"},
	{domain.ErrNotAuthorized, "not_authorized"},
	{domain.ErrInvalidState, "invalid_state"},
	{domain.ErrTerminalState, "terminal_state"},
	{domain.ErrPaymentRequired, "payment_required"},
	{domain.ErrNotFound, "not_found"},
	{domain.ErrTransientConflict, "conflict"},
	{domain.ErrInvalidInput, "invalid_input"},
}

// Result labels an operation outcome by error kind.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range resultKinds {
		if errors.Is(err, k.err) {
			return k.label
		}
	}
	return "error"
}
