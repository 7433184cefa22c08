package paymentgate

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/observability"
)

// PaymentResult is what the gateway reports once a charge settles.
type PaymentResult struct {
	BookingID  uuid.UUID `json:"booking_id"`
	Status     string    `json:"status"`
	PaymentRef string    `json:"payment_ref"`
}

func (r PaymentResult) Succeeded() bool {
	return r.Status == "succeeded" || r.Status == "paid"
}

// Listener applies gateway results delivered over the broker.
type Listener struct {
	gate   *Gate
	logger observability.Logger
}

func NewListener(gate *Gate, logger observability.Logger) *Listener {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Listener{gate: gate, logger: logger}
}

// Apply records a single result. Failed charges are logged and ignored.
func (l *Listener) Apply(ctx context.Context, res PaymentResult) error {
	log := l.logger.WithFields(map[string]interface{}{"booking_id": res.BookingID, "status": res.Status})
	if !res.Succeeded() {
		log.Info("payment did not succeed")
		return nil
	}
	_, err := l.gate.MarkPaid(ctx, MarkPaidCommand{BookingID: res.BookingID, PaymentRef: res.PaymentRef})
	return err
}

// Run consumes deliveries until the channel closes or ctx is done.
// Malformed messages and results for unknown or closed bookings are dropped;
// anything else is requeued.
func (l *Listener) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			l.handle(ctx, d)
		}
	}
}

func (l *Listener) handle(ctx context.Context, d amqp.Delivery) {
	var res PaymentResult
	if err := json.Unmarshal(d.Body, &res); err != nil {
		l.logger.WithError(err).WithField("message_id", d.MessageId).Warn("dropping malformed payment result")
		_ = d.Nack(false, false)
		return
	}

	err := l.Apply(ctx, res)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidInput):
		l.logger.WithError(err).WithField("booking_id", res.BookingID).Warn("dropping payment result")
		_ = d.Nack(false, false)
	default:
		l.logger.WithError(err).WithField("booking_id", res.BookingID).Error("failed to apply payment result")
		_ = d.Nack(false, true)
	}
}
