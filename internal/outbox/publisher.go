// Package outbox relays change events recorded by the store to the message
// broker. Events stay unpublished until the broker accepts them, so delivery
// is at-least-once; consumers dedupe on the message id.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ride-coordination/internal/adapters/crdb"
	"github.com/robertarktes/ride-coordination/internal/observability"
)

type Source interface {
	DrainOutbox(ctx context.Context, limit int, publish func(context.Context, crdb.OutboxRecord) error) (int, error)
	OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error)
}

type Sink interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

// Refunder returns a booking's payment at the gateway.
type Refunder interface {
	Refund(ctx context.Context, paymentRef, idempotencyKey string) (string, error)
}

// Handler runs before a record of its event type is published. A failing
// handler leaves the record for the next pass.
type Handler func(ctx context.Context, rec crdb.OutboxRecord) error

type Publisher struct {
	source   Source
	sink     Sink
	logger   observability.Logger
	batch    int
	handlers map[string]Handler
}

func NewPublisher(source Source, sink Sink, logger observability.Logger, batch int) *Publisher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if batch < 1 {
		batch = 50
	}
	return &Publisher{source: source, sink: sink, logger: logger, batch: batch, handlers: map[string]Handler{}}
}

func (p *Publisher) Handle(eventType string, h Handler) {
	p.handlers[eventType] = h
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.PublishOnce(ctx)
			if err != nil {
				p.logger.WithError(err).Error("outbox pass failed")
				continue
			}
			if n > 0 {
				p.logger.WithField("published", n).Debug("outbox pass")
			}
			if lag, err := p.source.OldestPendingAge(ctx, now); err == nil {
				observability.OutboxLag.Set(lag.Seconds())
			}
		}
	}
}

// PublishOnce relays one batch and returns how many records went out.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	return p.source.DrainOutbox(ctx, p.batch, p.relay)
}

func (p *Publisher) relay(ctx context.Context, rec crdb.OutboxRecord) error {
	log := p.logger.WithFields(map[string]interface{}{"event_id": rec.ID, "event_type": rec.EventType})
	if h, ok := p.handlers[rec.EventType]; ok {
		if err := h(ctx, rec); err != nil {
			log.WithError(err).Warn("outbox handler failed")
			return err
		}
	}

	msg := amqp.Publishing{
		MessageId:    rec.DedupeKey,
		Type:         rec.EventType,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    rec.CreatedAt,
		Body:         rec.Payload,
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(exp, 2), ctx)
	err := backoff.RetryNotify(func() error {
		return p.sink.Publish(ctx, rec.EventType, msg)
	}, b, func(error, time.Duration) {
		observability.RabbitPublishRetries.Inc()
	})
	if err != nil {
		log.WithError(err).Warn("publish failed")
	}
	return err
}

// RefundHandler issues the gateway refund for booking.refunded events. The
// booking id doubles as the gateway idempotency key so a record relayed twice
// refunds once.
func RefundHandler(refunder Refunder, logger observability.Logger) Handler {
	return func(ctx context.Context, rec crdb.OutboxRecord) error {
		var b struct {
			BookingID  uuid.UUID `json:"booking_id"`
			PaymentRef string    `json:"payment_ref"`
		}
		if err := json.Unmarshal(rec.Payload, &b); err != nil {
			return errors.Wrap(err, "decode refunded booking")
		}
		if b.PaymentRef == "" {
			logger.WithField("booking_id", b.BookingID).Warn("refunded booking has no payment reference")
			return nil
		}
		id, err := refunder.Refund(ctx, b.PaymentRef, "refund-"+b.BookingID.String())
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{"booking_id": b.BookingID, "refund_id": id}).Info("refund issued")
		return nil
	}
}
