// Package paymentgate records payment results for bookings and answers
// whether a ride may start.
package paymentgate

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/retry"
)

type Gate struct {
	store    domain.Store
	attempts int
	logger   observability.Logger
}

func New(store domain.Store, attempts int, logger observability.Logger) *Gate {
	if attempts < 1 {
		attempts = 5
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Gate{store: store, attempts: attempts, logger: logger}
}

// CanStart reports whether the ride has at least one confirmed booking that
// is paid. Pending or unpaid bookings never count.
func (g *Gate) CanStart(ctx context.Context, rideID uuid.UUID) (bool, error) {
	if _, err := g.store.GetRide(ctx, rideID); err != nil {
		return false, err
	}
	bookings, err := g.store.ListBookings(ctx, rideID)
	if err != nil {
		return false, err
	}
	for _, b := range bookings {
		if b.Status == domain.BookingConfirmed && b.PaymentStatus == domain.PaymentPaid {
			return true, nil
		}
	}
	return false, nil
}

// CanStartTx is CanStart evaluated inside an open transaction, so the answer
// holds for the status write that follows it.
func (g *Gate) CanStartTx(ctx context.Context, tx domain.Tx, rideID uuid.UUID) (bool, error) {
	n, err := tx.CountPaidConfirmed(ctx, rideID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type MarkPaidCommand struct {
	BookingID  uuid.UUID
	PaymentRef string
}

// MarkPaid records a successful payment. Repeating it for a booking that is
// already paid is a no-op.
func (g *Gate) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (*domain.Booking, error) {
	if cmd.BookingID == uuid.Nil {
		return nil, domain.ErrInvalidInput
	}

	var booking domain.Booking
	err := retry.Transient(ctx, g.attempts, func() error {
		return g.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			b, err := tx.LockBooking(ctx, cmd.BookingID)
			if err != nil {
				return err
			}
			booking = *b

			switch b.PaymentStatus {
			case domain.PaymentPaid:
				return nil
			case domain.PaymentRefunded:
				return errors.Wrap(domain.ErrInvalidState, "booking was refunded")
			}
			if b.Status == domain.BookingCancelled {
				return errors.Wrap(domain.ErrInvalidState, "booking is cancelled")
			}

			ok, err := tx.SetPaymentStatus(ctx, b.ID, domain.PaymentUnpaid, domain.PaymentPaid, cmd.PaymentRef)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrTransientConflict
			}
			booking.PaymentStatus = domain.PaymentPaid
			if cmd.PaymentRef != "" {
				booking.PaymentRef = cmd.PaymentRef
			}
			return tx.InsertChange(ctx, domain.BookingEvent(booking, domain.EventBookingPaid))
		})
	})
	observability.BookingOutcomes.WithLabelValues("mark_paid", observability.Result(err)).Inc()
	if err != nil {
		g.logger.WithError(err).WithField("booking_id", cmd.BookingID).Warn("mark paid failed")
		return nil, err
	}
	return &booking, nil
}
