// Package seatledger owns seat inventory and booking records for rides.
//
// Seats are held when a booking is requested, not when the driver confirms
// it: a pending request is a real hold and rejecting it gives the seats back.
// Every change to available_seats goes through a compare-and-set inside a
// serializable transaction, so two riders racing for the last seat cannot
// both win.
package seatledger

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/retry"
)

type Decision string

const (
	DecisionConfirm Decision = "confirm"
	DecisionReject  Decision = "reject"
)

// Revoker takes back a participant's live-location rights once their
// confirmed booking is gone.
type Revoker interface {
	Revoke(ctx context.Context, rideID, userID uuid.UUID) error
}

type Options struct {
	TxAttempts int
	// RefundOnCancel refunds paid bookings when they are cancelled by the
	// rider or by a ride cancellation cascade.
	RefundOnCancel bool
	Clock          func() time.Time
	Logger         observability.Logger
	Revoker        Revoker
}

type Ledger struct {
	store          domain.Store
	attempts       int
	refundOnCancel bool
	clock          func() time.Time
	logger         observability.Logger
	revoker        Revoker
}

func New(store domain.Store, opts Options) *Ledger {
	if opts.TxAttempts < 1 {
		opts.TxAttempts = 5
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Ledger{
		store:          store,
		attempts:       opts.TxAttempts,
		refundOnCancel: opts.RefundOnCancel,
		clock:          opts.Clock,
		logger:         opts.Logger,
		revoker:        opts.Revoker,
	}
}

func (l *Ledger) RefundOnCancel() bool {
	return l.refundOnCancel
}

type CreateRideCommand struct {
	DriverID     uuid.UUID
	Origin       string
	Destination  string
	DepartureAt  time.Time
	Seats        int
	PricePerSeat int64
	Currency     string
}

func (l *Ledger) CreateRide(ctx context.Context, cmd CreateRideCommand) (*domain.Ride, error) {
	if cmd.DriverID == uuid.Nil || cmd.Seats < 1 || cmd.PricePerSeat < 0 ||
		strings.TrimSpace(cmd.Origin) == "" || strings.TrimSpace(cmd.Destination) == "" {
		return nil, domain.ErrInvalidInput
	}
	if !cmd.DepartureAt.After(l.clock()) {
		return nil, errors.Wrap(domain.ErrInvalidInput, "departure must be in the future")
	}

	ride := domain.NewRide(cmd.DriverID, cmd.Origin, cmd.Destination, cmd.DepartureAt, cmd.Seats, cmd.PricePerSeat, cmd.Currency)
	err := retry.Transient(ctx, l.attempts, func() error {
		return l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			if err := tx.InsertRide(ctx, ride); err != nil {
				return err
			}
			return tx.InsertChange(ctx, domain.RideEvent(ride, domain.EventRideCreated))
		})
	})
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

type RequestCommand struct {
	RideID uuid.UUID
	UserID uuid.UUID
	Seats  int
}

// RequestBooking holds seats for a rider and records a pending booking.
func (l *Ledger) RequestBooking(ctx context.Context, cmd RequestCommand) (*domain.Booking, error) {
	if cmd.RideID == uuid.Nil || cmd.UserID == uuid.Nil || cmd.Seats < 1 {
		return nil, domain.ErrInvalidInput
	}

	var booking domain.Booking
	err := retry.Transient(ctx, l.attempts, func() error {
		return l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			ride, err := tx.LockRide(ctx, cmd.RideID)
			if err != nil {
				return err
			}
			if ride.Status != domain.RideActive {
				return errors.Wrapf(domain.ErrInvalidState, "ride is %s", ride.Status)
			}
			if !ride.DepartureAt.After(l.clock()) {
				return errors.Wrap(domain.ErrInvalidState, "ride has already departed")
			}
			if ride.DriverID == cmd.UserID {
				return errors.Wrap(domain.ErrNotAuthorized, "drivers cannot book their own ride")
			}

			dup, err := tx.HasActiveBooking(ctx, ride.ID, cmd.UserID)
			if err != nil {
				return err
			}
			if dup {
				return domain.ErrDuplicateBooking
			}
			if cmd.Seats > ride.AvailableSeats {
				return domain.ErrSeatsUnavailable
			}

			booking = domain.NewBooking(ride.ID, cmd.UserID, cmd.Seats)
			if err := tx.InsertBooking(ctx, booking); err != nil {
				return err
			}
			if err := adjustSeats(ctx, tx, ride, -cmd.Seats); err != nil {
				return err
			}
			return tx.InsertChange(ctx, domain.BookingEvent(booking, domain.EventBookingRequested))
		})
	})
	observability.BookingOutcomes.WithLabelValues("request", observability.Result(err)).Inc()
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(map[string]interface{}{
		"ride_id":    booking.RideID,
		"booking_id": booking.ID,
		"seats":      booking.SeatsBooked,
	}).Info("booking requested")
	return &booking, nil
}

type ResolveCommand struct {
	BookingID uuid.UUID
	CallerID  uuid.UUID
	Decision  Decision
}

// ResolveRequest lets the driver confirm or reject a pending booking.
func (l *Ledger) ResolveRequest(ctx context.Context, cmd ResolveCommand) (*domain.Booking, error) {
	if cmd.Decision != DecisionConfirm && cmd.Decision != DecisionReject {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown decision %q", cmd.Decision)
	}

	var booking domain.Booking
	err := retry.Transient(ctx, l.attempts, func() error {
		return l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			b, err := tx.LockBooking(ctx, cmd.BookingID)
			if err != nil {
				return err
			}
			ride, err := tx.LockRide(ctx, b.RideID)
			if err != nil {
				return err
			}
			if ride.DriverID != cmd.CallerID {
				return domain.ErrNotAuthorized
			}
			if b.Status != domain.BookingPending {
				return errors.Wrapf(domain.ErrInvalidState, "booking is %s", b.Status)
			}

			if cmd.Decision == DecisionConfirm {
				if !ride.Status.Live() {
					return errors.Wrapf(domain.ErrInvalidState, "ride is %s", ride.Status)
				}
				if err := setBookingStatus(ctx, tx, b, domain.BookingConfirmed); err != nil {
					return err
				}
				booking = *b
				return tx.InsertChange(ctx, domain.BookingEvent(booking, domain.EventBookingConfirmed))
			}

			released, err := l.release(ctx, tx, ride, *b, false, domain.EventBookingRejected)
			if err != nil {
				return err
			}
			booking = released
			return nil
		})
	})
	observability.BookingOutcomes.WithLabelValues(string(cmd.Decision), observability.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// CancelBooking withdraws a rider's own pending or confirmed booking while the
// ride has not started.
func (l *Ledger) CancelBooking(ctx context.Context, bookingID, callerID uuid.UUID) (*domain.Booking, error) {
	var booking domain.Booking
	var wasConfirmed bool
	err := retry.Transient(ctx, l.attempts, func() error {
		return l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			b, err := tx.LockBooking(ctx, bookingID)
			if err != nil {
				return err
			}
			if b.UserID != callerID {
				return domain.ErrNotAuthorized
			}
			if !b.Status.Open() {
				return errors.Wrapf(domain.ErrInvalidState, "booking is %s", b.Status)
			}
			ride, err := tx.LockRide(ctx, b.RideID)
			if err != nil {
				return err
			}
			if ride.Status != domain.RideActive {
				return errors.Wrapf(domain.ErrInvalidState, "ride is %s", ride.Status)
			}
			wasConfirmed = b.Status == domain.BookingConfirmed
			released, err := l.release(ctx, tx, ride, *b, l.refundOnCancel, domain.EventBookingCancelled)
			if err != nil {
				return err
			}
			booking = released
			return nil
		})
	})
	observability.BookingOutcomes.WithLabelValues("cancel", observability.Result(err)).Inc()
	if err != nil {
		return nil, err
	}
	if wasConfirmed && l.revoker != nil {
		if err := l.revoker.Revoke(ctx, booking.RideID, booking.UserID); err != nil {
			l.logger.WithError(err).WithField("booking_id", booking.ID).Error("failed to revoke live location access")
		}
	}
	return &booking, nil
}

// ReleaseInTx cancels an open booking inside the caller's transaction, gives
// its seats back to ride and, when refund is set, refunds a paid booking.
// ride is updated in place so several releases can be chained.
func (l *Ledger) ReleaseInTx(ctx context.Context, tx domain.Tx, ride *domain.Ride, b domain.Booking, refund bool) (domain.Booking, error) {
	return l.release(ctx, tx, ride, b, refund, domain.EventBookingCancelled)
}

func (l *Ledger) release(ctx context.Context, tx domain.Tx, ride *domain.Ride, b domain.Booking, refund bool, event string) (domain.Booking, error) {
	if !b.Status.Open() {
		return b, errors.Wrapf(domain.ErrInvalidState, "booking is %s", b.Status)
	}
	if err := setBookingStatus(ctx, tx, &b, domain.BookingCancelled); err != nil {
		return b, err
	}
	if err := adjustSeats(ctx, tx, ride, b.SeatsBooked); err != nil {
		return b, err
	}
	if err := tx.InsertChange(ctx, domain.BookingEvent(b, event)); err != nil {
		return b, err
	}
	if refund && b.PaymentStatus == domain.PaymentPaid {
		ok, err := tx.SetPaymentStatus(ctx, b.ID, domain.PaymentPaid, domain.PaymentRefunded, "")
		if err != nil {
			return b, err
		}
		if !ok {
			return b, domain.ErrTransientConflict
		}
		b.PaymentStatus = domain.PaymentRefunded
		if err := tx.InsertChange(ctx, domain.BookingEvent(b, domain.EventBookingRefunded)); err != nil {
			return b, err
		}
	}
	return b, nil
}

func (l *Ledger) GetRide(ctx context.Context, id uuid.UUID) (*domain.Ride, error) {
	return l.store.GetRide(ctx, id)
}

func (l *Ledger) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return l.store.GetBooking(ctx, id)
}

// ListBookings returns every booking on the ride to its driver and only the
// caller's own bookings to anyone else.
func (l *Ledger) ListBookings(ctx context.Context, rideID, callerID uuid.UUID) ([]domain.Booking, error) {
	ride, err := l.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	bookings, err := l.store.ListBookings(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID == callerID {
		return bookings, nil
	}
	own := bookings[:0]
	for _, b := range bookings {
		if b.UserID == callerID {
			own = append(own, b)
		}
	}
	return own, nil
}

// Participant reports the caller's role on a ride: the driver, or a passenger
// holding a confirmed booking. Anyone else is not authorized.
func (l *Ledger) Participant(ctx context.Context, rideID, userID uuid.UUID) (domain.Role, *domain.Ride, error) {
	ride, err := l.store.GetRide(ctx, rideID)
	if err != nil {
		return "", nil, err
	}
	if ride.DriverID == userID {
		return domain.RoleDriver, ride, nil
	}
	bookings, err := l.store.ListBookings(ctx, rideID)
	if err != nil {
		return "", nil, err
	}
	for _, b := range bookings {
		if b.UserID == userID && b.Status == domain.BookingConfirmed {
			return domain.RolePassenger, ride, nil
		}
	}
	return "", ride, domain.ErrNotAuthorized
}

func setBookingStatus(ctx context.Context, tx domain.Tx, b *domain.Booking, to domain.BookingStatus) error {
	ok, err := tx.SetBookingStatus(ctx, b.ID, b.Status, to)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrTransientConflict
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// adjustSeats applies delta to the ride's available seats with a
// compare-and-set against the value read under lock.
func adjustSeats(ctx context.Context, tx domain.Tx, ride *domain.Ride, delta int) error {
	next := ride.AvailableSeats + delta
	if next < 0 {
		return domain.ErrSeatsUnavailable
	}
	if next > ride.Seats {
		return errors.Newf("ride %s would have %d of %d seats available", ride.ID, next, ride.Seats)
	}
	ok, err := tx.SetAvailableSeats(ctx, ride.ID, ride.AvailableSeats, next)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrTransientConflict
	}
	ride.AvailableSeats = next
	return nil
}
