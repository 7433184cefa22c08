// Package lifecycle drives rides through their status machine and keeps
// bookings consistent with the ride's outcome.
package lifecycle

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/paymentgate"
	"github.com/robertarktes/ride-coordination/internal/retry"
	"github.com/robertarktes/ride-coordination/internal/seatledger"
)

// LocationCleaner drops live locations once a ride is over.
type LocationCleaner interface {
	ClearRide(ctx context.Context, rideID uuid.UUID) error
}

// Auditor records committed transitions.
type Auditor interface {
	LogTransition(ctx context.Context, t Result) error
}

type Options struct {
	TxAttempts int
	Clock      func() time.Time
	Logger     observability.Logger
	Locations  LocationCleaner
	Audit      Auditor
}

type Lifecycle struct {
	store     domain.Store
	ledger    *seatledger.Ledger
	gate      *paymentgate.Gate
	attempts  int
	clock     func() time.Time
	logger    observability.Logger
	locations LocationCleaner
	audit     Auditor
}

func New(store domain.Store, ledger *seatledger.Ledger, gate *paymentgate.Gate, opts Options) *Lifecycle {
	if opts.TxAttempts < 1 {
		opts.TxAttempts = 5
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Lifecycle{
		store:     store,
		ledger:    ledger,
		gate:      gate,
		attempts:  opts.TxAttempts,
		clock:     opts.Clock,
		logger:    opts.Logger,
		locations: opts.Locations,
		audit:     opts.Audit,
	}
}

type TransitionCommand struct {
	RideID   uuid.UUID
	CallerID uuid.UUID
	To       domain.RideStatus
	// System marks transitions made by the platform rather than the driver.
	System bool
	// At is the time a system transition is judged against. Zero means the
	// lifecycle's own clock. Driver commands always use the clock.
	At time.Time
}

type Result struct {
	Ride     domain.Ride
	From     domain.RideStatus
	CallerID uuid.UUID
	System   bool
	// Bookings touched by the cascade, in their new state.
	Bookings []domain.Booking
}

func (l *Lifecycle) Transition(ctx context.Context, cmd TransitionCommand) (*Result, error) {
	if !cmd.To.Valid() {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "unknown ride status %q", cmd.To)
	}

	var res Result
	err := retry.Transient(ctx, l.attempts, func() error {
		res = Result{CallerID: cmd.CallerID, System: cmd.System}
		return l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			ride, err := tx.LockRide(ctx, cmd.RideID)
			if err != nil {
				return err
			}
			if err := l.guard(ctx, tx, ride, cmd); err != nil {
				return err
			}

			ok, err := tx.SetRideStatus(ctx, ride.ID, ride.Status, cmd.To)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrTransientConflict
			}
			res.From = ride.Status
			ride.Status = cmd.To

			touched, err := l.ApplyCascade(ctx, tx, ride)
			if err != nil {
				return err
			}
			res.Bookings = touched
			res.Ride = *ride
			return tx.InsertChange(ctx, domain.RideEvent(*ride, rideEventType(cmd.To)))
		})
	})
	if err != nil {
		return nil, err
	}

	actor := "driver"
	if cmd.System {
		actor = "system"
	}
	observability.RideTransitions.WithLabelValues(string(cmd.To), actor).Inc()
	l.afterCommit(ctx, res)
	return &res, nil
}

// guard rejects a transition before anything is written.
func (l *Lifecycle) guard(ctx context.Context, tx domain.Tx, ride *domain.Ride, cmd TransitionCommand) error {
	if ride.Status.Terminal() {
		return errors.Wrapf(domain.ErrTerminalState, "ride is %s", ride.Status)
	}
	if cmd.System {
		// The platform only ends rides that never started.
		if cmd.To != domain.RideCompleted && cmd.To != domain.RideCancelled {
			return domain.ErrNotAuthorized
		}
		if ride.Status != domain.RideActive {
			return errors.Wrapf(domain.ErrInvalidState, "ride is %s", ride.Status)
		}
	} else if cmd.CallerID != ride.DriverID {
		return domain.ErrNotAuthorized
	}
	if !domain.CanTransitionRide(ride.Status, cmd.To) {
		return errors.Wrapf(domain.ErrInvalidState, "%s -> %s", ride.Status, cmd.To)
	}

	switch {
	case ride.Status == domain.RideActive && cmd.To == domain.RideCompleted:
		if !cmd.System {
			return errors.Wrap(domain.ErrInvalidState, "a ride that never started completes on its own")
		}
		at := cmd.At
		if at.IsZero() {
			at = l.clock()
		}
		if !ride.DepartureAt.Before(at) {
			return errors.Wrap(domain.ErrInvalidState, "departure has not passed")
		}
	case cmd.To == domain.RideInProgress:
		ok, err := l.gate.CanStartTx(ctx, tx, ride.ID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrPaymentRequired
		}
	}
	return nil
}

// ApplyCascade brings the ride's open bookings in line with its terminal
// status. Running it again on the same ride changes nothing.
func (l *Lifecycle) ApplyCascade(ctx context.Context, tx domain.Tx, ride *domain.Ride) ([]domain.Booking, error) {
	if !ride.Status.Terminal() {
		return nil, nil
	}
	open, err := tx.LockBookings(ctx, ride.ID, domain.BookingPending, domain.BookingConfirmed)
	if err != nil {
		return nil, err
	}

	touched := make([]domain.Booking, 0, len(open))
	for _, b := range open {
		if ride.Status == domain.RideCompleted && b.Status == domain.BookingConfirmed {
			ok, err := tx.SetBookingStatus(ctx, b.ID, b.Status, domain.BookingCompleted)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, domain.ErrTransientConflict
			}
			b.Status = domain.BookingCompleted
			if err := tx.InsertChange(ctx, domain.BookingEvent(b, domain.EventBookingCompleted)); err != nil {
				return nil, err
			}
			touched = append(touched, b)
			continue
		}

		released, err := l.ledger.ReleaseInTx(ctx, tx, ride, b, l.ledger.RefundOnCancel())
		if err != nil {
			return nil, err
		}
		touched = append(touched, released)
	}
	return touched, nil
}

// Repair re-applies the cascade to a terminal ride. It returns how many
// bookings it had to fix.
func (l *Lifecycle) Repair(ctx context.Context, rideID uuid.UUID) (int, error) {
	var fixed int
	err := retry.Transient(ctx, l.attempts, func() error {
		return l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			ride, err := tx.LockRide(ctx, rideID)
			if err != nil {
				return err
			}
			touched, err := l.ApplyCascade(ctx, tx, ride)
			fixed = len(touched)
			return err
		})
	})
	if err == nil && fixed > 0 {
		l.logger.WithFields(map[string]interface{}{"ride_id": rideID, "bookings": fixed}).Warn("repaired incomplete cascade")
	}
	return fixed, err
}

func (l *Lifecycle) afterCommit(ctx context.Context, res Result) {
	log := l.logger.WithFields(map[string]interface{}{
		"ride_id": res.Ride.ID,
		"from":    res.From,
		"to":      res.Ride.Status,
	})
	log.Info("ride transitioned")

	if l.locations != nil && !res.Ride.Status.Live() {
		if err := l.locations.ClearRide(ctx, res.Ride.ID); err != nil {
			log.WithError(err).Warn("failed to clear live locations")
		}
	}
	if l.audit != nil {
		if err := l.audit.LogTransition(ctx, res); err != nil {
			log.WithError(err).Warn("failed to write audit entry")
		}
	}
}

func rideEventType(s domain.RideStatus) string {
	switch s {
	case domain.RideInProgress:
		return domain.EventRideInProgress
	case domain.RideCompleted:
		return domain.EventRideCompleted
	default:
		return domain.EventRideCancelled
	}
}
