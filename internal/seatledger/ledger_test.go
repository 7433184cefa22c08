package seatledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/adapters/memory"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newLedger(t *testing.T, refund bool) (*Ledger, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return New(store, Options{
		TxAttempts:     3,
		RefundOnCancel: refund,
		Clock:          func() time.Time { return now },
	}), store
}

func createRide(t *testing.T, l *Ledger, seats int) *domain.Ride {
	t.Helper()
	ride, err := l.CreateRide(context.Background(), CreateRideCommand{
		DriverID:     uuid.New(),
		Origin:       "Lyon",
		Destination:  "Grenoble",
		DepartureAt:  now.Add(3 * time.Hour),
		Seats:        seats,
		PricePerSeat: 1200,
	})
	require.NoError(t, err)
	return ride
}

func availableSeats(t *testing.T, l *Ledger, rideID uuid.UUID) int {
	t.Helper()
	ride, err := l.GetRide(context.Background(), rideID)
	require.NoError(t, err)
	return ride.AvailableSeats
}

func TestCreateRide_Validation(t *testing.T) {
	l, _ := newLedger(t, true)
	ctx := context.Background()

	_, err := l.CreateRide(ctx, CreateRideCommand{DriverID: uuid.New(), Origin: "a", Destination: "b", DepartureAt: now.Add(time.Hour)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = l.CreateRide(ctx, CreateRideCommand{DriverID: uuid.New(), Origin: "a", Destination: "b", Seats: 2, DepartureAt: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	ride := createRide(t, l, 3)
	assert.Equal(t, domain.RideActive, ride.Status)
	assert.Equal(t, 3, ride.AvailableSeats)
	assert.Equal(t, "EUR", ride.Currency)
}

func TestRequestBooking_HoldsSeats(t *testing.T) {
	l, store := newLedger(t, true)
	ride := createRide(t, l, 3)

	b, err := l.RequestBooking(context.Background(), RequestCommand{RideID: ride.ID, UserID: uuid.New(), Seats: 2})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingPending, b.Status)
	assert.Equal(t, domain.PaymentUnpaid, b.PaymentStatus)
	assert.Equal(t, 1, availableSeats(t, l, ride.ID))

	changes := store.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, domain.EventRideCreated, changes[0].EventType)
	assert.Equal(t, domain.EventBookingRequested, changes[1].EventType)
}

func TestRequestBooking_Rejections(t *testing.T) {
	l, store := newLedger(t, true)
	ctx := context.Background()
	ride := createRide(t, l, 2)
	rider := uuid.New()

	_, err := l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: rider, Seats: 3})
	assert.ErrorIs(t, err, domain.ErrSeatsUnavailable)

	_, err = l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: ride.DriverID, Seats: 1})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	_, err = l.RequestBooking(ctx, RequestCommand{RideID: uuid.New(), UserID: rider, Seats: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: rider, Seats: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: rider, Seats: 1})
	require.NoError(t, err)
	_, err = l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: rider, Seats: 1})
	assert.ErrorIs(t, err, domain.ErrDuplicateBooking)
	assert.Equal(t, 1, availableSeats(t, l, ride.ID))

	departed := domain.NewRide(uuid.New(), "a", "b", now.Add(-time.Minute), 2, 500, "EUR")
	store.PutRide(departed)
	_, err = l.RequestBooking(ctx, RequestCommand{RideID: departed.ID, UserID: rider, Seats: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	cancelled := domain.NewRide(uuid.New(), "a", "b", now.Add(time.Hour), 2, 500, "EUR")
	cancelled.Status = domain.RideCancelled
	store.PutRide(cancelled)
	_, err = l.RequestBooking(ctx, RequestCommand{RideID: cancelled.ID, UserID: rider, Seats: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestRequestBooking_ConcurrentNeverOversells(t *testing.T) {
	l, store := newLedger(t, true)
	ride := createRide(t, l, 4)

	const riders = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RequestBooking(context.Background(), RequestCommand{RideID: ride.ID, UserID: uuid.New(), Seats: 1})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrSeatsUnavailable)
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, granted)
	assert.Equal(t, 0, availableSeats(t, l, ride.ID))

	bookings, err := store.ListBookings(context.Background(), ride.ID)
	require.NoError(t, err)
	held := 0
	for _, b := range bookings {
		if b.Status.HoldsSeats() {
			held += b.SeatsBooked
		}
	}
	assert.Equal(t, ride.Seats, held)
}

func TestResolveRequest(t *testing.T) {
	l, _ := newLedger(t, true)
	ctx := context.Background()
	ride := createRide(t, l, 3)

	first, err := l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: uuid.New(), Seats: 1})
	require.NoError(t, err)
	second, err := l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: uuid.New(), Seats: 2})
	require.NoError(t, err)

	_, err = l.ResolveRequest(ctx, ResolveCommand{BookingID: first.ID, CallerID: first.UserID, Decision: DecisionConfirm})
	assert.ErrorIs(t, err, domain.ErrNotAuthorized)

	confirmed, err := l.ResolveRequest(ctx, ResolveCommand{BookingID: first.ID, CallerID: ride.DriverID, Decision: DecisionConfirm})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingConfirmed, confirmed.Status)
	assert.Equal(t, 0, availableSeats(t, l, ride.ID))

	rejected, err := l.ResolveRequest(ctx, ResolveCommand{BookingID: second.ID, CallerID: ride.DriverID, Decision: DecisionReject})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingCancelled, rejected.Status)
	assert.Equal(t, 2, availableSeats(t, l, ride.ID))

	_, err = l.ResolveRequest(ctx, ResolveCommand{BookingID: second.ID, CallerID: ride.DriverID, Decision: DecisionConfirm})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = l.ResolveRequest(ctx, ResolveCommand{BookingID: first.ID, CallerID: ride.DriverID, Decision: "maybe"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSingleSeatRejectThenRebook(t *testing.T) {
	l, _ := newLedger(t, true)
	ctx := context.Background()
	ride := createRide(t, l, 1)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	reqA, err := l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: a, Seats: 1})
	require.NoError(t, err)

	_, err = l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: b, Seats: 1})
	assert.ErrorIs(t, err, domain.ErrSeatsUnavailable)

	_, err = l.ResolveRequest(ctx, ResolveCommand{BookingID: reqA.ID, CallerID: ride.DriverID, Decision: DecisionReject})
	require.NoError(t, err)

	reqC, err := l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: c, Seats: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.BookingPending, reqC.Status)
	assert.Equal(t, 0, availableSeats(t, l, ride.ID))

	// A rejected rider may ask again once seats free up.
	_, err = l.ResolveRequest(ctx, ResolveCommand{BookingID: reqC.ID, CallerID: ride.DriverID, Decision: DecisionReject})
	require.NoError(t, err)
	_, err = l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: a, Seats: 1})
	assert.NoError(t, err)
}

func TestCancelBooking(t *testing.T) {
	for _, refund := range []bool{true, false} {
		refund := refund
		name := "keeps payment"
		if refund {
			name = "refunds payment"
		}
		t.Run(name, func(t *testing.T) {
			l, store := newLedger(t, refund)
			ctx := context.Background()
			ride := createRide(t, l, 2)

			b, err := l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: uuid.New(), Seats: 2})
			require.NoError(t, err)
			paid := *b
			paid.Status = domain.BookingConfirmed
			paid.PaymentStatus = domain.PaymentPaid
			store.PutBooking(paid)

			_, err = l.CancelBooking(ctx, b.ID, ride.DriverID)
			assert.ErrorIs(t, err, domain.ErrNotAuthorized)

			cancelled, err := l.CancelBooking(ctx, b.ID, b.UserID)
			require.NoError(t, err)
			assert.Equal(t, domain.BookingCancelled, cancelled.Status)
			assert.Equal(t, 2, availableSeats(t, l, ride.ID))
			if refund {
				assert.Equal(t, domain.PaymentRefunded, cancelled.PaymentStatus)
			} else {
				assert.Equal(t, domain.PaymentPaid, cancelled.PaymentStatus)
			}

			_, err = l.CancelBooking(ctx, b.ID, b.UserID)
			assert.ErrorIs(t, err, domain.ErrInvalidState)
		})
	}
}

func TestListBookingsAndParticipant(t *testing.T) {
	l, _ := newLedger(t, true)
	ctx := context.Background()
	ride := createRide(t, l, 3)
	rider, other := uuid.New(), uuid.New()

	b, err := l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: rider, Seats: 1})
	require.NoError(t, err)
	_, err = l.RequestBooking(ctx, RequestCommand{RideID: ride.ID, UserID: other, Seats: 1})
	require.NoError(t, err)

	all, err := l.ListBookings(ctx, ride.ID, ride.DriverID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := l.ListBookings(ctx, ride.ID, rider)
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, rider, own[0].UserID)

	role, _, err := l.Participant(ctx, ride.ID, ride.DriverID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleDriver, role)

	_, _, err = l.Participant(ctx, ride.ID, rider)
	assert.True(t, errors.Is(err, domain.ErrNotAuthorized), "pending riders are not participants")

	_, err = l.ResolveRequest(ctx, ResolveCommand{BookingID: b.ID, CallerID: ride.DriverID, Decision: DecisionConfirm})
	require.NoError(t, err)
	role, _, err = l.Participant(ctx, ride.ID, rider)
	require.NoError(t, err)
	assert.Equal(t, domain.RolePassenger, role)
}
