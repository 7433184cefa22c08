package paymentgate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/adapters/memory"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(store *memory.Store, ride domain.Ride, status domain.BookingStatus, payment domain.PaymentStatus) domain.Booking {
	b := domain.NewBooking(ride.ID, uuid.New(), 1)
	b.Status = status
	b.PaymentStatus = payment
	store.PutBooking(b)
	return b
}

func TestCanStart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	gate := New(store, 3, nil)
	ride := domain.NewRide(uuid.New(), "Porto", "Braga", time.Now().Add(time.Hour), 4, 800, "EUR")
	store.PutRide(ride)

	ok, err := gate.CanStart(ctx, ride.ID)
	require.NoError(t, err)
	assert.False(t, ok, "no bookings")

	seed(store, ride, domain.BookingConfirmed, domain.PaymentUnpaid)
	seed(store, ride, domain.BookingPending, domain.PaymentPaid)
	seed(store, ride, domain.BookingCancelled, domain.PaymentPaid)
	ok, err = gate.CanStart(ctx, ride.ID)
	require.NoError(t, err)
	assert.False(t, ok, "paid but unconfirmed bookings do not count")

	seed(store, ride, domain.BookingConfirmed, domain.PaymentPaid)
	ok, err = gate.CanStart(ctx, ride.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	err = store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		ok, err = gate.CanStartTx(ctx, tx, ride.ID)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = gate.CanStart(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkPaid(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	gate := New(store, 3, nil)
	ride := domain.NewRide(uuid.New(), "Porto", "Braga", time.Now().Add(time.Hour), 4, 800, "EUR")
	store.PutRide(ride)
	b := seed(store, ride, domain.BookingConfirmed, domain.PaymentUnpaid)

	paid, err := gate.MarkPaid(ctx, MarkPaidCommand{BookingID: b.ID, PaymentRef: "pi_123"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPaid, paid.PaymentStatus)
	assert.Equal(t, "pi_123", paid.PaymentRef)

	again, err := gate.MarkPaid(ctx, MarkPaidCommand{BookingID: b.ID, PaymentRef: "pi_other"})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", again.PaymentRef, "repeat is a no-op")

	paidEvents := 0
	for _, ev := range store.Changes() {
		if ev.EventType == domain.EventBookingPaid {
			paidEvents++
		}
	}
	assert.Equal(t, 1, paidEvents)

	cancelled := seed(store, ride, domain.BookingCancelled, domain.PaymentUnpaid)
	_, err = gate.MarkPaid(ctx, MarkPaidCommand{BookingID: cancelled.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	refunded := seed(store, ride, domain.BookingCancelled, domain.PaymentRefunded)
	_, err = gate.MarkPaid(ctx, MarkPaidCommand{BookingID: refunded.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = gate.MarkPaid(ctx, MarkPaidCommand{BookingID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
