package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the transactional row store. Every mutation of seats, booking
// status or payment status happens inside WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetRide(ctx context.Context, id uuid.UUID) (*Ride, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListBookings(ctx context.Context, rideID uuid.UUID) ([]Booking, error)
	ListElapsedActiveRides(ctx context.Context, now time.Time, limit int) ([]Ride, error)
	ListTerminalRidesWithOpenBookings(ctx context.Context, limit int) ([]Ride, error)
}

// Tx reads lock the rows they return until the transaction ends.
type Tx interface {
	InsertRide(ctx context.Context, ride Ride) error
	LockRide(ctx context.Context, id uuid.UUID) (*Ride, error)
	// SetAvailableSeats writes the new count only if the stored value still
	// equals expected. It reports whether the row was updated.
	SetAvailableSeats(ctx context.Context, rideID uuid.UUID, expected, next int) (bool, error)
	SetRideStatus(ctx context.Context, rideID uuid.UUID, from, to RideStatus) (bool, error)

	InsertBooking(ctx context.Context, booking Booking) error
	LockBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	HasActiveBooking(ctx context.Context, rideID, userID uuid.UUID) (bool, error)
	LockBookings(ctx context.Context, rideID uuid.UUID, statuses ...BookingStatus) ([]Booking, error)
	SetBookingStatus(ctx context.Context, id uuid.UUID, from, to BookingStatus) (bool, error)
	SetPaymentStatus(ctx context.Context, id uuid.UUID, from, to PaymentStatus, ref string) (bool, error)
	CountPaidConfirmed(ctx context.Context, rideID uuid.UUID) (int, error)

	InsertChange(ctx context.Context, ev ChangeEvent) error
}
