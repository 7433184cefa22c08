package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewBooking builds a pending, unpaid request for seats on a ride.
func NewBooking(rideID, userID uuid.UUID, seats int) Booking {
	now := time.Now().UTC()
	return Booking{
		ID:            uuid.New(),
		RideID:        rideID,
		UserID:        userID,
		SeatsBooked:   seats,
		Status:        BookingPending,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HoldsSeats reports whether a booking in this status counts against the
// ride's capacity. Only cancellation gives seats back.
func (s BookingStatus) HoldsSeats() bool {
	return s == BookingPending || s == BookingConfirmed || s == BookingCompleted
}

// Open reports whether the booking still awaits the ride's outcome.
func (s BookingStatus) Open() bool {
	return s == BookingPending || s == BookingConfirmed
}
