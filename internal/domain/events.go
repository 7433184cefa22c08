package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types written to the outbox alongside the change they describe.
const (
	EventRideCreated      = "ride.created"
	EventRideInProgress   = "ride.in_progress"
	EventRideCompleted    = "ride.completed"
	EventRideCancelled    = "ride.cancelled"
	EventBookingRequested = "booking.requested"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingRejected  = "booking.rejected"
	EventBookingCancelled = "booking.cancelled"
	EventBookingCompleted = "booking.completed"
	EventBookingPaid      = "booking.paid"
	EventBookingRefunded  = "booking.refunded"
)

// RideEvent records a ride change for the outbox.
func RideEvent(ride Ride, eventType string) ChangeEvent {
	payload, _ := json.Marshal(map[string]interface{}{
		"ride_id":         ride.ID,
		"driver_id":       ride.DriverID,
		"status":          ride.Status,
		"available_seats": ride.AvailableSeats,
	})
	return newChange("ride", ride.ID, eventType, payload)
}

// BookingEvent records a booking change for the outbox.
func BookingEvent(b Booking, eventType string) ChangeEvent {
	payload, _ := json.Marshal(map[string]interface{}{
		"booking_id":     b.ID,
		"ride_id":        b.RideID,
		"user_id":        b.UserID,
		"seats_booked":   b.SeatsBooked,
		"status":         b.Status,
		"payment_status": b.PaymentStatus,
		"payment_ref":    b.PaymentRef,
	})
	return newChange("booking", b.ID, eventType, payload)
}

func newChange(aggregateType string, id uuid.UUID, eventType string, payload []byte) ChangeEvent {
	return ChangeEvent{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   id,
		EventType:     eventType,
		Payload:       payload,
		DedupeKey:     uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
	}
}
