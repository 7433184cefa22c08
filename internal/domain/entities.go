package domain

import (
	"time"

	"github.com/google/uuid"
)

// RideStatus is where a ride sits in its lifecycle. See AllowedRideTransitions.
type RideStatus string

const (
	RideActive     RideStatus = "active"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
)

// BookingStatus tracks a rider's seat request from request to outcome.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// PaymentStatus is kept apart from BookingStatus; a booking can be
// confirmed and still unpaid.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Role is a participant's part on a ride.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
)

// Ride is a driver's offer of seats on one trip. AvailableSeats never goes
// below zero or above Seats.
type Ride struct {
	ID             uuid.UUID  `json:"id"`
	DriverID       uuid.UUID  `json:"driver_id"`
	Origin         string     `json:"origin"`
	Destination    string     `json:"destination"`
	DepartureAt    time.Time  `json:"departure_at"`
	Seats          int        `json:"seats"`
	AvailableSeats int        `json:"available_seats"`
	PricePerSeat   int64      `json:"price_per_seat"`
	Currency       string     `json:"currency"`
	Status         RideStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Booking is one rider's claim on seats of a ride. A rider holds at most one
// open booking per ride.
type Booking struct {
	ID            uuid.UUID     `json:"id"`
	RideID        uuid.UUID     `json:"ride_id"`
	UserID        uuid.UUID     `json:"user_id"`
	SeatsBooked   int           `json:"seats_booked"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentRef    string        `json:"payment_ref,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// LiveLocation is the last reported position of one participant on a ride.
// It only exists while that participant is sharing.
type LiveLocation struct {
	RideID    uuid.UUID `json:"ride_id"`
	UserID    uuid.UUID `json:"user_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Role      Role      `json:"role"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Position is a single sample produced by a device or any other position source.
type Position struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	SampledAt time.Time `json:"sampled_at"`
}

// Fence blocks a participant from writing, and sometimes reading, live
// locations even on an instance that never saw the reason.
type Fence string

const (
	FenceNone Fence = ""
	// FenceStopped is left by stopping a share. Watching is still allowed.
	FenceStopped Fence = "stopped"
	// FenceRevoked is left when the participant loses their seat.
	FenceRevoked Fence = "revoked"
	// FenceEnded covers every participant once the ride is over.
	FenceEnded Fence = "ended"
)

// CanShare reports whether a location write is allowed under f.
func (f Fence) CanShare() bool { return f == FenceNone }

// CanWatch reports whether the participant may keep receiving locations.
func (f Fence) CanWatch() bool { return f == FenceNone || f == FenceStopped }

// ChangeEvent is a row-change notification recorded in the same transaction
// as the mutation it describes.
type ChangeEvent struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	DedupeKey     string
	CreatedAt     time.Time
}
