package domain

import (
	"time"

	"github.com/google/uuid"
)

// AllowedRideTransitions is the ride state machine. Completed and cancelled
// have no outgoing edges.
var AllowedRideTransitions = map[RideStatus][]RideStatus{
	RideActive:     {RideInProgress, RideCancelled, RideCompleted},
	RideInProgress: {RideCompleted, RideCancelled},
}

// CanTransitionRide reports whether the state machine has an edge from -> to.
func CanTransitionRide(from, to RideStatus) bool {
	for _, s := range AllowedRideTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s RideStatus) Terminal() bool {
	return s == RideCompleted || s == RideCancelled
}

// Live reports whether participants may share locations on a ride in this status.
func (s RideStatus) Live() bool {
	return s == RideActive || s == RideInProgress
}

// Valid reports whether s is a known status.
func (s RideStatus) Valid() bool {
	switch s {
	case RideActive, RideInProgress, RideCompleted, RideCancelled:
		return true
	}
	return false
}

// NewRide builds an active ride with every seat available. Currency
// defaults to EUR.
func NewRide(driverID uuid.UUID, origin, destination string, departureAt time.Time, seats int, pricePerSeat int64, currency string) Ride {
	now := time.Now().UTC()
	if currency == "" {
		currency = "EUR"
	}
	return Ride{
		ID:             uuid.New(),
		DriverID:       driverID,
		Origin:         origin,
		Destination:    destination,
		DepartureAt:    departureAt.UTC(),
		Seats:          seats,
		AvailableSeats: seats,
		PricePerSeat:   pricePerSeat,
		Currency:       currency,
		Status:         RideActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
