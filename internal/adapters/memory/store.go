// Package memory is an in-process implementation of domain.Store. Transactions
// are serialized and applied atomically on commit; an error from the callback
// discards every write made inside it.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/domain"
)

type state struct {
	rides    map[uuid.UUID]domain.Ride
	bookings map[uuid.UUID]domain.Booking
	changes  []domain.ChangeEvent
}

func (s *state) clone() *state {
	c := &state{
		rides:    make(map[uuid.UUID]domain.Ride, len(s.rides)),
		bookings: make(map[uuid.UUID]domain.Booking, len(s.bookings)),
		changes:  append([]domain.ChangeEvent(nil), s.changes...),
	}
	for k, v := range s.rides {
		c.rides[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	return c
}

type Store struct {
	mu    sync.Mutex
	state *state
}

var _ domain.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{state: &state{
		rides:    map[uuid.UUID]domain.Ride{},
		bookings: map[uuid.UUID]domain.Booking{},
	}}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) GetRide(_ context.Context, id uuid.UUID) (*domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ride, ok := s.state.rides[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &ride, nil
}

func (s *Store) GetBooking(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (s *Store) ListBookings(_ context.Context, rideID uuid.UUID) ([]domain.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bookingsOf(s.state, rideID), nil
}

func (s *Store) ListElapsedActiveRides(_ context.Context, now time.Time, limit int) ([]domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ride
	for _, ride := range s.state.rides {
		if ride.Status == domain.RideActive && ride.DepartureAt.Before(now) {
			out = append(out, ride)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureAt.Before(out[j].DepartureAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListTerminalRidesWithOpenBookings(_ context.Context, limit int) ([]domain.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ride
	for _, ride := range s.state.rides {
		if !ride.Status.Terminal() {
			continue
		}
		for _, b := range s.state.bookings {
			if b.RideID == ride.ID && b.Status.Open() {
				out = append(out, ride)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Changes returns the recorded change events in commit order.
func (s *Store) Changes() []domain.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ChangeEvent(nil), s.state.changes...)
}

// PutRide stores a ride as-is, bypassing the ledger. Useful for fixtures such
// as rides whose departure already passed.
func (s *Store) PutRide(ride domain.Ride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.rides[ride.ID] = ride
}

// PutBooking stores a booking as-is, bypassing the ledger.
func (s *Store) PutBooking(b domain.Booking) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.bookings[b.ID] = b
}

func bookingsOf(st *state, rideID uuid.UUID) []domain.Booking {
	var out []domain.Booking
	for _, b := range st.bookings {
		if b.RideID == rideID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type memTx struct {
	st *state
}

func (t *memTx) InsertRide(_ context.Context, ride domain.Ride) error {
	if _, ok := t.st.rides[ride.ID]; ok {
		return domain.ErrInvalidInput
	}
	t.st.rides[ride.ID] = ride
	return nil
}

func (t *memTx) LockRide(_ context.Context, id uuid.UUID) (*domain.Ride, error) {
	ride, ok := t.st.rides[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &ride, nil
}

func (t *memTx) SetAvailableSeats(_ context.Context, rideID uuid.UUID, expected, next int) (bool, error) {
	ride, ok := t.st.rides[rideID]
	if !ok || ride.AvailableSeats != expected {
		return false, nil
	}
	if next < 0 || next > ride.Seats {
		return false, domain.ErrInvalidState
	}
	ride.AvailableSeats = next
	ride.UpdatedAt = time.Now().UTC()
	t.st.rides[rideID] = ride
	return true, nil
}

func (t *memTx) SetRideStatus(_ context.Context, rideID uuid.UUID, from, to domain.RideStatus) (bool, error) {
	ride, ok := t.st.rides[rideID]
	if !ok || ride.Status != from {
		return false, nil
	}
	ride.Status = to
	ride.UpdatedAt = time.Now().UTC()
	t.st.rides[rideID] = ride
	return true, nil
}

func (t *memTx) InsertBooking(_ context.Context, b domain.Booking) error {
	for _, existing := range t.st.bookings {
		if existing.RideID == b.RideID && existing.UserID == b.UserID && existing.Status != domain.BookingCancelled {
			return domain.ErrDuplicateBooking
		}
	}
	t.st.bookings[b.ID] = b
	return nil
}

func (t *memTx) LockBooking(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, ok := t.st.bookings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (t *memTx) HasActiveBooking(_ context.Context, rideID, userID uuid.UUID) (bool, error) {
	for _, b := range t.st.bookings {
		if b.RideID == rideID && b.UserID == userID && b.Status != domain.BookingCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) LockBookings(_ context.Context, rideID uuid.UUID, statuses ...domain.BookingStatus) ([]domain.Booking, error) {
	var out []domain.Booking
	for _, b := range bookingsOf(t.st, rideID) {
		for _, s := range statuses {
			if b.Status == s {
				out = append(out, b)
				break
			}
		}
	}
	return out, nil
}

func (t *memTx) SetBookingStatus(_ context.Context, id uuid.UUID, from, to domain.BookingStatus) (bool, error) {
	b, ok := t.st.bookings[id]
	if !ok || b.Status != from {
		return false, nil
	}
	b.Status = to
	b.UpdatedAt = time.Now().UTC()
	t.st.bookings[id] = b
	return true, nil
}

func (t *memTx) SetPaymentStatus(_ context.Context, id uuid.UUID, from, to domain.PaymentStatus, ref string) (bool, error) {
	b, ok := t.st.bookings[id]
	if !ok || b.PaymentStatus != from {
		return false, nil
	}
	b.PaymentStatus = to
	if ref != "" {
		b.PaymentRef = ref
	}
	b.UpdatedAt = time.Now().UTC()
	t.st.bookings[id] = b
	return true, nil
}

func (t *memTx) CountPaidConfirmed(_ context.Context, rideID uuid.UUID) (int, error) {
	n := 0
	for _, b := range t.st.bookings {
		if b.RideID == rideID && b.Status == domain.BookingConfirmed && b.PaymentStatus == domain.PaymentPaid {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertChange(_ context.Context, ev domain.ChangeEvent) error {
	t.st.changes = append(t.st.changes, ev)
	return nil
}
