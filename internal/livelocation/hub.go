// Package livelocation fans out participants' positions on a ride to every
// other participant and derives presence from who is currently sharing.
package livelocation

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/observability"
)

// PositionSource produces position samples until ctx is done or the source
// runs dry, then closes the channel.
type PositionSource interface {
	Samples(ctx context.Context) <-chan domain.Position
}

// Store holds the latest record per participant together with the fences
// that refuse writes from any instance.
type Store interface {
	// Upsert reports false, without writing, when the participant is fenced.
	Upsert(ctx context.Context, loc domain.LiveLocation) (bool, error)
	Stop(ctx context.Context, rideID, userID uuid.UUID) error
	Revoke(ctx context.Context, rideID, userID uuid.UUID) error
	Lift(ctx context.Context, rideID, userID uuid.UUID, from, to domain.Fence) error
	FenceOf(ctx context.Context, rideID, userID uuid.UUID) (domain.Fence, error)
	Clear(ctx context.Context, rideID uuid.UUID) error
	Snapshot(ctx context.Context, rideID uuid.UUID) ([]domain.LiveLocation, error)
	Watch(ctx context.Context, rideID uuid.UUID) (<-chan struct{}, error)
}

// Participants resolves the caller's role on a ride.
type Participants interface {
	Participant(ctx context.Context, rideID, userID uuid.UUID) (domain.Role, *domain.Ride, error)
}

type sessionKey struct {
	ride uuid.UUID
	user uuid.UUID
}

type session struct {
	id     uint64
	source PositionSource
	cancel context.CancelFunc
	done   chan struct{}
}

type Hub struct {
	store        Store
	participants Participants
	logger       observability.Logger
	clock        func() time.Time

	mu       sync.Mutex
	nextID   uint64
	sessions map[sessionKey]*session
}

func NewHub(store Store, participants Participants, logger observability.Logger) *Hub {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Hub{
		store:        store,
		participants: participants,
		logger:       logger,
		clock:        time.Now,
		sessions:     map[sessionKey]*session{},
	}
}

// StartSharing begins writing samples from source as the caller's live
// location. A second call for the same participant replaces the first
// session.
func (h *Hub) StartSharing(ctx context.Context, rideID, userID uuid.UUID, role domain.Role, source PositionSource) error {
	actual, ride, err := h.participants.Participant(ctx, rideID, userID)
	if err != nil {
		return err
	}
	if role != "" && role != actual {
		return errors.Wrapf(domain.ErrNotAuthorized, "caller is not the %s of this ride", role)
	}
	if !ride.Status.Live() {
		return errors.Wrapf(domain.ErrInvalidState, "ride is %s", ride.Status)
	}
	if err := h.admit(ctx, rideID, userID, domain.FenceNone); err != nil {
		return err
	}

	key := sessionKey{ride: rideID, user: userID}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{source: source, cancel: cancel, done: make(chan struct{})}

	h.mu.Lock()
	h.nextID++
	s.id = h.nextID
	prev := h.sessions[key]
	h.sessions[key] = s
	h.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	log := h.logger.WithFields(map[string]interface{}{"ride_id": rideID, "user_id": userID})
	go func() {
		defer close(s.done)
		defer h.forget(key, s.id)
		defer cancel()
		for pos := range source.Samples(sctx) {
			if sctx.Err() != nil {
				return
			}
			at := pos.SampledAt
			if at.IsZero() {
				at = h.clock()
			}
			written, err := h.store.Upsert(sctx, domain.LiveLocation{
				RideID:    rideID,
				UserID:    userID,
				Lat:       pos.Lat,
				Lng:       pos.Lng,
				Role:      actual,
				UpdatedAt: at.UTC(),
			})
			if err != nil {
				log.WithError(err).Warn("failed to write location sample")
				continue
			}
			if !written {
				// Stopped, revoked or ended, possibly by another instance.
				log.Info("location sharing fenced off")
				if c, ok := source.(closer); ok {
					c.Close()
				}
				return
			}
			observability.LocationSamples.Inc()
		}
	}()
	log.Debug("location sharing started")
	return nil
}

// StopSharing ends the participant's session and deletes their record. A
// session held by another instance is refused on its next write. Calling it
// again is harmless.
func (h *Hub) StopSharing(ctx context.Context, rideID, userID uuid.UUID) error {
	key := sessionKey{ride: rideID, user: userID}
	h.mu.Lock()
	s := h.sessions[key]
	delete(h.sessions, key)
	h.mu.Unlock()

	if s != nil {
		s.cancel()
		<-s.done
	}
	return h.store.Stop(ctx, rideID, userID)
}

// StopSource ends the participant's session only if it is still fed by
// source. A connection that was superseded by a newer one must not remove
// the newer session's record.
func (h *Hub) StopSource(ctx context.Context, rideID, userID uuid.UUID, source PositionSource) error {
	key := sessionKey{ride: rideID, user: userID}
	h.mu.Lock()
	s := h.sessions[key]
	if s == nil || s.source != source {
		h.mu.Unlock()
		return nil
	}
	delete(h.sessions, key)
	h.mu.Unlock()

	s.cancel()
	<-s.done
	return h.store.Stop(ctx, rideID, userID)
}

// ClearRide stops every local session on the ride, drops all its records
// and marks it ended so sessions elsewhere are refused too.
func (h *Hub) ClearRide(ctx context.Context, rideID uuid.UUID) error {
	h.mu.Lock()
	var stopping []*session
	for key, s := range h.sessions {
		if key.ride == rideID {
			stopping = append(stopping, s)
			delete(h.sessions, key)
		}
	}
	h.mu.Unlock()

	for _, s := range stopping {
		s.cancel()
		<-s.done
	}
	return h.store.Clear(ctx, rideID)
}

// Subscribe streams the full set of records for the ride: once straight
// away and again after every change. The channel closes when ctx is done,
// or once the viewer is revoked or the ride ends.
func (h *Hub) Subscribe(ctx context.Context, rideID, viewerID uuid.UUID) (<-chan []domain.LiveLocation, error) {
	_, ride, err := h.participants.Participant(ctx, rideID, viewerID)
	if err != nil {
		return nil, err
	}
	if !ride.Status.Live() {
		return nil, errors.Wrapf(domain.ErrInvalidState, "ride is %s", ride.Status)
	}
	if err := h.admit(ctx, rideID, viewerID, domain.FenceStopped); err != nil {
		return nil, err
	}

	// Watch before the first read so no change slips in between.
	changes, err := h.store.Watch(ctx, rideID)
	if err != nil {
		return nil, err
	}
	first, err := h.store.Snapshot(ctx, rideID)
	if err != nil {
		return nil, err
	}

	log := h.logger.WithFields(map[string]interface{}{"ride_id": rideID, "user_id": viewerID})
	out := make(chan []domain.LiveLocation)
	observability.LocationSubscribers.Inc()
	go func() {
		defer observability.LocationSubscribers.Dec()
		defer close(out)

		snapshot := first
		for {
			select {
			case out <- snapshot:
			case <-ctx.Done():
				return
			}
			select {
			case _, ok := <-changes:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
			fence, err := h.store.FenceOf(ctx, rideID, viewerID)
			if err == nil && !fence.CanWatch() {
				log.WithField("fence", fence).Info("location subscription fenced off")
				return
			}
			next, err := h.store.Snapshot(ctx, rideID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("failed to read locations")
				continue
			}
			snapshot = next
		}
	}()
	return out, nil
}

// Presence reports which participants are sharing right now.
func (h *Hub) Presence(ctx context.Context, rideID uuid.UUID) (map[uuid.UUID]bool, error) {
	locs, err := h.store.Snapshot(ctx, rideID)
	if err != nil {
		return nil, err
	}
	present := make(map[uuid.UUID]bool, len(locs))
	for _, loc := range locs {
		present[loc.UserID] = true
	}
	return present, nil
}

// Close stops every local session without touching stored records.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = map[sessionKey]*session{}
	h.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
		<-s.done
	}
}

type closer interface {
	Close()
}

// admit checks the participant's fence after their role has been checked
// against the store. A fence stricter than allow is lifted down to allow,
// then the role is checked again: a cancellation that committed in between
// has already fenced them and the lift must not stand.
func (h *Hub) admit(ctx context.Context, rideID, userID uuid.UUID, allow domain.Fence) error {
	fence, err := h.store.FenceOf(ctx, rideID, userID)
	if err != nil {
		return err
	}
	switch {
	case fence == domain.FenceEnded:
		return errors.Wrap(domain.ErrInvalidState, "ride has ended")
	case fence == domain.FenceNone, fence == allow:
		return nil
	}
	if err := h.store.Lift(ctx, rideID, userID, fence, allow); err != nil {
		return err
	}
	if _, _, err := h.participants.Participant(ctx, rideID, userID); err != nil {
		if errors.Is(err, domain.ErrNotAuthorized) {
			if rerr := h.store.Revoke(ctx, rideID, userID); rerr != nil {
				h.logger.WithError(rerr).WithField("ride_id", rideID).Warn("failed to restore revocation")
			}
		}
		return err
	}
	return nil
}

func (h *Hub) forget(key sessionKey, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[key]; ok && s.id == id {
		delete(h.sessions, key)
	}
}
