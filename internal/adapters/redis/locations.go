package redis

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robertarktes/ride-coordination/internal/domain"
)

// fenceTTL bounds how long a stop, revocation or end marker survives. A
// session still open after that long would have to stay silent for the
// whole period, since its first refused write ends it.
const fenceTTL = 24 * time.Hour

// Locations keeps one hash per ride, keyed by participant, and announces
// every change on a per-ride channel. Fences live next to the hash, so a
// write from any instance is checked against them atomically.
//
// Keys share a {ride} hash tag and therefore a cluster slot.
type Locations struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLocations(client *redis.Client, ttl time.Duration) *Locations {
	return &Locations{client: client, ttl: ttl}
}

func rideTag(rideID uuid.UUID) string {
	return "ride:{" + rideID.String() + "}"
}

func locationsKey(rideID uuid.UUID) string {
	return rideTag(rideID) + ":locations"
}

func changesChannel(rideID uuid.UUID) string {
	return locationsKey(rideID) + ":changes"
}

func endedKey(rideID uuid.UUID) string {
	return rideTag(rideID) + ":ended"
}

func fencesKey(rideID uuid.UUID) string {
	return rideTag(rideID) + ":fences"
}

// KEYS: locations, ended, fences. ARGV: user, record, ttl ms.
var upsertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// KEYS: locations, fences. ARGV: user, fence, overwrite, ttl ms.
// Returns 1 if a record was removed.
var fenceScript = redis.NewScript(`
if ARGV[3] == '1' then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
else
  redis.call('HSETNX', KEYS[2], ARGV[1], ARGV[2])
end
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// KEYS: fences. ARGV: user, from, to.
var liftScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then return 0 end
if ARGV[3] == '' then
  redis.call('HDEL', KEYS[1], ARGV[1])
else
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
end
return 1
`)

// Upsert overwrites the participant's record and refreshes the ride key TTL
// so abandoned records age out. It reports false without writing when the
// participant is fenced or the ride has ended.
func (l *Locations) Upsert(ctx context.Context, loc domain.LiveLocation) (bool, error) {
	data, err := json.Marshal(loc)
	if err != nil {
		return false, err
	}
	keys := []string{locationsKey(loc.RideID), endedKey(loc.RideID), fencesKey(loc.RideID)}
	written, err := upsertScript.Run(ctx, l.client, keys, loc.UserID.String(), data, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	if written == 0 {
		return false, nil
	}
	return true, l.client.Publish(ctx, changesChannel(loc.RideID), loc.UserID.String()).Err()
}

// Stop removes the participant's record and refuses their writes until
// Lift. An existing revocation is kept.
func (l *Locations) Stop(ctx context.Context, rideID, userID uuid.UUID) error {
	return l.fence(ctx, rideID, userID, domain.FenceStopped, false)
}

// Revoke removes the participant's record and refuses both their writes
// and their subscriptions until Lift.
func (l *Locations) Revoke(ctx context.Context, rideID, userID uuid.UUID) error {
	return l.fence(ctx, rideID, userID, domain.FenceRevoked, true)
}

func (l *Locations) fence(ctx context.Context, rideID, userID uuid.UUID, f domain.Fence, overwrite bool) error {
	flag := "0"
	if overwrite {
		flag = "1"
	}
	keys := []string{locationsKey(rideID), fencesKey(rideID)}
	if err := fenceScript.Run(ctx, l.client, keys, userID.String(), string(f), flag, fenceTTL.Milliseconds()).Err(); err != nil {
		return errors.Wrapf(err, "fence %s on ride %s", f, rideID)
	}
	// Always announce: subscribers re-check their own fence on every change.
	return l.client.Publish(ctx, changesChannel(rideID), userID.String()).Err()
}

// Lift replaces the participant's fence with to, but only while it still
// equals from. FenceNone as to removes the fence.
func (l *Locations) Lift(ctx context.Context, rideID, userID uuid.UUID, from, to domain.Fence) error {
	return liftScript.Run(ctx, l.client, []string{fencesKey(rideID)}, userID.String(), string(from), string(to)).Err()
}

// FenceOf returns the participant's fence. An ended ride reports
// FenceEnded for everyone.
func (l *Locations) FenceOf(ctx context.Context, rideID, userID uuid.UUID) (domain.Fence, error) {
	var ended *redis.IntCmd
	var fence *redis.StringCmd
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ended = pipe.Exists(ctx, endedKey(rideID))
		fence = pipe.HGet(ctx, fencesKey(rideID), userID.String())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.FenceNone, err
	}
	if ended.Val() > 0 {
		return domain.FenceEnded, nil
	}
	return domain.Fence(fence.Val()), nil
}

// Clear marks the ride ended, so no instance can write to it again, and
// drops every record.
func (l *Locations) Clear(ctx context.Context, rideID uuid.UUID) error {
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, endedKey(rideID), "1", fenceTTL)
		pipe.Del(ctx, locationsKey(rideID), fencesKey(rideID))
		return nil
	})
	if err != nil {
		return err
	}
	return l.client.Publish(ctx, changesChannel(rideID), "*").Err()
}

// Snapshot returns every record for the ride ordered by user id.
func (l *Locations) Snapshot(ctx context.Context, rideID uuid.UUID) ([]domain.LiveLocation, error) {
	fields, err := l.client.HGetAll(ctx, locationsKey(rideID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.LiveLocation, 0, len(fields))
	for field, raw := range fields {
		var loc domain.LiveLocation
		if err := json.Unmarshal([]byte(raw), &loc); err != nil {
			return nil, errors.Wrapf(err, "decode location %s", field)
		}
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

// Watch signals on the returned channel whenever the ride's records or
// fences change. Bursts are coalesced. The channel closes once ctx is done.
func (l *Locations) Watch(ctx context.Context, rideID uuid.UUID) (<-chan struct{}, error) {
	sub := l.client.Subscribe(ctx, changesChannel(rideID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
