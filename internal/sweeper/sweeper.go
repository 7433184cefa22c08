// Package sweeper completes rides whose departure passed without the driver
// ever starting them, and repairs terminal rides whose cascade did not finish.
package sweeper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/lifecycle"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/robertarktes/ride-coordination/internal/retry"
	"golang.org/x/sync/errgroup"
)

type Transitioner interface {
	Transition(ctx context.Context, cmd lifecycle.TransitionCommand) (*lifecycle.Result, error)
	Repair(ctx context.Context, rideID uuid.UUID) (int, error)
}

type Options struct {
	Batch       int
	Concurrency int
	// Attempts and Backoff bound the retries for a single ride.
	Attempts int
	Backoff  time.Duration
	Logger   observability.Logger
}

type Sweeper struct {
	store       domain.Store
	rides       Transitioner
	batch       int
	concurrency int
	policy      retry.Policy
	logger      observability.Logger
}

func New(store domain.Store, rides Transitioner, opts Options) *Sweeper {
	if opts.Batch < 1 {
		opts.Batch = 100
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewNopLogger()
	}
	return &Sweeper{
		store:       store,
		rides:       rides,
		batch:       opts.Batch,
		concurrency: opts.Concurrency,
		policy:      retry.Policy{Attempts: opts.Attempts, Initial: opts.Backoff, Max: 4 * opts.Backoff},
		logger:      opts.Logger,
	}
}

type Report struct {
	Completed int
	Skipped   int
	Failed    int
	Repaired  int
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report, err := s.SweepOnce(ctx, now)
			if err != nil {
				s.logger.WithError(err).Error("sweep failed")
				continue
			}
			s.logger.WithFields(map[string]interface{}{
				"completed": report.Completed,
				"skipped":   report.Skipped,
				"failed":    report.Failed,
				"repaired":  report.Repaired,
			}).Info("sweep finished")
		}
	}
}

// SweepOnce completes every active ride that departed before now and then
// re-applies cascades left unfinished on terminal rides.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (Report, error) {
	rides, err := s.store.ListElapsedActiveRides(ctx, now, s.batch)
	if err != nil {
		return Report{}, errors.Wrap(err, "list elapsed rides")
	}

	var completed, skipped, failed, repaired int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, ride := range rides {
		ride := ride
		g.Go(func() error {
			done, err := s.complete(gctx, ride.ID, now)
			switch {
			case err != nil:
				atomic.AddInt64(&failed, 1)
				s.logger.WithError(err).WithField("ride_id", ride.ID).Error("failed to complete ride")
			case done:
				atomic.AddInt64(&completed, 1)
				observability.SweptRides.Inc()
			default:
				atomic.AddInt64(&skipped, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	stale, err := s.store.ListTerminalRidesWithOpenBookings(ctx, s.batch)
	if err != nil {
		return Report{}, errors.Wrap(err, "list rides to repair")
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, ride := range stale {
		ride := ride
		g.Go(func() error {
			var fixed int
			err := retry.Do(gctx, s.policy, retryable, func() error {
				var err error
				fixed, err = s.rides.Repair(gctx, ride.ID)
				return err
			})
			if err != nil {
				atomic.AddInt64(&failed, 1)
				s.logger.WithError(err).WithField("ride_id", ride.ID).Error("failed to repair ride")
				return nil
			}
			if fixed > 0 {
				atomic.AddInt64(&repaired, 1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Report{
		Completed: int(completed),
		Skipped:   int(skipped),
		Failed:    int(failed),
		Repaired:  int(repaired),
	}, ctx.Err()
}

// complete reports false when another actor already moved the ride on.
func (s *Sweeper) complete(ctx context.Context, rideID uuid.UUID, now time.Time) (bool, error) {
	err := retry.Do(ctx, s.policy, retryable, func() error {
		_, err := s.rides.Transition(ctx, lifecycle.TransitionCommand{
			RideID: rideID,
			To:     domain.RideCompleted,
			System: true,
			At:     now,
		})
		return err
	})
	if errors.Is(err, domain.ErrTerminalState) || errors.Is(err, domain.ErrInvalidState) {
		return false, nil
	}
	return err == nil, err
}

// retryable leaves out outcomes that a second attempt cannot change.
func retryable(err error) bool {
	for _, final := range []error{
		domain.ErrTerminalState,
		domain.ErrInvalidState,
		domain.ErrNotAuthorized,
		domain.ErrNotFound,
		context.Canceled,
	} {
		if errors.Is(err, final) {
			return false
		}
	}
	return true
}
