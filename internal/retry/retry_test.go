package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransient_SucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := Transient(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.Wrap(domain.ErrTransientConflict, "restart transaction")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestTransient_GivesUp(t *testing.T) {
	calls := 0
	err := Transient(context.Background(), 3, func() error {
		calls++
		return domain.ErrTransientConflict
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransientConflict))
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, 3, calls)
}

func TestTransient_DomainErrorsAreNotRetried(t *testing.T) {
	calls := 0
	err := Transient(context.Background(), 5, func() error {
		calls++
		return domain.ErrSeatsUnavailable
	})
	assert.True(t, errors.Is(err, domain.ErrSeatsUnavailable))
	assert.Equal(t, 1, calls)
}

func TestDo_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Attempts: 10, Initial: 50 * time.Millisecond}, func(error) bool { return true }, func() error {
		calls++
		cancel()
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
