package mongo_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	mongoadapter "github.com/robertarktes/ride-coordination/internal/adapters/mongo"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/lifecycle"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestAuditLogger(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a MongoDB container")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "mongodb")
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	audit := mongoadapter.NewAuditLogger(client.Database("rides_test"), observability.NewNopLogger())
	require.NoError(t, audit.EnsureIndexes(ctx))

	ride := domain.NewRide(uuid.New(), "Cork", "Galway", time.Now().Add(-time.Hour), 3, 1200, "EUR")
	booking := domain.NewBooking(ride.ID, uuid.New(), 1)
	booking.Status = domain.BookingConfirmed

	started := ride
	started.Status = domain.RideInProgress
	require.NoError(t, audit.LogTransition(ctx, lifecycle.Result{Ride: started, From: domain.RideActive, CallerID: ride.DriverID}))

	// Timestamps are stored at millisecond precision.
	time.Sleep(5 * time.Millisecond)
	booking.Status = domain.BookingCompleted
	done := started
	done.Status = domain.RideCompleted
	require.NoError(t, audit.LogTransition(ctx, lifecycle.Result{
		Ride:     done,
		From:     domain.RideInProgress,
		System:   true,
		Bookings: []domain.Booking{booking},
	}))

	history, err := audit.History(ctx, ride.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "ride.in_progress", history[0].Action)
	assert.Equal(t, ride.DriverID.String(), history[0].ActorID)
	assert.False(t, history[0].System)
	assert.Equal(t, "ride.completed", history[1].Action)
	assert.True(t, history[1].System)
	assert.Empty(t, history[1].ActorID)
	assert.Equal(t, "in_progress", history[1].Data["from"])

	other, err := audit.History(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, other)
}
