package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ride-coordination/internal/lifecycle"
	"github.com/robertarktes/ride-coordination/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("ride_audit"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	RideID    string    `bson:"ride_id"`
	ActorID   string    `bson:"actor_id,omitempty"`
	System    bool      `bson:"system"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

// EnsureIndexes creates the lookup index used when reading a ride's history.
func (a *AuditLogger) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "ride_id", Value: 1}, {Key: "timestamp", Value: 1}},
		Options: options.Index().SetName("ride_timeline"),
	})
	return err
}

func (a *AuditLogger) LogEvent(ctx context.Context, action string, rideID, actorID uuid.UUID, system bool, data bson.M) error {
	entry := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		RideID:    rideID.String(),
		System:    system,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if actorID != uuid.Nil {
		entry.ActorID = actorID.String()
	}
	_, err := a.coll.InsertOne(ctx, entry)
	if err != nil {
		a.logger.WithError(err).WithField("ride_id", rideID).Error("failed to insert audit log")
		return err
	}
	return nil
}

func (a *AuditLogger) LogTransition(ctx context.Context, res lifecycle.Result) error {
	bookings := make(bson.A, 0, len(res.Bookings))
	for _, b := range res.Bookings {
		bookings = append(bookings, bson.M{
			"booking_id":     b.ID.String(),
			"user_id":        b.UserID.String(),
			"status":         string(b.Status),
			"payment_status": string(b.PaymentStatus),
		})
	}
	data := bson.M{
		"from":            string(res.From),
		"to":              string(res.Ride.Status),
		"available_seats": res.Ride.AvailableSeats,
		"bookings":        bookings,
	}
	return a.LogEvent(ctx, "ride."+string(res.Ride.Status), res.Ride.ID, res.CallerID, res.System, data)
}

// History returns a ride's audit entries oldest first.
func (a *AuditLogger) History(ctx context.Context, rideID uuid.UUID) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"ride_id": rideID.String()},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []AuditLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
