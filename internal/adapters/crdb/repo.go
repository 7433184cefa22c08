package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ride-coordination/internal/domain"
	"github.com/robertarktes/ride-coordination/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	DeadlockDetectedCode     = "40P01"
	UniqueViolationCode      = "23505"

	openBookingIndex = "bookings_one_active_per_user"
)

const rideColumns = `id, driver_id, origin, destination, departure_at, seats, available_seats,
	price_per_seat, currency, status, created_at, updated_at`

const bookingColumns = `id, ride_id, user_id, seats_booked, status, payment_status, payment_ref,
	created_at, updated_at`

type Repository struct {
	pool   *pgxpool.Pool
	outbox OutboxPolicy
}

var _ domain.Store = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, outbox: defaultOutboxPolicy()}
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return classify(err)
	}

	if err := fn(ctx, &rowTx{tx: tx}); err != nil {
		return classify(err)
	}

	return classify(tx.Commit(ctx))
}

// classify maps driver errors onto domain error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case SerializationFailureCode, DeadlockDetectedCode:
		return errors.Wrap(domain.ErrTransientConflict, pgErr.Message)
	case UniqueViolationCode:
		if pgErr.ConstraintName == openBookingIndex {
			return domain.ErrDuplicateBooking
		}
	}
	return err
}

func (r *Repository) GetRide(ctx context.Context, id uuid.UUID) (*domain.Ride, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	return scanRide(row)
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (r *Repository) ListBookings(ctx context.Context, rideID uuid.UUID) ([]domain.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings WHERE ride_id = $1 ORDER BY created_at ASC
	`, rideID)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (r *Repository) ListElapsedActiveRides(ctx context.Context, now time.Time, limit int) ([]domain.Ride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides WHERE status = 'active' AND departure_at < $1
		ORDER BY departure_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (r *Repository) ListTerminalRidesWithOpenBookings(ctx context.Context, limit int) ([]domain.Ride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+rideColumns+`
		FROM rides r
		WHERE r.status IN ('completed', 'cancelled')
		  AND EXISTS (
			SELECT 1 FROM bookings b
			WHERE b.ride_id = r.id AND b.status IN ('pending', 'confirmed')
		  )
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

type rowTx struct {
	tx pgx.Tx
}

func (t *rowTx) InsertRide(ctx context.Context, ride domain.Ride) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO rides (`+rideColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, ride.ID, ride.DriverID, ride.Origin, ride.Destination, ride.DepartureAt, ride.Seats,
		ride.AvailableSeats, ride.PricePerSeat, ride.Currency, string(ride.Status), ride.CreatedAt, ride.UpdatedAt)
	return err
}

func (t *rowTx) LockRide(ctx context.Context, id uuid.UUID) (*domain.Ride, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 FOR UPDATE`, id)
	return scanRide(row)
}

func (t *rowTx) SetAvailableSeats(ctx context.Context, rideID uuid.UUID, expected, next int) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE rides SET available_seats = $3, updated_at = now()
		WHERE id = $1 AND available_seats = $2
	`, rideID, expected, next)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (t *rowTx) SetRideStatus(ctx context.Context, rideID uuid.UUID, from, to domain.RideStatus) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE rides SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, rideID, string(from), string(to))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (t *rowTx) InsertBooking(ctx context.Context, b domain.Booking) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, b.ID, b.RideID, b.UserID, b.SeatsBooked, string(b.Status), string(b.PaymentStatus), b.PaymentRef,
		b.CreatedAt, b.UpdatedAt)
	return err
}

func (t *rowTx) LockBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
	return scanBooking(row)
}

func (t *rowTx) HasActiveBooking(ctx context.Context, rideID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE ride_id = $1 AND user_id = $2 AND status <> 'cancelled'
		)
	`, rideID, userID).Scan(&exists)
	return exists, err
}

func (t *rowTx) LockBookings(ctx context.Context, rideID uuid.UUID, statuses ...domain.BookingStatus) ([]domain.Booking, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings WHERE ride_id = $1 AND status = ANY($2)
		ORDER BY created_at ASC
		FOR UPDATE
	`, rideID, names)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (t *rowTx) SetBookingStatus(ctx context.Context, id uuid.UUID, from, to domain.BookingStatus) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE bookings SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (t *rowTx) SetPaymentStatus(ctx context.Context, id uuid.UUID, from, to domain.PaymentStatus, ref string) (bool, error) {
	result, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET payment_status = $3, payment_ref = COALESCE(NULLIF($4, ''), payment_ref), updated_at = now()
		WHERE id = $1 AND payment_status = $2
	`, id, string(from), string(to), ref)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (t *rowTx) CountPaidConfirmed(ctx context.Context, rideID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
		SELECT count(*) FROM bookings
		WHERE ride_id = $1 AND status = 'confirmed' AND payment_status = 'paid'
	`, rideID).Scan(&n)
	return n, err
}

func (t *rowTx) InsertChange(ctx context.Context, ev domain.ChangeEvent) error {
	return insertOutbox(ctx, t.tx, OutboxRecord{
		ID:            ev.ID,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		Payload:       ev.Payload,
		CreatedAt:     ev.CreatedAt,
		DedupeKey:     ev.DedupeKey,
	})
}

func scanRide(row pgx.Row) (*domain.Ride, error) {
	var ride domain.Ride
	var status string
	err := row.Scan(&ride.ID, &ride.DriverID, &ride.Origin, &ride.Destination, &ride.DepartureAt,
		&ride.Seats, &ride.AvailableSeats, &ride.PricePerSeat, &ride.Currency, &status,
		&ride.CreatedAt, &ride.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ride.Status = domain.RideStatus(status)
	return &ride, nil
}

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	var status, payment string
	err := row.Scan(&b.ID, &b.RideID, &b.UserID, &b.SeatsBooked, &status, &payment, &b.PaymentRef,
		&b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = domain.BookingStatus(status)
	b.PaymentStatus = domain.PaymentStatus(payment)
	return &b, nil
}

func collectRides(rows pgx.Rows) ([]domain.Ride, error) {
	defer rows.Close()
	var rides []domain.Ride
	for rows.Next() {
		ride, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, *ride)
	}
	return rides, rows.Err()
}

func collectBookings(rows pgx.Rows) ([]domain.Booking, error) {
	defer rows.Close()
	var bookings []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}
