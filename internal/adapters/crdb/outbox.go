package crdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ride-coordination/internal/observability"
)

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED, FAILED
	DedupeKey     string
	// Attempts counts claims, including the one in progress.
	Attempts int
}

// OutboxPolicy controls how failing records are retried and when they are
// given up on.
type OutboxPolicy struct {
	// MaxAttempts is how many times a record is tried before it is parked
	// as FAILED.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt count to space out retries.
	RetryDelay time.Duration
	// Lease is how long a claimed record is hidden from other drainers. A
	// drainer that dies mid-batch gives its records back after this long.
	Lease time.Duration
}

func defaultOutboxPolicy() OutboxPolicy {
	return OutboxPolicy{MaxAttempts: 10, RetryDelay: 30 * time.Second, Lease: time.Minute}
}

// WithOutboxPolicy returns a copy of the repository using p. Zero fields
// keep their defaults.
func (r *Repository) WithOutboxPolicy(p OutboxPolicy) *Repository {
	def := defaultOutboxPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = def.RetryDelay
	}
	if p.Lease <= 0 {
		p.Lease = def.Lease
	}
	cp := *r
	cp.outbox = p
	return &cp
}

func insertOutbox(ctx context.Context, tx pgx.Tx, record OutboxRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, created_at, status, dedupe_key, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'NEW', $7, $6)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.CreatedAt, record.DedupeKey)
	return err
}

// DrainOutbox claims up to limit due records, hands each to publish and
// marks the ones that succeeded. Claiming commits before publish runs, so
// no row lock is held across the network. A failed record is retried after
// a growing delay and parked as FAILED once it runs out of attempts, so it
// cannot hold back the records behind it.
func (r *Repository) DrainOutbox(ctx context.Context, limit int, publish func(context.Context, OutboxRecord) error) (int, error) {
	records, err := r.claimOutbox(ctx, limit, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	published := 0
	for _, rec := range records {
		if perr := publish(ctx, rec); perr != nil {
			if err := r.releaseOutbox(ctx, rec, perr, time.Now().UTC()); err != nil {
				return published, err
			}
			continue
		}
		if err := r.markPublished(ctx, rec.ID, time.Now().UTC()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (r *Repository) claimOutbox(ctx context.Context, limit int, now time.Time) ([]OutboxRecord, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox SET attempts = attempts + 1, next_attempt_at = $3
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'NEW' AND next_attempt_at <= $2
			ORDER BY created_at ASC LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key, attempts
	`, limit, now, now.Add(r.outbox.Lease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey, &rec.Attempts)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}

// releaseOutbox schedules the record's next attempt, or parks it.
func (r *Repository) releaseOutbox(ctx context.Context, rec OutboxRecord, cause error, now time.Time) error {
	status := "NEW"
	if rec.Attempts >= r.outbox.MaxAttempts {
		status = "FAILED"
	}
	next := now.Add(time.Duration(rec.Attempts) * r.outbox.RetryDelay)
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1 AND status = 'NEW'
	`, rec.ID, status, next, cause.Error())
	if err == nil && status == "FAILED" {
		observability.OutboxParked.Inc()
	}
	return err
}

func (r *Repository) markPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2, last_error = '' WHERE id = $1
	`, id, publishedAt)
	return err
}

// OutboxStatus returns the record's status and attempt count.
func (r *Repository) OutboxStatus(ctx context.Context, id uuid.UUID) (string, int, error) {
	var status string
	var attempts int
	err := r.pool.QueryRow(ctx, `SELECT status, attempts FROM outbox WHERE id = $1`, id).Scan(&status, &attempts)
	return status, attempts, err
}

// OldestPendingAge reports how long the oldest unpublished record has waited.
// Parked records are not pending.
func (r *Repository) OldestPendingAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest *time.Time
	err := r.pool.QueryRow(ctx, `SELECT min(created_at) FROM outbox WHERE status = 'NEW'`).Scan(&oldest)
	if err != nil || oldest == nil {
		return 0, err
	}
	return now.Sub(*oldest), nil
}
