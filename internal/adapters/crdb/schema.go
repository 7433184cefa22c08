package crdb

import (
	"context"
	"strings"
)

// Schema is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS rides (
	id UUID PRIMARY KEY,
	driver_id UUID NOT NULL,
	origin TEXT NOT NULL,
	destination TEXT NOT NULL,
	departure_at TIMESTAMPTZ NOT NULL,
	seats INT NOT NULL CHECK (seats >= 1),
	available_seats INT NOT NULL,
	price_per_seat BIGINT NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'EUR',
	status TEXT NOT NULL CHECK (status IN ('active', 'in_progress', 'completed', 'cancelled')),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT rides_available_seats_range CHECK (available_seats >= 0 AND available_seats <= seats)
);
CREATE INDEX IF NOT EXISTS rides_status_departure_idx ON rides (status, departure_at);
CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	ride_id UUID NOT NULL REFERENCES rides (id),
	user_id UUID NOT NULL,
	seats_booked INT NOT NULL CHECK (seats_booked >= 1),
	status TEXT NOT NULL CHECK (status IN ('pending', 'confirmed', 'cancelled', 'completed')),
	payment_status TEXT NOT NULL CHECK (payment_status IN ('unpaid', 'paid', 'refunded')),
	payment_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS bookings_one_active_per_user ON bookings (ride_id, user_id) WHERE status <> 'cancelled';
CREATE INDEX IF NOT EXISTS bookings_ride_status_idx ON bookings (ride_id, status);
CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'NEW' CHECK (status IN ('NEW', 'PUBLISHED', 'FAILED')),
	dedupe_key TEXT NOT NULL,
	attempts INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error TEXT NOT NULL DEFAULT ''
);
ALTER TABLE outbox ADD COLUMN IF NOT EXISTS attempts INT NOT NULL DEFAULT 0;
ALTER TABLE outbox ADD COLUMN IF NOT EXISTS next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now();
ALTER TABLE outbox ADD COLUMN IF NOT EXISTS last_error TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS outbox_status_created_idx ON outbox (status, created_at)
`

func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
