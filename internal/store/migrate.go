package store

import (
	"context"
	"fmt"
	"strings"
)

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, db *DB) error {
	for _, stmt := range schema(db.Dialect) {
		if _, err := db.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func schema(dialect string) []string {
	ts := "TIMESTAMPTZ"
	switch dialect {
	case MySQL:
		ts = "DATETIME(6)"
	case SQLite:
		ts = "TIMESTAMP"
	}
	tables := []string{
		`CREATE TABLE IF NOT EXISTS subjects (
			id              VARCHAR(64) PRIMARY KEY,
			name            VARCHAR(255) NOT NULL DEFAULT '',
			reference_image VARCHAR(512) NOT NULL,
			reference_url   VARCHAR(1024),
			created_at      {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS zones (
			id         VARCHAR(64) PRIMARY KEY,
			name       VARCHAR(100) NOT NULL UNIQUE,
			lat_a      DOUBLE PRECISION,
			lat_b      DOUBLE PRECISION,
			lon_a      DOUBLE PRECISION,
			lon_b      DOUBLE PRECISION,
			created_at {{ts}} NOT NULL,
			updated_at {{ts}} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_events (
			id          VARCHAR(64) PRIMARY KEY,
			subject_id  VARCHAR(64) NOT NULL REFERENCES subjects(id),
			zone_name   VARCHAR(100) NOT NULL,
			status      VARCHAR(16) NOT NULL,
			latitude    DOUBLE PRECISION NOT NULL,
			longitude   DOUBLE PRECISION NOT NULL,
			distance    DOUBLE PRECISION,
			occurred_at {{ts}} NOT NULL{{events_index}}
		)`,
		`CREATE TABLE IF NOT EXISTS admins (
			id            VARCHAR(64) PRIMARY KEY,
			username      VARCHAR(100) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			created_at    {{ts}} NOT NULL
		)`,
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS, so it gets the index inline.
	inline := ""
	if dialect == MySQL {
		inline = ",\n\t\t\tINDEX idx_events_subject_time (subject_id, occurred_at),\n\t\t\tINDEX idx_events_zone_time (zone_name, occurred_at)"
	}
	out := make([]string, 0, len(tables)+2)
	for _, t := range tables {
		t = strings.ReplaceAll(t, "{{ts}}", ts)
		t = strings.ReplaceAll(t, "{{events_index}}", inline)
		out = append(out, t)
	}
	if dialect != MySQL {
		out = append(out,
			`CREATE INDEX IF NOT EXISTS idx_events_subject_time ON attendance_events (subject_id, occurred_at)`,
			`CREATE INDEX IF NOT EXISTS idx_events_zone_time ON attendance_events (zone_name, occurred_at)`,
		)
	}
	return out
}
