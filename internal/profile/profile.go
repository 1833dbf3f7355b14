// Package profile provides the PostgreSQL-backed caller profile store.
//
// Profiles are free-form JSON objects keyed by the caller's phone number.
// They are injected into the agent's dynamic variables at connect time so the
// conversation can reference what is already known about the caller. The
// bridge works fine without a store; lookups are best-effort.
package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCallerProfiles = `
CREATE TABLE IF NOT EXISTS caller_profiles (
    phone      TEXT         PRIMARY KEY,
    profile    JSONB        NOT NULL DEFAULT '{}'::jsonb,
    updated_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);`

// Store looks up caller profiles in PostgreSQL. All operations are safe for
// concurrent use; the pool handles its own synchronisation.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// ensures the caller_profiles table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("profile store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("profile store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlCallerProfiles); err != nil {
		pool.Close()
		return nil, fmt.Errorf("profile store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Lookup returns the stored profile for phone, or (nil, nil) when the caller
// is unknown.
func (s *Store) Lookup(ctx context.Context, phone string) (map[string]any, error) {
	var profile map[string]any
	err := s.pool.QueryRow(ctx,
		`SELECT profile FROM caller_profiles WHERE phone = $1`, phone,
	).Scan(&profile)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile store: lookup %s: %w", phone, err)
	}
	return profile, nil
}

// Upsert stores or replaces the profile for phone.
func (s *Store) Upsert(ctx context.Context, phone string, profile map[string]any) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO caller_profiles (phone, profile, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (phone) DO UPDATE
		SET profile = EXCLUDED.profile, updated_at = now()`,
		phone, profile,
	)
	if err != nil {
		return fmt.Errorf("profile store: upsert %s: %w", phone, err)
	}
	return nil
}

// Ping probes the database connection. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool. Typically deferred from main.
func (s *Store) Close() {
	s.pool.Close()
}
