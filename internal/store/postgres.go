// Package store implements the session gateway on the charging database
// (the TeslaMate Postgres schema).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"charge-cost/internal/profile"
	"charge-cost/internal/reconcile"
)

// Gateway reads session metadata and raw charge readings from Postgres and
// writes the computed cost back.
type Gateway struct {
	db *sql.DB
}

// Open connects to the database using a Postgres DSN.
func Open(dsn string) (*Gateway, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Gateway{db: db}, nil
}

// Ping checks database connectivity.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.db.PingContext(ctx)
}

// Close closes the database connection pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Session loads the metadata for one charging session.
func (g *Gateway) Session(ctx context.Context, id int64) (reconcile.SessionContext, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT geofence_id, charge_energy_used, charge_energy_added
		FROM charging_processes
		WHERE id = $1
	`, id)

	sess := reconcile.SessionContext{ID: id}
	err := row.Scan(&sess.GeofenceID, &sess.EnergyUsed, &sess.EnergyAdded)
	if errors.Is(err, sql.ErrNoRows) {
		return reconcile.SessionContext{}, reconcile.ErrSessionNotFound
	}
	if err != nil {
		return reconcile.SessionContext{}, fmt.Errorf("failed to load charging process %d: %w", id, err)
	}
	return sess, nil
}

// Samples returns the session's cumulative energy readings ordered by time.
func (g *Gateway) Samples(ctx context.Context, id int64) ([]profile.RawEnergySample, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT date, charge_energy_added
		FROM charges
		WHERE charging_process_id = $1
		ORDER BY date
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load charges for process %d: %w", id, err)
	}
	defer rows.Close()

	var samples []profile.RawEnergySample
	for rows.Next() {
		var s profile.RawEnergySample
		if err := rows.Scan(&s.Timestamp, &s.CumulativeKWh); err != nil {
			return nil, fmt.Errorf("failed to scan charge row: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// SaveCost persists the rounded session cost. Overwrites are idempotent:
// re-running a calculation simply replaces the previous value.
func (g *Gateway) SaveCost(ctx context.Context, id int64, cost decimal.Decimal) error {
	_, err := g.db.ExecContext(ctx, `
		UPDATE charging_processes
		SET cost = $1
		WHERE id = $2
	`, cost, id)
	if err != nil {
		return fmt.Errorf("failed to update cost for process %d: %w", id, err)
	}
	return nil
}

// LatestCompletedSession returns the id of the most recently ended charging
// session, or reconcile.ErrSessionNotFound when none has completed yet.
func (g *Gateway) LatestCompletedSession(ctx context.Context) (int64, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id FROM charging_processes
		WHERE end_date IS NOT NULL
		ORDER BY end_date DESC
		LIMIT 1
	`)
	var id int64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, reconcile.ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find latest charging process: %w", err)
	}
	return id, nil
}
