// Package archive persists fetched price frames to ClickHouse for offline
// analytics. The archive is write-only from the engine's point of view: a
// calculation run never reads prices back from it.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"

	"charge-cost/internal/pricing"
)

// Config holds ClickHouse connection configuration.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Store implements pricing.Archiver on ClickHouse.
type Store struct {
	conn clickhouse.Conn
}

// Open connects to ClickHouse. Callers should Ping before relying on it.
func Open(cfg Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &Store{conn: conn}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// EnsureSchema creates the archive table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS price_frames (
			batch_id    UUID,
			day         Date,
			hour_start  DateTime('UTC'),
			price_gross Decimal(18, 6),
			fetched_at  DateTime('UTC')
		) ENGINE = MergeTree()
		ORDER BY (day, hour_start, fetched_at)
	`)
}

// WriteFrames batch-inserts one day's fetched frames. Each fetch gets its own
// batch id so repeated fetches of the same day remain distinguishable.
func (s *Store) WriteFrames(ctx context.Context, day time.Time, frames []pricing.PriceFrame) error {
	if len(frames) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_frames (batch_id, day, hour_start, price_gross, fetched_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	batchID := uuid.New()
	fetchedAt := time.Now().UTC()
	for _, fr := range frames {
		if err := batch.Append(
			batchID,
			day,
			fr.Start.UTC().Truncate(time.Hour),
			fr.PriceGross,
			fetchedAt,
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	return batch.Send()
}
