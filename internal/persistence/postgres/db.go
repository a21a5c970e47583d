package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS composite_bars (
	time            TIMESTAMPTZ NOT NULL,
	asset           TEXT NOT NULL,
	market_type     TEXT NOT NULL,
	open            DOUBLE PRECISION,
	high            DOUBLE PRECISION,
	low             DOUBLE PRECISION,
	close           DOUBLE PRECISION,
	volume          DOUBLE PRECISION NOT NULL DEFAULT 0,
	buy_volume      DOUBLE PRECISION NOT NULL DEFAULT 0,
	sell_volume     DOUBLE PRECISION NOT NULL DEFAULT 0,
	buy_count       INTEGER NOT NULL DEFAULT 0,
	sell_count      INTEGER NOT NULL DEFAULT 0,
	degraded        BOOLEAN NOT NULL DEFAULT FALSE,
	is_gap          BOOLEAN NOT NULL DEFAULT FALSE,
	is_backfilled   BOOLEAN NOT NULL DEFAULT FALSE,
	included_venues TEXT[] NOT NULL DEFAULT '{}',
	excluded_venues JSONB NOT NULL DEFAULT '[]',
	PRIMARY KEY (time, asset, market_type)
);

CREATE INDEX IF NOT EXISTS idx_composite_bars_lookup
	ON composite_bars (asset, market_type, time DESC);

CREATE INDEX IF NOT EXISTS idx_composite_bars_gaps
	ON composite_bars (asset, market_type, time)
	WHERE is_gap = TRUE;

CREATE TABLE IF NOT EXISTS venue_bars (
	time                  TIMESTAMPTZ NOT NULL,
	asset                 TEXT NOT NULL,
	market_type           TEXT NOT NULL,
	venue                 TEXT NOT NULL,
	open                  DOUBLE PRECISION NOT NULL,
	high                  DOUBLE PRECISION NOT NULL,
	low                   DOUBLE PRECISION NOT NULL,
	close                 DOUBLE PRECISION NOT NULL,
	volume                DOUBLE PRECISION NOT NULL DEFAULT 0,
	trade_count           INTEGER NOT NULL DEFAULT 0,
	buy_volume            DOUBLE PRECISION NOT NULL DEFAULT 0,
	sell_volume           DOUBLE PRECISION NOT NULL DEFAULT 0,
	buy_count             INTEGER NOT NULL DEFAULT 0,
	sell_count            INTEGER NOT NULL DEFAULT 0,
	included_in_composite BOOLEAN NOT NULL DEFAULT FALSE,
	exclude_reason        TEXT,
	PRIMARY KEY (time, asset, market_type, venue)
);

CREATE INDEX IF NOT EXISTS idx_venue_bars_lookup
	ON venue_bars (asset, market_type, venue, time DESC);
`

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// EnsureSchema creates the bar tables and indexes if missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	log.Info().Msg("database schema ensured")
	return nil
}

// TableStats describes one table's row footprint.
type TableStats struct {
	Rows       int64  `json:"rows"`
	OldestTime *int64 `json:"oldest_time"` // unix seconds, nil when empty
	NewestTime *int64 `json:"newest_time"`
}

// GetTableStats returns per-table row counts and time bounds for both bar
// tables.
func GetTableStats(ctx context.Context, db *sqlx.DB) (map[string]TableStats, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats := make(map[string]TableStats, 2)
	for _, table := range []string{"composite_bars", "venue_bars"} {
		query := fmt.Sprintf(`
			SELECT COUNT(*),
			       EXTRACT(EPOCH FROM MIN(time))::BIGINT,
			       EXTRACT(EPOCH FROM MAX(time))::BIGINT
			FROM %s`, table)

		var s TableStats
		if err := db.QueryRowxContext(ctx, query).Scan(&s.Rows, &s.OldestTime, &s.NewestTime); err != nil {
			return nil, fmt.Errorf("failed to stat table %s: %w", table, err)
		}
		stats[table] = s
	}
	return stats, nil
}
