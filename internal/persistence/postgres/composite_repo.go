package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/persistence"
	"github.com/ciphex/abacus/internal/telemetry"
)

const defaultRangeLimit = 1440

// compositeBarRepo implements CompositeBarRepo for PostgreSQL.
type compositeBarRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCompositeBarRepo creates a PostgreSQL composite bar repository.
func NewCompositeBarRepo(db *sqlx.DB, timeout time.Duration) persistence.CompositeBarRepo {
	return &compositeBarRepo{db: db, timeout: timeout}
}

// Monotonic backfill flag: once set it stays set, and repairing a gap row
// into a real bar marks the row backfilled.
const compositeUpsert = `
	INSERT INTO composite_bars (
		time, asset, market_type, open, high, low, close,
		volume, buy_volume, sell_volume, buy_count, sell_count,
		degraded, is_gap, is_backfilled, included_venues, excluded_venues
	) VALUES (
		to_timestamp($1), $2, $3, $4, $5, $6, $7,
		$8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17
	)
	ON CONFLICT (time, asset, market_type) DO UPDATE SET
		open            = EXCLUDED.open,
		high            = EXCLUDED.high,
		low             = EXCLUDED.low,
		close           = EXCLUDED.close,
		volume          = EXCLUDED.volume,
		buy_volume      = EXCLUDED.buy_volume,
		sell_volume     = EXCLUDED.sell_volume,
		buy_count       = EXCLUDED.buy_count,
		sell_count      = EXCLUDED.sell_count,
		degraded        = EXCLUDED.degraded,
		is_backfilled   = CASE
			WHEN composite_bars.is_backfilled = TRUE THEN TRUE
			WHEN composite_bars.is_gap = TRUE AND EXCLUDED.is_gap = FALSE THEN TRUE
			ELSE EXCLUDED.is_backfilled
		END,
		is_gap          = EXCLUDED.is_gap,
		included_venues = EXCLUDED.included_venues,
		excluded_venues = EXCLUDED.excluded_venues`

func compositeArgs(bar market.CompositeBar) ([]interface{}, error) {
	excluded := bar.ExcludedVenues
	if excluded == nil {
		excluded = []market.ExcludedVenue{}
	}
	excludedJSON, err := json.Marshal(excluded)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal excluded venues: %w", err)
	}

	included := make([]string, 0, len(bar.IncludedVenues))
	for _, v := range bar.IncludedVenues {
		included = append(included, string(v))
	}

	return []interface{}{
		bar.Time, bar.Asset, bar.MarketType,
		bar.Open, bar.High, bar.Low, bar.Close,
		bar.Volume, bar.BuyVolume, bar.SellVolume, bar.BuyCount, bar.SellCount,
		bar.Degraded, bar.IsGap, bar.IsBackfilled,
		pq.Array(included), excludedJSON,
	}, nil
}

func (r *compositeBarRepo) Upsert(ctx context.Context, bar market.CompositeBar) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args, err := compositeArgs(bar)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = r.db.ExecContext(ctx, compositeUpsert, args...)
	telemetry.ObserveDBWrite("composite_bars", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to upsert composite bar: %w", err)
	}
	return nil
}

func (r *compositeBarRepo) UpsertBatch(ctx context.Context, bars []market.CompositeBar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(bars)/100+1))
	defer cancel()

	start := time.Now()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, compositeUpsert)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		args, err := compositeArgs(bar)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to upsert composite bar at %d: %w", bar.Time, err)
		}
	}

	err = tx.Commit()
	telemetry.ObserveDBWrite("composite_bars", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return len(bars), nil
}

const compositeSelect = `
	SELECT EXTRACT(EPOCH FROM time)::BIGINT AS time_sec,
	       asset, market_type, open, high, low, close,
	       volume, buy_volume, sell_volume, buy_count, sell_count,
	       degraded, is_gap, is_backfilled, included_venues, excluded_venues
	FROM composite_bars`

type compositeRow struct {
	TimeSec        int64          `db:"time_sec"`
	Asset          string         `db:"asset"`
	MarketType     string         `db:"market_type"`
	Open           *float64       `db:"open"`
	High           *float64       `db:"high"`
	Low            *float64       `db:"low"`
	Close          *float64       `db:"close"`
	Volume         float64        `db:"volume"`
	BuyVolume      float64        `db:"buy_volume"`
	SellVolume     float64        `db:"sell_volume"`
	BuyCount       int            `db:"buy_count"`
	SellCount      int            `db:"sell_count"`
	Degraded       bool           `db:"degraded"`
	IsGap          bool           `db:"is_gap"`
	IsBackfilled   bool           `db:"is_backfilled"`
	IncludedVenues pq.StringArray `db:"included_venues"`
	ExcludedVenues []byte         `db:"excluded_venues"`
}

func (row compositeRow) toBar() (market.CompositeBar, error) {
	bar := market.CompositeBar{
		Time:         row.TimeSec,
		Open:         row.Open,
		High:         row.High,
		Low:          row.Low,
		Close:        row.Close,
		Volume:       row.Volume,
		BuyVolume:    row.BuyVolume,
		SellVolume:   row.SellVolume,
		BuyCount:     row.BuyCount,
		SellCount:    row.SellCount,
		Degraded:     row.Degraded,
		IsGap:        row.IsGap,
		IsBackfilled: row.IsBackfilled,
		Asset:        market.Asset(row.Asset),
		MarketType:   market.MarketType(row.MarketType),
	}
	bar.IncludedVenues = make([]market.Venue, 0, len(row.IncludedVenues))
	for _, v := range row.IncludedVenues {
		bar.IncludedVenues = append(bar.IncludedVenues, market.Venue(v))
	}
	bar.ExcludedVenues = []market.ExcludedVenue{}
	if len(row.ExcludedVenues) > 0 {
		if err := json.Unmarshal(row.ExcludedVenues, &bar.ExcludedVenues); err != nil {
			return bar, fmt.Errorf("failed to unmarshal excluded venues: %w", err)
		}
	}
	return bar, nil
}

// GetRange returns bars with time in [startSec, endSec), oldest first.
func (r *compositeBarRepo) GetRange(ctx context.Context, asset market.Asset, mt market.MarketType, startSec, endSec int64, limit int) ([]market.CompositeBar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultRangeLimit
	}

	query := compositeSelect + `
	WHERE asset = $1 AND market_type = $2
	  AND time >= to_timestamp($3) AND time < to_timestamp($4)
	ORDER BY time ASC
	LIMIT $5`

	var rows []compositeRow
	if err := r.db.SelectContext(ctx, &rows, query, asset, mt, startSec, endSec, limit); err != nil {
		return nil, fmt.Errorf("failed to query composite bars: %w", err)
	}

	bars := make([]market.CompositeBar, 0, len(rows))
	for _, row := range rows {
		bar, err := row.toBar()
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func (r *compositeBarRepo) GetLatest(ctx context.Context, asset market.Asset, mt market.MarketType) (*market.CompositeBar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := compositeSelect + `
	WHERE asset = $1 AND market_type = $2
	ORDER BY time DESC
	LIMIT 1`

	var row compositeRow
	if err := r.db.GetContext(ctx, &row, query, asset, mt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest composite bar: %w", err)
	}
	bar, err := row.toBar()
	if err != nil {
		return nil, err
	}
	return &bar, nil
}

// GetGaps lists gap bar times in [startSec, endSec), oldest first.
func (r *compositeBarRepo) GetGaps(ctx context.Context, asset market.Asset, mt market.MarketType, startSec, endSec int64, limit int) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultRangeLimit
	}

	query := `
	SELECT EXTRACT(EPOCH FROM time)::BIGINT
	FROM composite_bars
	WHERE asset = $1 AND market_type = $2
	  AND time >= to_timestamp($3) AND time < to_timestamp($4)
	  AND is_gap = TRUE
	ORDER BY time ASC
	LIMIT $5`

	var times []int64
	if err := r.db.SelectContext(ctx, &times, query, asset, mt, startSec, endSec, limit); err != nil {
		return nil, fmt.Errorf("failed to query gaps: %w", err)
	}
	return times, nil
}

func (r *compositeBarRepo) GetIntegrityStats(ctx context.Context, asset market.Asset, mt market.MarketType, startSec, endSec int64) (persistence.IntegrityStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
	SELECT COUNT(*),
	       COUNT(*) FILTER (WHERE is_gap),
	       COUNT(*) FILTER (WHERE degraded),
	       COUNT(*) FILTER (WHERE excluded_venues != '[]'::jsonb),
	       COUNT(*) FILTER (WHERE is_backfilled)
	FROM composite_bars
	WHERE asset = $1 AND market_type = $2
	  AND time >= to_timestamp($3) AND time < to_timestamp($4)`

	var actual, gaps, degraded, qualityDegraded, backfilled int64
	err := r.db.QueryRowxContext(ctx, query, asset, mt, startSec, endSec).
		Scan(&actual, &gaps, &degraded, &qualityDegraded, &backfilled)
	if err != nil {
		return persistence.IntegrityStats{}, fmt.Errorf("failed to query integrity stats: %w", err)
	}

	return persistence.ComputeIntegrity(startSec, endSec, actual, gaps, degraded, qualityDegraded, backfilled), nil
}

func (r *compositeBarRepo) EnforceRetention(ctx context.Context, retentionDays int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM composite_bars WHERE time < NOW() - INTERVAL '1 day' * $1`,
		retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to enforce retention: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return deleted, nil
}
