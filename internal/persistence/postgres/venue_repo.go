package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/persistence"
	"github.com/ciphex/abacus/internal/telemetry"
)

// venueBarRepo implements VenueBarRepo for PostgreSQL.
type venueBarRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewVenueBarRepo creates a PostgreSQL venue bar repository.
func NewVenueBarRepo(db *sqlx.DB, timeout time.Duration) persistence.VenueBarRepo {
	return &venueBarRepo{db: db, timeout: timeout}
}

const venueUpsert = `
	INSERT INTO venue_bars (
		time, asset, market_type, venue, open, high, low, close,
		volume, trade_count, buy_volume, sell_volume, buy_count, sell_count,
		included_in_composite, exclude_reason
	) VALUES (
		to_timestamp($1), $2, $3, $4, $5, $6, $7, $8,
		$9, $10, $11, $12, $13, $14,
		$15, $16
	)
	ON CONFLICT (time, asset, market_type, venue) DO UPDATE SET
		open                  = EXCLUDED.open,
		high                  = EXCLUDED.high,
		low                   = EXCLUDED.low,
		close                 = EXCLUDED.close,
		volume                = EXCLUDED.volume,
		trade_count           = EXCLUDED.trade_count,
		buy_volume            = EXCLUDED.buy_volume,
		sell_volume           = EXCLUDED.sell_volume,
		buy_count             = EXCLUDED.buy_count,
		sell_count            = EXCLUDED.sell_count,
		included_in_composite = EXCLUDED.included_in_composite,
		exclude_reason        = EXCLUDED.exclude_reason`

func venueArgs(rec market.VenueBarRecord) []interface{} {
	var reason sql.NullString
	if rec.ExcludeReason != "" {
		reason = sql.NullString{String: string(rec.ExcludeReason), Valid: true}
	}
	b := rec.Bar
	return []interface{}{
		b.Time, b.Asset, b.MarketType, b.Venue, b.Open, b.High, b.Low, b.Close,
		b.Volume, b.TradeCount, b.BuyVolume, b.SellVolume, b.BuyCount, b.SellCount,
		rec.Included, reason,
	}
}

func (r *venueBarRepo) UpsertBatch(ctx context.Context, records []market.VenueBarRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(records)/100+1))
	defer cancel()

	start := time.Now()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, venueUpsert)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, venueArgs(rec)...); err != nil {
			return 0, fmt.Errorf("failed to upsert venue bar %s at %d: %w", rec.Bar.Venue, rec.Bar.Time, err)
		}
	}

	err = tx.Commit()
	telemetry.ObserveDBWrite("venue_bars", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return len(records), nil
}

type venueRow struct {
	TimeSec    int64   `db:"time_sec"`
	Asset      string  `db:"asset"`
	MarketType string  `db:"market_type"`
	Venue      string  `db:"venue"`
	Open       float64 `db:"open"`
	High       float64 `db:"high"`
	Low        float64 `db:"low"`
	Close      float64 `db:"close"`
	Volume     float64 `db:"volume"`
	TradeCount int     `db:"trade_count"`
	BuyVolume  float64 `db:"buy_volume"`
	SellVolume float64 `db:"sell_volume"`
	BuyCount   int     `db:"buy_count"`
	SellCount  int     `db:"sell_count"`
}

// GetRange returns one venue's bars with time in [startSec, endSec), oldest
// first.
func (r *venueBarRepo) GetRange(ctx context.Context, asset market.Asset, mt market.MarketType, venue market.Venue, startSec, endSec int64, limit int) ([]market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultRangeLimit
	}

	query := `
	SELECT EXTRACT(EPOCH FROM time)::BIGINT AS time_sec,
	       asset, market_type, venue, open, high, low, close,
	       volume, trade_count, buy_volume, sell_volume, buy_count, sell_count
	FROM venue_bars
	WHERE asset = $1 AND market_type = $2 AND venue = $3
	  AND time >= to_timestamp($4) AND time < to_timestamp($5)
	ORDER BY time ASC
	LIMIT $6`

	var rows []venueRow
	if err := r.db.SelectContext(ctx, &rows, query, asset, mt, venue, startSec, endSec, limit); err != nil {
		return nil, fmt.Errorf("failed to query venue bars: %w", err)
	}

	bars := make([]market.Bar, 0, len(rows))
	for _, row := range rows {
		bars = append(bars, market.Bar{
			Time: row.TimeSec, Open: row.Open, High: row.High, Low: row.Low, Close: row.Close,
			Volume: row.Volume, TradeCount: row.TradeCount,
			BuyVolume: row.BuyVolume, SellVolume: row.SellVolume,
			BuyCount: row.BuyCount, SellCount: row.SellCount,
			Venue: market.Venue(row.Venue), Asset: market.Asset(row.Asset),
			MarketType: market.MarketType(row.MarketType),
		})
	}
	return bars, nil
}

func (r *venueBarRepo) EnforceRetention(ctx context.Context, retentionDays int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM venue_bars WHERE time < NOW() - INTERVAL '1 day' * $1`,
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
