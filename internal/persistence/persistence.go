package persistence

import (
	"context"

	"github.com/ciphex/abacus/internal/market"
)

// Recommendation gates downstream consumers on window quality.
type Recommendation string

const (
	Proceed            Recommendation = "PROCEED"
	ProceedWithCaution Recommendation = "PROCEED_WITH_CAUTION"
	BackfillRequired   Recommendation = "BACKFILL_REQUIRED"
)

// IntegrityStats summarizes composite-bar quality over a window.
type IntegrityStats struct {
	ExpectedBars        int64          `json:"expected_bars"`
	ActualBars          int64          `json:"actual_bars"`
	MissingBars         int64          `json:"missing_bars"`
	Gaps                int64          `json:"gaps"`
	TotalGaps           int64          `json:"total_gaps"`
	GapRate             float64        `json:"gap_rate"`
	Degraded            int64          `json:"degraded"`
	DegradedRate        float64        `json:"degraded_rate"`
	QualityDegraded     int64          `json:"quality_degraded"`
	QualityDegradedRate float64        `json:"quality_degraded_rate"`
	Backfilled          int64          `json:"backfilled"`
	Tier                int            `json:"tier"`
	Tier1Eligible       bool           `json:"tier1_eligible"`
	Tier2Eligible       bool           `json:"tier2_eligible"`
	Recommendation      Recommendation `json:"recommendation"`
}

// ComputeIntegrity derives the full stats block from window counts.
// Missing bars (never written) count as gaps. Tier gating uses
// quality_degraded (bars with venue exclusions) rather than degraded
// (below preferred quorum) so that a clean two-venue window can still
// reach tier 1. Thresholds are calibrated to a 24h / 1440-bar window.
func ComputeIntegrity(startSec, endSec, actual, gaps, degraded, qualityDegraded, backfilled int64) IntegrityStats {
	expected := (endSec - startSec) / 60
	missing := expected - actual
	if missing < 0 {
		missing = 0
	}
	totalGaps := gaps + missing

	rate := func(n int64) float64 {
		if expected <= 0 {
			return 0
		}
		return float64(n) / float64(expected)
	}

	tier := 3
	switch {
	case totalGaps <= 5 && qualityDegraded <= 60:
		tier = 1
	case totalGaps <= 30 && qualityDegraded <= 180:
		tier = 2
	}

	rec := BackfillRequired
	switch tier {
	case 1:
		rec = Proceed
	case 2:
		rec = ProceedWithCaution
	}

	return IntegrityStats{
		ExpectedBars:        expected,
		ActualBars:          actual,
		MissingBars:         missing,
		Gaps:                gaps,
		TotalGaps:           totalGaps,
		GapRate:             rate(totalGaps),
		Degraded:            degraded,
		DegradedRate:        rate(degraded),
		QualityDegraded:     qualityDegraded,
		QualityDegradedRate: rate(qualityDegraded),
		Backfilled:          backfilled,
		Tier:                tier,
		Tier1Eligible:       tier <= 1,
		Tier2Eligible:       tier <= 2,
		Recommendation:      rec,
	}
}

// CompositeBarRepo persists composite bars keyed by (time, asset, market).
// Upserts must keep is_backfilled monotonic: once true it stays true, and
// repairing a gap row to a non-gap row forces it true.
type CompositeBarRepo interface {
	Upsert(ctx context.Context, bar market.CompositeBar) error
	UpsertBatch(ctx context.Context, bars []market.CompositeBar) (int, error)
	GetRange(ctx context.Context, asset market.Asset, mt market.MarketType, startSec, endSec int64, limit int) ([]market.CompositeBar, error)
	GetLatest(ctx context.Context, asset market.Asset, mt market.MarketType) (*market.CompositeBar, error)
	GetGaps(ctx context.Context, asset market.Asset, mt market.MarketType, startSec, endSec int64, limit int) ([]int64, error)
	GetIntegrityStats(ctx context.Context, asset market.Asset, mt market.MarketType, startSec, endSec int64) (IntegrityStats, error)
	EnforceRetention(ctx context.Context, retentionDays int) (int64, error)
}

// VenueBarRepo persists per-venue bars keyed by (time, asset, market, venue)
// for composite traceability.
type VenueBarRepo interface {
	UpsertBatch(ctx context.Context, records []market.VenueBarRecord) (int, error)
	GetRange(ctx context.Context, asset market.Asset, mt market.MarketType, venue market.Venue, startSec, endSec int64, limit int) ([]market.Bar, error)
	EnforceRetention(ctx context.Context, retentionDays int) (int64, error)
}
