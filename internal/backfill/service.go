// Package backfill repairs composite gap minutes from venue REST APIs.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/persistence"
	"github.com/ciphex/abacus/internal/telemetry"
)

// MaxRangeSeconds caps one backfill run at 24 hours.
const MaxRangeSeconds = 24 * 60 * 60

// ErrInvalidRequest marks request validation failures.
var ErrInvalidRequest = errors.New("invalid backfill request")

// Request describes one backfill run. Venues defaults to the enabled
// venues for the market that have a historical REST API.
type Request struct {
	Asset      market.Asset      `json:"asset"`
	MarketType market.MarketType `json:"market_type"`
	StartSec   int64             `json:"start_time"`
	EndSec     int64             `json:"end_time"`
	Venues     []market.Venue    `json:"venues,omitempty"`
}

// Result reports what one run found and repaired.
type Result struct {
	Asset             market.Asset      `json:"asset"`
	MarketType        market.MarketType `json:"market_type"`
	StartTime         int64             `json:"start_time"`
	EndTime           int64             `json:"end_time"`
	GapsFound         int               `json:"gaps_found"`
	BarsRepaired      int               `json:"bars_repaired"`
	BarsFailed        int               `json:"bars_failed"`
	VenueBarsInserted int               `json:"venue_bars_inserted"`
	Errors            []string          `json:"errors"`
	DurationSeconds   float64           `json:"duration_seconds"`
}

// Service repairs gap minutes: it fetches trades per backfill venue,
// rebuilds venue bars with the streaming bar logic, recomputes the
// composite with the same outlier rules, and upserts both with
// is_backfilled=true.
type Service struct {
	composites persistence.CompositeBarRepo
	venueBars  persistence.VenueBarRepo
	fetchers   map[market.Venue]TradeFetcher
	now        func() time.Time
}

// New creates a service with the default venue fetchers sharing one HTTP
// client.
func New(composites persistence.CompositeBarRepo, venueBars persistence.VenueBarRepo) *Service {
	client := &http.Client{Timeout: fetchTimeout}
	fetchers := []TradeFetcher{
		newBinanceFetcher(client),
		newKrakenFetcher(client),
		newOKXFetcher(client),
		newBybitFetcher(client),
	}
	byVenue := make(map[market.Venue]TradeFetcher, len(fetchers))
	for _, f := range fetchers {
		byVenue[f.Venue()] = f
	}
	return &Service{
		composites: composites,
		venueBars:  venueBars,
		fetchers:   byVenue,
		now:        time.Now,
	}
}

func (s *Service) validate(req Request) error {
	switch req.MarketType {
	case market.Spot, market.Perp:
	default:
		return fmt.Errorf("%w: unknown market type %q", ErrInvalidRequest, req.MarketType)
	}
	switch req.Asset {
	case market.AssetBTC, market.AssetETH:
	default:
		return fmt.Errorf("%w: unknown asset %q", ErrInvalidRequest, req.Asset)
	}
	if req.StartSec >= req.EndSec {
		return fmt.Errorf("%w: start_time must be before end_time", ErrInvalidRequest)
	}
	if req.EndSec-req.StartSec > MaxRangeSeconds {
		return fmt.Errorf("%w: range exceeds 24h maximum", ErrInvalidRequest)
	}
	return nil
}

// BackfillGaps finds gap minutes in [start, end) and repairs each one
// independently. Per-minute failures are collected, not fatal.
func (s *Service) BackfillGaps(ctx context.Context, req Request) (*Result, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	started := s.now()
	result := &Result{
		Asset:      req.Asset,
		MarketType: req.MarketType,
		StartTime:  req.StartSec,
		EndTime:    req.EndSec,
		Errors:     []string{},
	}

	venues := req.Venues
	if len(venues) == 0 {
		venues = market.BackfillVenuesFor(req.MarketType)
	}

	gaps, err := s.composites.GetGaps(ctx, req.Asset, req.MarketType, req.StartSec, req.EndSec, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list gaps: %w", err)
	}
	result.GapsFound = len(gaps)

	if len(gaps) == 0 {
		log.Info().Str("asset", string(req.Asset)).Str("market_type", string(req.MarketType)).
			Msg("no gaps found in range")
		result.DurationSeconds = s.now().Sub(started).Seconds()
		telemetry.BackfillRequestsTotal.WithLabelValues(string(req.Asset), string(req.MarketType), "ok").Inc()
		return result, nil
	}

	log.Info().Int("gaps", len(gaps)).Str("asset", string(req.Asset)).
		Str("market_type", string(req.MarketType)).Msg("backfilling gaps")

	for _, gapTime := range gaps {
		inserted, err := s.repairGap(ctx, req.Asset, req.MarketType, gapTime, venues)
		if err != nil {
			result.BarsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("gap %d: %v", gapTime, err))
			log.Error().Err(err).Int64("gap_time", gapTime).Msg("failed to backfill gap")
			continue
		}
		if inserted > 0 {
			result.BarsRepaired++
			result.VenueBarsInserted += inserted
			telemetry.BackfillBarsRepaired.Inc()
		} else {
			result.BarsFailed++
		}
	}

	result.DurationSeconds = s.now().Sub(started).Seconds()
	outcome := "ok"
	if len(result.Errors) > 0 {
		outcome = "partial"
	}
	telemetry.BackfillRequestsTotal.WithLabelValues(string(req.Asset), string(req.MarketType), outcome).Inc()
	return result, nil
}

// repairGap repairs one gap minute. Returns the number of venue bars
// inserted, 0 when the minute could not reach quorum.
func (s *Service) repairGap(ctx context.Context, asset market.Asset, mt market.MarketType, gapTime int64, venues []market.Venue) (int, error) {
	startMs := gapTime * 1000
	endMs := (gapTime+60)*1000 - 1

	bars := make(map[market.Venue]market.Bar)
	for _, venue := range venues {
		fetcher, ok := s.fetchers[venue]
		if !ok {
			log.Warn().Str("venue", string(venue)).Msg("no backfill fetcher for venue")
			continue
		}
		trades, err := fetcher.Fetch(ctx, asset, mt, startMs, endMs)
		if err != nil {
			log.Warn().Err(err).Str("venue", string(venue)).Int64("gap_time", gapTime).
				Msg("backfill fetch failed")
			continue
		}
		if bar, ok := rebuildBar(trades, gapTime, venue, asset, mt); ok {
			bars[venue] = bar
		}
	}

	if len(bars) < market.MinQuorum {
		log.Debug().Int64("gap_time", gapTime).Int("venues", len(bars)).
			Msg("insufficient venues for gap repair")
		return 0, nil
	}

	composite, ok := s.buildComposite(bars, gapTime, asset, mt)
	if !ok {
		return 0, nil
	}

	records := make([]market.VenueBarRecord, 0, len(bars))
	for _, bar := range bars {
		records = append(records, market.VenueBarRecord{Bar: bar, Included: true})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Bar.Venue < records[j].Bar.Venue })

	inserted, err := s.venueBars.UpsertBatch(ctx, records)
	if err != nil {
		return 0, fmt.Errorf("failed to persist venue bars: %w", err)
	}
	if err := s.composites.Upsert(ctx, composite); err != nil {
		return 0, fmt.Errorf("failed to persist composite bar: %w", err)
	}

	log.Info().Int64("gap_time", gapTime).Int("venues", len(bars)).Msg("repaired gap")
	return inserted, nil
}

// rebuildBar runs the fetched trades through the streaming bar logic,
// keeping only trades stamped inside the gap minute.
func rebuildBar(trades []market.Trade, gapTime int64, venue market.Venue, asset market.Asset, mt market.MarketType) (market.Bar, bool) {
	var inMinute []market.Trade
	for _, t := range trades {
		if market.BarTime(t.Timestamp) == gapTime {
			inMinute = append(inMinute, t)
		}
	}
	if len(inMinute) == 0 {
		return market.Bar{}, false
	}
	// REST pages may arrive newest first; bar open/close follow trade order.
	sort.SliceStable(inMinute, func(i, j int) bool {
		return inMinute[i].Timestamp < inMinute[j].Timestamp
	})

	builder := market.NewBarBuilder(venue, asset, mt, nil)
	for _, t := range inMinute {
		builder.AddTrade(t)
	}
	bar, ok := builder.PartialBar()
	if !ok {
		return market.Bar{}, false
	}
	bar.IsPartial = false
	return bar, true
}

// buildComposite recomputes the composite from the rebuilt venue bars with
// the same outlier rules as realtime aggregation. All inputs carry fresh
// exchange timestamps, so staleness cannot trigger; missing venues are
// modeled by absence and then recorded explicitly: realtime-only venues as
// BACKFILL_UNAVAILABLE, backfill-capable venues without data as NO_DATA.
func (s *Service) buildComposite(bars map[market.Venue]market.Bar, gapTime int64, asset market.Asset, mt market.MarketType) (market.CompositeBar, bool) {
	nowMs := (gapTime + 60) * 1000

	venues := make([]market.Venue, 0, len(bars))
	for v := range bars {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	component := func(pick func(market.Bar) float64) market.FilterResult {
		inputs := make([]market.VenuePriceInput, 0, len(venues))
		for _, v := range venues {
			bar := bars[v]
			inputs = append(inputs, market.VenuePriceInput{
				Venue:        v,
				Price:        market.Float64Ptr(pick(bar)),
				LastUpdateMs: market.Int64Ptr(nowMs),
				IsConnected:  true,
			})
		}
		return market.FilterOutliers(inputs, nowMs, mt)
	}

	openRes := component(func(b market.Bar) float64 { return b.Open })
	highRes := component(func(b market.Bar) float64 { return b.High })
	lowRes := component(func(b market.Bar) float64 { return b.Low })
	closeRes := component(func(b market.Bar) float64 { return b.Close })

	if closeRes.IsGap {
		return market.CompositeBar{}, false
	}

	var flow market.FlowTotals
	for _, c := range closeRes.Venues {
		if !c.Included {
			continue
		}
		bar := bars[c.Venue]
		flow.Volume += bar.Volume
		flow.BuyVolume += bar.BuyVolume
		flow.SellVolume += bar.SellVolume
		flow.BuyCount += bar.BuyCount
		flow.SellCount += bar.SellCount
	}

	composite := market.BuildCompositeBar(gapTime, openRes, highRes, lowRes, closeRes, flow, asset, mt)
	composite.IsGap = false
	composite.IsBackfilled = true

	// Enabled realtime venues that produced no bar this minute.
	backfillable := make(map[market.Venue]bool)
	for _, v := range market.BackfillVenuesFor(mt) {
		backfillable[v] = true
	}
	for _, v := range market.EnabledVenues(mt) {
		if _, present := bars[v]; present {
			continue
		}
		reason := market.ExcludeNoData
		if !backfillable[v] {
			reason = market.ExcludeBackfillUnavailable
		}
		composite.ExcludedVenues = append(composite.ExcludedVenues, market.ExcludedVenue{Venue: v, Reason: reason})
	}

	return composite, true
}
