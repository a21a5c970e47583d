package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/connector"
	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/telemetry"
)

const (
	// graceSleep lets in-flight venue bars finalize after the minute
	// boundary before the composite is computed.
	graceSleep = 2 * time.Second

	// ringSize bounds the in-memory composite history per stream (~2h).
	ringSize = 120

	// dispatchBuffer decouples sinks from the tick loop.
	dispatchBuffer = 128
)

// Config selects the assets and venues the aggregator runs.
type Config struct {
	Assets     []market.Asset
	SpotVenues []market.Venue
	PerpVenues []market.Venue
}

// DefaultConfig returns the production v0 asset/venue sets.
func DefaultConfig() Config {
	return Config{
		Assets:     market.EnabledAssets,
		SpotVenues: market.EnabledSpotVenues,
		PerpVenues: market.EnabledPerpVenues,
	}
}

// venueState is the slice of a connector the composite build reads.
type venueState interface {
	IsConnected() bool
	LastUpdateMs() (int64, bool)
}

type connKey struct {
	venue      market.Venue
	asset      market.Asset
	marketType market.MarketType
}

type streamKey struct {
	asset      market.Asset
	marketType market.MarketType
}

type emission struct {
	composite market.CompositeBar
	venueBars []market.VenueBarRecord
}

// Aggregator owns one connector per enabled (venue, asset, market), fans
// completed venue bars into per-stream buffers, and on each minute boundary
// (plus a short grace) computes and emits composite bars.
type Aggregator struct {
	cfg         Config
	onComposite func(market.CompositeBar)
	onVenueBars func([]market.VenueBarRecord)
	now         func() time.Time

	mu           sync.Mutex
	supervisors  map[connKey]*connector.Supervisor
	states       map[connKey]venueState
	latestBars   map[connKey]market.Bar
	rings        map[streamKey][]market.CompositeBar
	lastComputed map[streamKey]int64

	emitCh chan emission
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an aggregator. Either callback may be nil. Callbacks are
// invoked from a dedicated dispatch goroutine so a slow sink cannot stall
// the minute tick.
func New(cfg Config, onComposite func(market.CompositeBar), onVenueBars func([]market.VenueBarRecord)) *Aggregator {
	return &Aggregator{
		cfg:          cfg,
		onComposite:  onComposite,
		onVenueBars:  onVenueBars,
		now:          time.Now,
		supervisors:  make(map[connKey]*connector.Supervisor),
		states:       make(map[connKey]venueState),
		latestBars:   make(map[connKey]market.Bar),
		rings:        make(map[streamKey][]market.CompositeBar),
		lastComputed: make(map[streamKey]int64),
		emitCh:       make(chan emission, dispatchBuffer),
	}
}

// Start creates and starts the connectors and the minute-tick loop.
// Unsupported (venue, asset, market) combinations are skipped silently.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	for _, mt := range []market.MarketType{market.Spot, market.Perp} {
		venues := a.cfg.SpotVenues
		if mt == market.Perp {
			venues = a.cfg.PerpVenues
		}
		for _, v := range venues {
			for _, asset := range a.cfg.Assets {
				key := connKey{venue: v, asset: asset, marketType: mt}
				driver, err := connector.NewDriver(v, asset, mt)
				if err != nil {
					continue
				}
				sup := connector.NewSupervisor(driver, asset, mt, func(bar market.Bar) {
					a.storeVenueBar(key, bar)
				})
				a.supervisors[key] = sup
				a.states[key] = sup
				sup.Start(ctx)
			}
		}
	}

	log.Info().Int("connectors", len(a.supervisors)).Msg("aggregator started")

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.tickLoop(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.dispatchLoop(ctx)
	}()
}

// Stop shuts down the connectors and both loops. After Stop returns no
// further sink callbacks are invoked.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, sup := range a.supervisors {
		sup.Stop()
	}
	a.wg.Wait()
}

// configuredVenues returns the venue set this aggregator was started with
// for a market type. Composite builds must use the same set as connector
// creation: a venue outside the config has no connector and must not be
// reported as excluded.
func (a *Aggregator) configuredVenues(mt market.MarketType) []market.Venue {
	if mt == market.Spot {
		return a.cfg.SpotVenues
	}
	return a.cfg.PerpVenues
}

func (a *Aggregator) storeVenueBar(key connKey, bar market.Bar) {
	a.mu.Lock()
	a.latestBars[key] = bar
	a.mu.Unlock()
}

// tickLoop wakes on every second boundary; on minute boundaries it sleeps
// the grace period and then computes composites for the minute that just
// closed.
func (a *Aggregator) tickLoop(ctx context.Context) {
	for {
		now := a.now()
		next := now.Truncate(time.Second).Add(time.Second)
		if !sleepCtx(ctx, next.Sub(now)) {
			return
		}

		now = a.now()
		if now.Unix()%60 != 0 {
			continue
		}
		barTime := now.Unix() - 60
		if !sleepCtx(ctx, graceSleep) {
			return
		}
		a.computeAll(barTime)
	}
}

func (a *Aggregator) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case em := <-a.emitCh:
			if a.onComposite != nil {
				a.onComposite(em.composite)
			}
			if a.onVenueBars != nil && len(em.venueBars) > 0 {
				a.onVenueBars(em.venueBars)
			}
		}
	}
}

// computeAll builds the composite for every enabled stream at barTime. Each
// stream is computed at most once per bar time, in strictly increasing
// order.
func (a *Aggregator) computeAll(barTime int64) {
	for _, mt := range []market.MarketType{market.Spot, market.Perp} {
		for _, asset := range a.cfg.Assets {
			a.computeStream(streamKey{asset: asset, marketType: mt}, barTime)
		}
	}
}

func (a *Aggregator) computeStream(sk streamKey, barTime int64) {
	a.mu.Lock()
	if last, ok := a.lastComputed[sk]; ok && barTime <= last {
		a.mu.Unlock()
		return
	}
	a.lastComputed[sk] = barTime
	a.mu.Unlock()

	composite, records := a.buildComposite(sk, barTime)

	a.mu.Lock()
	ring := append(a.rings[sk], composite)
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}
	a.rings[sk] = ring
	a.mu.Unlock()

	telemetry.CompositeBarsTotal.WithLabelValues(
		string(sk.asset), string(sk.marketType),
		telemetry.CompositeQuality(composite.IsGap, composite.Degraded),
	).Inc()
	for _, ex := range composite.ExcludedVenues {
		telemetry.VenueExclusionsTotal.WithLabelValues(string(ex.Venue), string(ex.Reason)).Inc()
	}

	evt := log.Debug()
	if composite.IsGap || composite.Degraded {
		evt = log.Warn()
	}
	evt.Str("asset", string(sk.asset)).
		Str("market_type", string(sk.marketType)).
		Int64("bar_time", barTime).
		Bool("is_gap", composite.IsGap).
		Bool("degraded", composite.Degraded).
		Int("included", len(composite.IncludedVenues)).
		Msg("composite bar")

	select {
	case a.emitCh <- emission{composite: composite, venueBars: records}:
	default:
		log.Error().Int64("bar_time", barTime).Msg("emission buffer full, dropping bar for sinks")
	}
}

// buildComposite assembles composite inputs for one stream at barTime.
//
// Connection state and last-update times come from the live connectors, not
// the bars: a venue that stopped emitting mid-minute still has a bar for
// this minute but must fail the stale check.
func (a *Aggregator) buildComposite(sk streamKey, barTime int64) (market.CompositeBar, []market.VenueBarRecord) {
	nowMs := a.now().UnixMilli()

	venues := a.configuredVenues(sk.marketType)

	type venueSlot struct {
		venue  market.Venue
		bar    market.Bar
		hasBar bool
	}
	var slots []venueSlot
	var openIn, highIn, lowIn, closeIn []market.VenuePriceInput

	a.mu.Lock()
	for _, v := range venues {
		if _, ok := market.Symbol(v, sk.asset, sk.marketType); !ok {
			continue
		}
		key := connKey{venue: v, asset: sk.asset, marketType: sk.marketType}

		connected := false
		var lastUpdate *int64
		if st, ok := a.states[key]; ok {
			connected = st.IsConnected()
			if ms, ok := st.LastUpdateMs(); ok {
				lastUpdate = &ms
			}
		}

		bar, hasBar := a.latestBars[key]
		hasBar = hasBar && bar.Time == barTime
		slots = append(slots, venueSlot{venue: v, bar: bar, hasBar: hasBar})

		input := func(price float64) market.VenuePriceInput {
			in := market.VenuePriceInput{Venue: v, IsConnected: connected, LastUpdateMs: lastUpdate}
			if hasBar {
				in.Price = market.Float64Ptr(price)
			}
			return in
		}
		openIn = append(openIn, input(bar.Open))
		highIn = append(highIn, input(bar.High))
		lowIn = append(lowIn, input(bar.Low))
		closeIn = append(closeIn, input(bar.Close))
	}
	a.mu.Unlock()

	openRes := market.FilterOutliers(openIn, nowMs, sk.marketType)
	highRes := market.FilterOutliers(highIn, nowMs, sk.marketType)
	lowRes := market.FilterOutliers(lowIn, nowMs, sk.marketType)
	closeRes := market.FilterOutliers(closeIn, nowMs, sk.marketType)

	includedByClose := make(map[market.Venue]bool)
	excludeByClose := make(map[market.Venue]market.ExcludeReason)
	for _, c := range closeRes.Venues {
		if c.Included {
			includedByClose[c.Venue] = true
		} else if c.ExcludeReason != "" {
			excludeByClose[c.Venue] = c.ExcludeReason
		}
	}

	var flow market.FlowTotals
	var records []market.VenueBarRecord
	for _, s := range slots {
		if !s.hasBar {
			continue
		}
		rec := market.VenueBarRecord{Bar: s.bar}
		if includedByClose[s.venue] {
			rec.Included = true
			flow.Volume += s.bar.Volume
			flow.BuyVolume += s.bar.BuyVolume
			flow.SellVolume += s.bar.SellVolume
			flow.BuyCount += s.bar.BuyCount
			flow.SellCount += s.bar.SellCount
		} else {
			rec.ExcludeReason = excludeByClose[s.venue]
		}
		records = append(records, rec)
	}

	composite := market.BuildCompositeBar(barTime, openRes, highRes, lowRes, closeRes, flow, sk.asset, sk.marketType)
	return composite, records
}

// LatestBar returns the most recent composite for a stream.
func (a *Aggregator) LatestBar(asset market.Asset, mt market.MarketType) (market.CompositeBar, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ring := a.rings[streamKey{asset: asset, marketType: mt}]
	if len(ring) == 0 {
		return market.CompositeBar{}, false
	}
	return ring[len(ring)-1], true
}

// GetBars returns retained composite bars for [startSec, endSec], oldest
// first, capped at limit when limit > 0. Zero bounds are open.
func (a *Aggregator) GetBars(asset market.Asset, mt market.MarketType, startSec, endSec int64, limit int) []market.CompositeBar {
	a.mu.Lock()
	defer a.mu.Unlock()

	ring := a.rings[streamKey{asset: asset, marketType: mt}]
	var out []market.CompositeBar
	for _, b := range ring {
		if startSec > 0 && b.Time < startSec {
			continue
		}
		if endSec > 0 && b.Time > endSec {
			continue
		}
		out = append(out, b)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// CurrentComposite computes a live composite price from the venues'
// in-progress bars, applying the same exclusion rules as the minute build.
func (a *Aggregator) CurrentComposite(asset market.Asset, mt market.MarketType) market.FilterResult {
	nowMs := a.now().UnixMilli()

	var inputs []market.VenuePriceInput
	for _, v := range a.configuredVenues(mt) {
		key := connKey{venue: v, asset: asset, marketType: mt}
		sup, ok := a.supervisors[key]
		if !ok {
			continue
		}
		in := market.VenuePriceInput{Venue: v, IsConnected: sup.IsConnected()}
		if ms, ok := sup.LastUpdateMs(); ok {
			in.LastUpdateMs = market.Int64Ptr(ms)
		}
		if price, ok := sup.Builder().CurrentPrice(); ok {
			in.Price = market.Float64Ptr(price)
		}
		inputs = append(inputs, in)
	}
	return market.FilterOutliers(inputs, nowMs, mt)
}

// CurrentPrices returns each venue's in-progress close for a stream.
func (a *Aggregator) CurrentPrices(asset market.Asset, mt market.MarketType) map[market.Venue]float64 {
	out := make(map[market.Venue]float64)
	for key, sup := range a.supervisors {
		if key.asset != asset || key.marketType != mt {
			continue
		}
		if price, ok := sup.Builder().CurrentPrice(); ok {
			out[key.venue] = price
		}
	}
	return out
}

// VenueBars returns a venue's retained completed bars for a stream.
func (a *Aggregator) VenueBars(venue market.Venue, asset market.Asset, mt market.MarketType, limit int) []market.Bar {
	sup, ok := a.supervisors[connKey{venue: venue, asset: asset, marketType: mt}]
	if !ok {
		return nil
	}
	return sup.Builder().CompletedBars(limit)
}

// ConnectionStatus snapshots telemetry for every connector.
func (a *Aggregator) ConnectionStatus() []connector.Telemetry {
	nowMs := a.now().UnixMilli()
	out := make([]connector.Telemetry, 0, len(a.supervisors))
	for _, sup := range a.supervisors {
		out = append(out, sup.Telemetry(nowMs))
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
