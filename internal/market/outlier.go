package market

import (
	"math"
	"sort"
)

// VenuePriceInput is one venue's current price state for a single OHLC
// component of a composite calculation.
type VenuePriceInput struct {
	Venue        Venue
	Price        *float64 // nil when the venue has produced no data
	LastUpdateMs *int64   // nil when the venue has never reported
	IsConnected  bool
}

// FilterResult is the outcome of filtering one OHLC component across venues.
type FilterResult struct {
	Price          *float64
	Venues         []VenueContribution
	IncludedCount  int
	TotalCount     int
	Degraded       bool
	DegradedReason DegradedReason
	IsGap          bool
}

// Median computes the standard median (average of the two middles for even
// counts). Returns false for an empty slice. The input is not modified.
func Median(prices []float64) (float64, bool) {
	n := len(prices)
	if n == 0 {
		return 0, false
	}
	sorted := make([]float64, n)
	copy(sorted, prices)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2], true
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2, true
}

// DeviationBps returns the absolute deviation of price from median in basis
// points.
func DeviationBps(price, median float64) float64 {
	if median == 0 {
		return 0
	}
	return math.Abs((price-median)/median) * 10_000
}

// FilterOutliers filters venue prices for one OHLC component and computes
// the composite. The exclusion order is fixed:
//
//  1. DISCONNECTED venues are dropped.
//  2. NO_DATA venues (missing price or update time) are dropped.
//  3. STALE venues (update older than the per-venue threshold) are dropped
//     before any median math, so a stuck price cannot pull the median.
//  4. The median is computed over the survivors.
//  5. Survivors deviating more than 100 bps from that median are dropped as
//     OUTLIER.
//
// The composite price is the median of the post-outlier survivors, absent
// when fewer than MinQuorum remain.
func FilterOutliers(inputs []VenuePriceInput, nowMs int64, marketType MarketType) FilterResult {
	contributions := make([]VenueContribution, 0, len(inputs))

	type candidate struct {
		idx   int
		price float64
	}
	var candidates []candidate

	for _, inp := range inputs {
		contrib := VenueContribution{Venue: inp.Venue, Price: inp.Price}

		if !inp.IsConnected {
			contrib.ExcludeReason = ExcludeDisconnected
			contributions = append(contributions, contrib)
			continue
		}
		if inp.Price == nil || inp.LastUpdateMs == nil {
			contrib.ExcludeReason = ExcludeNoData
			contributions = append(contributions, contrib)
			continue
		}
		if nowMs-*inp.LastUpdateMs > StaleThresholdMs(inp.Venue, marketType) {
			contrib.ExcludeReason = ExcludeStale
			contributions = append(contributions, contrib)
			continue
		}

		candidates = append(candidates, candidate{idx: len(contributions), price: *inp.Price})
		contributions = append(contributions, contrib)
	}

	candidatePrices := make([]float64, len(candidates))
	for i, c := range candidates {
		candidatePrices[i] = c.price
	}
	median, haveMedian := Median(candidatePrices)

	var includedPrices []float64
	for _, c := range candidates {
		contrib := &contributions[c.idx]
		if !haveMedian {
			contrib.Included = true
			contrib.DeviationBps = Float64Ptr(0)
			includedPrices = append(includedPrices, c.price)
			continue
		}
		dev := DeviationBps(c.price, median)
		contrib.DeviationBps = Float64Ptr(dev)
		if dev > OutlierThresholdBps {
			contrib.ExcludeReason = ExcludeOutlier
			continue
		}
		contrib.Included = true
		includedPrices = append(includedPrices, c.price)
	}

	includedCount := len(includedPrices)
	finalPrice, haveFinal := Median(includedPrices)

	isGap := includedCount < MinQuorum
	degraded := includedCount < PreferredQuorum || isGap

	result := FilterResult{
		Venues:         contributions,
		IncludedCount:  includedCount,
		TotalCount:     len(inputs),
		Degraded:       degraded,
		IsGap:          isGap,
		DegradedReason: deriveDegradedReason(contributions, degraded, isGap, includedCount),
	}
	if haveFinal && !isGap {
		result.Price = Float64Ptr(finalPrice)
	}
	return result
}

// deriveDegradedReason picks the most severe exclusion cause present:
// DISCONNECTED > STALE > OUTLIER > SINGLE_SOURCE > BELOW_PREFERRED_QUORUM.
// In the gap branch NO_DATA counts with STALE.
func deriveDegradedReason(contributions []VenueContribution, degraded, isGap bool, includedCount int) DegradedReason {
	if !degraded {
		return DegradedNone
	}

	var hasDisconnected, hasNoData, hasStale, hasOutlier bool
	for _, c := range contributions {
		switch c.ExcludeReason {
		case ExcludeDisconnected:
			hasDisconnected = true
		case ExcludeNoData:
			hasNoData = true
		case ExcludeStale:
			hasStale = true
		case ExcludeOutlier:
			hasOutlier = true
		}
	}

	if isGap {
		switch {
		case hasDisconnected:
			return DegradedVenueDisconnected
		case hasNoData || hasStale:
			return DegradedVenueStale
		case hasOutlier:
			return DegradedVenueOutlier
		case includedCount == 1:
			return DegradedSingleSource
		default:
			return DegradedBelowPreferredQuorum
		}
	}

	switch {
	case hasDisconnected:
		return DegradedVenueDisconnected
	case hasStale:
		return DegradedVenueStale
	case hasOutlier:
		return DegradedVenueOutlier
	default:
		return DegradedBelowPreferredQuorum
	}
}

// FlowTotals carries volume and order-flow sums over the venues included by
// the close component.
type FlowTotals struct {
	Volume     float64
	BuyVolume  float64
	SellVolume float64
	BuyCount   int
	SellCount  int
}

// BuildCompositeBar assembles a CompositeBar from the four per-component
// filter results.
//
// The included/excluded venue lists come from the close result only: close
// is the most representative instant of the bar, and a single deterministic
// venue set keeps flow summation stable when connectivity changes
// intra-minute. A union across O/H/L/C is deliberately rejected.
func BuildCompositeBar(
	barTime int64,
	openRes, highRes, lowRes, closeRes FilterResult,
	flow FlowTotals,
	asset Asset,
	marketType MarketType,
) CompositeBar {
	isGap := closeRes.IsGap

	var included []Venue
	var excluded []ExcludedVenue
	for _, c := range closeRes.Venues {
		if c.Included {
			included = append(included, c.Venue)
		} else if c.ExcludeReason != "" {
			excluded = append(excluded, ExcludedVenue{Venue: c.Venue, Reason: c.ExcludeReason})
		}
	}

	bar := CompositeBar{
		Time:           barTime,
		Degraded:       openRes.Degraded || highRes.Degraded || lowRes.Degraded || closeRes.Degraded,
		IsGap:          isGap,
		IncludedVenues: included,
		ExcludedVenues: excluded,
		Asset:          asset,
		MarketType:     marketType,
	}
	if !isGap {
		bar.Open = openRes.Price
		bar.High = highRes.Price
		bar.Low = lowRes.Price
		bar.Close = closeRes.Price
		bar.Volume = flow.Volume
		bar.BuyVolume = flow.BuyVolume
		bar.SellVolume = flow.SellVolume
		bar.BuyCount = flow.BuyCount
		bar.SellCount = flow.SellCount
	}
	return bar
}
