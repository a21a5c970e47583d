package market

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fresh(nowMs int64) *int64 {
	v := nowMs - 1000
	return &v
}

func TestMedian(t *testing.T) {
	_, ok := Median(nil)
	assert.False(t, ok)

	m, ok := Median([]float64{3})
	require.True(t, ok)
	assert.Equal(t, 3.0, m)

	m, _ = Median([]float64{1, 3, 2})
	assert.Equal(t, 2.0, m)

	m, _ = Median([]float64{45050, 45060})
	assert.Equal(t, 45055.0, m)
}

func TestFilterOutliersTwoConcordantVenues(t *testing.T) {
	barTime := int64(1_700_000_000)
	nowMs := barTime*1000 + 60_000

	inputs := []VenuePriceInput{
		{Venue: Binance, Price: Float64Ptr(45050.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: Coinbase, Price: Float64Ptr(45060.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
	}

	res := FilterOutliers(inputs, nowMs, Spot)

	require.NotNil(t, res.Price)
	assert.Equal(t, 45055.0, *res.Price)
	assert.Equal(t, 2, res.IncludedCount)
	assert.False(t, res.IsGap)
	assert.True(t, res.Degraded) // below preferred quorum of 3
	assert.Equal(t, DegradedBelowPreferredQuorum, res.DegradedReason)
	for _, c := range res.Venues {
		assert.True(t, c.Included)
		assert.Empty(t, c.ExcludeReason)
	}
}

func TestFilterOutliersStaleExcludedBeforeMedian(t *testing.T) {
	nowMs := int64(1_700_000_060_000)
	staleUpdate := nowMs - 15_000 // past binance's 10s threshold

	inputs := []VenuePriceInput{
		{Venue: Binance, Price: Float64Ptr(95100.0), LastUpdateMs: &staleUpdate, IsConnected: true},
		{Venue: Coinbase, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: OKX, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
	}

	res := FilterOutliers(inputs, nowMs, Spot)

	require.NotNil(t, res.Price)
	assert.Equal(t, 94100.0, *res.Price)
	assert.Equal(t, 2, res.IncludedCount)

	binance := res.Venues[0]
	assert.Equal(t, Binance, binance.Venue)
	assert.Equal(t, ExcludeStale, binance.ExcludeReason)
	// Stale runs before the outlier math: no deviation is recorded.
	assert.Nil(t, binance.DeviationBps)
	assert.Equal(t, DegradedVenueStale, res.DegradedReason)
}

func TestFilterOutliersOutlierRejected(t *testing.T) {
	nowMs := int64(1_700_000_060_000)

	inputs := []VenuePriceInput{
		{Venue: Binance, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: Coinbase, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: OKX, Price: Float64Ptr(95100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
	}

	res := FilterOutliers(inputs, nowMs, Spot)

	require.NotNil(t, res.Price)
	assert.Equal(t, 94100.0, *res.Price)
	assert.Equal(t, 2, res.IncludedCount)
	assert.True(t, res.Degraded)
	assert.Equal(t, DegradedVenueOutlier, res.DegradedReason)

	okx := res.Venues[2]
	assert.Equal(t, ExcludeOutlier, okx.ExcludeReason)
	require.NotNil(t, okx.DeviationBps)
	assert.InDelta(t, 106.27, *okx.DeviationBps, 0.01)
}

func TestFilterOutliersGapBelowMinQuorum(t *testing.T) {
	nowMs := int64(1_700_000_060_000)

	inputs := []VenuePriceInput{
		{Venue: Binance, Price: nil, LastUpdateMs: nil, IsConnected: false},
		{Venue: Coinbase, Price: nil, LastUpdateMs: nil, IsConnected: false},
		{Venue: OKX, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
	}

	res := FilterOutliers(inputs, nowMs, Spot)

	assert.True(t, res.IsGap)
	assert.Nil(t, res.Price)
	assert.Equal(t, 1, res.IncludedCount)
	assert.True(t, res.Degraded)
	assert.Equal(t, DegradedVenueDisconnected, res.DegradedReason)
	assert.Equal(t, ExcludeDisconnected, res.Venues[0].ExcludeReason)
	assert.Equal(t, ExcludeDisconnected, res.Venues[1].ExcludeReason)
}

func TestFilterOutliersSingleSourceGap(t *testing.T) {
	nowMs := int64(1_700_000_060_000)

	inputs := []VenuePriceInput{
		{Venue: OKX, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
	}

	res := FilterOutliers(inputs, nowMs, Spot)

	assert.True(t, res.IsGap)
	assert.Equal(t, DegradedSingleSource, res.DegradedReason)
}

func TestFilterOutliersStaleOutranksSingleSource(t *testing.T) {
	nowMs := int64(1_700_000_060_000)
	stale := nowMs - 60_000

	inputs := []VenuePriceInput{
		{Venue: Coinbase, Price: Float64Ptr(94000.0), LastUpdateMs: &stale, IsConnected: true},
		{Venue: Kraken, Price: Float64Ptr(94010.0), LastUpdateMs: &stale, IsConnected: true},
		{Venue: OKX, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
	}

	res := FilterOutliers(inputs, nowMs, Spot)

	assert.True(t, res.IsGap)
	assert.Equal(t, 1, res.IncludedCount)
	assert.Equal(t, DegradedVenueStale, res.DegradedReason)
}

func TestFilterOutliersNoDataExcluded(t *testing.T) {
	nowMs := int64(1_700_000_060_000)

	inputs := []VenuePriceInput{
		{Venue: Binance, Price: nil, LastUpdateMs: nil, IsConnected: true},
		{Venue: Coinbase, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: OKX, Price: Float64Ptr(94110.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
	}

	res := FilterOutliers(inputs, nowMs, Spot)

	assert.Equal(t, ExcludeNoData, res.Venues[0].ExcludeReason)
	assert.Equal(t, 2, res.IncludedCount)
	assert.False(t, res.IsGap)
}

func TestFilterOutliersPermutationInvariant(t *testing.T) {
	nowMs := int64(1_700_000_060_000)
	stale := nowMs - 60_000

	inputs := []VenuePriceInput{
		{Venue: Binance, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: Coinbase, Price: Float64Ptr(94150.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: Kraken, Price: Float64Ptr(96000.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: OKX, Price: Float64Ptr(94120.0), LastUpdateMs: &stale, IsConnected: true},
		{Venue: Bybit, Price: nil, LastUpdateMs: nil, IsConnected: false},
	}

	base := FilterOutliers(inputs, nowMs, Spot)
	require.NotNil(t, base.Price)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := make([]VenuePriceInput, len(inputs))
		copy(shuffled, inputs)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		res := FilterOutliers(shuffled, nowMs, Spot)
		require.NotNil(t, res.Price)
		assert.Equal(t, *base.Price, *res.Price)
		assert.Equal(t, base.IncludedCount, res.IncludedCount)
		assert.Equal(t, base.IsGap, res.IsGap)
		assert.Equal(t, base.Degraded, res.Degraded)
		assert.Equal(t, base.DegradedReason, res.DegradedReason)
	}
}

func TestFilterOutliersInclusionMonotonicity(t *testing.T) {
	// Removing a DISCONNECTED or STALE venue from the input must not change
	// the composite.
	nowMs := int64(1_700_000_060_000)
	stale := nowMs - 60_000

	full := []VenuePriceInput{
		{Venue: Binance, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: Coinbase, Price: Float64Ptr(94150.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: Kraken, Price: Float64Ptr(94200.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
		{Venue: OKX, Price: Float64Ptr(99999.0), LastUpdateMs: &stale, IsConnected: true},
		{Venue: Bybit, Price: nil, LastUpdateMs: nil, IsConnected: false},
	}

	trimmed := full[:3]

	a := FilterOutliers(full, nowMs, Spot)
	b := FilterOutliers(trimmed, nowMs, Spot)

	require.NotNil(t, a.Price)
	require.NotNil(t, b.Price)
	assert.Equal(t, *a.Price, *b.Price)
	assert.Equal(t, a.IncludedCount, b.IncludedCount)
	assert.Equal(t, a.IsGap, b.IsGap)
}

func TestBuildCompositeBarGapZeroesFlow(t *testing.T) {
	nowMs := int64(1_700_000_060_000)
	gapInputs := []VenuePriceInput{
		{Venue: Binance, Price: nil, LastUpdateMs: nil, IsConnected: false},
		{Venue: OKX, Price: Float64Ptr(94100.0), LastUpdateMs: fresh(nowMs), IsConnected: true},
	}
	res := FilterOutliers(gapInputs, nowMs, Spot)
	require.True(t, res.IsGap)

	bar := BuildCompositeBar(1_700_000_000, res, res, res, res,
		FlowTotals{Volume: 12.5, BuyVolume: 7, SellVolume: 5.5, BuyCount: 3, SellCount: 2},
		AssetBTC, Spot)

	assert.True(t, bar.IsGap)
	assert.Nil(t, bar.Open)
	assert.Nil(t, bar.High)
	assert.Nil(t, bar.Low)
	assert.Nil(t, bar.Close)
	assert.Zero(t, bar.Volume)
	assert.Zero(t, bar.BuyCount)
	assert.True(t, bar.Degraded)
	require.Len(t, bar.ExcludedVenues, 1)
	assert.Equal(t, ExcludeDisconnected, bar.ExcludedVenues[0].Reason)
}

func TestBuildCompositeBarUsesCloseInclusionSet(t *testing.T) {
	nowMs := int64(1_700_000_060_000)

	ok3 := func(p1, p2, p3 float64) FilterResult {
		return FilterOutliers([]VenuePriceInput{
			{Venue: Binance, Price: Float64Ptr(p1), LastUpdateMs: fresh(nowMs), IsConnected: true},
			{Venue: Coinbase, Price: Float64Ptr(p2), LastUpdateMs: fresh(nowMs), IsConnected: true},
			{Venue: OKX, Price: Float64Ptr(p3), LastUpdateMs: fresh(nowMs), IsConnected: true},
		}, nowMs, Spot)
	}

	openRes := ok3(94100, 94110, 94120)   // all included
	closeRes := ok3(94100, 94100, 95100)  // okx outlier on close

	bar := BuildCompositeBar(1_700_000_000, openRes, openRes, openRes, closeRes,
		FlowTotals{Volume: 10}, AssetBTC, Spot)

	assert.Equal(t, []Venue{Binance, Coinbase}, bar.IncludedVenues)
	require.Len(t, bar.ExcludedVenues, 1)
	assert.Equal(t, OKX, bar.ExcludedVenues[0].Venue)
	assert.Equal(t, ExcludeOutlier, bar.ExcludedVenues[0].Reason)
	assert.False(t, bar.IsGap)
	assert.True(t, bar.Degraded)
}

func TestStaleThresholdLookup(t *testing.T) {
	assert.Equal(t, int64(10_000), StaleThresholdMs(Binance, Spot))
	assert.Equal(t, int64(30_000), StaleThresholdMs(Coinbase, Spot))
	assert.Equal(t, int64(15_000), StaleThresholdMs(OKX, Perp))
	assert.Equal(t, int64(15_000), StaleThresholdMs(Bybit, Perp))
	assert.Equal(t, DefaultStaleThresholdMs, StaleThresholdMs(Venue("unknown"), Spot))
}

func TestSymbolCatalog(t *testing.T) {
	sym, ok := Symbol(Kraken, AssetBTC, Spot)
	require.True(t, ok)
	assert.Equal(t, "XBT/USD", sym)

	sym, ok = Symbol(OKX, AssetBTC, Perp)
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT-SWAP", sym)

	_, ok = Symbol(Coinbase, AssetBTC, Perp)
	assert.False(t, ok)

	_, ok = Symbol(Bybit, AssetETH, Spot)
	assert.False(t, ok)

	assert.True(t, VenueSupportsMarket(Bybit, Perp))
	assert.False(t, VenueSupportsMarket(Bybit, Spot))
	assert.False(t, VenueSupportsMarket(Kraken, Perp))
}
