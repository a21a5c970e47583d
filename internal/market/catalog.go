package market

// Frozen composite thresholds. Changes require stakeholder sign-off.
const (
	// OutlierThresholdBps is the maximum deviation from the median before a
	// venue is excluded. Intentionally conservative for BTC/ETH where normal
	// cross-venue spreads are 5-50 bps.
	OutlierThresholdBps = 100.0

	// MinQuorum is the venue count below which a composite minute is a gap.
	MinQuorum = 2

	// PreferredQuorum is the venue count below which a composite is degraded.
	PreferredQuorum = 3

	// BarIntervalSeconds is the bar width.
	BarIntervalSeconds = 60

	// MaxTradesPerBar caps trades buffered into a single minute bar.
	MaxTradesPerBar = 5000

	// MaxCompletedBars bounds the per-builder closed-bar history (~16h).
	MaxCompletedBars = 1000

	// DefaultStaleThresholdMs applies to venue/market pairs without an
	// explicit entry in the stale table.
	DefaultStaleThresholdMs int64 = 30_000
)

// VenueConfig describes a venue's static capabilities.
type VenueConfig struct {
	ID              Venue
	Name            string
	SupportsSpot    bool
	SupportsPerp    bool
	WSEndpointSpot  string
	WSEndpointPerp  string
	SupportsBackfill bool
}

// VenueConfigs is the frozen venue capability table.
var VenueConfigs = map[Venue]VenueConfig{
	Binance: {
		ID:               Binance,
		Name:             "Binance",
		SupportsSpot:     true,
		SupportsPerp:     true,
		WSEndpointSpot:   "wss://stream.binance.com:9443/ws",
		WSEndpointPerp:   "wss://fstream.binance.com/ws",
		SupportsBackfill: true,
	},
	Coinbase: {
		ID:             Coinbase,
		Name:           "Coinbase",
		SupportsSpot:   true,
		WSEndpointSpot: "wss://ws-feed.exchange.coinbase.com",
		// Coinbase's public /trades endpoint only returns the most recent
		// trades with no time-range query, so it cannot serve backfill.
		SupportsBackfill: false,
	},
	Kraken: {
		ID:               Kraken,
		Name:             "Kraken",
		SupportsSpot:     true,
		WSEndpointSpot:   "wss://ws.kraken.com",
		SupportsBackfill: true,
	},
	OKX: {
		ID:               OKX,
		Name:             "OKX",
		SupportsSpot:     true,
		SupportsPerp:     true,
		WSEndpointSpot:   "wss://ws.okx.com:8443/ws/v5/public",
		WSEndpointPerp:   "wss://ws.okx.com:8443/ws/v5/public",
		SupportsBackfill: true,
	},
	Bybit: {
		ID:               Bybit,
		Name:             "Bybit",
		SupportsPerp:     true,
		WSEndpointPerp:   "wss://stream.bybit.com/v5/public/linear",
		SupportsBackfill: true, // recent trades only, no time-range queries
	},
}

// staleThresholdsMs holds per-venue, per-market stale thresholds. A venue
// whose latest message is older than its threshold is excluded from the
// composite the same as a disconnected venue.
var staleThresholdsMs = map[Venue]map[MarketType]int64{
	Binance:  {Spot: 10_000, Perp: 10_000},
	Coinbase: {Spot: 30_000, Perp: 30_000},
	Kraken:   {Spot: 30_000, Perp: 30_000},
	OKX:      {Spot: 15_000, Perp: 15_000},
	Bybit:    {Spot: 15_000, Perp: 15_000},
}

// StaleThresholdMs returns the stale threshold for a venue and market type.
func StaleThresholdMs(venue Venue, marketType MarketType) int64 {
	if byMarket, ok := staleThresholdsMs[venue]; ok {
		if ms, ok := byMarket[marketType]; ok {
			return ms
		}
	}
	return DefaultStaleThresholdMs
}

// spotSymbols maps venue to asset to venue-native spot symbol. Formats vary:
// Binance BTCUSDT, Coinbase BTC-USD, Kraken XBT/USD (XBT, not BTC), OKX
// BTC-USDT. Bybit spot is out of scope.
var spotSymbols = map[Venue]map[Asset]string{
	Binance:  {AssetBTC: "BTCUSDT", AssetETH: "ETHUSDT"},
	Coinbase: {AssetBTC: "BTC-USD", AssetETH: "ETH-USD"},
	Kraken:   {AssetBTC: "XBT/USD", AssetETH: "ETH/USD"},
	OKX:      {AssetBTC: "BTC-USDT", AssetETH: "ETH-USDT"},
}

// perpSymbols maps venue to asset to venue-native perp symbol.
var perpSymbols = map[Venue]map[Asset]string{
	Binance: {AssetBTC: "BTCUSDT", AssetETH: "ETHUSDT"},
	OKX:     {AssetBTC: "BTC-USDT-SWAP", AssetETH: "ETH-USDT-SWAP"},
	Bybit:   {AssetBTC: "BTCUSDT", AssetETH: "ETHUSDT"},
}

// Symbol returns the venue-native symbol for an asset and market type, and
// whether the combination is supported.
func Symbol(venue Venue, asset Asset, marketType MarketType) (string, bool) {
	table := spotSymbols
	if marketType == Perp {
		table = perpSymbols
	}
	sym, ok := table[venue][asset]
	return sym, ok
}

// VenueSupportsMarket reports whether a venue lists any symbol for a market.
func VenueSupportsMarket(venue Venue, marketType MarketType) bool {
	table := spotSymbols
	if marketType == Perp {
		table = perpSymbols
	}
	return len(table[venue]) > 0
}

// WSEndpoint returns the WebSocket endpoint for a venue and market type.
func WSEndpoint(venue Venue, marketType MarketType) string {
	cfg := VenueConfigs[venue]
	if marketType == Perp {
		return cfg.WSEndpointPerp
	}
	return cfg.WSEndpointSpot
}

// EnabledSpotVenues and EnabledPerpVenues are the production v0 venue sets.
var (
	EnabledSpotVenues = []Venue{Binance, Coinbase, OKX, Kraken}
	EnabledPerpVenues = []Venue{Binance, OKX, Bybit}
	EnabledAssets     = []Asset{AssetBTC, AssetETH}
)

// EnabledVenues returns the enabled venue list for a market type.
func EnabledVenues(marketType MarketType) []Venue {
	if marketType == Spot {
		return EnabledSpotVenues
	}
	return EnabledPerpVenues
}

// RealtimeVenues contribute to live composite formation over WebSocket.
var RealtimeVenues = map[Venue]bool{
	Binance:  true,
	Coinbase: true,
	Kraken:   true,
	OKX:      true,
	Bybit:    true,
}

// BackfillVenues have historical REST APIs usable for gap repair. Coinbase
// is realtime-only and must be marked BACKFILL_UNAVAILABLE during repair.
var BackfillVenues = map[Venue]bool{
	Binance: true,
	Kraken:  true,
	OKX:     true,
	Bybit:   true, // recent-only: older windows usually come back NO_DATA
}

// BackfillVenuesFor returns the enabled venues for a market that support
// historical backfill.
func BackfillVenuesFor(marketType MarketType) []Venue {
	var out []Venue
	for _, v := range EnabledVenues(marketType) {
		if BackfillVenues[v] {
			out = append(out, v)
		}
	}
	return out
}

// BarTime returns the minute-aligned bar time (unix seconds) for an
// exchange timestamp in milliseconds.
func BarTime(timestampMs int64) int64 {
	return timestampMs / 60_000 * 60
}
