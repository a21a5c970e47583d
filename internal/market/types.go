package market

// Asset is a tracked base asset.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

// MarketType distinguishes spot from perpetual markets.
type MarketType string

const (
	Spot MarketType = "spot"
	Perp MarketType = "perp"
)

// Venue identifies an exchange.
type Venue string

const (
	Binance  Venue = "binance"
	Coinbase Venue = "coinbase"
	Kraken   Venue = "kraken"
	OKX      Venue = "okx"
	Bybit    Venue = "bybit"
)

// TakerSide is the aggressor's direction: BUY lifts the ask, SELL hits the
// bid. Every venue parser normalizes its own maker/taker field into this
// single convention.
type TakerSide string

const (
	TakerBuy  TakerSide = "buy"
	TakerSell TakerSide = "sell"
)

// Trade is a normalized trade from any venue.
type Trade struct {
	Timestamp      int64      `json:"timestamp"`       // exchange time, ms
	LocalTimestamp int64      `json:"local_timestamp"` // receipt time, ms
	Price          float64    `json:"price"`
	Quantity       float64    `json:"quantity"`
	TakerSide      TakerSide  `json:"taker_side"`
	Venue          Venue      `json:"venue"`
	Asset          Asset      `json:"asset"`
	MarketType     MarketType `json:"market_type"`
}

// Bar is a per-venue one-minute OHLCV bar.
type Bar struct {
	Time       int64      `json:"time"` // unix seconds, minute-aligned
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	TradeCount int        `json:"trade_count"`
	BuyVolume  float64    `json:"buy_volume"`
	SellVolume float64    `json:"sell_volume"`
	BuyCount   int        `json:"buy_count"`
	SellCount  int        `json:"sell_count"`
	Venue      Venue      `json:"venue"`
	Asset      Asset      `json:"asset"`
	MarketType MarketType `json:"market_type"`
	IsPartial  bool       `json:"is_partial"`
}

// ExcludeReason explains why a venue did not contribute to a composite.
type ExcludeReason string

const (
	ExcludeDisconnected        ExcludeReason = "DISCONNECTED"
	ExcludeNoData              ExcludeReason = "NO_DATA"
	ExcludeStale               ExcludeReason = "STALE"
	ExcludeOutlier             ExcludeReason = "OUTLIER"
	ExcludeBackfillUnavailable ExcludeReason = "BACKFILL_UNAVAILABLE"
)

// DegradedReason is the most severe cause of a degraded composite.
type DegradedReason string

const (
	DegradedNone                 DegradedReason = "NONE"
	DegradedVenueDisconnected    DegradedReason = "VENUE_DISCONNECTED"
	DegradedVenueStale           DegradedReason = "VENUE_STALE"
	DegradedVenueOutlier         DegradedReason = "VENUE_OUTLIER"
	DegradedSingleSource         DegradedReason = "SINGLE_SOURCE"
	DegradedBelowPreferredQuorum DegradedReason = "BELOW_PREFERRED_QUORUM"
)

// ExcludedVenue records a venue excluded from a composite with its reason.
type ExcludedVenue struct {
	Venue  Venue         `json:"venue"`
	Reason ExcludeReason `json:"reason"`
}

// VenueContribution records how one venue fared in a composite calculation.
type VenueContribution struct {
	Venue         Venue         `json:"venue"`
	Price         *float64      `json:"price,omitempty"`
	Included      bool          `json:"included"`
	DeviationBps  *float64      `json:"deviation_bps,omitempty"`
	ExcludeReason ExcludeReason `json:"exclude_reason,omitempty"`
}

// CompositeBar is the cross-venue one-minute bar. OHLC pointers are nil when
// the bar is a gap (below minimum quorum at close).
type CompositeBar struct {
	Time           int64           `json:"time"`
	Open           *float64        `json:"open"`
	High           *float64        `json:"high"`
	Low            *float64        `json:"low"`
	Close          *float64        `json:"close"`
	Volume         float64         `json:"volume"`
	BuyVolume      float64         `json:"buy_volume"`
	SellVolume     float64         `json:"sell_volume"`
	BuyCount       int             `json:"buy_count"`
	SellCount      int             `json:"sell_count"`
	Degraded       bool            `json:"degraded"`
	IsGap          bool            `json:"is_gap"`
	IsBackfilled   bool            `json:"is_backfilled"`
	IncludedVenues []Venue         `json:"included_venues"`
	ExcludedVenues []ExcludedVenue `json:"excluded_venues"`
	Asset          Asset           `json:"asset"`
	MarketType     MarketType      `json:"market_type"`
}

// VenueBarRecord pairs a venue bar with its inclusion status in the
// composite for the same minute, as decided by the close component.
type VenueBarRecord struct {
	Bar           Bar
	Included      bool
	ExcludeReason ExcludeReason // empty when included
}

// Float64Ptr returns a pointer to v. Convenience for optional OHLC fields.
func Float64Ptr(v float64) *float64 { return &v }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }
