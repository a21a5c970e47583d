package connector

import (
	"fmt"

	"github.com/ciphex/abacus/internal/market"
)

// Driver is the venue-specific half of a connector: where to connect, what
// to send, and how to turn raw frames into normalized trades. Drivers are
// plain values; the Supervisor owns all connection lifecycle.
type Driver interface {
	Venue() market.Venue

	// URL returns the WebSocket endpoint for the stream.
	URL() string

	// SubscribeMessage returns the frame sent after connecting.
	SubscribeMessage() ([]byte, error)

	// Parse converts one inbound frame into zero or more trades.
	// Administrative frames (acks, heartbeats, status) yield an empty slice.
	// localMs stamps Trade.LocalTimestamp; the exchange timestamp is kept
	// verbatim.
	Parse(frame []byte, localMs int64) []market.Trade
}

// NewDriver builds the driver for a venue/asset/market combination.
func NewDriver(venue market.Venue, asset market.Asset, marketType market.MarketType) (Driver, error) {
	symbol, ok := market.Symbol(venue, asset, marketType)
	if !ok {
		return nil, fmt.Errorf("%s does not support %s %s", venue, asset, marketType)
	}

	switch venue {
	case market.Binance:
		return &binanceDriver{asset: asset, marketType: marketType, symbol: symbol}, nil
	case market.Coinbase:
		return &coinbaseDriver{asset: asset, marketType: marketType, symbol: symbol}, nil
	case market.Kraken:
		return &krakenDriver{asset: asset, marketType: marketType, symbol: symbol}, nil
	case market.OKX:
		return &okxDriver{asset: asset, marketType: marketType, symbol: symbol}, nil
	case market.Bybit:
		return &bybitDriver{asset: asset, marketType: marketType, symbol: symbol}, nil
	default:
		return nil, fmt.Errorf("unknown venue: %s", venue)
	}
}
