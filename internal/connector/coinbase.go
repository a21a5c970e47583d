package connector

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/market"
)

// coinbaseDriver streams matches from the Coinbase Exchange feed.
//
// Subscription: {"type":"subscribe","product_ids":["BTC-USD"],"channels":["matches"]}
// Trade frame:  {"type":"match","product_id":"BTC-USD","price":"...","size":"...",
//                "side":"buy|sell","time":"RFC3339"}
// "last_match" (sent once after subscribe) is treated like a match.
type coinbaseDriver struct {
	asset      market.Asset
	marketType market.MarketType
	symbol     string
}

func (d *coinbaseDriver) Venue() market.Venue { return market.Coinbase }

func (d *coinbaseDriver) URL() string {
	return market.WSEndpoint(market.Coinbase, d.marketType)
}

func (d *coinbaseDriver) SubscribeMessage() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": []string{d.symbol},
		"channels":    []string{"matches"},
	})
}

func (d *coinbaseDriver) Parse(frame []byte, localMs int64) []market.Trade {
	var msg struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
		Size      string `json:"size"`
		Side      string `json:"side"`
		Time      string `json:"time"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Warn().Err(err).Str("venue", "coinbase").Msg("unparseable frame")
		return nil
	}

	switch msg.Type {
	case "match", "last_match":
	case "error":
		log.Error().Str("venue", "coinbase").Str("message", msg.Message).Msg("feed error")
		return nil
	default:
		// subscriptions, heartbeat, ticker
		return nil
	}

	if msg.ProductID != d.symbol {
		log.Warn().Str("venue", "coinbase").Str("got", msg.ProductID).Str("want", d.symbol).
			Msg("product mismatch, dropping trade")
		return nil
	}

	price, err1 := strconv.ParseFloat(msg.Price, 64)
	size, err2 := strconv.ParseFloat(msg.Size, 64)
	if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
		log.Warn().Str("venue", "coinbase").Str("price", msg.Price).Str("size", msg.Size).
			Msg("invalid price/size, dropping trade")
		return nil
	}

	ts := localMs
	if t, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
		ts = t.UnixMilli()
	} else {
		log.Warn().Str("venue", "coinbase").Str("time", msg.Time).Msg("unparseable trade time")
	}

	side := market.TakerBuy
	if msg.Side == "sell" {
		side = market.TakerSell
	}

	return []market.Trade{{
		Timestamp:      ts,
		LocalTimestamp: localMs,
		Price:          price,
		Quantity:       size,
		TakerSide:      side,
		Venue:          market.Coinbase,
		Asset:          d.asset,
		MarketType:     d.marketType,
	}}
}
