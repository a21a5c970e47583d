package connector

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/market"
)

// krakenDriver streams trades from Kraken spot.
//
// Kraken mixes two frame shapes on one socket: JSON objects for system
// events (subscriptionStatus, heartbeat, systemStatus) and JSON arrays for
// channel data:
//
//	[channelID, [[price, volume, time, side, orderType, misc], ...], "trade", "XBT/USD"]
//
// time is unix seconds with fractional microseconds as a string; side is
// "s" (taker sold) or "b" (taker bought). Kraken names Bitcoin XBT.
type krakenDriver struct {
	asset      market.Asset
	marketType market.MarketType
	symbol     string
}

func (d *krakenDriver) Venue() market.Venue { return market.Kraken }

func (d *krakenDriver) URL() string {
	return market.WSEndpoint(market.Kraken, d.marketType)
}

func (d *krakenDriver) SubscribeMessage() ([]byte, error) {
	return json.Marshal(map[string]any{
		"event": "subscribe",
		"pair":  []string{d.symbol},
		"subscription": map[string]any{
			"name": "trade",
		},
	})
}

func (d *krakenDriver) Parse(frame []byte, localMs int64) []market.Trade {
	trimmed := strings.TrimSpace(string(frame))
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '{' {
		d.handleSystemFrame(frame)
		return nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(frame, &elems); err != nil {
		log.Warn().Err(err).Str("venue", "kraken").Msg("unparseable frame")
		return nil
	}
	if len(elems) < 4 {
		return nil
	}

	var channelName, pair string
	if err := json.Unmarshal(elems[len(elems)-2], &channelName); err != nil || channelName != "trade" {
		return nil
	}
	if err := json.Unmarshal(elems[len(elems)-1], &pair); err != nil {
		return nil
	}
	if !strings.EqualFold(pair, d.symbol) {
		log.Warn().Str("venue", "kraken").Str("got", pair).Str("want", d.symbol).
			Msg("pair mismatch, dropping trades")
		return nil
	}

	var rows [][]string
	if err := json.Unmarshal(elems[1], &rows); err != nil {
		log.Warn().Err(err).Str("venue", "kraken").Msg("invalid trade array")
		return nil
	}

	trades := make([]market.Trade, 0, len(rows))
	for _, row := range rows {
		if t, ok := d.parseRow(row, localMs); ok {
			trades = append(trades, t)
		}
	}
	return trades
}

func (d *krakenDriver) parseRow(row []string, localMs int64) (market.Trade, bool) {
	if len(row) < 4 {
		log.Warn().Str("venue", "kraken").Int("fields", len(row)).Msg("short trade row")
		return market.Trade{}, false
	}

	price, err1 := strconv.ParseFloat(row[0], 64)
	volume, err2 := strconv.ParseFloat(row[1], 64)
	if err1 != nil || err2 != nil || price <= 0 || volume <= 0 {
		log.Warn().Str("venue", "kraken").Str("price", row[0]).Str("volume", row[1]).
			Msg("invalid price/volume, dropping trade")
		return market.Trade{}, false
	}

	ts := localMs
	if secs, err := strconv.ParseFloat(row[2], 64); err == nil {
		ts = int64(secs * 1000)
	} else {
		log.Warn().Str("venue", "kraken").Str("time", row[2]).Msg("unparseable trade time")
	}

	// "s": the taker sold; "b": the taker bought.
	side := market.TakerBuy
	if row[3] == "s" {
		side = market.TakerSell
	}

	return market.Trade{
		Timestamp:      ts,
		LocalTimestamp: localMs,
		Price:          price,
		Quantity:       volume,
		TakerSide:      side,
		Venue:          market.Kraken,
		Asset:          d.asset,
		MarketType:     d.marketType,
	}, true
}

func (d *krakenDriver) handleSystemFrame(frame []byte) {
	var msg struct {
		Event        string `json:"event"`
		Status       string `json:"status"`
		Pair         string `json:"pair"`
		ChannelID    int    `json:"channelID"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return
	}
	switch msg.Event {
	case "subscriptionStatus":
		if msg.Status == "error" {
			log.Error().Str("venue", "kraken").Str("message", msg.ErrorMessage).
				Msg("subscription error")
		} else if msg.Status == "subscribed" {
			log.Info().Str("venue", "kraken").Str("pair", msg.Pair).
				Int("channel_id", msg.ChannelID).Msg("subscribed")
		}
	case "heartbeat", "systemStatus", "pong":
	default:
		log.Debug().Str("venue", "kraken").Str("event", msg.Event).Msg("ignoring event")
	}
}
