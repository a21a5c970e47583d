package connector

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/market"
)

// bybitDriver streams public trades from Bybit linear perpetuals.
//
// Subscription: {"op":"subscribe","args":["publicTrade.BTCUSDT"]}
// Trade frame:  {"topic":"publicTrade.BTCUSDT",
//                "data":[{"T":ms,"s":"BTCUSDT","S":"Buy|Sell","v":"...","p":"..."}]}
// Ack frames carry "op"/"success" and no topic.
type bybitDriver struct {
	asset      market.Asset
	marketType market.MarketType
	symbol     string
}

func (d *bybitDriver) Venue() market.Venue { return market.Bybit }

func (d *bybitDriver) URL() string {
	return market.WSEndpoint(market.Bybit, d.marketType)
}

func (d *bybitDriver) SubscribeMessage() ([]byte, error) {
	return json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []string{"publicTrade." + d.symbol},
	})
}

func (d *bybitDriver) Parse(frame []byte, localMs int64) []market.Trade {
	var msg struct {
		Topic   string `json:"topic"`
		Op      string `json:"op"`
		Success *bool  `json:"success"`
		RetMsg  string `json:"ret_msg"`
		Data    []struct {
			TradeTime int64  `json:"T"`
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			Volume    string `json:"v"`
			Price     string `json:"p"`
		} `json:"data"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Warn().Err(err).Str("venue", "bybit").Msg("unparseable frame")
		return nil
	}

	if msg.Topic == "" {
		if msg.Success != nil && !*msg.Success {
			log.Error().Str("venue", "bybit").Str("op", msg.Op).Str("message", msg.RetMsg).
				Msg("operation failed")
		}
		return nil
	}
	if !strings.HasPrefix(msg.Topic, "publicTrade.") {
		return nil
	}

	trades := make([]market.Trade, 0, len(msg.Data))
	for _, item := range msg.Data {
		if item.Symbol != d.symbol {
			log.Warn().Str("venue", "bybit").Str("got", item.Symbol).Str("want", d.symbol).
				Msg("symbol mismatch, dropping trade")
			continue
		}
		price, err1 := strconv.ParseFloat(item.Price, 64)
		volume, err2 := strconv.ParseFloat(item.Volume, 64)
		if err1 != nil || err2 != nil || price <= 0 || volume <= 0 {
			log.Warn().Str("venue", "bybit").Str("p", item.Price).Str("v", item.Volume).
				Msg("invalid price/volume, dropping trade")
			continue
		}

		side := market.TakerBuy
		if item.Side == "Sell" {
			side = market.TakerSell
		}

		trades = append(trades, market.Trade{
			Timestamp:      item.TradeTime,
			LocalTimestamp: localMs,
			Price:          price,
			Quantity:       volume,
			TakerSide:      side,
			Venue:          market.Bybit,
			Asset:          d.asset,
			MarketType:     d.marketType,
		})
	}
	return trades
}
