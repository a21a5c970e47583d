package connector

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/market"
)

// binanceDriver streams aggregate trades from Binance spot or USD-M futures.
//
// Subscription: {"method":"SUBSCRIBE","params":["btcusdt@aggTrade"],"id":1}
// Trade frame:  {"e":"aggTrade","s":"BTCUSDT","p":"...","q":"...","T":ms,"m":bool}
// The ack frame {"result":null,"id":1} carries no "e" field and is dropped.
type binanceDriver struct {
	asset      market.Asset
	marketType market.MarketType
	symbol     string
}

func (d *binanceDriver) Venue() market.Venue { return market.Binance }

func (d *binanceDriver) URL() string {
	return market.WSEndpoint(market.Binance, d.marketType)
}

func (d *binanceDriver) SubscribeMessage() ([]byte, error) {
	return json.Marshal(map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{strings.ToLower(d.symbol) + "@aggTrade"},
		"id":     1,
	})
}

func (d *binanceDriver) Parse(frame []byte, localMs int64) []market.Trade {
	var msg struct {
		Event        string `json:"e"`
		Symbol       string `json:"s"`
		Price        string `json:"p"`
		Quantity     string `json:"q"`
		TradeTime    int64  `json:"T"`
		IsBuyerMaker bool   `json:"m"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Warn().Err(err).Str("venue", "binance").Msg("unparseable frame")
		return nil
	}
	if msg.Event != "aggTrade" {
		// Subscription acks and any other event types.
		return nil
	}
	if !strings.EqualFold(msg.Symbol, d.symbol) {
		log.Warn().Str("venue", "binance").Str("got", msg.Symbol).Str("want", d.symbol).
			Msg("symbol mismatch, dropping trade")
		return nil
	}

	price, err1 := strconv.ParseFloat(msg.Price, 64)
	qty, err2 := strconv.ParseFloat(msg.Quantity, 64)
	if err1 != nil || err2 != nil || price <= 0 || qty <= 0 {
		log.Warn().Str("venue", "binance").Str("price", msg.Price).Str("qty", msg.Quantity).
			Msg("invalid price/quantity, dropping trade")
		return nil
	}

	// m=true: the buyer was the maker, so the taker sold.
	side := market.TakerBuy
	if msg.IsBuyerMaker {
		side = market.TakerSell
	}

	return []market.Trade{{
		Timestamp:      msg.TradeTime,
		LocalTimestamp: localMs,
		Price:          price,
		Quantity:       qty,
		TakerSide:      side,
		Venue:          market.Binance,
		Asset:          d.asset,
		MarketType:     d.marketType,
	}}
}
