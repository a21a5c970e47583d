package connector

import (
	"encoding/json"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/market"
)

// okxDriver streams the public trades channel from OKX (spot and swap share
// one endpoint; the instrument id selects the market).
//
// Subscription: {"op":"subscribe","args":[{"channel":"trades","instId":"BTC-USDT"}]}
// Trade frame:  {"arg":{"channel":"trades","instId":...},
//                "data":[{"px":"...","sz":"...","side":"buy|sell","ts":"ms"}]}
type okxDriver struct {
	asset      market.Asset
	marketType market.MarketType
	symbol     string
}

func (d *okxDriver) Venue() market.Venue { return market.OKX }

func (d *okxDriver) URL() string {
	return market.WSEndpoint(market.OKX, d.marketType)
}

func (d *okxDriver) SubscribeMessage() ([]byte, error) {
	return json.Marshal(map[string]any{
		"op": "subscribe",
		"args": []map[string]string{
			{"channel": "trades", "instId": d.symbol},
		},
	})
}

func (d *okxDriver) Parse(frame []byte, localMs int64) []market.Trade {
	var msg struct {
		Event string `json:"event"`
		Msg   string `json:"msg"`
		Arg   struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []struct {
			Price string `json:"px"`
			Size  string `json:"sz"`
			Side  string `json:"side"`
			TS    string `json:"ts"`
		} `json:"data"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		log.Warn().Err(err).Str("venue", "okx").Msg("unparseable frame")
		return nil
	}

	if msg.Event != "" {
		if msg.Event == "error" {
			log.Error().Str("venue", "okx").Str("message", msg.Msg).Msg("feed error")
		}
		return nil
	}
	if msg.Arg.Channel != "trades" || len(msg.Data) == 0 {
		return nil
	}
	if msg.Arg.InstID != d.symbol {
		log.Warn().Str("venue", "okx").Str("got", msg.Arg.InstID).Str("want", d.symbol).
			Msg("instrument mismatch, dropping trades")
		return nil
	}

	trades := make([]market.Trade, 0, len(msg.Data))
	for _, item := range msg.Data {
		price, err1 := strconv.ParseFloat(item.Price, 64)
		size, err2 := strconv.ParseFloat(item.Size, 64)
		if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
			log.Warn().Str("venue", "okx").Str("px", item.Price).Str("sz", item.Size).
				Msg("invalid price/size, dropping trade")
			continue
		}
		ts := localMs
		if ms, err := strconv.ParseInt(item.TS, 10, 64); err == nil {
			ts = ms
		} else {
			log.Warn().Str("venue", "okx").Str("ts", item.TS).Msg("unparseable trade time")
		}

		side := market.TakerBuy
		if item.Side == "sell" {
			side = market.TakerSell
		}

		trades = append(trades, market.Trade{
			Timestamp:      ts,
			LocalTimestamp: localMs,
			Price:          price,
			Quantity:       size,
			TakerSide:      side,
			Venue:          market.OKX,
			Asset:          d.asset,
			MarketType:     d.marketType,
		})
	}
	return trades
}
