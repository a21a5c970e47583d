package connector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciphex/abacus/internal/market"
)

const localMs = int64(1_700_000_000_500)

func mustDriver(t *testing.T, venue market.Venue, asset market.Asset, mt market.MarketType) Driver {
	t.Helper()
	d, err := NewDriver(venue, asset, mt)
	require.NoError(t, err)
	return d
}

func TestNewDriverUnsupportedCombination(t *testing.T) {
	_, err := NewDriver(market.Coinbase, market.AssetBTC, market.Perp)
	assert.Error(t, err)

	_, err = NewDriver(market.Bybit, market.AssetBTC, market.Spot)
	assert.Error(t, err)
}

func TestBinanceParse(t *testing.T) {
	d := mustDriver(t, market.Binance, market.AssetBTC, market.Spot)

	sub, err := d.SubscribeMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","params":["btcusdt@aggTrade"],"id":1}`, string(sub))

	trades := d.Parse([]byte(`{"e":"aggTrade","s":"BTCUSDT","p":"45050.10","q":"0.5","T":1700000000100,"m":true}`), localMs)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, 45050.10, tr.Price)
	assert.Equal(t, 0.5, tr.Quantity)
	assert.Equal(t, int64(1_700_000_000_100), tr.Timestamp)
	assert.Equal(t, localMs, tr.LocalTimestamp)
	assert.Equal(t, market.TakerSell, tr.TakerSide) // buyer was maker
	assert.Equal(t, market.Binance, tr.Venue)

	trades = d.Parse([]byte(`{"e":"aggTrade","s":"BTCUSDT","p":"45050.10","q":"0.5","T":1700000000100,"m":false}`), localMs)
	require.Len(t, trades, 1)
	assert.Equal(t, market.TakerBuy, trades[0].TakerSide)

	// Subscription ack.
	assert.Empty(t, d.Parse([]byte(`{"result":null,"id":1}`), localMs))
	// Symbol mismatch.
	assert.Empty(t, d.Parse([]byte(`{"e":"aggTrade","s":"ETHUSDT","p":"2500","q":"1","T":1,"m":false}`), localMs))
	// Bad price.
	assert.Empty(t, d.Parse([]byte(`{"e":"aggTrade","s":"BTCUSDT","p":"0","q":"1","T":1,"m":false}`), localMs))
	// Garbage.
	assert.Empty(t, d.Parse([]byte(`not json`), localMs))
}

func TestCoinbaseParse(t *testing.T) {
	d := mustDriver(t, market.Coinbase, market.AssetBTC, market.Spot)

	sub, err := d.SubscribeMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","product_ids":["BTC-USD"],"channels":["matches"]}`, string(sub))

	trades := d.Parse([]byte(`{"type":"match","product_id":"BTC-USD","price":"45060.00","size":"0.25","side":"sell","time":"2023-11-14T22:13:20.100Z"}`), localMs)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, 45060.0, tr.Price)
	assert.Equal(t, market.TakerSell, tr.TakerSide)
	assert.Equal(t, int64(1_700_000_000_100), tr.Timestamp)

	trades = d.Parse([]byte(`{"type":"last_match","product_id":"BTC-USD","price":"45060.00","size":"0.25","side":"buy","time":"2023-11-14T22:13:20.100Z"}`), localMs)
	require.Len(t, trades, 1)
	assert.Equal(t, market.TakerBuy, trades[0].TakerSide)

	assert.Empty(t, d.Parse([]byte(`{"type":"subscriptions","channels":[]}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"type":"heartbeat","sequence":1}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"type":"error","message":"rate limited"}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"type":"match","product_id":"ETH-USD","price":"2500","size":"1","side":"buy","time":"2023-11-14T22:13:20Z"}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"type":"match","product_id":"BTC-USD","price":"-1","size":"1","side":"buy","time":"2023-11-14T22:13:20Z"}`), localMs))
}

func TestKrakenParse(t *testing.T) {
	d := mustDriver(t, market.Kraken, market.AssetBTC, market.Spot)

	sub, err := d.SubscribeMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"subscribe","pair":["XBT/USD"],"subscription":{"name":"trade"}}`, string(sub))

	frame := `[42,[["45070.50000","0.15850568","1700000000.123456","s","l",""],["45071.00000","0.02","1700000000.200000","b","m",""]],"trade","XBT/USD"]`
	trades := d.Parse([]byte(frame), localMs)
	require.Len(t, trades, 2)

	assert.Equal(t, 45070.5, trades[0].Price)
	assert.Equal(t, market.TakerSell, trades[0].TakerSide)
	assert.Equal(t, int64(1_700_000_000_123), trades[0].Timestamp)

	assert.Equal(t, market.TakerBuy, trades[1].TakerSide)
	assert.Equal(t, int64(1_700_000_000_200), trades[1].Timestamp)

	// System frames.
	assert.Empty(t, d.Parse([]byte(`{"event":"heartbeat"}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"event":"systemStatus","status":"online"}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USD","channelID":42}`), localMs))
	// Wrong channel and wrong pair.
	assert.Empty(t, d.Parse([]byte(`[42,[],"ohlc-1","XBT/USD"]`), localMs))
	assert.Empty(t, d.Parse([]byte(`[42,[["1","1","1700000000.0","s","l",""]],"trade","ETH/USD"]`), localMs))
	// Bad row dropped, good row kept.
	mixed := `[42,[["0","1","1700000000.0","s","l",""],["45070","1","1700000000.0","b","l",""]],"trade","XBT/USD"]`
	trades = d.Parse([]byte(mixed), localMs)
	require.Len(t, trades, 1)
	assert.Equal(t, 45070.0, trades[0].Price)
}

func TestOKXParse(t *testing.T) {
	d := mustDriver(t, market.OKX, market.AssetBTC, market.Perp)

	sub, err := d.SubscribeMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"subscribe","args":[{"channel":"trades","instId":"BTC-USDT-SWAP"}]}`, string(sub))

	frame := `{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},"data":[{"instId":"BTC-USDT-SWAP","tradeId":"1","px":"45080.1","sz":"2","side":"sell","ts":"1700000000300"}]}`
	trades := d.Parse([]byte(frame), localMs)
	require.Len(t, trades, 1)
	assert.Equal(t, 45080.1, trades[0].Price)
	assert.Equal(t, 2.0, trades[0].Quantity)
	assert.Equal(t, market.TakerSell, trades[0].TakerSide)
	assert.Equal(t, int64(1_700_000_000_300), trades[0].Timestamp)
	assert.Equal(t, market.Perp, trades[0].MarketType)

	assert.Empty(t, d.Parse([]byte(`{"event":"subscribe","arg":{"channel":"trades","instId":"BTC-USDT-SWAP"}}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"event":"error","msg":"bad request"}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"arg":{"channel":"trades","instId":"ETH-USDT-SWAP"},"data":[{"px":"1","sz":"1","side":"buy","ts":"1"}]}`), localMs))
}

func TestBybitParse(t *testing.T) {
	d := mustDriver(t, market.Bybit, market.AssetETH, market.Perp)

	sub, err := d.SubscribeMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"subscribe","args":["publicTrade.ETHUSDT"]}`, string(sub))

	frame := `{"topic":"publicTrade.ETHUSDT","type":"snapshot","ts":1700000000400,"data":[{"T":1700000000350,"s":"ETHUSDT","S":"Sell","v":"1.5","p":"2500.25","i":"abc"},{"T":1700000000360,"s":"ETHUSDT","S":"Buy","v":"0.5","p":"2500.50","i":"def"}]}`
	trades := d.Parse([]byte(frame), localMs)
	require.Len(t, trades, 2)
	assert.Equal(t, market.TakerSell, trades[0].TakerSide)
	assert.Equal(t, 2500.25, trades[0].Price)
	assert.Equal(t, int64(1_700_000_000_350), trades[0].Timestamp)
	assert.Equal(t, market.TakerBuy, trades[1].TakerSide)

	assert.Empty(t, d.Parse([]byte(`{"success":true,"op":"subscribe","conn_id":"x"}`), localMs))
	assert.Empty(t, d.Parse([]byte(`{"success":false,"op":"subscribe","ret_msg":"bad topic"}`), localMs))
	// Symbol mismatch inside the batch drops only that item.
	mixed := `{"topic":"publicTrade.ETHUSDT","data":[{"T":1,"s":"BTCUSDT","S":"Buy","v":"1","p":"1"},{"T":2,"s":"ETHUSDT","S":"Buy","v":"1","p":"2500"}]}`
	trades = d.Parse([]byte(mixed), localMs)
	require.Len(t, trades, 1)
	assert.Equal(t, 2500.0, trades[0].Price)
}
