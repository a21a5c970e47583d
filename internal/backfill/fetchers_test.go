package backfill

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ciphex/abacus/internal/market"
)

func fastLimiter() *rate.Limiter { return rate.NewLimiter(rate.Inf, 1) }

func TestBinanceFetcherPaginates(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		switch n {
		case 1:
			assert.Empty(t, r.URL.Query().Get("fromId"))
			// A full page forces pagination.
			fmt.Fprint(w, "[")
			for i := 0; i < 1000; i++ {
				if i > 0 {
					fmt.Fprint(w, ",")
				}
				fmt.Fprintf(w, `{"a":%d,"p":"45000.5","q":"0.1","T":1700000010000,"m":false}`, i)
			}
			fmt.Fprint(w, "]")
		case 2:
			assert.Equal(t, "1000", r.URL.Query().Get("fromId"))
			fmt.Fprint(w, `[{"a":1000,"p":"45001.0","q":"0.2","T":1700000020000,"m":true}]`)
		default:
			t.Errorf("unexpected request %d", n)
		}
	}))
	defer srv.Close()

	f := newBinanceFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.spotURL = srv.URL

	trades, err := f.Fetch(context.Background(), market.AssetBTC, market.Spot, 1_700_000_000_000, 1_700_000_059_999)
	require.NoError(t, err)
	require.Len(t, trades, 1001)
	assert.Equal(t, market.TakerBuy, trades[0].TakerSide)
	assert.Equal(t, market.TakerSell, trades[1000].TakerSide)
	assert.Equal(t, 45001.0, trades[1000].Price)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestBinanceFetcherUsesCatalogSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	f := newBinanceFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.perpURL = srv.URL

	trades, err := f.Fetch(context.Background(), market.AssetETH, market.Perp, 1_700_000_000_000, 1_700_000_059_999)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestBinanceFetcherHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	f := newBinanceFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.spotURL = srv.URL

	_, err := f.Fetch(context.Background(), market.AssetBTC, market.Spot, 0, 1)
	require.Error(t, err)
	var apiErr *VenueAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, market.Binance, apiErr.Venue)
	assert.Contains(t, apiErr.Error(), "[binance/backfill]")
}

func TestKrakenFetcherParsesAndFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "XXBTZUSD", r.URL.Query().Get("pair"))
		// One in-window trade, one before the window, one malformed.
		fmt.Fprint(w, `{"error":[],"result":{"XXBTZUSD":[
			["44000.1","0.5",1699999999.5,"b","m",""],
			["45000.1","0.5",1700000010.5,"b","m",""],
			["bad","0.5",1700000011.5,"s","m",""]
		],"last":"1700000012000000000"}}`)
	}))
	defer srv.Close()

	f := newKrakenFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.baseURL = srv.URL

	trades, err := f.Fetch(context.Background(), market.AssetBTC, market.Spot, 1_700_000_000_000, 1_700_000_059_999)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 45000.1, trades[0].Price)
	assert.Equal(t, int64(1_700_000_010_500), trades[0].Timestamp)
	assert.Equal(t, market.TakerBuy, trades[0].TakerSide)
}

func TestKrakenFetcherPerpUnsupported(t *testing.T) {
	f := newKrakenFetcher(http.DefaultClient)
	trades, err := f.Fetch(context.Background(), market.AssetBTC, market.Perp, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestKrakenFetcherAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":["EGeneral:Too many requests"],"result":{}}`)
	}))
	defer srv.Close()

	f := newKrakenFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.baseURL = srv.URL

	_, err := f.Fetch(context.Background(), market.AssetBTC, market.Spot, 0, 1)
	var apiErr *VenueAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, market.Kraken, apiErr.Venue)
}

func TestOKXFetcherNewestFirstWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("instId"))
		// Newest first; the last row is older than the window, stopping
		// pagination after one page.
		fmt.Fprint(w, `{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT","side":"sell","sz":"0.3","px":"45010.0","tradeId":"3","ts":"1700000030000"},
			{"instId":"BTC-USDT","side":"buy","sz":"0.1","px":"45005.0","tradeId":"2","ts":"1700000010000"},
			{"instId":"BTC-USDT","side":"buy","sz":"0.2","px":"44990.0","tradeId":"1","ts":"1699999990000"}
		]}`)
	}))
	defer srv.Close()

	f := newOKXFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.baseURL = srv.URL

	trades, err := f.Fetch(context.Background(), market.AssetBTC, market.Spot, 1_700_000_000_000, 1_700_000_059_999)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, market.TakerSell, trades[0].TakerSide)
	assert.Equal(t, market.TakerBuy, trades[1].TakerSide)
}

func TestOKXFetcherAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`)
	}))
	defer srv.Close()

	f := newOKXFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.baseURL = srv.URL

	_, err := f.Fetch(context.Background(), market.AssetBTC, market.Spot, 0, 1)
	var apiErr *VenueAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Error(), "Instrument ID does not exist")
}

func TestBybitFetcherRecentOnly(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "linear", r.URL.Query().Get("category"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Sell","size":"0.4","price":"45020.0","time":"1700000040000"},
			{"symbol":"BTCUSDT","side":"Buy","size":"0.1","price":"45015.0","time":"1699999000000"}
		]}}`)
	}))
	defer srv.Close()

	f := newBybitFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.baseURL = srv.URL

	trades, err := f.Fetch(context.Background(), market.AssetBTC, market.Perp, 1_700_000_000_000, 1_700_000_059_999)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, market.TakerSell, trades[0].TakerSide)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "recent-trade is a single page")
}

func TestBybitFetcherSpotUnsupported(t *testing.T) {
	f := newBybitFetcher(http.DefaultClient)
	trades, err := f.Fetch(context.Background(), market.AssetBTC, market.Spot, 0, 1)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newBinanceFetcher(srv.Client())
	f.limiter = fastLimiter()
	f.spotURL = srv.URL

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(ctx, market.AssetBTC, market.Spot, 0, 1)
		require.Error(t, err)
	}

	_, err := f.Fetch(ctx, market.AssetBTC, market.Spot, 0, 1)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "http 500", "breaker should reject before the request is sent")
}
