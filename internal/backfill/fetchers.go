package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ciphex/abacus/internal/market"
)

// REST endpoints. Bybit's recent-trade endpoint has no time-range params;
// it can only repair very recent gaps. Coinbase has no fetcher at all: its
// public trades API cannot be queried by time range.
const (
	binanceSpotTradesURL = "https://api.binance.com/api/v3/aggTrades"
	binancePerpTradesURL = "https://fapi.binance.com/fapi/v1/aggTrades"
	krakenTradesURL      = "https://api.kraken.com/0/public/Trades"
	okxTradesURL         = "https://www.okx.com/api/v5/market/history-trades"
	bybitTradesURL       = "https://api.bybit.com/v5/market/recent-trade"

	fetchTimeout = 30 * time.Second
)

// VenueAPIError is an API-level failure reported by a venue (error
// envelope or non-2xx status).
type VenueAPIError struct {
	Venue   market.Venue
	Message string
}

func (e *VenueAPIError) Error() string {
	return fmt.Sprintf("[%s/backfill] %s", e.Venue, e.Message)
}

// TradeFetcher fetches historical trades for one venue over a millisecond
// window [startMs, endMs].
type TradeFetcher interface {
	Venue() market.Venue
	Fetch(ctx context.Context, asset market.Asset, mt market.MarketType, startMs, endMs int64) ([]market.Trade, error)
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return gobreaker.NewCircuitBreaker(st)
}

// getJSON performs one rate-limited, breaker-guarded GET and decodes the
// response body into out.
func getJSON(ctx context.Context, client *http.Client, limiter *rate.Limiter, breaker *gobreaker.CircuitBreaker, venue market.Venue, rawURL string, params url.Values, out interface{}) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
			return nil, &VenueAPIError{
				Venue:   venue,
				Message: fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			}
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

// binanceFetcher paginates aggTrades via fromId. One liquid minute can
// exceed the 1000-trade page limit.
type binanceFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	spotURL string
	perpURL string
}

func newBinanceFetcher(client *http.Client) *binanceFetcher {
	return &binanceFetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		breaker: newBreaker("binance-backfill"),
		spotURL: binanceSpotTradesURL,
		perpURL: binancePerpTradesURL,
	}
}

func (f *binanceFetcher) Venue() market.Venue { return market.Binance }

type binanceAggTrade struct {
	AggID        int64  `json:"a"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	Time         int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (f *binanceFetcher) Fetch(ctx context.Context, asset market.Asset, mt market.MarketType, startMs, endMs int64) ([]market.Trade, error) {
	symbol, ok := market.Symbol(market.Binance, asset, mt)
	if !ok {
		return nil, nil
	}
	rawURL := f.spotURL
	if mt == market.Perp {
		rawURL = f.perpURL
	}

	var trades []market.Trade
	var lastID int64 = -1
	const maxPages = 10

	for page := 0; page < maxPages; page++ {
		params := url.Values{
			"symbol":    {symbol},
			"startTime": {strconv.FormatInt(startMs, 10)},
			"endTime":   {strconv.FormatInt(endMs, 10)},
			"limit":     {"1000"},
		}
		if lastID >= 0 {
			params.Set("fromId", strconv.FormatInt(lastID+1, 10))
		}

		var data []binanceAggTrade
		if err := getJSON(ctx, f.client, f.limiter, f.breaker, market.Binance, rawURL, params, &data); err != nil {
			return nil, err
		}
		if len(data) == 0 {
			break
		}

		for _, item := range data {
			price, err1 := strconv.ParseFloat(item.Price, 64)
			qty, err2 := strconv.ParseFloat(item.Qty, 64)
			if err1 != nil || err2 != nil || price <= 0 || qty <= 0 {
				log.Warn().Str("venue", "binance").Str("price", item.Price).Str("qty", item.Qty).
					Msg("backfill dropping malformed trade")
				continue
			}
			side := market.TakerBuy
			if item.IsBuyerMaker {
				side = market.TakerSell
			}
			trades = append(trades, market.Trade{
				Timestamp:      item.Time,
				LocalTimestamp: item.Time,
				Price:          price,
				Quantity:       qty,
				TakerSide:      side,
				Venue:          market.Binance,
				Asset:          asset,
				MarketType:     mt,
			})
		}

		lastID = data[len(data)-1].AggID
		if len(data) < 1000 {
			break
		}
	}
	return trades, nil
}

// krakenFetcher paginates the public Trades endpoint by nanosecond cursor.
// Spot only.
type krakenFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	baseURL string
}

func newKrakenFetcher(client *http.Client) *krakenFetcher {
	return &krakenFetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		breaker: newBreaker("kraken-backfill"),
		baseURL: krakenTradesURL,
	}
}

func (f *krakenFetcher) Venue() market.Venue { return market.Kraken }

var krakenPairs = map[market.Asset]string{
	market.AssetBTC: "XXBTZUSD",
	market.AssetETH: "XETHZUSD",
}

type krakenTradesResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

func (f *krakenFetcher) Fetch(ctx context.Context, asset market.Asset, mt market.MarketType, startMs, endMs int64) ([]market.Trade, error) {
	if mt != market.Spot {
		return nil, nil
	}
	pair, ok := krakenPairs[asset]
	if !ok {
		return nil, nil
	}

	var trades []market.Trade
	sinceNs := startMs * 1_000_000
	const maxPages = 10

	for page := 0; page < maxPages; page++ {
		params := url.Values{
			"pair":  {pair},
			"since": {strconv.FormatInt(sinceNs, 10)},
		}

		var resp krakenTradesResponse
		if err := getJSON(ctx, f.client, f.limiter, f.breaker, market.Kraken, f.baseURL, params, &resp); err != nil {
			return nil, err
		}
		if len(resp.Error) > 0 {
			return nil, &VenueAPIError{Venue: market.Kraken, Message: fmt.Sprintf("api error: %v", resp.Error)}
		}
		if len(resp.Result) == 0 {
			break
		}

		// The trades array sits under the pair key, which is not always
		// the requested spelling.
		var rows [][]json.RawMessage
		for key, raw := range resp.Result {
			if key == "last" {
				continue
			}
			if err := json.Unmarshal(raw, &rows); err != nil {
				return nil, &VenueAPIError{Venue: market.Kraken, Message: "malformed trades payload"}
			}
			break
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			trade, ok := parseKrakenRow(row, asset)
			if !ok {
				continue
			}
			if trade.Timestamp < startMs {
				continue
			}
			if trade.Timestamp > endMs {
				break
			}
			trades = append(trades, trade)
		}

		var lastStr string
		if raw, ok := resp.Result["last"]; ok {
			if err := json.Unmarshal(raw, &lastStr); err != nil {
				break
			}
		}
		lastNs, err := strconv.ParseInt(lastStr, 10, 64)
		if err != nil {
			break
		}
		if lastNs/1_000_000 > endMs {
			break
		}
		sinceNs = lastNs

		if len(rows) < 1000 {
			break
		}
	}
	return trades, nil
}

// Kraken rows: [price, volume, time, side, orderType, misc, tradeId].
func parseKrakenRow(row []json.RawMessage, asset market.Asset) (market.Trade, bool) {
	if len(row) < 4 {
		return market.Trade{}, false
	}
	var priceStr, volStr, side string
	var timeSec float64
	if json.Unmarshal(row[0], &priceStr) != nil ||
		json.Unmarshal(row[1], &volStr) != nil ||
		json.Unmarshal(row[2], &timeSec) != nil ||
		json.Unmarshal(row[3], &side) != nil {
		log.Warn().Str("venue", "kraken").Msg("backfill dropping malformed trade row")
		return market.Trade{}, false
	}
	price, err1 := strconv.ParseFloat(priceStr, 64)
	vol, err2 := strconv.ParseFloat(volStr, 64)
	if err1 != nil || err2 != nil || price <= 0 || vol <= 0 {
		return market.Trade{}, false
	}

	tsMs := int64(timeSec * 1000)
	takerSide := market.TakerBuy
	if side == "s" {
		takerSide = market.TakerSell
	}
	return market.Trade{
		Timestamp:      tsMs,
		LocalTimestamp: tsMs,
		Price:          price,
		Quantity:       vol,
		TakerSide:      takerSide,
		Venue:          market.Kraken,
		Asset:          asset,
		MarketType:     market.Spot,
	}, true
}

// okxFetcher paginates history-trades by tradeId cursor. Pages arrive
// newest first.
type okxFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	baseURL string
}

func newOKXFetcher(client *http.Client) *okxFetcher {
	return &okxFetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		breaker: newBreaker("okx-backfill"),
		baseURL: okxTradesURL,
	}
}

func (f *okxFetcher) Venue() market.Venue { return market.OKX }

type okxTradesResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID  string `json:"instId"`
		Side    string `json:"side"`
		Size    string `json:"sz"`
		Price   string `json:"px"`
		TradeID string `json:"tradeId"`
		TS      string `json:"ts"`
	} `json:"data"`
}

func (f *okxFetcher) Fetch(ctx context.Context, asset market.Asset, mt market.MarketType, startMs, endMs int64) ([]market.Trade, error) {
	instID, ok := market.Symbol(market.OKX, asset, mt)
	if !ok {
		return nil, nil
	}

	var trades []market.Trade
	afterID := ""
	const maxPages = 50

	for page := 0; page < maxPages; page++ {
		params := url.Values{
			"instId": {instID},
			"limit":  {"100"},
		}
		if afterID != "" {
			params.Set("after", afterID)
		}

		var resp okxTradesResponse
		if err := getJSON(ctx, f.client, f.limiter, f.breaker, market.OKX, f.baseURL, params, &resp); err != nil {
			return nil, err
		}
		if resp.Code != "0" {
			return nil, &VenueAPIError{Venue: market.OKX, Message: "api error: " + resp.Msg}
		}
		if len(resp.Data) == 0 {
			break
		}

		for _, item := range resp.Data {
			tsMs, err := strconv.ParseInt(item.TS, 10, 64)
			if err != nil {
				log.Warn().Str("venue", "okx").Str("ts", item.TS).Msg("backfill dropping malformed trade")
				continue
			}
			if tsMs < startMs || tsMs > endMs {
				continue
			}
			price, err1 := strconv.ParseFloat(item.Price, 64)
			size, err2 := strconv.ParseFloat(item.Size, 64)
			if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
				continue
			}
			side := market.TakerBuy
			if strings.EqualFold(item.Side, "sell") {
				side = market.TakerSell
			}
			trades = append(trades, market.Trade{
				Timestamp:      tsMs,
				LocalTimestamp: tsMs,
				Price:          price,
				Quantity:       size,
				TakerSide:      side,
				Venue:          market.OKX,
				Asset:          asset,
				MarketType:     mt,
			})
		}

		afterID = resp.Data[len(resp.Data)-1].TradeID
		if len(resp.Data) < 100 {
			break
		}
		oldestTS, err := strconv.ParseInt(resp.Data[len(resp.Data)-1].TS, 10, 64)
		if err == nil && oldestTS < startMs {
			break
		}
	}
	return trades, nil
}

// bybitFetcher is recent-only: the public endpoint returns the latest
// ~1000 trades with no time-range filter, so only fresh gaps can be
// repaired from it. Perp only.
type bybitFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	baseURL string
}

func newBybitFetcher(client *http.Client) *bybitFetcher {
	return &bybitFetcher{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		breaker: newBreaker("bybit-backfill"),
		baseURL: bybitTradesURL,
	}
}

func (f *bybitFetcher) Venue() market.Venue { return market.Bybit }

type bybitTradesResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol string `json:"symbol"`
			Side   string `json:"side"`
			Size   string `json:"size"`
			Price  string `json:"price"`
			Time   string `json:"time"`
		} `json:"list"`
	} `json:"result"`
}

func (f *bybitFetcher) Fetch(ctx context.Context, asset market.Asset, mt market.MarketType, startMs, endMs int64) ([]market.Trade, error) {
	if mt != market.Perp {
		return nil, nil
	}
	symbol, ok := market.Symbol(market.Bybit, asset, mt)
	if !ok {
		return nil, nil
	}

	params := url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
		"limit":    {"1000"},
	}

	var resp bybitTradesResponse
	if err := getJSON(ctx, f.client, f.limiter, f.breaker, market.Bybit, f.baseURL, params, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, &VenueAPIError{Venue: market.Bybit, Message: "api error: " + resp.RetMsg}
	}

	var trades []market.Trade
	for _, item := range resp.Result.List {
		tsMs, err := strconv.ParseInt(item.Time, 10, 64)
		if err != nil {
			log.Warn().Str("venue", "bybit").Str("time", item.Time).Msg("backfill dropping malformed trade")
			continue
		}
		if tsMs < startMs || tsMs > endMs {
			continue
		}
		price, err1 := strconv.ParseFloat(item.Price, 64)
		size, err2 := strconv.ParseFloat(item.Size, 64)
		if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
			continue
		}
		side := market.TakerBuy
		if strings.EqualFold(item.Side, "sell") {
			side = market.TakerSell
		}
		trades = append(trades, market.Trade{
			Timestamp:      tsMs,
			LocalTimestamp: tsMs,
			Price:          price,
			Quantity:       size,
			TakerSide:      side,
			Venue:          market.Bybit,
			Asset:          asset,
			MarketType:     mt,
		})
	}
	return trades, nil
}
