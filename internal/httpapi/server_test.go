package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciphex/abacus/internal/backfill"
	"github.com/ciphex/abacus/internal/connector"
	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/persistence"
)

func pairKey(asset market.Asset, mt market.MarketType) string {
	return fmt.Sprintf("%s/%s", asset, mt)
}

type fakeAggregator struct {
	bars      map[string][]market.CompositeBar
	latest    map[string]market.CompositeBar
	prices    map[string]map[market.Venue]float64
	composite map[string]market.FilterResult
	statuses  []connector.Telemetry
}

func newFakeAggregator() *fakeAggregator {
	return &fakeAggregator{
		bars:      map[string][]market.CompositeBar{},
		latest:    map[string]market.CompositeBar{},
		prices:    map[string]map[market.Venue]float64{},
		composite: map[string]market.FilterResult{},
	}
}

func (f *fakeAggregator) LatestBar(asset market.Asset, mt market.MarketType) (market.CompositeBar, bool) {
	bar, ok := f.latest[pairKey(asset, mt)]
	return bar, ok
}

func (f *fakeAggregator) GetBars(asset market.Asset, mt market.MarketType, _, _ int64, _ int) []market.CompositeBar {
	return f.bars[pairKey(asset, mt)]
}

func (f *fakeAggregator) CurrentComposite(asset market.Asset, mt market.MarketType) market.FilterResult {
	return f.composite[pairKey(asset, mt)]
}

func (f *fakeAggregator) CurrentPrices(asset market.Asset, mt market.MarketType) map[market.Venue]float64 {
	return f.prices[pairKey(asset, mt)]
}

func (f *fakeAggregator) VenueBars(market.Venue, market.Asset, market.MarketType, int) []market.Bar {
	return nil
}

func (f *fakeAggregator) ConnectionStatus() []connector.Telemetry { return f.statuses }

type fakeCompositeRepo struct {
	rows  []market.CompositeBar
	gaps  []int64
	stats persistence.IntegrityStats
}

func (f *fakeCompositeRepo) Upsert(context.Context, market.CompositeBar) error { return nil }

func (f *fakeCompositeRepo) UpsertBatch(_ context.Context, bars []market.CompositeBar) (int, error) {
	return len(bars), nil
}

func (f *fakeCompositeRepo) GetRange(context.Context, market.Asset, market.MarketType, int64, int64, int) ([]market.CompositeBar, error) {
	return f.rows, nil
}

func (f *fakeCompositeRepo) GetLatest(context.Context, market.Asset, market.MarketType) (*market.CompositeBar, error) {
	if len(f.rows) == 0 {
		return nil, nil
	}
	bar := f.rows[len(f.rows)-1]
	return &bar, nil
}

func (f *fakeCompositeRepo) GetGaps(context.Context, market.Asset, market.MarketType, int64, int64, int) ([]int64, error) {
	return f.gaps, nil
}

func (f *fakeCompositeRepo) GetIntegrityStats(context.Context, market.Asset, market.MarketType, int64, int64) (persistence.IntegrityStats, error) {
	return f.stats, nil
}

func (f *fakeCompositeRepo) EnforceRetention(context.Context, int) (int64, error) { return 0, nil }

type fakeBackfiller struct {
	lastReq backfill.Request
	result  *backfill.Result
	err     error
}

func (f *fakeBackfiller) BackfillGaps(_ context.Context, req backfill.Request) (*backfill.Result, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func connStatus(venue market.Venue, asset market.Asset, mt market.MarketType, state connector.ConnectionState) connector.Telemetry {
	return connector.Telemetry{Venue: venue, Asset: asset, MarketType: mt, ConnectionState: state}
}

func newTestServer(t *testing.T, cfg ServerConfig, deps Deps) *Server {
	t.Helper()
	if deps.Aggregator == nil {
		deps.Aggregator = newFakeAggregator()
	}
	s := NewServer(cfg, deps)
	s.now = func() time.Time { return time.Unix(1_700_000_400, 0).UTC() }
	return s
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})

	rec := doGet(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "abacus-indexer", body["service"])

	assert.Equal(t, http.StatusOK, doGet(t, s, "/health/live").Code)
	assert.Equal(t, http.StatusOK, doGet(t, s, "/health/ready").Code)
}

func TestLatestReportsDegradedBelowPreferredQuorum(t *testing.T) {
	agg := newFakeAggregator()
	agg.statuses = []connector.Telemetry{
		connStatus(market.Binance, market.AssetBTC, market.Spot, connector.StateConnected),
		connStatus(market.Coinbase, market.AssetBTC, market.Spot, connector.StateConnected),
		connStatus(market.Kraken, market.AssetBTC, market.Spot, connector.StateDisconnected),
	}
	agg.composite[pairKey(market.AssetBTC, market.Spot)] = market.FilterResult{
		Price: market.Float64Ptr(45000.5),
	}
	agg.prices[pairKey(market.AssetBTC, market.Spot)] = map[market.Venue]float64{
		market.Binance:  45000,
		market.Coinbase: 45001,
	}
	agg.latest[pairKey(market.AssetBTC, market.Spot)] = market.CompositeBar{
		Time: 1_700_000_340, Close: market.Float64Ptr(45000),
		Asset: market.AssetBTC, MarketType: market.Spot,
	}
	s := newTestServer(t, DefaultServerConfig(), Deps{Aggregator: agg})

	rec := doGet(t, s, "/v0/latest?asset=BTC&market_type=spot")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []latestEntry
	decodeBody(t, rec, &entries)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, market.AssetBTC, e.Asset)
	require.NotNil(t, e.Price)
	assert.Equal(t, 45000.5, *e.Price)
	assert.ElementsMatch(t, []market.Venue{market.Binance, market.Coinbase}, e.ConnectedVenues)
	assert.True(t, e.Degraded, "two connected venues is below preferred quorum")
	require.NotNil(t, e.LastBar)
	assert.Equal(t, int64(1_700_000_340), e.LastBar.Time)
}

func TestLatestUnfilteredListsAllPairs(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})

	rec := doGet(t, s, "/v0/latest")
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []latestEntry
	decodeBody(t, rec, &entries)
	assert.Len(t, entries, 4) // BTC/ETH x spot/perp
}

func TestCandlesValidation(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})

	cases := []struct {
		name string
		path string
	}{
		{"missing asset", "/v0/candles?market_type=spot"},
		{"bad asset", "/v0/candles?asset=DOGE&market_type=spot"},
		{"bad market", "/v0/candles?asset=BTC&market_type=futures"},
		{"limit too high", "/v0/candles?asset=BTC&market_type=spot&limit=2000"},
		{"limit zero", "/v0/candles?asset=BTC&market_type=spot&limit=0"},
		{"start after end", "/v0/candles?asset=BTC&market_type=spot&start=200&end=100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, doGet(t, s, tc.path).Code)
		})
	}
}

func TestCandlesPrefersDatabaseOverMemory(t *testing.T) {
	agg := newFakeAggregator()
	agg.bars[pairKey(market.AssetBTC, market.Spot)] = []market.CompositeBar{{Time: 111}}
	repo := &fakeCompositeRepo{rows: []market.CompositeBar{{Time: 222}, {Time: 333}}}
	s := newTestServer(t, DefaultServerConfig(), Deps{Aggregator: agg, Composites: repo})

	rec := doGet(t, s, "/v0/candles?asset=BTC&market_type=spot")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp candlesResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, int64(222), resp.Candles[0].Time)
}

func TestCandlesFallsBackToMemoryWithoutDatabase(t *testing.T) {
	agg := newFakeAggregator()
	agg.bars[pairKey(market.AssetBTC, market.Spot)] = []market.CompositeBar{{Time: 111}}
	s := newTestServer(t, DefaultServerConfig(), Deps{Aggregator: agg})

	rec := doGet(t, s, "/v0/candles?asset=BTC&market_type=spot")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp candlesResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, int64(111), resp.Candles[0].Time)
}

func TestVenueCandlesRequiresDatabase(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})
	rec := doGet(t, s, "/v0/venue-candles?venue=binance&asset=BTC&market_type=spot")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTelemetryHealthStates(t *testing.T) {
	cases := []struct {
		name      string
		statuses  []connector.Telemetry
		health    string
		connected int
	}{
		{
			"all connected",
			[]connector.Telemetry{
				connStatus(market.Binance, market.AssetBTC, market.Spot, connector.StateConnected),
				connStatus(market.OKX, market.AssetBTC, market.Perp, connector.StateConnected),
			},
			"healthy", 2,
		},
		{
			"half connected",
			[]connector.Telemetry{
				connStatus(market.Binance, market.AssetBTC, market.Spot, connector.StateConnected),
				connStatus(market.OKX, market.AssetBTC, market.Perp, connector.StateDisconnected),
			},
			"degraded", 1,
		},
		{
			"none connected",
			[]connector.Telemetry{
				connStatus(market.Binance, market.AssetBTC, market.Spot, connector.StateError),
			},
			"unhealthy", 0,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			agg := newFakeAggregator()
			agg.statuses = tc.statuses
			s := newTestServer(t, DefaultServerConfig(), Deps{Aggregator: agg})

			rec := doGet(t, s, "/v0/telemetry")
			require.Equal(t, http.StatusOK, rec.Code)

			var resp telemetryResponse
			decodeBody(t, rec, &resp)
			assert.Equal(t, tc.health, resp.SystemHealth)
			assert.Equal(t, tc.connected, resp.ConnectedCount)
			assert.Equal(t, len(tc.statuses), resp.TotalCount)
		})
	}
}

func TestGapsRequiresDatabase(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})
	rec := doGet(t, s, "/v0/gaps?asset=BTC&market_type=spot")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGapsReturnsWindow(t *testing.T) {
	repo := &fakeCompositeRepo{gaps: []int64{1_699_999_980, 1_700_000_040}}
	s := newTestServer(t, DefaultServerConfig(), Deps{Composites: repo})

	rec := doGet(t, s, "/v0/gaps?asset=BTC&market_type=spot")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp gapsResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.GapCount)
	assert.Equal(t, resp.EndTime-defaultGapWindowSec, resp.StartTime)
}

func TestIntegrityLookbackValidation(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{Composites: &fakeCompositeRepo{}})

	assert.Equal(t, http.StatusBadRequest,
		doGet(t, s, "/v0/integrity?asset=BTC&market_type=spot&lookback_minutes=59").Code)
	assert.Equal(t, http.StatusBadRequest,
		doGet(t, s, "/v0/integrity?asset=BTC&market_type=spot&lookback_minutes=20161").Code)
	assert.Equal(t, http.StatusOK,
		doGet(t, s, "/v0/integrity?asset=BTC&market_type=spot&lookback_minutes=60").Code)
}

func TestIntegrityWindowIsMinuteAligned(t *testing.T) {
	repo := &fakeCompositeRepo{stats: persistence.IntegrityStats{Tier: 1}}
	s := newTestServer(t, DefaultServerConfig(), Deps{Composites: repo})
	s.now = func() time.Time { return time.Unix(1_700_000_425, 0).UTC() }

	rec := doGet(t, s, "/v0/integrity?asset=BTC&market_type=spot&lookback_minutes=60")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp integrityResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, int64(1_700_000_400), resp.WindowEnd)
	assert.Equal(t, int64(1_700_000_400-3600), resp.WindowStart)
}

func TestDatasetCandlesSynthesizesGapRows(t *testing.T) {
	end := int64(1_700_000_400)
	start := end - 60*market.BarIntervalSeconds

	var rows []market.CompositeBar
	for t0 := start; t0 < end; t0 += market.BarIntervalSeconds {
		if t0 == start+120 || t0 == start+300 {
			continue // two missing minutes
		}
		rows = append(rows, market.CompositeBar{
			Time: t0, Close: market.Float64Ptr(45000),
			Asset: market.AssetBTC, MarketType: market.Spot,
		})
	}
	repo := &fakeCompositeRepo{
		rows:  rows,
		stats: persistence.ComputeIntegrity(start, end, int64(len(rows)), 0, 0, 0, 0),
	}
	s := newTestServer(t, DefaultServerConfig(), Deps{Composites: repo})

	rec := doGet(t, s, "/v0/dataset/candles?asset=BTC&market_type=spot&lookback_minutes=60")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp datasetResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 60, resp.Count, "dataset rows are fixed length")

	synthesized := 0
	for _, c := range resp.Candles {
		if c.IsGap {
			synthesized++
			assert.Nil(t, c.Close)
			assert.True(t, c.Degraded)
		}
	}
	assert.Equal(t, 2, synthesized)
	assert.Equal(t, 1, resp.Gating.Tier)
	assert.True(t, resp.Gating.CanProceed)
	assert.Equal(t, persistence.Proceed, resp.Gating.Recommendation)
}

func TestBackfillAdminKey(t *testing.T) {
	body := `{"asset":"BTC","market_type":"spot","start_time":100,"end_time":160}`
	newReq := func(key string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v0/backfill", strings.NewReader(body))
		if key != "" {
			req.Header.Set("X-Admin-Key", key)
		}
		return req
	}
	deps := func() Deps {
		return Deps{
			Composites: &fakeCompositeRepo{},
			Backfiller: &fakeBackfiller{result: &backfill.Result{BarsRepaired: 1}},
		}
	}

	t.Run("production without configured key", func(t *testing.T) {
		cfg := DefaultServerConfig()
		cfg.Environment = "production"
		s := newTestServer(t, cfg, deps())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, newReq("secret"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		cfg := DefaultServerConfig()
		cfg.AdminAPIKey = "secret"
		s := newTestServer(t, cfg, deps())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, newReq(""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		cfg := DefaultServerConfig()
		cfg.AdminAPIKey = "secret"
		s := newTestServer(t, cfg, deps())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, newReq("nope"))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		cfg := DefaultServerConfig()
		cfg.AdminAPIKey = "secret"
		s := newTestServer(t, cfg, deps())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, newReq("secret"))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("local without configured key is open", func(t *testing.T) {
		s := newTestServer(t, DefaultServerConfig(), deps())
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, newReq(""))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestBackfillErrorMapping(t *testing.T) {
	t.Run("no persistence", func(t *testing.T) {
		s := newTestServer(t, DefaultServerConfig(), Deps{})
		req := httptest.NewRequest(http.MethodPost, "/v0/backfill", strings.NewReader(`{}`))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		s := newTestServer(t, DefaultServerConfig(), Deps{
			Composites: &fakeCompositeRepo{}, Backfiller: &fakeBackfiller{},
		})
		req := httptest.NewRequest(http.MethodPost, "/v0/backfill", strings.NewReader(`{not json`))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validation error", func(t *testing.T) {
		bf := &fakeBackfiller{err: fmt.Errorf("%w: unknown asset", backfill.ErrInvalidRequest)}
		s := newTestServer(t, DefaultServerConfig(), Deps{
			Composites: &fakeCompositeRepo{}, Backfiller: bf,
		})
		req := httptest.NewRequest(http.MethodPost, "/v0/backfill",
			strings.NewReader(`{"asset":"DOGE","market_type":"spot","start_time":1,"end_time":2}`))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStreamEmitsPriceEvents(t *testing.T) {
	agg := newFakeAggregator()
	agg.prices[pairKey(market.AssetBTC, market.Spot)] = map[market.Venue]float64{market.Binance: 45000}

	cfg := DefaultServerConfig()
	cfg.PriceInterval = 5 * time.Millisecond
	cfg.TelemetryInterval = time.Hour
	s := newTestServer(t, cfg, Deps{Aggregator: agg})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v0/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	require.Equal(t, "event: price", eventLine)

	var event ssePriceEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &event))
	assert.Equal(t, "price", event.Type)
	assert.Equal(t, uint64(1), event.Sequence)
	assert.Equal(t, 45000.0, event.Data[market.AssetBTC][market.Spot][market.Binance])
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, DefaultServerConfig(), Deps{})
	rec := doGet(t, s, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
