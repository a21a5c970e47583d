package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/backfill"
	"github.com/ciphex/abacus/internal/connector"
	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/persistence"
)

const (
	serviceName = "abacus-indexer"

	defaultCandleLimit = 60
	maxCandleLimit     = 1440

	defaultGapLimit     = 100
	defaultGapWindowSec = 24 * 60 * 60
	defaultLookbackMin  = 1440
	minLookbackMin      = 60
	maxLookbackMin      = 20160
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func parseAsset(raw string) (market.Asset, bool) {
	switch market.Asset(raw) {
	case market.AssetBTC, market.AssetETH:
		return market.Asset(raw), true
	}
	return "", false
}

func parseMarketType(raw string) (market.MarketType, bool) {
	switch market.MarketType(raw) {
	case market.Spot, market.Perp:
		return market.MarketType(raw), true
	}
	return "", false
}

// queryInt parses an integer query parameter, falling back to def when
// absent. The second return is false on a malformed value.
func queryInt(r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   serviceName,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Aggregator == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregator not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type latestEntry struct {
	Asset           market.Asset             `json:"asset"`
	MarketType      market.MarketType        `json:"market_type"`
	Price           *float64                 `json:"price"`
	VenuePrices     map[market.Venue]float64 `json:"venue_prices"`
	ConnectedVenues []market.Venue           `json:"connected_venues"`
	LastBar         *market.CompositeBar     `json:"last_bar"`
	Degraded        bool                     `json:"degraded"`
	Timestamp       int64                    `json:"timestamp"`
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	assetFilter := r.URL.Query().Get("asset")
	marketFilter := r.URL.Query().Get("market_type")

	statuses := s.deps.Aggregator.ConnectionStatus()
	nowMs := s.now().UnixMilli()

	var out []latestEntry
	for _, asset := range market.EnabledAssets {
		if assetFilter != "" && string(asset) != assetFilter {
			continue
		}
		for _, mt := range []market.MarketType{market.Spot, market.Perp} {
			if marketFilter != "" && string(mt) != marketFilter {
				continue
			}

			var connected []market.Venue
			for _, st := range statuses {
				if st.Asset == asset && st.MarketType == mt && st.ConnectionState == connector.StateConnected {
					connected = append(connected, st.Venue)
				}
			}

			composite := s.deps.Aggregator.CurrentComposite(asset, mt)

			out = append(out, latestEntry{
				Asset:           asset,
				MarketType:      mt,
				Price:           composite.Price,
				VenuePrices:     s.deps.Aggregator.CurrentPrices(asset, mt),
				ConnectedVenues: connected,
				LastBar:         s.lastBar(r, asset, mt),
				Degraded:        len(connected) < market.PreferredQuorum,
				Timestamp:       nowMs,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// lastBar resolves the most recent composite bar: cache, then the
// database, then in-memory state.
func (s *Server) lastBar(r *http.Request, asset market.Asset, mt market.MarketType) *market.CompositeBar {
	if s.deps.Cache != nil {
		if bar, err := s.deps.Cache.GetLatest(r.Context(), asset, mt); err == nil && bar != nil {
			return bar
		}
	}
	if s.deps.Composites != nil {
		if bar, err := s.deps.Composites.GetLatest(r.Context(), asset, mt); err == nil && bar != nil {
			return bar
		}
	}
	if bar, ok := s.deps.Aggregator.LatestBar(asset, mt); ok {
		return &bar
	}
	return nil
}

type candlesResponse struct {
	Asset      market.Asset          `json:"asset"`
	MarketType market.MarketType     `json:"market_type"`
	StartTime  int64                 `json:"start_time"`
	EndTime    int64                 `json:"end_time"`
	Count      int                   `json:"count"`
	Candles    []market.CompositeBar `json:"candles"`
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	asset, ok := parseAsset(r.URL.Query().Get("asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, "asset must be BTC or ETH")
		return
	}
	mt, ok := parseMarketType(r.URL.Query().Get("market_type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "market_type must be spot or perp")
		return
	}
	limit, ok := queryInt(r, "limit", defaultCandleLimit)
	if !ok || limit < 1 || limit > maxCandleLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1440")
		return
	}
	end, ok := queryInt(r, "end", s.now().Unix())
	if !ok {
		writeError(w, http.StatusBadRequest, "end must be a unix timestamp")
		return
	}
	start, ok := queryInt(r, "start", end-limit*market.BarIntervalSeconds)
	if !ok {
		writeError(w, http.StatusBadRequest, "start must be a unix timestamp")
		return
	}
	if start >= end {
		writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	candles := s.candleRange(r, asset, mt, start, end, int(limit))
	writeJSON(w, http.StatusOK, candlesResponse{
		Asset:      asset,
		MarketType: mt,
		StartTime:  start,
		EndTime:    end,
		Count:      len(candles),
		Candles:    candles,
	})
}

// candleRange reads from the database and falls back to in-memory bars
// when no database is configured or the query returns nothing.
func (s *Server) candleRange(r *http.Request, asset market.Asset, mt market.MarketType, start, end int64, limit int) []market.CompositeBar {
	if s.deps.Composites != nil {
		bars, err := s.deps.Composites.GetRange(r.Context(), asset, mt, start, end, limit)
		if err != nil {
			log.Warn().Err(err).Msg("composite range query failed, falling back to memory")
		} else if len(bars) > 0 {
			return bars
		}
	}
	bars := s.deps.Aggregator.GetBars(asset, mt, start, end, limit)
	if bars == nil {
		bars = []market.CompositeBar{}
	}
	return bars
}

type venueCandlesResponse struct {
	Venue      market.Venue      `json:"venue"`
	Asset      market.Asset      `json:"asset"`
	MarketType market.MarketType `json:"market_type"`
	StartTime  int64             `json:"start_time"`
	EndTime    int64             `json:"end_time"`
	Count      int               `json:"count"`
	Candles    []market.Bar      `json:"candles"`
}

func (s *Server) handleVenueCandles(w http.ResponseWriter, r *http.Request) {
	if s.deps.VenueBars == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	venue := market.Venue(r.URL.Query().Get("venue"))
	if _, ok := market.VenueConfigs[venue]; !ok {
		writeError(w, http.StatusBadRequest, "unknown venue")
		return
	}
	asset, ok := parseAsset(r.URL.Query().Get("asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, "asset must be BTC or ETH")
		return
	}
	mt, ok := parseMarketType(r.URL.Query().Get("market_type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "market_type must be spot or perp")
		return
	}
	limit, ok := queryInt(r, "limit", defaultCandleLimit)
	if !ok || limit < 1 || limit > maxCandleLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1440")
		return
	}
	end, ok := queryInt(r, "end", s.now().Unix())
	if !ok {
		writeError(w, http.StatusBadRequest, "end must be a unix timestamp")
		return
	}
	start, ok := queryInt(r, "start", end-limit*market.BarIntervalSeconds)
	if !ok {
		writeError(w, http.StatusBadRequest, "start must be a unix timestamp")
		return
	}
	if start >= end {
		writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	bars, err := s.deps.VenueBars.GetRange(r.Context(), asset, mt, venue, start, end, int(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "venue bar query failed")
		return
	}
	if bars == nil {
		bars = []market.Bar{}
	}
	writeJSON(w, http.StatusOK, venueCandlesResponse{
		Venue:      venue,
		Asset:      asset,
		MarketType: mt,
		StartTime:  start,
		EndTime:    end,
		Count:      len(bars),
		Candles:    bars,
	})
}

type telemetryResponse struct {
	Venues         []connector.Telemetry `json:"venues"`
	SystemHealth   string                `json:"system_health"`
	ConnectedCount int                   `json:"connected_count"`
	TotalCount     int                   `json:"total_count"`
	ConnectedSpot  int                   `json:"connected_spot"`
	ConnectedPerp  int                   `json:"connected_perp"`
	Timestamp      string                `json:"timestamp"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.telemetrySnapshot())
}

// telemetrySnapshot summarizes connector health across all subscriptions.
// All connected is healthy, at least half is degraded, below that the
// system is unhealthy.
func (s *Server) telemetrySnapshot() telemetryResponse {
	statuses := s.deps.Aggregator.ConnectionStatus()

	connected, spot, perp := 0, 0, 0
	for _, st := range statuses {
		if st.ConnectionState != connector.StateConnected {
			continue
		}
		connected++
		if st.MarketType == market.Spot {
			spot++
		} else {
			perp++
		}
	}

	health := "unhealthy"
	switch {
	case len(statuses) > 0 && connected == len(statuses):
		health = "healthy"
	case connected > 0 && connected*2 >= len(statuses):
		health = "degraded"
	}

	return telemetryResponse{
		Venues:         statuses,
		SystemHealth:   health,
		ConnectedCount: connected,
		TotalCount:     len(statuses),
		ConnectedSpot:  spot,
		ConnectedPerp:  perp,
		Timestamp:      s.now().UTC().Format(time.RFC3339),
	}
}

type gapsResponse struct {
	Asset      market.Asset      `json:"asset"`
	MarketType market.MarketType `json:"market_type"`
	StartTime  int64             `json:"start_time"`
	EndTime    int64             `json:"end_time"`
	GapCount   int               `json:"gap_count"`
	Gaps       []int64           `json:"gaps"`
}

func (s *Server) handleGaps(w http.ResponseWriter, r *http.Request) {
	if s.deps.Composites == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	asset, ok := parseAsset(r.URL.Query().Get("asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, "asset must be BTC or ETH")
		return
	}
	mt, ok := parseMarketType(r.URL.Query().Get("market_type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "market_type must be spot or perp")
		return
	}
	limit, ok := queryInt(r, "limit", defaultGapLimit)
	if !ok || limit < 1 || limit > maxCandleLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 1440")
		return
	}
	end, ok := queryInt(r, "end", s.now().Unix())
	if !ok {
		writeError(w, http.StatusBadRequest, "end must be a unix timestamp")
		return
	}
	start, ok := queryInt(r, "start", end-defaultGapWindowSec)
	if !ok {
		writeError(w, http.StatusBadRequest, "start must be a unix timestamp")
		return
	}
	if start >= end {
		writeError(w, http.StatusBadRequest, "start must be before end")
		return
	}

	gaps, err := s.deps.Composites.GetGaps(r.Context(), asset, mt, start, end, int(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "gap query failed")
		return
	}
	if gaps == nil {
		gaps = []int64{}
	}
	writeJSON(w, http.StatusOK, gapsResponse{
		Asset:      asset,
		MarketType: mt,
		StartTime:  start,
		EndTime:    end,
		GapCount:   len(gaps),
		Gaps:       gaps,
	})
}

// lookbackWindow parses lookback_minutes and returns a minute-aligned
// [start, end) window ending now.
func (s *Server) lookbackWindow(r *http.Request) (startSec, endSec, lookback int64, ok bool) {
	lookback, valid := queryInt(r, "lookback_minutes", defaultLookbackMin)
	if !valid || lookback < minLookbackMin || lookback > maxLookbackMin {
		return 0, 0, 0, false
	}
	endSec = s.now().Unix() / market.BarIntervalSeconds * market.BarIntervalSeconds
	startSec = endSec - lookback*market.BarIntervalSeconds
	return startSec, endSec, lookback, true
}

type integrityResponse struct {
	Asset           market.Asset               `json:"asset"`
	MarketType      market.MarketType          `json:"market_type"`
	WindowStart     int64                      `json:"window_start"`
	WindowEnd       int64                      `json:"window_end"`
	LookbackMinutes int64                      `json:"lookback_minutes"`
	Integrity       persistence.IntegrityStats `json:"integrity"`
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	if s.deps.Composites == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	asset, ok := parseAsset(r.URL.Query().Get("asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, "asset must be BTC or ETH")
		return
	}
	mt, ok := parseMarketType(r.URL.Query().Get("market_type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "market_type must be spot or perp")
		return
	}
	start, end, lookback, ok := s.lookbackWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "lookback_minutes must be between 60 and 20160")
		return
	}

	stats, err := s.deps.Composites.GetIntegrityStats(r.Context(), asset, mt, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "integrity query failed")
		return
	}
	writeJSON(w, http.StatusOK, integrityResponse{
		Asset:           asset,
		MarketType:      mt,
		WindowStart:     start,
		WindowEnd:       end,
		LookbackMinutes: lookback,
		Integrity:       stats,
	})
}

type gatingInfo struct {
	Tier           int                        `json:"tier"`
	Tier1Eligible  bool                       `json:"tier1_eligible"`
	Tier2Eligible  bool                       `json:"tier2_eligible"`
	Recommendation persistence.Recommendation `json:"recommendation"`
	GapsToRepair   int64                      `json:"gaps_to_repair"`
	CanProceed     bool                       `json:"can_proceed"`
}

type datasetResponse struct {
	Asset      market.Asset               `json:"asset"`
	MarketType market.MarketType          `json:"market_type"`
	StartTime  int64                      `json:"start_time"`
	EndTime    int64                      `json:"end_time"`
	Count      int                        `json:"count"`
	Candles    []market.CompositeBar      `json:"candles"`
	Integrity  persistence.IntegrityStats `json:"integrity"`
	Gating     gatingInfo                 `json:"gating"`
}

// handleDatasetCandles returns a fixed-length window for model training:
// exactly one row per minute, with missing minutes synthesized as
// explicit gap rows, plus the integrity verdict for the same window.
func (s *Server) handleDatasetCandles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Composites == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}
	asset, ok := parseAsset(r.URL.Query().Get("asset"))
	if !ok {
		writeError(w, http.StatusBadRequest, "asset must be BTC or ETH")
		return
	}
	mt, ok := parseMarketType(r.URL.Query().Get("market_type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "market_type must be spot or perp")
		return
	}
	start, end, lookback, ok := s.lookbackWindow(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "lookback_minutes must be between 60 and 20160")
		return
	}

	rows, err := s.deps.Composites.GetRange(r.Context(), asset, mt, start, end, int(lookback))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "composite range query failed")
		return
	}
	stats, err := s.deps.Composites.GetIntegrityStats(r.Context(), asset, mt, start, end)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "integrity query failed")
		return
	}

	byTime := make(map[int64]market.CompositeBar, len(rows))
	for _, bar := range rows {
		byTime[bar.Time] = bar
	}
	candles := make([]market.CompositeBar, 0, lookback)
	for t := start; t < end; t += market.BarIntervalSeconds {
		if bar, present := byTime[t]; present {
			candles = append(candles, bar)
			continue
		}
		candles = append(candles, market.CompositeBar{
			Time:       t,
			Degraded:   true,
			IsGap:      true,
			Asset:      asset,
			MarketType: mt,
		})
	}

	writeJSON(w, http.StatusOK, datasetResponse{
		Asset:      asset,
		MarketType: mt,
		StartTime:  start,
		EndTime:    end,
		Count:      len(candles),
		Candles:    candles,
		Integrity:  stats,
		Gating: gatingInfo{
			Tier:           stats.Tier,
			Tier1Eligible:  stats.Tier1Eligible,
			Tier2Eligible:  stats.Tier2Eligible,
			Recommendation: stats.Recommendation,
			GapsToRepair:   stats.TotalGaps,
			CanProceed:     stats.Tier <= 2,
		},
	})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backfiller == nil || s.deps.Composites == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not configured")
		return
	}

	var req backfill.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.deps.Backfiller.BackfillGaps(r.Context(), req)
	if err != nil {
		if errors.Is(err, backfill.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("backfill run failed")
		writeError(w, http.StatusInternalServerError, "backfill failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
