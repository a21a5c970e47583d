package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/market"
)

// priceSnapshot is venue prices for every tracked pair, keyed
// asset -> market type -> venue.
type priceSnapshot map[market.Asset]map[market.MarketType]map[market.Venue]float64

type ssePriceEvent struct {
	Type      string        `json:"type"`
	Sequence  uint64        `json:"sequence"`
	Timestamp int64         `json:"timestamp"`
	Data      priceSnapshot `json:"data"`
}

type sseTelemetryEvent struct {
	Type      string            `json:"type"`
	Sequence  uint64            `json:"sequence"`
	Timestamp int64             `json:"timestamp"`
	Data      telemetryResponse `json:"data"`
}

// handleStream pushes price snapshots and periodic telemetry over SSE
// until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	priceTicker := time.NewTicker(s.priceInterval())
	defer priceTicker.Stop()
	telemetryTicker := time.NewTicker(s.telemetryInterval())
	defer telemetryTicker.Stop()

	requestID, _ := r.Context().Value(requestIDKey).(string)
	log.Debug().Str("request_id", requestID).Msg("sse client connected")

	var sequence uint64
	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("request_id", requestID).Msg("sse client disconnected")
			return
		case <-priceTicker.C:
			sequence++
			s.writeEvent(w, flusher, "price", ssePriceEvent{
				Type:      "price",
				Sequence:  sequence,
				Timestamp: s.now().UnixMilli(),
				Data:      s.snapshotPrices(),
			})
		case <-telemetryTicker.C:
			sequence++
			s.writeEvent(w, flusher, "telemetry", sseTelemetryEvent{
				Type:      "telemetry",
				Sequence:  sequence,
				Timestamp: s.now().UnixMilli(),
				Data:      s.telemetrySnapshot(),
			})
		}
	}
}

func (s *Server) snapshotPrices() priceSnapshot {
	out := make(priceSnapshot, len(market.EnabledAssets))
	for _, asset := range market.EnabledAssets {
		byMarket := make(map[market.MarketType]map[market.Venue]float64, 2)
		for _, mt := range []market.MarketType{market.Spot, market.Perp} {
			byMarket[mt] = s.deps.Aggregator.CurrentPrices(asset, mt)
		}
		out[asset] = byMarket
	}
	return out
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal sse event")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func (s *Server) priceInterval() time.Duration {
	if s.config.PriceInterval > 0 {
		return s.config.PriceInterval
	}
	return 500 * time.Millisecond
}

func (s *Server) telemetryInterval() time.Duration {
	if s.config.TelemetryInterval > 0 {
		return s.config.TelemetryInterval
	}
	return 5 * time.Second
}
