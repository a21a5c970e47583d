package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the indexer. All are registered on the default
// registry and exposed via promhttp at /metrics.
var (
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abacus_ws_messages_total",
		Help: "WebSocket messages received per venue stream",
	}, []string{"venue", "asset", "market_type"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abacus_trades_total",
		Help: "Normalized trades ingested per venue stream",
	}, []string{"venue", "asset", "market_type"})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abacus_ws_reconnects_total",
		Help: "WebSocket reconnect attempts per venue stream",
	}, []string{"venue", "asset", "market_type"})

	ConnectionUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "abacus_ws_connection_up",
		Help: "1 when the venue WebSocket is connected",
	}, []string{"venue", "asset", "market_type"})

	CompositeBarsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abacus_composite_bars_total",
		Help: "Composite bars emitted, labeled by quality",
	}, []string{"asset", "market_type", "quality"}) // quality: ok|degraded|gap

	VenueExclusionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abacus_venue_exclusions_total",
		Help: "Venue exclusions from the close composite by reason",
	}, []string{"venue", "reason"})

	DBWriteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "abacus_db_write_seconds",
		Help:    "Latency of persistence writes",
		Buckets: prometheus.DefBuckets,
	}, []string{"table", "outcome"}) // outcome: ok|error

	BackfillRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abacus_backfill_requests_total",
		Help: "Backfill runs by outcome",
	}, []string{"asset", "market_type", "outcome"})

	BackfillBarsRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abacus_backfill_bars_repaired_total",
		Help: "Gap minutes repaired by backfill",
	})
)

// ObserveDBWrite records one persistence write with its outcome.
func ObserveDBWrite(table string, err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	DBWriteLatency.WithLabelValues(table, outcome).Observe(seconds)
}

// CompositeQuality maps gap/degraded flags to the metrics label.
func CompositeQuality(isGap, degraded bool) string {
	switch {
	case isGap:
		return "gap"
	case degraded:
		return "degraded"
	default:
		return "ok"
	}
}
