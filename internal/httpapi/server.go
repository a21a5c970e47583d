// Package httpapi serves the v0 REST and SSE surface.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ciphex/abacus/internal/backfill"
	"github.com/ciphex/abacus/internal/connector"
	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/persistence"
	"github.com/ciphex/abacus/internal/persistence/rediscache"
)

// Aggregator is the live-state surface the handlers read.
type Aggregator interface {
	LatestBar(asset market.Asset, mt market.MarketType) (market.CompositeBar, bool)
	GetBars(asset market.Asset, mt market.MarketType, startSec, endSec int64, limit int) []market.CompositeBar
	CurrentComposite(asset market.Asset, mt market.MarketType) market.FilterResult
	CurrentPrices(asset market.Asset, mt market.MarketType) map[market.Venue]float64
	VenueBars(venue market.Venue, asset market.Asset, mt market.MarketType, limit int) []market.Bar
	ConnectionStatus() []connector.Telemetry
}

// Backfiller triggers gap repair runs.
type Backfiller interface {
	BackfillGaps(ctx context.Context, req backfill.Request) (*backfill.Result, error)
}

// Deps are the collaborators the server exposes. Composites, VenueBars,
// Cache and Backfiller may be nil; affected endpoints answer 503 or fall
// back to in-memory state.
type Deps struct {
	Aggregator Aggregator
	Composites persistence.CompositeBarRepo
	VenueBars  persistence.VenueBarRepo
	Cache      *rediscache.Cache
	Backfiller Backfiller
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              int
	Environment       string
	AdminAPIKey       string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	PriceInterval     time.Duration
	TelemetryInterval time.Duration
}

// DefaultServerConfig returns the development defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              8000,
		Environment:       "local",
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      0, // SSE holds responses open
		IdleTimeout:       60 * time.Second,
		PriceInterval:     500 * time.Millisecond,
		TelemetryInterval: 5 * time.Second,
	}
}

// Server is the HTTP front of the indexer.
type Server struct {
	router *mux.Router
	server *http.Server
	config ServerConfig
	deps   Deps
	now    func() time.Time
}

// NewServer builds the router and the underlying http.Server.
func NewServer(config ServerConfig, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		config: config,
		deps:   deps,
		now:    time.Now,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/health/live", s.handleLive).Methods("GET")
	s.router.HandleFunc("/health/ready", s.handleReady).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v0 := s.router.PathPrefix("/v0").Subrouter()
	v0.Use(s.jsonContentTypeMiddleware)
	v0.HandleFunc("/latest", s.handleLatest).Methods("GET")
	v0.HandleFunc("/candles", s.handleCandles).Methods("GET")
	v0.HandleFunc("/venue-candles", s.handleVenueCandles).Methods("GET")
	v0.HandleFunc("/telemetry", s.handleTelemetry).Methods("GET")
	v0.HandleFunc("/gaps", s.handleGaps).Methods("GET")
	v0.HandleFunc("/integrity", s.handleIntegrity).Methods("GET")
	v0.HandleFunc("/dataset/candles", s.handleDatasetCandles).Methods("GET")
	v0.Handle("/backfill", s.requireAdminKey(http.HandlerFunc(s.handleBackfill))).Methods("POST")

	// SSE bypasses the JSON content-type middleware.
	s.router.HandleFunc("/v0/stream", s.handleStream).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Str("environment", s.config.Environment).
		Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }
