package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ciphex/abacus/internal/aggregator"
	"github.com/ciphex/abacus/internal/backfill"
	"github.com/ciphex/abacus/internal/config"
	"github.com/ciphex/abacus/internal/httpapi"
	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/persistence"
	"github.com/ciphex/abacus/internal/persistence/postgres"
	"github.com/ciphex/abacus/internal/persistence/rediscache"
)

const (
	repoTimeout      = 5 * time.Second
	retentionPeriod  = time.Hour
	shutdownDeadline = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the realtime indexer and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		composites persistence.CompositeBarRepo
		venueBars  persistence.VenueBarRepo
		backfiller *backfill.Service
	)
	if cfg.DatabaseURL != "" {
		db, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			return err
		}
		composites = postgres.NewCompositeBarRepo(db, repoTimeout)
		venueBars = postgres.NewVenueBarRepo(db, repoTimeout)
		backfiller = backfill.New(composites, venueBars)
		log.Info().Msg("postgres persistence enabled")

		if stats, err := postgres.GetTableStats(ctx, db); err == nil {
			for table, s := range stats {
				log.Info().Str("table", table).Int64("rows", s.Rows).Msg("table stats")
			}
		}
	} else {
		log.Warn().Msg("no database_url configured, running memory-only")
	}

	var cache *rediscache.Cache
	if cfg.RedisURL != "" {
		cache, err = rediscache.New(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer cache.Close()
		log.Info().Msg("redis latest-bar cache enabled")
	}

	onComposite := func(bar market.CompositeBar) {
		sinkCtx, cancel := context.WithTimeout(context.Background(), repoTimeout)
		defer cancel()
		if composites != nil {
			if err := composites.Upsert(sinkCtx, bar); err != nil {
				log.Error().Err(err).Int64("bar_time", bar.Time).Msg("failed to persist composite bar")
			}
		}
		if cache != nil {
			if err := cache.SetLatest(sinkCtx, bar); err != nil {
				log.Warn().Err(err).Msg("failed to cache latest bar")
			}
		}
	}
	onVenueBars := func(records []market.VenueBarRecord) {
		if venueBars == nil {
			return
		}
		sinkCtx, cancel := context.WithTimeout(context.Background(), repoTimeout)
		defer cancel()
		if _, err := venueBars.UpsertBatch(sinkCtx, records); err != nil {
			log.Error().Err(err).Int("count", len(records)).Msg("failed to persist venue bars")
		}
	}

	agg := aggregator.New(aggregator.Config{
		Assets:     cfg.AssetList(),
		SpotVenues: cfg.SpotVenueList(),
		PerpVenues: cfg.PerpVenueList(),
	}, onComposite, onVenueBars)
	agg.Start(ctx)
	defer agg.Stop()

	if composites != nil {
		go retentionLoop(ctx, composites, venueBars, cfg.RetentionDays)
	}

	server := httpapi.NewServer(serverConfig(cfg), httpapi.Deps{
		Aggregator: agg,
		Composites: composites,
		VenueBars:  venueBars,
		Cache:      cache,
		Backfiller: serviceOrNil(backfiller),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// serviceOrNil keeps a nil *Service from becoming a non-nil interface.
func serviceOrNil(s *backfill.Service) httpapi.Backfiller {
	if s == nil {
		return nil
	}
	return s
}

func serverConfig(cfg config.Config) httpapi.ServerConfig {
	sc := httpapi.DefaultServerConfig()
	sc.Host = cfg.Server.Host
	sc.Port = cfg.Server.Port
	sc.Environment = cfg.Environment
	sc.AdminAPIKey = cfg.AdminAPIKey
	sc.PriceInterval = cfg.PriceInterval()
	sc.TelemetryInterval = cfg.TelemetryInterval()
	return sc
}

// retentionLoop prunes rows older than the retention window once an hour.
func retentionLoop(ctx context.Context, composites persistence.CompositeBarRepo, venueBars persistence.VenueBarRepo, days int) {
	ticker := time.NewTicker(retentionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, composites, venueBars, days)
		}
	}
}

func sweep(ctx context.Context, composites persistence.CompositeBarRepo, venueBars persistence.VenueBarRepo, days int) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if n, err := composites.EnforceRetention(sweepCtx, days); err != nil {
		log.Error().Err(err).Msg("composite retention sweep failed")
	} else if n > 0 {
		log.Info().Int64("deleted", n).Msg("pruned composite bars")
	}
	if venueBars == nil {
		return
	}
	if n, err := venueBars.EnforceRetention(sweepCtx, days); err != nil {
		log.Error().Err(err).Msg("venue bar retention sweep failed")
	} else if n > 0 {
		log.Info().Int64("deleted", n).Msg("pruned venue bars")
	}
}
