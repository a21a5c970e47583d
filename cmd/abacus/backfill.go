package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ciphex/abacus/internal/backfill"
	"github.com/ciphex/abacus/internal/market"
	"github.com/ciphex/abacus/internal/persistence/postgres"
)

func newBackfillCmd() *cobra.Command {
	var (
		asset     string
		marketArg string
		startSec  int64
		endSec    int64
		venues    []string
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Repair composite gap minutes from venue REST APIs",
		Long: `Finds gap minutes in [start, end) and rebuilds each one from venue
historical trade APIs. Requires a configured database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("backfill requires database_url")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, err := postgres.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := postgres.EnsureSchema(ctx, db); err != nil {
				return err
			}

			svc := backfill.New(
				postgres.NewCompositeBarRepo(db, repoTimeout),
				postgres.NewVenueBarRepo(db, repoTimeout),
			)

			req := backfill.Request{
				Asset:      market.Asset(asset),
				MarketType: market.MarketType(marketArg),
				StartSec:   startSec,
				EndSec:     endSec,
			}
			for _, v := range venues {
				req.Venues = append(req.Venues, market.Venue(v))
			}

			result, err := svc.BackfillGaps(ctx, req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	now := time.Now().Unix() / 60 * 60
	cmd.Flags().StringVar(&asset, "asset", "BTC", "asset to repair (BTC or ETH)")
	cmd.Flags().StringVar(&marketArg, "market", "spot", "market type (spot or perp)")
	cmd.Flags().Int64Var(&startSec, "start", now-24*60*60, "window start, unix seconds")
	cmd.Flags().Int64Var(&endSec, "end", now, "window end, unix seconds")
	cmd.Flags().StringSliceVar(&venues, "venues", nil, "restrict to specific venues")
	return cmd
}
