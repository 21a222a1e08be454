package main

import (
	"fmt"
	"time"

	"github.com/blackmichael/toronto-feed/internal/backfill"
	"github.com/blackmichael/toronto-feed/internal/bluesky"
	"github.com/blackmichael/toronto-feed/internal/domain"
	"github.com/blackmichael/toronto-feed/internal/enrichment"
	"github.com/spf13/cobra"
)

// backfillRequestDelay keeps the search endpoint under its rate limit.
const backfillRequestDelay = time.Second

func (a *app) newBackfill(client *bluesky.Client, repo domain.PostRepository) *backfill.Procedure {
	return backfill.New(client, repo, backfill.Config{
		Keywords:     a.keywords,
		RequestDelay: backfillRequestDelay,
	}, a.logger.With("component", "backfill"))
}

func newBackfillCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Run one search backfill pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}

			ctx, cancel := a.signalContext()
			defer cancel()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := a.newBackfill(a.client(), store).Run(ctx)
			if err != nil {
				return fmt.Errorf("backfill: %w", err)
			}
			total, err := store.CountPosts(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Backfill done: %d queries, %d posts stored, %d skipped (%d posts indexed)\n",
				res.Queries, res.Inserted, res.Skipped, total)
			return nil
		},
	}
}

func newEnrichCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Refresh engagement counters for one batch and exit",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}

			ctx, cancel := a.signalContext()
			defer cancel()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			loop := enrichment.New(a.client(), store,
				enrichment.Config{UnsafeLabels: a.keywords.UnsafeLabels},
				a.logger.With("component", "enrichment"))

			pass, err := loop.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("enrich: %w", err)
			}
			fmt.Printf("Enriched %d of %d posts (%d removed, %d missing)\n",
				pass.Updated, pass.Requested, pass.Removed, pass.Missing)
			return nil
		},
	}
}
