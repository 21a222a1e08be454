package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/blackmichael/toronto-feed/internal/domain"
	"github.com/blackmichael/toronto-feed/internal/enrichment"
	"github.com/blackmichael/toronto-feed/internal/filter"
	"github.com/blackmichael/toronto-feed/internal/firehose"
	"github.com/blackmichael/toronto-feed/internal/httpserver"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	port     int
	backfill bool
}

func newServeCmd(opts *options) *cobra.Command {
	so := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Ingest the firehose and serve the feed",
		Long: `Runs the startup backfill, then ingests the firehose and refreshes
engagement counters in the background while serving the feed API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Port = so.port
			}
			if cmd.Flags().Changed("backfill") {
				a.cfg.Backfill = so.backfill
			}
			return a.serve()
		},
	}

	cmd.Flags().IntVar(&so.port, "port", 3000, "HTTP port (overrides PORT)")
	cmd.Flags().BoolVar(&so.backfill, "backfill", true, "run the search backfill before ingesting (overrides FEEDGEN_BACKFILL)")
	return cmd
}

func (a *app) serve() error {
	ctx, cancel := a.signalContext()
	defer cancel()

	a.logger.Info("starting feed generator",
		"hostname", a.cfg.Hostname,
		"port", a.cfg.Port,
		"service_did", a.cfg.ServiceDID(),
		"feed", a.cfg.FeedURI(),
		"db", a.cfg.DBPath,
	)

	ingestStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer ingestStore.Close()

	enrichStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer enrichStore.Close()

	readStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer readStore.Close()

	posts, err := readStore.CountPosts(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("opened store", "path", a.cfg.DBPath, "posts", posts)

	client := a.client()

	if a.cfg.Backfill {
		if _, err := a.newBackfill(client, ingestStore).Run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("backfill: %w", err)
		}
	}

	f, err := filter.New(filter.Config{Keywords: a.keywords}, ingestStore, a.logger.With("component", "filter"))
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	subscriber := firehose.NewSubscriber(
		firehose.Config{URL: a.cfg.FirehoseURL},
		f,
		ingestStore,
		a.logger.With("component", "firehose"),
	)

	enricher := enrichment.New(
		client,
		enrichStore,
		enrichment.Config{UnsafeLabels: a.keywords.UnsafeLabels},
		a.logger.With("component", "enrichment"),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("firehose subscriber stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		enricher.Run(ctx)
	}()

	feedService := domain.NewFeedService(a.cfg.FeedURI(), readStore, a.logger)
	server := httpserver.NewServer(a.cfg, feedService, f.CaughtUp, a.logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		a.logger.Error("HTTP server error", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", "error", err)
	}

	// The subscriber flushes its position on the way out, so the stores
	// must stay open until both tasks return.
	wg.Wait()

	a.logger.Info("shutdown complete")
	return nil
}
