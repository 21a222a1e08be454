package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/blackmichael/toronto-feed/internal/bluesky"
	"github.com/blackmichael/toronto-feed/internal/config"
	"github.com/blackmichael/toronto-feed/internal/domain"
	"github.com/blackmichael/toronto-feed/internal/sqlite"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options holds flags shared by every command. Zero values leave the
// environment configuration alone.
type options struct {
	dbPath       string
	keywordsFile string
	verbose      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:           "feedgen",
		Short:         "Toronto feed generator",
		Long:          "Indexes Toronto-related posts from the Bluesky firehose and serves them as a ranked custom feed.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())

	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "SQLite database path (overrides FEEDGEN_DB_PATH)")
	root.PersistentFlags().StringVar(&opts.keywordsFile, "keywords", "", "YAML keyword file (overrides FEEDGEN_KEYWORDS_FILE)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serve, newBackfillCmd(opts), newEnrichCmd(opts))
	return root
}

// app is the state every command starts from.
type app struct {
	cfg      *config.Config
	keywords domain.Keywords
	logger   *slog.Logger
}

func setup(opts *options) (*app, error) {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.dbPath != "" {
		cfg.DBPath = opts.dbPath
	}
	if opts.keywordsFile != "" {
		cfg.KeywordsFile = opts.keywordsFile
	}

	keywords, err := config.LoadKeywords(cfg.KeywordsFile)
	if err != nil {
		return nil, fmt.Errorf("load keywords: %w", err)
	}

	return &app{cfg: cfg, keywords: keywords, logger: logger}, nil
}

// openStore opens a dedicated handle on the database. Each long-running
// task gets its own so they never queue behind each other's connection.
func (a *app) openStore(ctx context.Context) (*sqlite.Store, error) {
	opts := sqlite.DefaultOptions()
	opts.MaxPosts = a.cfg.MaxPosts
	opts.Ranking.Base = a.cfg.RankBase
	opts.Ranking.Decay = a.cfg.RankDecay

	store, err := sqlite.Open(ctx, a.cfg.DBPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", a.cfg.DBPath, err)
	}
	return store, nil
}

func (a *app) client() *bluesky.Client {
	return bluesky.NewClient("",
		bluesky.WithSearchURL(a.cfg.SearchURL),
		bluesky.WithAppViewURL(a.cfg.AppViewURL),
	)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func (a *app) signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			a.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
