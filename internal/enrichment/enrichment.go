// Package enrichment periodically refreshes the engagement counters of
// indexed posts from the public AppView.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/toronto-feed/internal/bluesky"
	"github.com/blackmichael/toronto-feed/internal/domain"
)

// Fetcher hydrates a batch of posts by AT-URI.
type Fetcher interface {
	GetPosts(ctx context.Context, uris []string) ([]bluesky.PostView, error)
}

// Config tunes a Loop. Zero fields take the defaults.
type Config struct {
	// BatchSize is how many posts one pass refreshes.
	BatchSize int

	// BacklogInterval is the pause between passes while never-enriched
	// posts remain; IdleInterval applies otherwise.
	BacklogInterval time.Duration
	IdleInterval    time.Duration

	// UnsafeLabels remove a post when the AppView reports any of them.
	UnsafeLabels []string
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 || c.BatchSize > bluesky.MaxGetPosts {
		c.BatchSize = bluesky.MaxGetPosts
	}
	if c.BacklogInterval <= 0 {
		c.BacklogInterval = 15 * time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 2 * time.Minute
	}
}

// Pass summarises one enrichment pass.
type Pass struct {
	Requested int
	Updated   int
	Removed   int
	Missing   int
}

// Loop is the enrichment background task.
type Loop struct {
	fetch  Fetcher
	repo   domain.EnrichmentRepository
	cfg    Config
	unsafe domain.Keywords
	logger *slog.Logger

	now func() time.Time
}

// New creates a Loop reading from f and writing to repo.
func New(f Fetcher, repo domain.EnrichmentRepository, cfg Config, logger *slog.Logger) *Loop {
	cfg.setDefaults()
	return &Loop{
		fetch:  f,
		repo:   repo,
		cfg:    cfg,
		unsafe: domain.Keywords{UnsafeLabels: cfg.UnsafeLabels},
		logger: logger,
		now:    time.Now,
	}
}

// Run enriches until ctx is cancelled. A failed pass is logged and retried
// after the usual interval.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("starting enrichment loop",
		"batch_size", l.cfg.BatchSize,
		"backlog_interval", l.cfg.BacklogInterval,
		"idle_interval", l.cfg.IdleInterval,
	)

	for {
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("enrichment pass failed", "error", err)
		}

		timer := time.NewTimer(l.interval(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("enrichment loop stopped")
			return
		case <-timer.C:
		}
	}
}

// interval picks the pause before the next pass from the remaining backlog.
func (l *Loop) interval(ctx context.Context) time.Duration {
	n, err := l.repo.CountUnenriched(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("failed to count unenriched posts", "error", err)
		}
		return l.cfg.IdleInterval
	}
	if n > 0 {
		return l.cfg.BacklogInterval
	}
	return l.cfg.IdleInterval
}

// RunOnce refreshes one batch. An empty selection is a no-op.
func (l *Loop) RunOnce(ctx context.Context) (Pass, error) {
	uris, err := l.repo.PostsToEnrich(ctx, l.cfg.BatchSize)
	if err != nil {
		return Pass{}, fmt.Errorf("select posts to enrich: %w", err)
	}
	if len(uris) == 0 {
		l.logger.Debug("no posts to enrich")
		return Pass{}, nil
	}

	views, err := l.fetch.GetPosts(ctx, uris)
	if err != nil {
		return Pass{Requested: len(uris)}, fmt.Errorf("fetch engagement: %w", err)
	}

	pass := Pass{Requested: len(uris)}
	now := l.now().UTC()
	returned := make(map[string]bool, len(views))
	updates := make([]domain.EngagementUpdate, 0, len(views))

	for i := range views {
		v := &views[i]
		returned[v.URI] = true

		labels := make([]string, len(v.Labels))
		for j, lb := range v.Labels {
			labels[j] = lb.Val
		}
		if l.unsafe.AnyUnsafe(labels) {
			if err := l.repo.DeletePost(ctx, v.URI); err != nil {
				l.logger.Error("failed to remove labelled post", "uri", v.URI, "error", err)
				continue
			}
			pass.Removed++
			continue
		}

		updates = append(updates, domain.EngagementUpdate{
			URI: v.URI,
			Engagement: domain.Engagement{
				Likes:     v.LikeCount,
				Reposts:   v.RepostCount,
				Quotes:    v.QuoteCount,
				Replies:   v.ReplyCount,
				Bookmarks: v.BookmarkCount,
			},
			CreatedAt:  v.CreatedAt(),
			EnrichedAt: now,
		})
	}

	if err := l.repo.UpdateEngagement(ctx, updates); err != nil {
		return pass, fmt.Errorf("apply engagement: %w", err)
	}
	pass.Updated = len(updates)

	// Deleted or hidden posts never come back; stamp them so they do not
	// hold the head of the queue forever.
	var missing []string
	for _, uri := range uris {
		if !returned[uri] {
			missing = append(missing, uri)
		}
	}
	if len(missing) > 0 {
		if err := l.repo.TouchEnriched(ctx, missing, now); err != nil {
			return pass, fmt.Errorf("mark missing posts: %w", err)
		}
		pass.Missing = len(missing)
	}

	l.logger.Info("enriched posts",
		"requested", pass.Requested,
		"updated", pass.Updated,
		"removed", pass.Removed,
		"missing", pass.Missing,
	)
	return pass, nil
}
