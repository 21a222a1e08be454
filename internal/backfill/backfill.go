// Package backfill fills the feed with recent history from the search API
// before live ingestion starts.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blackmichael/toronto-feed/internal/bluesky"
	"github.com/blackmichael/toronto-feed/internal/domain"
	"github.com/sethvargo/go-retry"
)

// Searcher runs one page of a post search.
type Searcher interface {
	SearchPosts(ctx context.Context, p bluesky.SearchParams) (*bluesky.SearchResult, error)
}

// Window is a slice of the lookback horizon, expressed in hours before the
// start of the run.
type Window struct {
	Label string
	Start time.Duration // nearest edge
	End   time.Duration // farthest edge
}

// DefaultWindows covers the last 48 hours, finer near now where activity is
// denser.
func DefaultWindows() []Window {
	return []Window{
		{Label: "0-1h", Start: 0, End: time.Hour},
		{Label: "1-4h", Start: time.Hour, End: 4 * time.Hour},
		{Label: "4-12h", Start: 4 * time.Hour, End: 12 * time.Hour},
		{Label: "12-24h", Start: 12 * time.Hour, End: 24 * time.Hour},
		{Label: "24-48h", Start: 24 * time.Hour, End: 48 * time.Hour},
	}
}

// Config tunes a Procedure. Zero fields take the defaults.
type Config struct {
	Windows  []Window
	Keywords domain.Keywords

	// PageSize is the search page ceiling; a shorter page ends pagination.
	PageSize int

	// RequestDelay separates consecutive search requests.
	RequestDelay time.Duration

	// RetryBase is the first wait after a rate-limited request; each
	// further attempt doubles it.
	RetryBase time.Duration

	// MaxAttempts caps how many times one request is sent.
	MaxAttempts int
}

func (c *Config) setDefaults() {
	if len(c.Windows) == 0 {
		c.Windows = DefaultWindows()
	}
	if c.PageSize <= 0 {
		c.PageSize = bluesky.SearchPageSize
	}
	if c.RequestDelay < 0 {
		c.RequestDelay = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Result summarises a run.
type Result struct {
	Queries  int
	Inserted int
	Skipped  int
}

// Procedure is a one-shot reverse hydration pass.
type Procedure struct {
	search Searcher
	repo   domain.PostRepository
	cfg    Config
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// onBackoff observes each rate-limit wait before it happens.
	onBackoff func(time.Duration)

	// stamp is the indexed_at handed to the next inserted post. It counts
	// down one second per insert from the start of the run, so a page of
	// search results never shares a cursor second.
	stamp time.Time
}

// New creates a Procedure that searches with s and writes to repo.
func New(s Searcher, repo domain.PostRepository, cfg Config, logger *slog.Logger) *Procedure {
	cfg.setDefaults()
	return &Procedure{
		search: s,
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run walks every window and keyword. Individual query failures are logged
// and skipped; only cancellation of ctx ends the run early with an error.
func (p *Procedure) Run(ctx context.Context) (Result, error) {
	var total Result
	now := p.now().UTC().Truncate(time.Second)
	p.stamp = now

	p.logger.Info("starting backfill",
		"windows", len(p.cfg.Windows),
		"lax_keywords", len(p.cfg.Keywords.Lax),
		"strict_keywords", len(p.cfg.Keywords.Strict),
	)

	for _, w := range p.cfg.Windows {
		until := now.Add(-w.Start)
		since := now.Add(-w.End)
		p.logger.Info("backfilling window",
			"window", w.Label,
			"since", since.Format(time.RFC3339),
			"until", until.Format(time.RFC3339),
		)

		var window Result

		// Lax terms are high volume, so each hour is searched separately to
		// stay under the per-query result cap.
		for _, kw := range p.cfg.Keywords.Lax {
			for from := since; from.Before(until); from = from.Add(time.Hour) {
				to := min(from.Add(time.Hour), until)
				if err := p.query(ctx, kw, from, to, &window); err != nil {
					return add(total, window), err
				}
			}
		}

		for _, kw := range p.cfg.Keywords.Strict {
			if err := p.query(ctx, kw, since, until, &window); err != nil {
				return add(total, window), err
			}
		}

		p.logger.Info("window complete",
			"window", w.Label,
			"queries", window.Queries,
			"inserted", window.Inserted,
		)
		total = add(total, window)
	}

	p.logger.Info("backfill complete",
		"queries", total.Queries,
		"inserted", total.Inserted,
		"skipped", total.Skipped,
	)
	return total, nil
}

// query runs one keyword over one time range, followed by the request
// delay.
func (p *Procedure) query(ctx context.Context, keyword string, since, until time.Time, res *Result) error {
	if err := p.searchAll(ctx, keyword, since, until, res); err != nil {
		return err
	}
	return p.sleep(ctx, p.cfg.RequestDelay)
}

// searchAll paginates one query until a short page or an empty cursor.
func (p *Procedure) searchAll(ctx context.Context, keyword string, since, until time.Time, res *Result) error {
	params := bluesky.SearchParams{
		Query: keyword,
		Since: since,
		Until: until,
		Limit: p.cfg.PageSize,
	}

	results := 0
	for {
		page, err := p.fetch(ctx, params)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			p.logger.Error("search failed, skipping query",
				"keyword", keyword,
				"since", since.Format(time.RFC3339),
				"error", err,
			)
			return nil
		}
		res.Queries++
		results += len(page.Posts)

		p.store(ctx, page.Posts, res)

		if page.Cursor == "" || len(page.Posts) < p.cfg.PageSize {
			return nil
		}
		params.Cursor = page.Cursor

		p.logger.Debug("paginating", "keyword", keyword, "results", results)
		if err := p.sleep(ctx, p.cfg.RequestDelay); err != nil {
			return err
		}
	}
}

// fetch sends one search request, retrying only rate-limit responses with
// exponential backoff.
func (p *Procedure) fetch(ctx context.Context, params bluesky.SearchParams) (*bluesky.SearchResult, error) {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), retry.NewExponential(p.cfg.RetryBase))
	observed := retry.BackoffFunc(func() (time.Duration, bool) {
		wait, stop := backoff.Next()
		if stop {
			p.logger.Warn("rate limited, giving up",
				"keyword", params.Query,
				"attempts", attempt,
			)
			return 0, true
		}
		p.logger.Warn("rate limited, retrying",
			"keyword", params.Query,
			"attempt", attempt,
			"wait", wait,
		)
		if p.onBackoff != nil {
			p.onBackoff(wait)
		}
		return wait, false
	})

	var page *bluesky.SearchResult
	err := retry.Do(ctx, observed, func(ctx context.Context) error {
		attempt++
		res, err := p.search.SearchPosts(ctx, params)
		if err != nil {
			var se *bluesky.StatusError
			if errors.As(err, &se) && se.RateLimited() {
				return retry.RetryableError(err)
			}
			return err
		}
		page = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", params.Query, err)
	}
	return page, nil
}

// store upserts the safe posts of one page. Counters come straight from the
// search response, so the rows start out enriched.
func (p *Procedure) store(ctx context.Context, posts []bluesky.PostView, res *Result) {
	now := p.now().UTC()

	for i := range posts {
		pv := &posts[i]

		labels := make([]string, len(pv.Labels))
		for j, l := range pv.Labels {
			labels[j] = l.Val
		}
		if p.cfg.Keywords.AnyUnsafe(labels) {
			res.Skipped++
			continue
		}
		if pv.URI == "" || pv.CID == "" || pv.Author.DID == "" {
			res.Skipped++
			continue
		}

		inserted, err := p.repo.UpsertPost(ctx, &domain.Post{
			URI:       pv.URI,
			CID:       pv.CID,
			AuthorDID: pv.Author.DID,
			IndexedAt: p.stamp,
			CreatedAt: pv.CreatedAt(),
			Engagement: domain.Engagement{
				Likes:     pv.LikeCount,
				Reposts:   pv.RepostCount,
				Quotes:    pv.QuoteCount,
				Replies:   pv.ReplyCount,
				Bookmarks: pv.BookmarkCount,
			},
			LastEnriched: now,
		})
		if err != nil {
			p.logger.Error("failed to insert post", "uri", pv.URI, "error", err)
			continue
		}
		if inserted {
			res.Inserted++
			p.stamp = p.stamp.Add(-time.Second)
		}
	}
}

func add(a, b Result) Result {
	return Result{
		Queries:  a.Queries + b.Queries,
		Inserted: a.Inserted + b.Inserted,
		Skipped:  a.Skipped + b.Skipped,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
