// Package filter decides which firehose posts belong in the feed and keeps
// engagement counters of indexed posts current.
package filter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/blackmichael/toronto-feed/internal/domain"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultCacheSize is how many accepted URIs are remembered for
	// recognising quotes of on-topic posts.
	DefaultCacheSize = 100_000

	// DefaultCatchUpThreshold is the creation-time lag under which the
	// stream is considered live.
	DefaultCatchUpThreshold = time.Hour
)

// Config tunes a Filter.
type Config struct {
	Keywords         domain.Keywords
	CacheSize        int
	CatchUpThreshold time.Duration
}

// Filter classifies posts and writes the accepted ones to the repository.
// It is owned by a single ingestion goroutine; only CaughtUp may be called
// from elsewhere.
type Filter struct {
	repo   domain.PostRepository
	logger *slog.Logger

	lax    []string
	strict [][]string
	unsafe map[string]struct{}

	seen     *lru.Cache[string, struct{}]
	caughtUp atomic.Bool
	lagLimit time.Duration

	now func() time.Time
}

// New creates a Filter writing to repo.
func New(cfg Config, repo domain.PostRepository, logger *slog.Logger) (*Filter, error) {
	if len(cfg.Keywords.Lax) == 0 && len(cfg.Keywords.Strict) == 0 {
		return nil, fmt.Errorf("at least one keyword is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CatchUpThreshold <= 0 {
		cfg.CatchUpThreshold = DefaultCatchUpThreshold
	}

	seen, err := lru.New[string, struct{}](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	f := &Filter{
		repo:     repo,
		logger:   logger,
		unsafe:   make(map[string]struct{}, len(cfg.Keywords.UnsafeLabels)),
		seen:     seen,
		lagLimit: cfg.CatchUpThreshold,
		now:      time.Now,
	}
	for _, kw := range cfg.Keywords.Lax {
		if kw = normalize(kw); kw != "" {
			f.lax = append(f.lax, kw)
		}
	}
	for _, kw := range cfg.Keywords.Strict {
		if words := tokenize(normalize(kw)); len(words) > 0 {
			f.strict = append(f.strict, words)
		}
	}
	for _, l := range cfg.Keywords.UnsafeLabels {
		f.unsafe[l] = struct{}{}
	}
	return f, nil
}

// CaughtUp reports whether the stream has reached posts created within the
// catch-up threshold of now. Safe for concurrent use.
func (f *Filter) CaughtUp() bool {
	return f.caughtUp.Load()
}

// Classify reports whether a post belongs in the feed.
func (f *Filter) Classify(post *domain.IncomingPost) bool {
	for _, l := range post.Labels {
		if _, ok := f.unsafe[l]; ok {
			return false
		}
	}

	if post.QuotedURI != "" && f.seen.Contains(post.QuotedURI) {
		return true
	}

	text := f.matchText(post)
	for _, kw := range f.lax {
		if strings.Contains(text, kw) {
			return true
		}
	}

	words := tokenize(text)
	for _, phrase := range f.strict {
		if containsPhrase(words, phrase) {
			return true
		}
	}
	return false
}

// OnPost observes a decoded post, and stores it if it belongs in the feed.
// Storage errors are logged and dropped. Returns true if the post matched.
func (f *Filter) OnPost(ctx context.Context, post *domain.IncomingPost) bool {
	f.observe(post.CreatedAt)

	if !f.Classify(post) {
		return false
	}

	p := &domain.Post{
		URI:       post.URI,
		CID:       post.CID,
		AuthorDID: post.AuthorDID,
		IndexedAt: f.now().UTC(),
		CreatedAt: post.CreatedAt,
	}
	if _, err := f.repo.UpsertPost(ctx, p); err != nil {
		f.logger.Error("failed to insert post", "uri", post.URI, "error", err)
		return true
	}
	// Only stored posts make their quotes topical.
	f.seen.Add(post.URI, struct{}{})
	return true
}

// OnInteraction counts a like or repost against an indexed post. Posts we
// never indexed are silently ignored by the repository.
func (f *Filter) OnInteraction(ctx context.Context, subject string, counter domain.Counter) {
	if err := f.repo.IncrementCounter(ctx, subject, counter); err != nil {
		f.logger.Error("failed to count interaction", "uri", subject, "counter", counter, "error", err)
	}
}

// OnDelete removes a retracted post.
func (f *Filter) OnDelete(ctx context.Context, uri string) {
	f.seen.Remove(uri)
	if err := f.repo.DeletePost(ctx, uri); err != nil {
		f.logger.Error("failed to delete post", "uri", uri, "error", err)
	}
}

// observe flips the caught-up flag the first time a post's declared
// creation time is within the threshold of the wall clock.
func (f *Filter) observe(createdAt time.Time) {
	if f.caughtUp.Load() || createdAt.IsZero() {
		return
	}
	lag := f.now().Sub(createdAt)
	if lag < f.lagLimit && f.caughtUp.CompareAndSwap(false, true) {
		f.logger.Info("caught up to live stream", "lag", lag.Round(time.Second))
	}
}

// matchText joins everything a reader sees: body, facet tags and links,
// video alt text.
func (f *Filter) matchText(post *domain.IncomingPost) string {
	var b strings.Builder
	b.WriteString(post.Text)
	for _, tag := range post.Tags {
		b.WriteString(" ")
		b.WriteString(tag)
	}
	for _, link := range post.Links {
		b.WriteString(" ")
		b.WriteString(link)
	}
	if post.VideoAlt != "" {
		b.WriteString(" ")
		b.WriteString(post.VideoAlt)
	}
	return normalize(b.String())
}

func normalize(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// tokenize splits on whitespace and trims non-alphanumerics from both ends
// of every word, dropping words that trim to nothing.
func tokenize(s string) []string {
	fields := strings.Fields(s)
	words := fields[:0]
	for _, w := range fields {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// containsPhrase reports whether phrase occurs as consecutive whole words.
func containsPhrase(words, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, p := range phrase {
			if words[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
