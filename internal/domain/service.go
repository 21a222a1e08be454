package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// ErrUnknownFeed is returned when a skeleton is requested for a feed this
// generator does not serve.
var ErrUnknownFeed = errors.New("unknown feed")

const (
	defaultPageSize = 50
	maxPageSize     = 100

	// maxSeed bounds the per-traversal shuffle seed.
	maxSeed = 1_000_000
)

// NewFeedURI returns the AT-URI of a feed generator record.
func NewFeedURI(publisherDID, feedName string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisherDID, feedName)
}

// FeedService serves feed skeletons out of the ranked store.
type FeedService struct {
	feedURI string
	repo    FeedReader
	logger  *slog.Logger

	now     func() time.Time
	newSeed func() int64
}

// NewFeedService creates a FeedService serving the single feed at feedURI.
func NewFeedService(feedURI string, repo FeedReader, logger *slog.Logger) *FeedService {
	return &FeedService{
		feedURI: feedURI,
		repo:    repo,
		logger:  logger,
		now:     time.Now,
		newSeed: func() int64 { return rand.Int64N(maxSeed) },
	}
}

// FeedURIs returns the AT-URIs of all registered feeds.
func (s *FeedService) FeedURIs() []string {
	return []string{s.feedURI}
}

// GetFeedSkeleton returns a page of the feed skeleton for the given feed URI.
// A first-page request gets a fresh shuffle seed; later pages carry it in
// the cursor. Store failures degrade to an empty page.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor string) (*FeedSkeleton, error) {
	if feedURI != s.feedURI {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, feedURI)
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	q := FeedQuery{Limit: limit, Now: s.now()}
	if cursor != "" {
		c, err := ParseFeedCursor(cursor)
		if err != nil {
			return nil, err
		}
		q.Before = c.IndexedAt
		q.Seed = c.Seed
	} else {
		q.Seed = s.newSeed()
	}

	page, err := s.repo.FeedPage(ctx, q)
	if err != nil {
		s.logger.Error("feed query failed, serving empty page", "limit", limit, "cursor", cursor, "error", err)
		return &FeedSkeleton{Posts: []SkeletonPost{}}, nil
	}

	skeleton := &FeedSkeleton{
		Posts: make([]SkeletonPost, len(page.URIs)),
	}
	for i, uri := range page.URIs {
		skeleton.Posts[i] = SkeletonPost{Post: uri}
	}
	if page.HasMore {
		skeleton.Cursor = FeedCursor{IndexedAt: page.Next, Seed: q.Seed}.String()
	}
	return skeleton, nil
}
