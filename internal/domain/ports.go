package domain

import (
	"context"
	"time"
)

// PostRepository defines write operations on indexed posts.
type PostRepository interface {
	// UpsertPost inserts a post unless its URI is already indexed. It
	// reports whether a new row was written.
	UpsertPost(ctx context.Context, post *Post) (bool, error)

	// IncrementCounter bumps one engagement counter and the score of an
	// indexed post. Unknown URIs are ignored.
	IncrementCounter(ctx context.Context, uri string, counter Counter) error

	// DeletePost removes a post by its AT-URI.
	DeletePost(ctx context.Context, uri string) error
}

// FeedReader serves ranked pages of indexed posts.
type FeedReader interface {
	// FeedPage returns one ranked page. See FeedQuery for the pagination
	// contract.
	FeedPage(ctx context.Context, q FeedQuery) (FeedPage, error)
}

// PositionRepository defines persistence operations for the firehose
// position.
type PositionRepository interface {
	// LoadPosition returns the saved position; ok is false if none exists.
	LoadPosition(ctx context.Context) (pos Position, ok bool, err error)

	// SavePosition replaces the saved position.
	SavePosition(ctx context.Context, pos Position) error

	// ClearPosition forgets the saved position.
	ClearPosition(ctx context.Context) error
}

// EnrichmentRepository defines the operations the enrichment loop needs.
type EnrichmentRepository interface {
	// PostsToEnrich returns up to limit URIs, posts with unknown creation
	// time first, then the least recently enriched.
	PostsToEnrich(ctx context.Context, limit int) ([]string, error)

	// CountUnenriched returns the number of posts never enriched.
	CountUnenriched(ctx context.Context) (int64, error)

	// UpdateEngagement applies a batch of engagement refreshes.
	UpdateEngagement(ctx context.Context, updates []EngagementUpdate) error

	// TouchEnriched marks posts as enriched at the given time without
	// changing their counters.
	TouchEnriched(ctx context.Context, uris []string, at time.Time) error

	// DeletePost removes a post by its AT-URI.
	DeletePost(ctx context.Context, uri string) error
}
