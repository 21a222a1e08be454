package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/toronto-feed/internal/domain"
)

// ErrNotFound is returned by GetPost for unknown URIs.
var ErrNotFound = errors.New("post not found")

// GetPost loads a single post.
func (s *Store) GetPost(ctx context.Context, uri string) (*domain.Post, error) {
	var (
		p                                   domain.Post
		indexedAt, createdAt, lastEnriched int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uri, cid, author_did, indexed_at, created_at,
			likes, reposts, quotes, replies, bookmarks, score, last_enriched
		FROM posts WHERE uri = ?`, uri,
	).Scan(
		&p.URI, &p.CID, &p.AuthorDID, &indexedAt, &createdAt,
		&p.Likes, &p.Reposts, &p.Quotes, &p.Replies, &p.Bookmarks, &p.Score, &lastEnriched,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("get post %s: %w", uri, err)
	}

	p.IndexedAt = time.Unix(indexedAt, 0).UTC()
	p.CreatedAt = timeOrZero(createdAt)
	p.LastEnriched = timeOrZero(lastEnriched)
	return &p, nil
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
