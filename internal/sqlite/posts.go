package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/blackmichael/toronto-feed/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// UpsertPost inserts a post unless its URI is already indexed; a duplicate
// is a no-op and the first insert's values are kept. Every CompactEvery new
// rows the table is trimmed back to MaxPosts.
func (s *Store) UpsertPost(ctx context.Context, post *domain.Post) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (uri, cid, author_did, indexed_at, created_at,
			likes, reposts, quotes, replies, bookmarks, score, last_enriched)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uri) DO NOTHING`,
		post.URI,
		post.CID,
		post.AuthorDID,
		post.IndexedAt.Unix(),
		unixOrZero(post.CreatedAt),
		post.Likes,
		post.Reposts,
		post.Quotes,
		post.Replies,
		post.Bookmarks,
		post.Engagement.Score(),
		unixOrZero(post.LastEnriched),
	)
	if err != nil {
		return false, fmt.Errorf("insert post %s: %w", post.URI, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert post %s: rows affected: %w", post.URI, err)
	}
	if n == 0 {
		return false, nil
	}

	if s.inserts.Add(1) >= int64(s.opts.CompactEvery) {
		s.inserts.Store(0)
		if _, err := s.compact(ctx); err != nil {
			return true, fmt.Errorf("compact after insert: %w", err)
		}
	}
	return true, nil
}

// compact deletes every post indexed before the MaxPosts-th most recent one.
func (s *Store) compact(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM posts WHERE indexed_at < (
			SELECT indexed_at FROM posts
			ORDER BY indexed_at DESC
			LIMIT 1 OFFSET ?
		)`, s.opts.MaxPosts-1,
	)
	if err != nil {
		return 0, fmt.Errorf("delete excess posts: %w", err)
	}
	return res.RowsAffected()
}

// IncrementCounter bumps one counter and the score by the counter's weight
// in a single statement. Unknown URIs match no row and are ignored.
func (s *Store) IncrementCounter(ctx context.Context, uri string, counter domain.Counter) error {
	var query string
	switch counter {
	case domain.CounterLikes:
		query = `UPDATE posts SET likes = likes + 1, score = score + ? WHERE uri = ?`
	case domain.CounterReposts:
		query = `UPDATE posts SET reposts = reposts + 1, score = score + ? WHERE uri = ?`
	default:
		return fmt.Errorf("unsupported counter %s", counter)
	}

	if _, err := s.db.ExecContext(ctx, query, counter.Weight(), uri); err != nil {
		return fmt.Errorf("increment %s on %s: %w", counter, uri, err)
	}
	return nil
}

// DeletePost removes a post by URI.
func (s *Store) DeletePost(ctx context.Context, uri string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("delete post %s: %w", uri, err)
	}
	return nil
}

// FeedPage returns posts indexed strictly before q.Before (any, if zero),
// ordered by rank. The age in the rank uses the declared creation time when
// known and falls back to the index time. A next cursor is only produced
// for a full page; it is the oldest indexed_at on the page, so a traversal
// never repeats a post.
func (s *Store) FeedPage(ctx context.Context, q domain.FeedQuery) (domain.FeedPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)

	before := q.Before
	if before <= 0 {
		before = math.MaxInt64
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	r := s.opts.Ranking

	rows, err := s.db.QueryContext(ctx, `
		SELECT uri, indexed_at FROM (
			SELECT uri, indexed_at, score,
				MAX(0.0, (? - CASE WHEN created_at > 0 THEN created_at ELSE indexed_at END) / 3600.0) AS age_hours
			FROM posts
			WHERE indexed_at < ?
		)
		ORDER BY (score + ?) / (1.0 + ? * age_hours * age_hours) + ((? + length(uri) * ?) % ?) DESC,
			indexed_at DESC, uri DESC
		LIMIT ?`,
		now.Unix(), before, r.Base, r.Decay, q.Seed, r.ShuffleMult, r.ShuffleMod, limit,
	)
	if err != nil {
		return domain.FeedPage{}, fmt.Errorf("query feed (before=%d, limit=%d): %w", before, limit, err)
	}
	defer rows.Close()

	page := domain.FeedPage{URIs: make([]string, 0, limit)}
	oldest := int64(math.MaxInt64)
	for rows.Next() {
		var (
			uri       string
			indexedAt int64
		)
		if err := rows.Scan(&uri, &indexedAt); err != nil {
			return domain.FeedPage{}, fmt.Errorf("scan feed row: %w", err)
		}
		page.URIs = append(page.URIs, uri)
		oldest = min(oldest, indexedAt)
	}
	if err := rows.Err(); err != nil {
		return domain.FeedPage{}, fmt.Errorf("iterate feed rows: %w", err)
	}

	if len(page.URIs) == limit {
		page.Next = oldest
		page.HasMore = true
	}
	return page, nil
}

// CountPosts returns the number of stored posts.
func (s *Store) CountPosts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

// PostsToEnrich returns up to limit URIs: never-tried posts with an unknown
// creation time first, then least recently enriched. Once a post has been
// tried it waits its turn like any other, even if its creation time is
// still unknown.
func (s *Store) PostsToEnrich(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uri FROM posts
		ORDER BY (created_at = 0 AND last_enriched = 0) DESC, last_enriched ASC, indexed_at DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query posts to enrich: %w", err)
	}
	defer rows.Close()

	var uris []string
	for rows.Next() {
		var uri string
		if err := rows.Scan(&uri); err != nil {
			return nil, fmt.Errorf("scan uri: %w", err)
		}
		uris = append(uris, uri)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uris: %w", err)
	}
	return uris, nil
}

// CountUnenriched returns how many posts have never been enriched.
func (s *Store) CountUnenriched(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE last_enriched = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unenriched posts: %w", err)
	}
	return n, nil
}

// UpdateEngagement replaces the counters of a batch of posts, recomputes
// their scores and backfills unknown creation times, in one transaction.
func (s *Store) UpdateEngagement(ctx context.Context, updates []domain.EngagementUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE posts SET
				likes = ?, reposts = ?, quotes = ?, replies = ?, bookmarks = ?,
				score = ?, last_enriched = ?,
				created_at = CASE WHEN created_at = 0 THEN ? ELSE created_at END
			WHERE uri = ?`)
		if err != nil {
			return fmt.Errorf("prepare engagement update: %w", err)
		}
		defer stmt.Close()

		for _, u := range updates {
			_, err := stmt.ExecContext(ctx,
				u.Likes, u.Reposts, u.Quotes, u.Replies, u.Bookmarks,
				u.Engagement.Score(), unixOrZero(u.EnrichedAt),
				unixOrZero(u.CreatedAt),
				u.URI,
			)
			if err != nil {
				return fmt.Errorf("update engagement of %s: %w", u.URI, err)
			}
		}
		return nil
	})
}

// TouchEnriched stamps last_enriched without changing counters.
func (s *Store) TouchEnriched(ctx context.Context, uris []string, at time.Time) error {
	if len(uris) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE posts SET last_enriched = ? WHERE uri = ?`)
		if err != nil {
			return fmt.Errorf("prepare touch: %w", err)
		}
		defer stmt.Close()

		for _, uri := range uris {
			if _, err := stmt.ExecContext(ctx, at.Unix(), uri); err != nil {
				return fmt.Errorf("touch %s: %w", uri, err)
			}
		}
		return nil
	})
}
