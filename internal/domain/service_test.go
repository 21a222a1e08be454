package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeed = "at://did:plc:publisher/app.bsky.feed.generator/toronto"

type fakeReader struct {
	queries []FeedQuery
	page    FeedPage
	err     error
}

func (f *fakeReader) FeedPage(_ context.Context, q FeedQuery) (FeedPage, error) {
	f.queries = append(f.queries, q)
	return f.page, f.err
}

func newTestService(repo FeedReader) *FeedService {
	s := NewFeedService(testFeed, repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	s.newSeed = func() int64 { return 42 }
	return s
}

func TestGetFeedSkeleton_FirstPageGetsFreshSeed(t *testing.T) {
	repo := &fakeReader{page: FeedPage{
		URIs:    []string{"at://a/app.bsky.feed.post/1", "at://b/app.bsky.feed.post/2"},
		Next:    1_699_999_000,
		HasMore: true,
	}}
	s := newTestService(repo)

	sk, err := s.GetFeedSkeleton(context.Background(), testFeed, 2, "")
	require.NoError(t, err)

	require.Len(t, repo.queries, 1)
	assert.Equal(t, FeedQuery{Limit: 2, Seed: 42, Now: time.Unix(1_700_000_000, 0)}, repo.queries[0])
	assert.Equal(t, []SkeletonPost{{Post: "at://a/app.bsky.feed.post/1"}, {Post: "at://b/app.bsky.feed.post/2"}}, sk.Posts)
	assert.Equal(t, "1699999000:42", sk.Cursor)
}

func TestGetFeedSkeleton_CursorCarriesSeed(t *testing.T) {
	repo := &fakeReader{page: FeedPage{URIs: []string{"at://a/app.bsky.feed.post/1"}}}
	s := newTestService(repo)

	sk, err := s.GetFeedSkeleton(context.Background(), testFeed, 0, "1699999000:7")
	require.NoError(t, err)

	require.Len(t, repo.queries, 1)
	assert.Equal(t, int64(1_699_999_000), repo.queries[0].Before)
	assert.Equal(t, int64(7), repo.queries[0].Seed)
	assert.Equal(t, defaultPageSize, repo.queries[0].Limit)
	assert.Empty(t, sk.Cursor, "short page must not emit a cursor")
}

func TestGetFeedSkeleton_ClampsLimit(t *testing.T) {
	repo := &fakeReader{}
	s := newTestService(repo)

	_, err := s.GetFeedSkeleton(context.Background(), testFeed, 500, "")
	require.NoError(t, err)
	assert.Equal(t, maxPageSize, repo.queries[0].Limit)
}

func TestGetFeedSkeleton_InvalidCursor(t *testing.T) {
	s := newTestService(&fakeReader{})

	for _, c := range []string{"abc", "123", "123:x", "x:1", "-5:1", "10:-1"} {
		_, err := s.GetFeedSkeleton(context.Background(), testFeed, 10, c)
		assert.ErrorIs(t, err, ErrInvalidCursor, "cursor %q", c)
	}
}

func TestGetFeedSkeleton_UnknownFeed(t *testing.T) {
	s := newTestService(&fakeReader{})

	_, err := s.GetFeedSkeleton(context.Background(), "at://did:plc:other/app.bsky.feed.generator/x", 10, "")
	assert.ErrorIs(t, err, ErrUnknownFeed)
}

func TestGetFeedSkeleton_StoreErrorServesEmptyPage(t *testing.T) {
	s := newTestService(&fakeReader{err: errors.New("database is locked")})

	sk, err := s.GetFeedSkeleton(context.Background(), testFeed, 10, "")
	require.NoError(t, err)
	assert.Empty(t, sk.Posts)
	assert.Empty(t, sk.Cursor)
}

func TestFeedCursorRoundTrip(t *testing.T) {
	c := FeedCursor{IndexedAt: 1_700_000_123, Seed: 99}
	parsed, err := ParseFeedCursor(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestEngagementScore(t *testing.T) {
	e := Engagement{Likes: 4, Reposts: 3, Quotes: 2, Replies: 5, Bookmarks: 1}
	assert.Equal(t, int64(4+6+6+5+1), e.Score())
	assert.Equal(t, int64(0), Engagement{}.Score())
}

func TestPositionStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	maxAge := 72 * time.Hour

	assert.False(t, Position{Seq: 1, UpdatedAt: now.Add(-time.Hour)}.Stale(now, maxAge))
	assert.True(t, Position{Seq: 1, UpdatedAt: now.Add(-73 * time.Hour)}.Stale(now, maxAge))
}
