package sqlite

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackmichael/toronto-feed/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "posts.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPost(i int) *domain.Post {
	return &domain.Post{
		URI:       fmt.Sprintf("at://did:plc:author/app.bsky.feed.post/%04d", i),
		CID:       fmt.Sprintf("bafy%04d", i),
		AuthorDID: "did:plc:author",
		IndexedAt: base.Add(time.Duration(i) * time.Second),
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posts.db")
	ctx := context.Background()

	s1, err := Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	_, err = s1.UpsertPost(ctx, testPost(1))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.CountPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpen_RejectsBadOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.Ranking.ShuffleMod = 0
	_, err := Open(context.Background(), filepath.Join(t.TempDir(), "posts.db"), opts)
	assert.Error(t, err)
}

func TestUpsertPost_Idempotent(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	first := testPost(1)
	first.CreatedAt = base.Add(-time.Minute)
	inserted, err := s.UpsertPost(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := testPost(1)
	second.CID = "bafydifferent"
	second.IndexedAt = base.Add(time.Hour)
	second.Likes = 9
	inserted, err = s.UpsertPost(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := s.CountPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetPost(ctx, first.URI)
	require.NoError(t, err)
	assert.Equal(t, "bafy0001", got.CID)
	assert.Equal(t, base.Add(time.Second), got.IndexedAt)
	assert.Equal(t, first.CreatedAt, got.CreatedAt)
	assert.Equal(t, int64(0), got.Likes)
	assert.Equal(t, int64(0), got.Score)
	assert.True(t, got.LastEnriched.IsZero())
}

func TestUpsertPost_ComputesScore(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	p := testPost(1)
	p.Engagement = domain.Engagement{Likes: 3, Reposts: 2, Quotes: 1, Replies: 4, Bookmarks: 1}
	p.LastEnriched = base
	_, err := s.UpsertPost(ctx, p)
	require.NoError(t, err)

	got, err := s.GetPost(ctx, p.URI)
	require.NoError(t, err)
	assert.Equal(t, int64(3+4+3+4+1), got.Score)
	assert.Equal(t, base, got.LastEnriched)
}

func TestUpsertPost_CapacityCompaction(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPosts = 10
	opts.CompactEvery = 5
	s := openTestStore(t, opts)
	ctx := context.Background()

	for i := 0; i < 27; i++ {
		_, err := s.UpsertPost(ctx, testPost(i))
		require.NoError(t, err)
	}

	// The last compaction ran on the 25th insert and kept posts 15..24; two
	// more arrived since.
	n, err := s.CountPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.LessOrEqual(t, n, int64(opts.MaxPosts+opts.CompactEvery))

	_, err = s.GetPost(ctx, testPost(14).URI)
	assert.ErrorIs(t, err, ErrNotFound)
	for i := 15; i < 27; i++ {
		_, err := s.GetPost(ctx, testPost(i).URI)
		assert.NoError(t, err, "post %d should be retained", i)
	}
}

func TestUpsertPost_DuplicatesDoNotTriggerCompaction(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPosts = 1
	opts.CompactEvery = 2
	s := openTestStore(t, opts)
	ctx := context.Background()

	_, err := s.UpsertPost(ctx, testPost(1))
	require.NoError(t, err)
	_, err = s.UpsertPost(ctx, testPost(1))
	require.NoError(t, err)

	_, err = s.GetPost(ctx, testPost(1).URI)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), s.inserts.Load())
}

func TestIncrementCounter(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	p := testPost(1)
	_, err := s.UpsertPost(ctx, p)
	require.NoError(t, err)

	require.NoError(t, s.IncrementCounter(ctx, p.URI, domain.CounterLikes))
	require.NoError(t, s.IncrementCounter(ctx, p.URI, domain.CounterLikes))
	require.NoError(t, s.IncrementCounter(ctx, p.URI, domain.CounterReposts))

	got, err := s.GetPost(ctx, p.URI)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Likes)
	assert.Equal(t, int64(1), got.Reposts)
	assert.Equal(t, int64(4), got.Score)
}

func TestIncrementCounter_UnknownTargetIsNoop(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, s.IncrementCounter(ctx, "at://did:plc:nobody/app.bsky.feed.post/zzz", domain.CounterLikes))

	n, err := s.CountPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDeletePost(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	p := testPost(1)
	_, err := s.UpsertPost(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.DeletePost(ctx, p.URI))

	_, err = s.GetPost(ctx, p.URI)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFeedPage_OlderPostRanksLower(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()
	now := base.Add(48 * time.Hour)

	// Same score and same URI length, so the shuffle terms are equal.
	fresh := testPost(1)
	fresh.IndexedAt = now
	fresh.CreatedAt = now.Add(-time.Hour)
	stale := testPost(2)
	stale.IndexedAt = now
	stale.CreatedAt = now.Add(-6 * time.Hour)
	for _, p := range []*domain.Post{stale, fresh} {
		_, err := s.UpsertPost(ctx, p)
		require.NoError(t, err)
	}

	for seed := int64(0); seed < 5; seed++ {
		page, err := s.FeedPage(ctx, domain.FeedQuery{Limit: 10, Seed: seed, Now: now.Add(time.Second)})
		require.NoError(t, err)
		assert.Equal(t, []string{fresh.URI, stale.URI}, page.URIs, "seed %d", seed)
	}
}

func TestFeedPage_EngagementLiftsOlderPost(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()
	now := base.Add(48 * time.Hour)

	fresh := testPost(1)
	fresh.IndexedAt = now
	fresh.CreatedAt = now.Add(-time.Hour)
	popular := testPost(2)
	popular.IndexedAt = now.Add(-3 * time.Hour)
	popular.Engagement = domain.Engagement{Likes: 200, Reposts: 50}
	for _, p := range []*domain.Post{fresh, popular} {
		_, err := s.UpsertPost(ctx, p)
		require.NoError(t, err)
	}

	page, err := s.FeedPage(ctx, domain.FeedQuery{Limit: 10, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{popular.URI, fresh.URI}, page.URIs)
}

func TestFeedPage_PaginationCoversEverything(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	const total = 120
	for i := 0; i < total; i++ {
		_, err := s.UpsertPost(ctx, testPost(i))
		require.NoError(t, err)
	}

	now := base.Add(time.Hour)
	seen := map[string]bool{}
	var before int64
	for pages := 0; ; pages++ {
		require.Less(t, pages, total, "pagination did not terminate")

		page, err := s.FeedPage(ctx, domain.FeedQuery{Limit: 50, Before: before, Seed: 11, Now: now})
		require.NoError(t, err)
		for _, uri := range page.URIs {
			assert.False(t, seen[uri], "duplicate %s", uri)
			seen[uri] = true
		}
		if !page.HasMore {
			assert.Less(t, len(page.URIs), 50)
			break
		}
		before = page.Next
	}
	assert.Len(t, seen, total)
}

func TestFeedPage_PaginationNeverRepeats(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		p := testPost(i)
		p.URI = fmt.Sprintf("at://did:plc:author/app.bsky.feed.post/%d", i)
		p.IndexedAt = base.Add(time.Duration(i) * time.Minute)
		p.Likes = rng.Int64N(50)
		_, err := s.UpsertPost(ctx, p)
		require.NoError(t, err)
	}

	now := base.Add(200 * time.Minute)
	seen := map[string]bool{}
	var before int64
	for pages := 0; ; pages++ {
		require.Less(t, pages, 200, "pagination did not terminate")

		page, err := s.FeedPage(ctx, domain.FeedQuery{Limit: 30, Before: before, Seed: 5, Now: now})
		require.NoError(t, err)
		for _, uri := range page.URIs {
			require.False(t, seen[uri], "duplicate %s", uri)
			seen[uri] = true
		}
		if !page.HasMore {
			break
		}
		require.True(t, before == 0 || page.Next < before, "cursor must move backwards")
		before = page.Next
	}
}

func TestFeedPage_ShortPageHasNoCursor(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.UpsertPost(ctx, testPost(i))
		require.NoError(t, err)
	}

	page, err := s.FeedPage(ctx, domain.FeedQuery{Limit: 5, Now: base})
	require.NoError(t, err)
	assert.Len(t, page.URIs, 3)
	assert.False(t, page.HasMore)

	page, err = s.FeedPage(ctx, domain.FeedQuery{Limit: 3, Now: base})
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	assert.Equal(t, testPost(0).IndexedAt.Unix(), page.Next)
}

func TestFeedPage_LimitClamped(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 105; i++ {
		_, err := s.UpsertPost(ctx, testPost(i))
		require.NoError(t, err)
	}

	page, err := s.FeedPage(ctx, domain.FeedQuery{Limit: 1000, Now: base})
	require.NoError(t, err)
	assert.Len(t, page.URIs, maxPageSize)

	page, err = s.FeedPage(ctx, domain.FeedQuery{Now: base})
	require.NoError(t, err)
	assert.Len(t, page.URIs, defaultPageSize)
}

func TestUpdateEngagement(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	unknown := testPost(1)
	known := testPost(2)
	known.CreatedAt = base.Add(-time.Hour)
	for _, p := range []*domain.Post{unknown, known} {
		_, err := s.UpsertPost(ctx, p)
		require.NoError(t, err)
	}

	enrichedAt := base.Add(time.Hour)
	declared := base.Add(-30 * time.Minute)
	err := s.UpdateEngagement(ctx, []domain.EngagementUpdate{
		{URI: unknown.URI, Engagement: domain.Engagement{Likes: 5, Reposts: 1, Quotes: 1, Replies: 2, Bookmarks: 3}, CreatedAt: declared, EnrichedAt: enrichedAt},
		{URI: known.URI, Engagement: domain.Engagement{Likes: 1}, CreatedAt: declared, EnrichedAt: enrichedAt},
		{URI: "at://did:plc:ghost/app.bsky.feed.post/x", Engagement: domain.Engagement{Likes: 1}, EnrichedAt: enrichedAt},
	})
	require.NoError(t, err)

	got, err := s.GetPost(ctx, unknown.URI)
	require.NoError(t, err)
	assert.Equal(t, domain.Engagement{Likes: 5, Reposts: 1, Quotes: 1, Replies: 2, Bookmarks: 3}, got.Engagement)
	assert.Equal(t, int64(5+2+3+2+3), got.Score)
	assert.Equal(t, declared, got.CreatedAt)
	assert.Equal(t, enrichedAt, got.LastEnriched)

	got, err = s.GetPost(ctx, known.URI)
	require.NoError(t, err)
	assert.Equal(t, known.CreatedAt, got.CreatedAt, "known creation time is never overwritten")
	assert.Equal(t, int64(1), got.Score)

	n, err := s.CountPosts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPostsToEnrich_Priority(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	recent := testPost(1)
	recent.CreatedAt = base
	recent.LastEnriched = base.Add(2 * time.Hour)
	older := testPost(2)
	older.CreatedAt = base
	older.LastEnriched = base.Add(time.Hour)
	noCreated := testPost(3)
	triedNoCreated := testPost(4)
	triedNoCreated.LastEnriched = base.Add(5 * time.Hour)
	for _, p := range []*domain.Post{recent, older, noCreated, triedNoCreated} {
		_, err := s.UpsertPost(ctx, p)
		require.NoError(t, err)
	}

	uris, err := s.PostsToEnrich(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{noCreated.URI, older.URI, recent.URI, triedNoCreated.URI}, uris)

	uris, err = s.PostsToEnrich(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{noCreated.URI}, uris)
}

func TestPostsToEnrich_UnknownCreationTimeDoesNotStarveQueue(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	// gone never comes back from the AppView, so its creation time stays
	// unknown no matter how often it is tried.
	gone := testPost(1)
	normal := testPost(2)
	normal.CreatedAt = base
	normal.LastEnriched = base
	for _, p := range []*domain.Post{gone, normal} {
		_, err := s.UpsertPost(ctx, p)
		require.NoError(t, err)
	}

	var picked []string
	for pass := 1; pass <= 3; pass++ {
		uris, err := s.PostsToEnrich(ctx, 1)
		require.NoError(t, err)
		require.Len(t, uris, 1)
		picked = append(picked, uris[0])
		require.NoError(t, s.TouchEnriched(ctx, uris, base.Add(time.Duration(pass)*time.Hour)))
	}

	assert.Equal(t, []string{gone.URI, normal.URI, gone.URI}, picked)
}

func TestCountUnenrichedAndTouch(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.UpsertPost(ctx, testPost(i))
		require.NoError(t, err)
	}

	n, err := s.CountUnenriched(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.TouchEnriched(ctx, []string{testPost(0).URI, testPost(1).URI}, base))

	n, err = s.CountUnenriched(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetPost(ctx, testPost(0).URI)
	require.NoError(t, err)
	assert.Equal(t, base, got.LastEnriched)
}

func TestPosition(t *testing.T) {
	s := openTestStore(t, DefaultOptions())
	ctx := context.Background()

	_, ok, err := s.LoadPosition(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SavePosition(ctx, domain.Position{Seq: 100, UpdatedAt: base}))
	require.NoError(t, s.SavePosition(ctx, domain.Position{Seq: 250, UpdatedAt: base.Add(time.Minute)}))

	pos, ok, err := s.LoadPosition(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.Position{Seq: 250, UpdatedAt: base.Add(time.Minute)}, pos)

	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metadata`).Scan(&rows))
	assert.Equal(t, 2, rows, "position is overwritten, never appended")

	require.NoError(t, s.ClearPosition(ctx))
	_, ok, err = s.LoadPosition(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeparateStoresShareFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "posts.db")
	ctx := context.Background()

	writer, err := Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	defer writer.Close()
	reader, err := Open(ctx, path, DefaultOptions())
	require.NoError(t, err)
	defer reader.Close()

	_, err = writer.UpsertPost(ctx, testPost(1))
	require.NoError(t, err)

	page, err := reader.FeedPage(ctx, domain.FeedQuery{Limit: 10, Now: base})
	require.NoError(t, err)
	assert.Equal(t, []string{testPost(1).URI}, page.URIs)
}
