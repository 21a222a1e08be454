package domain

import "time"

// FeedSkeleton is the response body for getFeedSkeleton.
type FeedSkeleton struct {
	Cursor string
	Posts  []SkeletonPost
}

// SkeletonPost is a single entry in a feed skeleton.
type SkeletonPost struct {
	// Post is the AT-URI of the post.
	Post string
}

// FeedQuery asks the store for one ranked page.
//
// Pages are ordered by rank but walk indexed_at: a query with Before set
// only sees posts indexed strictly earlier, and the next cursor is the
// oldest indexed_at on the page. Seed feeds the shuffle term and must stay
// fixed across the pages of one traversal.
type FeedQuery struct {
	Limit int

	// Before is an indexed_at bound in unix seconds; zero means no bound.
	Before int64

	Seed int64

	// Now is the reference time for post age.
	Now time.Time
}

// FeedPage is one page of ranked post URIs.
type FeedPage struct {
	URIs []string

	// Next is the indexed_at cursor for the following page, valid only when
	// HasMore is set. A short page means the feed is exhausted.
	Next    int64
	HasMore bool
}
