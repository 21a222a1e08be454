package domain

import (
	"fmt"
	"time"
)

// Post represents an indexed post stored in our database.
type Post struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of the record at index time.
	CID string

	// AuthorDID is the DID of the repository the post lives in.
	AuthorDID string

	// IndexedAt is when we indexed this post.
	IndexedAt time.Time

	// CreatedAt is the author-declared creation time. The zero value means
	// unknown; enrichment fills it in later.
	CreatedAt time.Time

	Engagement

	// Score is the weighted engagement sum, maintained by the store.
	Score int64

	// LastEnriched is when engagement was last refreshed; zero means never.
	LastEnriched time.Time
}

// Engagement holds the public interaction counters of a post.
type Engagement struct {
	Likes     int64
	Reposts   int64
	Quotes    int64
	Replies   int64
	Bookmarks int64
}

// Score weights amplification (reposts, quotes) above likes and replies.
func (e Engagement) Score() int64 {
	return e.Likes + 2*e.Reposts + 3*e.Quotes + e.Replies + e.Bookmarks
}

// Counter identifies an engagement counter that the firehose can bump
// incrementally.
type Counter int

const (
	CounterLikes Counter = iota
	CounterReposts
)

// Weight is the counter's contribution to Score per event.
func (c Counter) Weight() int64 {
	switch c {
	case CounterReposts:
		return 2
	default:
		return 1
	}
}

func (c Counter) String() string {
	switch c {
	case CounterLikes:
		return "likes"
	case CounterReposts:
		return "reposts"
	default:
		return fmt.Sprintf("counter(%d)", int(c))
	}
}

// EngagementUpdate is one row of a bulk engagement refresh.
type EngagementUpdate struct {
	URI string
	Engagement

	// CreatedAt backfills an unknown creation time; zero leaves it alone.
	CreatedAt time.Time

	EnrichedAt time.Time
}

// Position is the resumable ingestion checkpoint.
type Position struct {
	// Seq is the last processed firehose sequence number.
	Seq int64

	// UpdatedAt is the wall-clock time the checkpoint was written.
	UpdatedAt time.Time
}

// Stale reports whether the checkpoint is too old to resume from.
func (p Position) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(p.UpdatedAt) > maxAge
}

// IncomingPost represents a new post from the firehose that hasn't been
// persisted yet. It carries the text and metadata needed for matching.
type IncomingPost struct {
	// URI is the AT-URI of the post.
	URI string

	// CID is the content identifier of the record.
	CID string

	// AuthorDID is the DID of the post's author.
	AuthorDID string

	// Text is the post body text used for keyword matching.
	Text string

	// Langs is the list of language tags set by the author's client.
	Langs []string

	// Tags and Links come from the post's rich-text facets.
	Tags  []string
	Links []string

	// VideoAlt is the alt text of an embedded video, if any.
	VideoAlt string

	// QuotedURI is the AT-URI of a quoted post, if any.
	QuotedURI string

	// Labels are the self-applied content labels.
	Labels []string

	// CreatedAt is the author-declared creation time; zero if unparseable.
	CreatedAt time.Time
}

// PostURI builds the AT-URI of a record from its repository DID and the
// "<collection>/<rkey>" path carried by a repo operation.
func PostURI(repo, path string) string {
	return "at://" + repo + "/" + path
}
