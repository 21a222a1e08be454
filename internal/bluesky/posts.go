package bluesky

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// SearchPageSize is the most results searchPosts returns per page.
	SearchPageSize = 100

	// MaxGetPosts is the most URIs getPosts accepts in one call.
	MaxGetPosts = 25
)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the status signals throttling. The public
// AppView answers 403 as well as 429 when a client searches too fast.
func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusForbidden
}

// PostView is the hydrated post returned by searchPosts and getPosts. Only
// the fields the feed uses are decoded.
type PostView struct {
	URI    string `json:"uri"`
	CID    string `json:"cid"`
	Author struct {
		DID string `json:"did"`
	} `json:"author"`
	Record struct {
		Text      string `json:"text"`
		CreatedAt string `json:"createdAt"`
	} `json:"record"`
	LikeCount     int64   `json:"likeCount"`
	RepostCount   int64   `json:"repostCount"`
	QuoteCount    int64   `json:"quoteCount"`
	ReplyCount    int64   `json:"replyCount"`
	BookmarkCount int64   `json:"bookmarkCount"`
	Labels        []Label `json:"labels"`
}

// Label is a moderation label attached to a post view.
type Label struct {
	Val string `json:"val"`
}

// CreatedAt parses the record's declared creation time, returning the zero
// time if it is missing or malformed.
func (p *PostView) CreatedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, p.Record.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// SearchParams selects one page of search results.
type SearchParams struct {
	Query  string
	Since  time.Time
	Until  time.Time
	Cursor string

	// Limit defaults to SearchPageSize.
	Limit int
}

// SearchResult is one page of search results. An empty Cursor means there
// are no further pages.
type SearchResult struct {
	Posts  []PostView `json:"posts"`
	Cursor string     `json:"cursor"`
}

// SearchPosts runs one top-sorted search query. A rate-limited response is
// returned as a *StatusError.
func (c *Client) SearchPosts(ctx context.Context, p SearchParams) (*SearchResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = SearchPageSize
	}

	q := url.Values{}
	q.Set("q", p.Query)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "top")
	if !p.Since.IsZero() {
		q.Set("since", p.Since.UTC().Format(time.RFC3339))
	}
	if !p.Until.IsZero() {
		q.Set("until", p.Until.UTC().Format(time.RFC3339))
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}

	var result SearchResult
	if err := c.get(ctx, c.searchURL, q, &result); err != nil {
		return nil, fmt.Errorf("search posts %q: %w", p.Query, err)
	}
	return &result, nil
}

// GetPosts hydrates up to MaxGetPosts posts by AT-URI. Posts that were
// deleted or are otherwise unavailable are simply absent from the result.
func (c *Client) GetPosts(ctx context.Context, uris []string) ([]PostView, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	if len(uris) > MaxGetPosts {
		return nil, fmt.Errorf("get posts: %d uris exceeds the limit of %d", len(uris), MaxGetPosts)
	}

	q := url.Values{"uris": uris}

	var resp struct {
		Posts []PostView `json:"posts"`
	}
	if err := c.get(ctx, c.appViewURL+"/xrpc/app.bsky.feed.getPosts", q, &resp); err != nil {
		return nil, fmt.Errorf("get posts: %w", err)
	}
	return resp.Posts, nil
}
