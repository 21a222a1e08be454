package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for feed cursors that do not parse.
var ErrInvalidCursor = errors.New("invalid cursor")

// FeedCursor is the client-visible pagination token "<indexed_at>:<seed>".
type FeedCursor struct {
	IndexedAt int64
	Seed      int64
}

func (c FeedCursor) String() string {
	return fmt.Sprintf("%d:%d", c.IndexedAt, c.Seed)
}

// ParseFeedCursor parses a cursor produced by FeedCursor.String.
func ParseFeedCursor(s string) (FeedCursor, error) {
	ts, seed, ok := strings.Cut(s, ":")
	if !ok {
		return FeedCursor{}, fmt.Errorf("%w: %q must be in format 'timestamp:seed'", ErrInvalidCursor, s)
	}
	indexedAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || indexedAt <= 0 {
		return FeedCursor{}, fmt.Errorf("%w: bad timestamp in %q", ErrInvalidCursor, s)
	}
	seedVal, err := strconv.ParseInt(seed, 10, 64)
	if err != nil || seedVal < 0 {
		return FeedCursor{}, fmt.Errorf("%w: bad seed in %q", ErrInvalidCursor, s)
	}
	return FeedCursor{IndexedAt: indexedAt, Seed: seedVal}, nil
}
