package firehose

import (
	"fmt"
	"strings"
	"time"

	"github.com/blackmichael/toronto-feed/internal/domain"
	"github.com/fxamacker/cbor/v2"
)

const (
	collectionPost   = "app.bsky.feed.post"
	collectionLike   = "app.bsky.feed.like"
	collectionRepost = "app.bsky.feed.repost"

	featureTag     = "app.bsky.richtext.facet#tag"
	featureHashtag = "app.bsky.richtext.facet#hashtag"
	featureLink    = "app.bsky.richtext.facet#link"

	embedRecord          = "app.bsky.embed.record"
	embedRecordWithMedia = "app.bsky.embed.recordWithMedia"
	embedVideo           = "app.bsky.embed.video"
)

// postRecord is the parsed content of an app.bsky.feed.post record.
type postRecord struct {
	Text      string      `cbor:"text"`
	CreatedAt string      `cbor:"createdAt"`
	Langs     []string    `cbor:"langs"`
	Facets    []facet     `cbor:"facets"`
	Embed     *embed      `cbor:"embed"`
	Labels    *selfLabels `cbor:"labels"`
}

// facet is a rich-text annotation; only the feature list matters here.
type facet struct {
	Features []feature `cbor:"features"`
}

type feature struct {
	Type string `cbor:"$type"`
	Tag  string `cbor:"tag"`
	URI  string `cbor:"uri"`
}

// strongRef is a reference to a specific version of a record.
type strongRef struct {
	URI string `cbor:"uri"`
	CID string `cbor:"cid"`
}

// embed covers the embed variants the filter looks into. Record holds a
// strongRef for plain quotes and a {record: strongRef} wrapper for quotes
// with media, so it is decoded lazily.
type embed struct {
	Type   string          `cbor:"$type"`
	Record cbor.RawMessage `cbor:"record"`
	Alt    string          `cbor:"alt"`
	Media  *embed          `cbor:"media"`
}

type selfLabels struct {
	Values []struct {
		Val string `cbor:"val"`
	} `cbor:"values"`
}

// subjectRecord is the shared shape of likes and reposts.
type subjectRecord struct {
	Subject   strongRef  `cbor:"subject"`
	CreatedAt string     `cbor:"createdAt"`
	Via       *strongRef `cbor:"via"`
}

// DecodePost decodes a post record and converts it to the filter's input.
// uri and cid identify the record; author is the repository DID.
func DecodePost(data []byte, uri, cid, author string) (*domain.IncomingPost, error) {
	var rec postRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode post %s: %w", uri, err)
	}

	incoming := &domain.IncomingPost{
		URI:       uri,
		CID:       cid,
		AuthorDID: author,
		Text:      rec.Text,
		Langs:     rec.Langs,
		CreatedAt: parseTimestamp(rec.CreatedAt),
	}

	for _, f := range rec.Facets {
		for _, feat := range f.Features {
			switch feat.Type {
			case featureTag, featureHashtag:
				incoming.Tags = append(incoming.Tags, feat.Tag)
			case featureLink:
				incoming.Links = append(incoming.Links, feat.URI)
			}
		}
	}

	if rec.Embed != nil {
		incoming.QuotedURI = rec.Embed.quotedURI()
		incoming.VideoAlt = rec.Embed.videoAlt()
	}

	if rec.Labels != nil {
		for _, v := range rec.Labels.Values {
			incoming.Labels = append(incoming.Labels, v.Val)
		}
	}

	return incoming, nil
}

// DecodeLike returns the URI of the post a like record points at.
func DecodeLike(data []byte) (string, error) {
	return decodeSubject(data, "like")
}

// DecodeRepost returns the URI of the post a repost record points at.
func DecodeRepost(data []byte) (string, error) {
	return decodeSubject(data, "repost")
}

func decodeSubject(data []byte, kind string) (string, error) {
	var rec subjectRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("decode %s: %w", kind, err)
	}
	if rec.Subject.URI == "" {
		return "", fmt.Errorf("decode %s: missing subject", kind)
	}
	return rec.Subject.URI, nil
}

func (e *embed) quotedURI() string {
	switch e.Type {
	case embedRecord:
		var ref strongRef
		if len(e.Record) > 0 && cbor.Unmarshal(e.Record, &ref) == nil {
			return ref.URI
		}
	case embedRecordWithMedia:
		var wrapper struct {
			Record strongRef `cbor:"record"`
		}
		if len(e.Record) > 0 && cbor.Unmarshal(e.Record, &wrapper) == nil {
			return wrapper.Record.URI
		}
	}
	return ""
}

func (e *embed) videoAlt() string {
	switch e.Type {
	case embedVideo:
		return e.Alt
	case embedRecordWithMedia:
		if e.Media != nil && e.Media.Type == embedVideo {
			return e.Media.Alt
		}
	}
	return ""
}

// parseTimestamp parses an author-declared RFC 3339 timestamp, returning the
// zero time when it is missing or malformed.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// collectionOf returns the collection NSID of a repo op path.
func collectionOf(path string) string {
	collection, _, _ := strings.Cut(path, "/")
	return collection
}
