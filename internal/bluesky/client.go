package bluesky

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultPDS = "https://bsky.social"

	// DefaultSearchURL is the lowercase searchposts alias; the CDN in front
	// of the canonical searchPosts path drops the cursor parameter.
	DefaultSearchURL = "https://api.bsky.app/xrpc/app.bsky.feed.searchposts"

	// DefaultAppViewURL is the unauthenticated public AppView.
	DefaultAppViewURL = "https://public.api.bsky.app"
)

// Client is a minimal BlueSky/AT Protocol API client. It manages feed
// generator records on the PDS and reads public post data from the AppView.
type Client struct {
	pds        string
	searchURL  string
	appViewURL string
	httpClient *http.Client

	// populated after Login
	accessJwt string
	did       string
}

// Option configures a Client.
type Option func(*Client)

// WithSearchURL overrides the full post search endpoint URL.
func WithSearchURL(u string) Option {
	return func(c *Client) { c.searchURL = u }
}

// WithAppViewURL overrides the AppView base URL used by GetPosts.
func WithAppViewURL(u string) Option {
	return func(c *Client) { c.appViewURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client. An empty pds means https://bsky.social; the
// PDS is only needed for Login and the record writes.
func NewClient(pds string, opts ...Option) *Client {
	if pds == "" {
		pds = defaultPDS
	}
	c := &Client{
		pds:        pds,
		searchURL:  DefaultSearchURL,
		appViewURL: DefaultAppViewURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates with the PDS and stores the session token. Use an App
// Password, not your account password.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	body := map[string]string{
		"identifier": identifier,
		"password":   password,
	}

	var resp createSessionResponse
	if err := c.post(ctx, "/xrpc/com.atproto.server.createSession", body, &resp); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.accessJwt = resp.AccessJwt
	c.did = resp.DID
	return nil
}

// DID returns the authenticated user's DID. Only valid after Login.
func (c *Client) DID() string {
	return c.did
}

// BlobRef represents an AT Protocol blob reference for uploaded content.
type BlobRef struct {
	Type string `json:"$type"`
	Ref  struct {
		Link string `json:"$link"`
	} `json:"ref"`
	MimeType string `json:"mimeType"`
	Size     int    `json:"size"`
}

// FeedGeneratorRecord is the record body for app.bsky.feed.generator.
type FeedGeneratorRecord struct {
	DID         string   `json:"did"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description,omitempty"`
	Avatar      *BlobRef `json:"avatar,omitempty"`
	CreatedAt   string   `json:"createdAt"`
}

const generatorCollection = "app.bsky.feed.generator"

var errNoSession = errors.New("not authenticated: call Login first")

// PublishFeedGenerator creates or updates a feed generator record in the
// authenticated user's repo via com.atproto.repo.putRecord.
func (c *Client) PublishFeedGenerator(ctx context.Context, rkey string, record FeedGeneratorRecord) error {
	if c.accessJwt == "" {
		return errNoSession
	}

	body := recordRequest{Repo: c.did, Collection: generatorCollection, RKey: rkey, Record: record}
	if err := c.post(ctx, "/xrpc/com.atproto.repo.putRecord", body, nil); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// UnpublishFeedGenerator deletes a feed generator record via
// com.atproto.repo.deleteRecord.
func (c *Client) UnpublishFeedGenerator(ctx context.Context, rkey string) error {
	if c.accessJwt == "" {
		return errNoSession
	}

	body := recordRequest{Repo: c.did, Collection: generatorCollection, RKey: rkey}
	if err := c.post(ctx, "/xrpc/com.atproto.repo.deleteRecord", body, nil); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// UploadBlob uploads raw image bytes and returns a reference to put in a
// record. The PDS drops blobs no record references within a few hours.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (*BlobRef, error) {
	if c.accessJwt == "" {
		return nil, errNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pds+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)

	var resp struct {
		Blob BlobRef `json:"blob"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	return &resp.Blob, nil
}

// post sends body as JSON to an XRPC procedure on the PDS.
func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pds+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

// get calls an XRPC query. Queries go to public hosts, so no session token
// is attached.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, result)
}

// do sends req and decodes a 2xx JSON body into result, which may be nil.
// Any other status becomes a *StatusError.
func (c *Client) do(req *http.Request, result any) error {
	if c.accessJwt != "" && req.URL.Host == c.pdsHost() {
		req.Header.Set("Authorization", "Bearer "+c.accessJwt)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	if result == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) pdsHost() string {
	u, err := url.Parse(c.pds)
	if err != nil {
		return ""
	}
	return u.Host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type createSessionResponse struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
	Handle    string `json:"handle"`
}

// recordRequest is the body of putRecord and deleteRecord.
type recordRequest struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	RKey       string `json:"rkey"`
	Record     any    `json:"record,omitempty"`
}
