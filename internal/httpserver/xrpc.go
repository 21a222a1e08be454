package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/blackmichael/toronto-feed/internal/domain"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// Response bodies. Fields are declared in key order so encoded bodies are
// stable.

type didDocument struct {
	Context []string     `json:"@context"`
	ID      string       `json:"id"`
	Service []didService `json:"service"`
}

type didService struct {
	ID              string `json:"id"`
	ServiceEndpoint string `json:"serviceEndpoint"`
	Type            string `json:"type"`
}

type describeResponse struct {
	DID   string         `json:"did"`
	Feeds []describeFeed `json:"feeds"`
}

type describeFeed struct {
	URI string `json:"uri"`
}

type skeletonResponse struct {
	Cursor string         `json:"cursor,omitempty"`
	Feed   []skeletonItem `json:"feed"`
}

type skeletonItem struct {
	Post string `json:"post"`
}

// skeletonRequest holds the validated getFeedSkeleton parameters.
type skeletonRequest struct {
	feed   string
	limit  int
	cursor string
}

// requestError is a client error reported as an XRPC error body.
type requestError struct {
	name    string
	message string
}

func (e *requestError) Error() string { return e.name + ": " + e.message }

func parseSkeletonRequest(r *http.Request) (skeletonRequest, error) {
	q := r.URL.Query()
	req := skeletonRequest{
		feed:   q.Get("feed"),
		limit:  defaultLimit,
		cursor: q.Get("cursor"),
	}
	if req.feed == "" {
		return req, &requestError{"InvalidRequest", "feed parameter is required"}
	}

	// Oversized limits are clamped rather than rejected.
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			return req, &requestError{"InvalidRequest", fmt.Sprintf("limit must be between 1 and %d", maxLimit)}
		}
		req.limit = min(n, maxLimit)
	}
	return req, nil
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, didDocument{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		ID:      s.cfg.ServiceDID(),
		Service: []didService{{
			ID:              "#bsky_fg",
			ServiceEndpoint: "https://" + s.cfg.Hostname,
			Type:            "BskyFeedGenerator",
		}},
	})
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	resp := describeResponse{DID: s.cfg.ServiceDID()}
	for _, uri := range s.feedService.FeedURIs() {
		resp.Feeds = append(resp.Feeds, describeFeed{URI: uri})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	req, err := parseSkeletonRequest(r)
	if err != nil {
		s.logger.Warn("bad getFeedSkeleton request", "query", r.URL.RawQuery, "error", err)
		writeRequestError(w, err)
		return
	}

	skeleton, err := s.feedService.GetFeedSkeleton(r.Context(), req.feed, req.limit, req.cursor)
	switch {
	case errors.Is(err, domain.ErrInvalidCursor):
		s.logger.Warn("invalid cursor", "cursor", req.cursor, "error", err)
		writeRequestError(w, &requestError{"InvalidRequest", "malformed cursor"})
		return
	case errors.Is(err, domain.ErrUnknownFeed):
		s.logger.Warn("unknown feed requested", "feed", req.feed)
		writeRequestError(w, &requestError{"UnknownFeed", "unknown feed"})
		return
	case err != nil:
		s.logger.Error("failed to get feed skeleton", "feed", req.feed, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "InternalError", Message: "failed to get feed"})
		return
	}

	s.logger.Debug("served feed skeleton",
		"limit", req.limit,
		"cursor", req.cursor,
		"posts_returned", len(skeleton.Posts),
		"next_cursor", skeleton.Cursor,
	)

	resp := skeletonResponse{
		Cursor: skeleton.Cursor,
		Feed:   make([]skeletonItem, len(skeleton.Posts)),
	}
	for i, p := range skeleton.Posts {
		resp.Feed[i] = skeletonItem{Post: p.Post}
	}
	writeJSON(w, http.StatusOK, resp)
}
