package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/blackmichael/toronto-feed/internal/car"
	"github.com/blackmichael/toronto-feed/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// DefaultURL is the relay's repo event stream.
	DefaultURL = "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos"

	actionCreate = "create"
	actionDelete = "delete"
)

// Handler receives the decoded events of interest.
type Handler interface {
	// OnPost is called for every created post and reports whether it was
	// accepted into the feed.
	OnPost(ctx context.Context, post *domain.IncomingPost) bool

	// OnInteraction is called for likes and reposts of any post.
	OnInteraction(ctx context.Context, subject string, counter domain.Counter)

	// OnDelete is called when a post is deleted.
	OnDelete(ctx context.Context, uri string)
}

// Config tunes a Subscriber. Zero fields take the defaults.
type Config struct {
	URL string

	// ReconnectDelay is the fixed pause after a dropped connection.
	ReconnectDelay time.Duration

	// CheckpointInterval is how often the position is saved.
	CheckpointInterval time.Duration

	StatsInterval time.Duration

	// MaxPositionAge is how old a saved position may be and still be
	// resumed from; older ones are discarded and ingestion starts live.
	MaxPositionAge time.Duration
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 30 * time.Second
	}
	if c.MaxPositionAge <= 0 {
		c.MaxPositionAge = 72 * time.Hour
	}
}

// Subscriber connects to the repo event stream and feeds decoded events to
// a Handler.
type Subscriber struct {
	cfg       Config
	handler   Handler
	positions domain.PositionRepository
	logger    *slog.Logger
	dialer    *websocket.Dialer

	now func() time.Time
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(
	cfg Config,
	handler Handler,
	positions domain.PositionRepository,
	logger *slog.Logger,
) *Subscriber {
	cfg.setDefaults()
	return &Subscriber{
		cfg:       cfg,
		handler:   handler,
		positions: positions,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
		now:       time.Now,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. It reconnects after a fixed delay whenever the connection drops,
// resuming from the last checkpoint.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("firehose connection error, reconnecting",
					"error", err,
					"delay", s.cfg.ReconnectDelay,
				)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.cfg.ReconnectDelay):
				}
			}
		}
	}
}

// resumePosition returns the sequence to resume from, or 0 to start live.
func (s *Subscriber) resumePosition(ctx context.Context) int64 {
	pos, ok, err := s.positions.LoadPosition(ctx)
	if err != nil {
		s.logger.Warn("failed to load position, starting from live", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	if pos.Stale(s.now(), s.cfg.MaxPositionAge) {
		s.logger.Info("discarding stale position",
			"seq", pos.Seq,
			"updated_at", pos.UpdatedAt,
		)
		if err := s.positions.ClearPosition(ctx); err != nil {
			s.logger.Warn("failed to clear stale position", "error", err)
		}
		return 0
	}
	return pos.Seq
}

func (s *Subscriber) buildURL(seq int64) (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	if seq > 0 {
		q := u.Query()
		q.Set("cursor", strconv.FormatInt(seq, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// stats counts what one connection has seen.
type stats struct {
	frames       int64
	commits      int64
	posts        int64
	matched      int64
	interactions int64
	deletes      int64
	failures     int64
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	seq := s.resumePosition(ctx)

	wsURL, err := s.buildURL(seq)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	// Reads block without a deadline; closing the connection is what
	// unblocks them on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("connected to firehose", "cursor", seq)

	cp := checkpoint{saved: seq, latest: seq, lastSave: s.now()}
	defer s.flush(context.WithoutCancel(ctx), &cp)

	var st stats
	lastStatsLog := s.now()

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		st.frames++
		if n, ok := s.handleMessage(ctx, message, &st); ok {
			cp.advance(n)
		}

		now := s.now()
		if now.Sub(lastStatsLog) >= s.cfg.StatsInterval {
			s.logger.Info("firehose stats",
				"frames_received", st.frames,
				"commits_received", st.commits,
				"posts_seen", st.posts,
				"posts_matched", st.matched,
				"interactions", st.interactions,
				"deletes", st.deletes,
				"decode_failures", st.failures,
				"seq", cp.latest,
			)
			lastStatsLog = now
		}

		if now.Sub(cp.lastSave) >= s.cfg.CheckpointInterval {
			s.flush(ctx, &cp)
		}
	}
}

// checkpoint tracks the highest processed sequence and what was last saved.
type checkpoint struct {
	saved    int64
	latest   int64
	lastSave time.Time
}

// advance never moves the position backwards.
func (c *checkpoint) advance(seq int64) {
	c.latest = max(c.latest, seq)
}

func (s *Subscriber) flush(ctx context.Context, cp *checkpoint) {
	if cp.latest <= cp.saved {
		return
	}
	now := s.now()
	if err := s.positions.SavePosition(ctx, domain.Position{Seq: cp.latest, UpdatedAt: now}); err != nil {
		s.logger.Error("failed to save position", "seq", cp.latest, "error", err)
		return
	}
	cp.saved = cp.latest
	cp.lastSave = now
}

// handleMessage processes one binary frame and returns its sequence number
// if it was a commit.
func (s *Subscriber) handleMessage(ctx context.Context, message []byte, st *stats) (int64, bool) {
	commit, err := DecodeFrame(message)
	if err != nil {
		st.failures++
		if errors.Is(err, ErrStreamError) {
			s.logger.Warn("relay sent error frame", "error", err)
		} else {
			s.logger.Error("failed to decode frame", "error", err)
		}
		return 0, false
	}
	if commit == nil {
		return 0, false
	}

	st.commits++
	if commit.TooBig {
		s.logger.Debug("skipping oversized commit", "seq", commit.Seq, "repo", commit.Repo)
		return commit.Seq, true
	}

	s.handleCommit(ctx, commit, st)
	return commit.Seq, true
}

func (s *Subscriber) handleCommit(ctx context.Context, commit *Commit, st *stats) {
	// Blocks are only parsed if an op needs a record body.
	var blocks map[string][]byte

	for _, op := range commit.Ops {
		collection := collectionOf(op.Path)
		uri := domain.PostURI(commit.Repo, op.Path)

		switch op.Action {
		case actionDelete:
			if collection == collectionPost {
				st.deletes++
				s.handler.OnDelete(ctx, uri)
			}

		case actionCreate:
			if collection != collectionPost && collection != collectionLike && collection != collectionRepost {
				continue
			}
			if op.CID == nil {
				continue
			}

			if blocks == nil {
				parsed, err := car.Parse(commit.Blocks)
				if err != nil {
					st.failures++
					s.logger.Error("failed to parse commit blocks",
						"seq", commit.Seq,
						"repo", commit.Repo,
						"error", err,
					)
					return
				}
				blocks = make(map[string][]byte, len(parsed))
				for _, b := range parsed {
					blocks[string(b.CID)] = b.Data
				}
			}

			data, ok := blocks[string(op.CID.Bytes())]
			if !ok {
				s.logger.Debug("record block missing from commit", "uri", uri)
				continue
			}

			s.handleRecord(ctx, collection, uri, op.CID.String(), commit.Repo, data, st)
		}
	}
}

func (s *Subscriber) handleRecord(ctx context.Context, collection, uri, cid, repo string, data []byte, st *stats) {
	switch collection {
	case collectionPost:
		post, err := DecodePost(data, uri, cid, repo)
		if err != nil {
			st.failures++
			s.logger.Error("failed to decode post", "uri", uri, "error", err)
			return
		}
		st.posts++
		if s.handler.OnPost(ctx, post) {
			st.matched++
			s.logger.Info("matched post",
				"uri", uri,
				"text_preview", truncate(post.Text, 100),
			)
		}

	case collectionLike, collectionRepost:
		decode, counter := DecodeLike, domain.CounterLikes
		if collection == collectionRepost {
			decode, counter = DecodeRepost, domain.CounterReposts
		}
		subject, err := decode(data)
		if err != nil {
			st.failures++
			s.logger.Debug("failed to decode interaction", "uri", uri, "error", err)
			return
		}
		st.interactions++
		s.handler.OnInteraction(ctx, subject, counter)
	}
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
