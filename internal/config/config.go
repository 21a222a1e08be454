package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/blackmichael/toronto-feed/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// PublisherDID is the DID of the account that published the feed generator records.
	PublisherDID string

	// FeedName is the record key of the feed generator record.
	FeedName string

	// DBPath is the SQLite database file.
	DBPath string

	// FirehoseURL is the repo event stream WebSocket endpoint.
	FirehoseURL string

	// SearchURL is the full post search endpoint used by backfill.
	SearchURL string

	// AppViewURL is the public AppView base used by enrichment.
	AppViewURL string

	// KeywordsFile optionally replaces the built-in keyword lists.
	KeywordsFile string

	// Backfill runs the search backfill before ingestion starts.
	Backfill bool

	RankBase  float64
	RankDecay float64

	// MaxPosts is the soft cap on stored posts.
	MaxPosts int
}

// ServiceDID returns the did:web for this feed generator based on the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// FeedURI returns the AT-URI of the served feed.
func (c *Config) FeedURI() string {
	return domain.NewFeedURI(c.PublisherDID, c.FeedName)
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Hostname:     envOrDefault("FEEDGEN_HOSTNAME", "localhost"),
		PublisherDID: os.Getenv("FEEDGEN_PUBLISHER_DID"),
		FeedName:     envOrDefault("FEEDGEN_FEED_NAME", "toronto"),
		DBPath:       envOrDefault("FEEDGEN_DB_PATH", "feed.db"),
		FirehoseURL:  envOrDefault("FEEDGEN_FIREHOSE_URL", "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos"),
		SearchURL:    envOrDefault("FEEDGEN_SEARCH_URL", "https://api.bsky.app/xrpc/app.bsky.feed.searchposts"),
		AppViewURL:   envOrDefault("FEEDGEN_APPVIEW_URL", "https://public.api.bsky.app"),
		KeywordsFile: os.Getenv("FEEDGEN_KEYWORDS_FILE"),
	}

	if cfg.PublisherDID == "" {
		return nil, fmt.Errorf("FEEDGEN_PUBLISHER_DID is required")
	}

	var err error
	if cfg.Port, err = envInt("PORT", 3000); err != nil {
		return nil, err
	}
	if cfg.MaxPosts, err = envInt("FEEDGEN_MAX_POSTS", 100_000); err != nil {
		return nil, err
	}
	if cfg.Backfill, err = envBool("FEEDGEN_BACKFILL", true); err != nil {
		return nil, err
	}
	if cfg.RankBase, err = envFloat("FEEDGEN_RANK_BASE", 10); err != nil {
		return nil, err
	}
	if cfg.RankDecay, err = envFloat("FEEDGEN_RANK_DECAY", 0.02); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadKeywords returns the keyword lists from a YAML file. Lists the file
// leaves out keep their built-in values; an empty path returns the
// built-in lists unchanged.
func LoadKeywords(path string) (domain.Keywords, error) {
	kw := domain.DefaultKeywords()
	if path == "" {
		return kw, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Keywords{}, fmt.Errorf("read keywords file: %w", err)
	}
	if err := yaml.Unmarshal(data, &kw); err != nil {
		return domain.Keywords{}, fmt.Errorf("parse keywords file %s: %w", path, err)
	}
	if len(kw.Lax) == 0 && len(kw.Strict) == 0 {
		return domain.Keywords{}, errors.New("keywords file leaves no lax or strict keywords")
	}
	return kw, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
