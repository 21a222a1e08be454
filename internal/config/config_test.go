package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/blackmichael/toronto-feed/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads; blank means unset.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "FEEDGEN_HOSTNAME", "FEEDGEN_PUBLISHER_DID", "FEEDGEN_FEED_NAME",
		"FEEDGEN_DB_PATH", "FEEDGEN_FIREHOSE_URL", "FEEDGEN_SEARCH_URL",
		"FEEDGEN_APPVIEW_URL", "FEEDGEN_KEYWORDS_FILE", "FEEDGEN_BACKFILL",
		"FEEDGEN_RANK_BASE", "FEEDGEN_RANK_DECAY", "FEEDGEN_MAX_POSTS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("FEEDGEN_PUBLISHER_DID", "did:plc:publisher")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "localhost", cfg.Hostname)
	assert.Equal(t, "feed.db", cfg.DBPath)
	assert.True(t, cfg.Backfill)
	assert.Equal(t, 10.0, cfg.RankBase)
	assert.Equal(t, 0.02, cfg.RankDecay)
	assert.Equal(t, 100_000, cfg.MaxPosts)
	assert.Equal(t, "did:web:localhost", cfg.ServiceDID())
	assert.Equal(t, "at://did:plc:publisher/app.bsky.feed.generator/toronto", cfg.FeedURI())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("FEEDGEN_PUBLISHER_DID", "did:plc:publisher")
	t.Setenv("PORT", "8080")
	t.Setenv("FEEDGEN_HOSTNAME", "feed.example.com")
	t.Setenv("FEEDGEN_FEED_NAME", "the6ix")
	t.Setenv("FEEDGEN_BACKFILL", "false")
	t.Setenv("FEEDGEN_RANK_DECAY", "0.05")
	t.Setenv("FEEDGEN_MAX_POSTS", "5000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.Backfill)
	assert.Equal(t, 0.05, cfg.RankDecay)
	assert.Equal(t, 5000, cfg.MaxPosts)
	assert.Equal(t, "did:web:feed.example.com", cfg.ServiceDID())
	assert.Equal(t, "at://did:plc:publisher/app.bsky.feed.generator/the6ix", cfg.FeedURI())
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	t.Setenv("FEEDGEN_PUBLISHER_DID", "")
	_, err := Load()
	assert.ErrorContains(t, err, "FEEDGEN_PUBLISHER_DID")

	t.Setenv("FEEDGEN_PUBLISHER_DID", "did:plc:publisher")
	t.Setenv("PORT", "eighty")
	_, err = Load()
	assert.ErrorContains(t, err, "invalid PORT")

	t.Setenv("PORT", "")
	t.Setenv("FEEDGEN_BACKFILL", "sometimes")
	_, err = Load()
	assert.ErrorContains(t, err, "invalid FEEDGEN_BACKFILL")
}

func TestLoadKeywords(t *testing.T) {
	kw, err := LoadKeywords("")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultKeywords(), kw)

	path := filepath.Join(t.TempDir(), "keywords.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
strict:
  - ttc
  - union station
unsafe_labels: [porn]
`), 0o600))

	kw, err = LoadKeywords(path)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultKeywords().Lax, kw.Lax)
	assert.Equal(t, []string{"ttc", "union station"}, kw.Strict)
	assert.Equal(t, []string{"porn"}, kw.UnsafeLabels)
}

func TestLoadKeywords_Errors(t *testing.T) {
	_, err := LoadKeywords(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("strict: [unterminated"), 0o600))
	_, err = LoadKeywords(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("lax: []\nstrict: []\n"), 0o600))
	_, err = LoadKeywords(empty)
	assert.ErrorContains(t, err, "no lax or strict keywords")
}
