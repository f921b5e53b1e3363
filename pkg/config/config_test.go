package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/hugindb/pkg/analysis"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Cluster.AckTimeout.Std())
	assert.Equal(t, float64(60), cfg.Cluster.RRFK)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 16*time.Millisecond, cfg.Search.BatchFlush.Std())
	assert.Equal(t, "porter", cfg.Tokenizer.Stemmer)
	assert.Equal(t, 1.2, cfg.BM25.K1)
	assert.Equal(t, 0.75, cfg.BM25.B)
	assert.False(t, cfg.Flags.SuppressNoopUpdates)
	assert.False(t, cfg.Flags.SnapshotOnClose)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
node:
  id: node-a
cluster:
  ack_timeout: 250ms
search:
  default_limit: 25
tokenizer:
  stemmer: snowball
  extra_stopwords: [acme, widget]
flags:
  suppress_noop_updates: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 250*time.Millisecond, cfg.Cluster.AckTimeout.Std())
	assert.Equal(t, 25, cfg.Search.DefaultLimit)
	assert.Equal(t, "snowball", cfg.Tokenizer.Stemmer)
	assert.Equal(t, []string{"acme", "widget"}, cfg.Tokenizer.ExtraStopwords)
	assert.True(t, cfg.Flags.SuppressNoopUpdates)

	// Sections the file does not mention keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Cluster.SearchTimeout.Std())
	assert.Equal(t, 1.2, cfg.BM25.K1)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
search:
  default_limit: 25
`)
	t.Setenv("HUGINDB_SEARCH_DEFAULT_LIMIT", "50")
	t.Setenv("HUGINDB_CLUSTER_ACK_TIMEOUT", "250")
	t.Setenv("HUGINDB_IN_MEMORY", "yes")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Search.DefaultLimit, "environment should beat the file")
	assert.Equal(t, 250*time.Millisecond, cfg.Cluster.AckTimeout.Std(), "bare integers are milliseconds")
	assert.True(t, cfg.Storage.InMemory)
}

func TestLoad_EmptyPathUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("HUGINDB_NODE_ID", "env-node")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env-node", cfg.Node.ID)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")

	_, err = Load(writeConfigFile(t, "::not yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")

	_, err = Load(writeConfigFile(t, "server:\n  http_port: 0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid HTTP port")

	_, err = Load(writeConfigFile(t, "cluster:\n  ack_timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestFromEnv_AppliesOverrides(t *testing.T) {
	t.Setenv("HUGINDB_TOKENIZER_LOWERCASE", "off")
	t.Setenv("HUGINDB_TOKENIZER_EXTRA_STOPWORDS", " foo, bar ,,baz ")
	t.Setenv("HUGINDB_BM25_B", "0.5")
	t.Setenv("HUGINDB_SNAPSHOT_ON_CLOSE", "1")

	cfg := FromEnv()
	assert.False(t, cfg.Tokenizer.Lowercase)
	assert.Equal(t, []string{"foo", "bar", "baz"}, cfg.Tokenizer.ExtraStopwords)
	assert.Equal(t, 0.5, cfg.BM25.B)
	assert.True(t, cfg.Flags.SnapshotOnClose)
}

func TestConfig_ValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"port too high", func(c *Config) { c.Server.HTTPPort = 70000 }, "invalid HTTP port"},
		{"zero read timeout", func(c *Config) { c.Server.ReadTimeout = 0 }, "server timeouts"},
		{"zero ack timeout", func(c *Config) { c.Cluster.AckTimeout = 0 }, "ack_timeout"},
		{"zero search timeout", func(c *Config) { c.Cluster.SearchTimeout = 0 }, "search_timeout"},
		{"zero rrf k", func(c *Config) { c.Cluster.RRFK = 0 }, "rrf_k"},
		{"negative min responses", func(c *Config) { c.Cluster.MinResponses = -1 }, "min_responses"},
		{"zero limit", func(c *Config) { c.Search.DefaultLimit = 0 }, "default_limit"},
		{"negative min score", func(c *Config) { c.Search.MinScore = -0.1 }, "min_score"},
		{"zero batch flush", func(c *Config) { c.Search.BatchFlush = 0 }, "batch_flush"},
		{"negative token cache", func(c *Config) { c.Search.TokenCacheSize = -1 }, "token_cache_size"},
		{"zero min length", func(c *Config) { c.Tokenizer.MinLength = 0 }, "min_length"},
		{"max below min", func(c *Config) { c.Tokenizer.MaxLength = 1 }, "max_length"},
		{"unknown stemmer", func(c *Config) { c.Tokenizer.Stemmer = "german" }, "unknown stemmer"},
		{"negative k1", func(c *Config) { c.BM25.K1 = -1 }, "k1"},
		{"b above one", func(c *Config) { c.BM25.B = 1.5 }, "bm25 b"},
		{"no data dir", func(c *Config) { c.Storage.DataDir = "" }, "data_dir"},
		{"bad log level", func(c *Config) { c.Logging.Level = "superloud" }, "invalid log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestConfig_ValidateAllowsInMemoryWithoutDataDir(t *testing.T) {
	cfg := Default()
	cfg.Storage.DataDir = ""
	cfg.Storage.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestDuration_Forms(t *testing.T) {
	path := writeConfigFile(t, `
cluster:
  ack_timeout: 1.5s
  search_timeout: 2000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Cluster.AckTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Cluster.SearchTimeout.Std())

	_, err = Load(writeConfigFile(t, "cluster:\n  ack_timeout: [1, 2]\n"))
	require.Error(t, err)
}

func TestTokenizerConfig_Build(t *testing.T) {
	cfg := Default()
	cfg.Tokenizer.Stemmer = "snowball"
	cfg.Tokenizer.ExtraStopwords = []string{" Acme ", "WIDGET", ""}

	built, err := cfg.Tokenizer.Build()
	require.NoError(t, err)

	assert.IsType(t, analysis.SnowballStemmer{}, built.Stemmer)
	assert.True(t, built.Lowercase)
	assert.Equal(t, 2, built.MinLength)
	assert.Equal(t, 40, built.MaxLength)

	_, hasThe := built.Stopwords["the"]
	assert.True(t, hasThe, "default stopwords should be kept")
	_, hasAcme := built.Stopwords["acme"]
	assert.True(t, hasAcme, "extra stopwords should be lowercased and trimmed")
	_, hasWidget := built.Stopwords["widget"]
	assert.True(t, hasWidget)

	cfg.Tokenizer.Stemmer = "german"
	_, err = cfg.Tokenizer.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stemmer")
}

func TestConfig_StringRedactsNothingButSummarizes(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "node-a"
	cfg.Storage.InMemory = true

	out := cfg.String()
	assert.True(t, strings.HasPrefix(out, "HuginDB Configuration:"))
	assert.Contains(t, out, `id="node-a"`)
	assert.Contains(t, out, "in-memory")
	assert.Contains(t, out, "stemmer=porter")
}
