// Package config loads HuginDB configuration.
//
// Precedence, lowest to highest: built-in defaults, a YAML config file,
// HUGINDB_* environment variables. Load applies all three and validates;
// FromEnv skips the file for embedded use.
//
// Usage:
//
//	cfg, err := config.Load("/etc/hugindb/config.yaml")
//	if err != nil {
//		log.Fatal().Err(err).Msg("invalid configuration")
//	}
//
// Environment variables mirror the YAML sections:
//
//	HUGINDB_NODE_ID=node-a
//	HUGINDB_CLUSTER_ACK_TIMEOUT=5s
//	HUGINDB_SEARCH_DEFAULT_LIMIT=25
//	HUGINDB_TOKENIZER_STEMMER=snowball
//	HUGINDB_IN_MEMORY=true
//
// Durations accept Go duration strings ("250ms", "5s") or bare integers
// interpreted as milliseconds.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/hugindb/pkg/analysis"
)

// Duration wraps time.Duration so YAML configs can write "5s" or a bare
// millisecond count.
type Duration time.Duration

// String returns the standard Go duration formatting.
func (d Duration) String() string { return time.Duration(d).String() }

// Std converts to a time.Duration for wiring into other packages.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML renders the duration as a Go duration string.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// UnmarshalYAML accepts "250ms" style strings or integer milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration: expected scalar, got %q", value.Tag)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// NodeConfig identifies this node within the cluster.
type NodeConfig struct {
	// ID is the stable node identifier used in version stamps and
	// cluster messages. Empty means generate one at startup.
	ID string `yaml:"id"`

	// BindAddr is the address the HTTP listener binds to.
	BindAddr string `yaml:"bind_addr"`
}

// ClusterConfig tunes distributed subscription and search behavior.
type ClusterConfig struct {
	// AckTimeout bounds how long a subscription registration waits for
	// remote node acknowledgements.
	AckTimeout Duration `yaml:"ack_timeout"`

	// SearchTimeout bounds one-shot scatter-gather searches.
	SearchTimeout Duration `yaml:"search_timeout"`

	// RRFK is the reciprocal-rank-fusion constant used when merging
	// ranked lists from multiple nodes.
	RRFK float64 `yaml:"rrf_k"`

	// MinResponses lets a search resolve once this many nodes have
	// answered. Zero waits for all nodes.
	MinResponses int `yaml:"min_responses"`
}

// SearchConfig tunes the local search engine.
type SearchConfig struct {
	// DefaultLimit is applied when a search request carries no limit.
	DefaultLimit int `yaml:"default_limit"`

	// MinScore drops hits scoring below this bound.
	MinScore float64 `yaml:"min_score"`

	// BatchFlush is the delta batching window for subscription sinks
	// that support batching.
	BatchFlush Duration `yaml:"batch_flush"`

	// TokenCacheSize bounds the query tokenization cache. Zero disables
	// the cache.
	TokenCacheSize int `yaml:"token_cache_size"`

	// TokenCacheTTL expires cached token sequences.
	TokenCacheTTL Duration `yaml:"token_cache_ttl"`
}

// TokenizerConfig selects the text analysis pipeline. Indexes built with
// one pipeline must be queried with the same one, so these settings are
// fixed for the life of the data directory.
type TokenizerConfig struct {
	Lowercase bool `yaml:"lowercase"`
	MinLength int  `yaml:"min_length"`
	MaxLength int  `yaml:"max_length"`

	// Stemmer is one of "porter", "snowball" or "none".
	Stemmer string `yaml:"stemmer"`

	// ExtraStopwords extends the built-in English stopword list.
	ExtraStopwords []string `yaml:"extra_stopwords"`
}

// Build resolves the section into a tokenizer configuration, merging
// ExtraStopwords into the default English stopword list.
func (t TokenizerConfig) Build() (analysis.Config, error) {
	stemmer, err := analysis.StemmerByName(t.Stemmer)
	if err != nil {
		return analysis.Config{}, fmt.Errorf("invalid tokenizer config: %w", err)
	}
	stopwords := analysis.DefaultStopwords()
	for _, word := range t.ExtraStopwords {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" {
			stopwords[word] = struct{}{}
		}
	}
	return analysis.Config{
		Lowercase: t.Lowercase,
		Stopwords: stopwords,
		Stemmer:   stemmer,
		MinLength: t.MinLength,
		MaxLength: t.MaxLength,
	}, nil
}

// BM25Config tunes relevance scoring. K1 controls term frequency
// saturation, B controls document length normalization.
type BM25Config struct {
	K1 float64 `yaml:"k1"`
	B  float64 `yaml:"b"`
}

// StorageConfig locates the index snapshot store.
type StorageConfig struct {
	// DataDir is the BadgerDB directory for index snapshots.
	DataDir string `yaml:"data_dir"`

	// InMemory keeps snapshots in memory only, for tests and ephemeral
	// nodes.
	InMemory bool `yaml:"in_memory"`
}

// ServerConfig tunes the HTTP and WebSocket listener.
type ServerConfig struct {
	HTTPPort     int      `yaml:"http_port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	// Level is any level zerolog.ParseLevel accepts.
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// FeatureFlags toggles optional behaviors.
type FeatureFlags struct {
	// SuppressNoopUpdates drops subscription UPDATE deltas whose indexed
	// projection and score did not change. Off by default: clients see
	// every matching write.
	SuppressNoopUpdates bool `yaml:"suppress_noop_updates"`

	// SnapshotOnClose persists all full-text indexes when the database
	// shuts down cleanly.
	SnapshotOnClose bool `yaml:"snapshot_on_close"`
}

// Config is the complete HuginDB configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Search    SearchConfig    `yaml:"search"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	BM25      BM25Config      `yaml:"bm25"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Flags     FeatureFlags    `yaml:"flags"`
}

// Default returns the built-in configuration. The tokenizer and BM25
// defaults match the index defaults, so a zero config file still builds
// compatible indexes.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			BindAddr: "0.0.0.0",
		},
		Cluster: ClusterConfig{
			AckTimeout:    Duration(5 * time.Second),
			SearchTimeout: Duration(5 * time.Second),
			RRFK:          60,
			MinResponses:  0,
		},
		Search: SearchConfig{
			DefaultLimit:   10,
			MinScore:       0,
			BatchFlush:     Duration(16 * time.Millisecond),
			TokenCacheSize: 1024,
			TokenCacheTTL:  Duration(5 * time.Minute),
		},
		Tokenizer: TokenizerConfig{
			Lowercase: true,
			MinLength: 2,
			MaxLength: 40,
			Stemmer:   "porter",
		},
		BM25: BM25Config{
			K1: 1.2,
			B:  0.75,
		},
		Storage: StorageConfig{
			DataDir: "./data",
		},
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Flags: FeatureFlags{
			SuppressNoopUpdates: false,
			SnapshotOnClose:     false,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies HUGINDB_*
// environment overrides, and validates the result. An empty path skips
// the file and loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv returns the defaults with HUGINDB_* environment overrides
// applied. The result is not validated; callers embedding the database
// may adjust fields before calling Validate.
func FromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.Node.ID = getEnv("HUGINDB_NODE_ID", c.Node.ID)
	c.Node.BindAddr = getEnv("HUGINDB_NODE_BIND_ADDR", c.Node.BindAddr)

	c.Cluster.AckTimeout = Duration(getEnvDuration("HUGINDB_CLUSTER_ACK_TIMEOUT", c.Cluster.AckTimeout.Std()))
	c.Cluster.SearchTimeout = Duration(getEnvDuration("HUGINDB_CLUSTER_SEARCH_TIMEOUT", c.Cluster.SearchTimeout.Std()))
	c.Cluster.RRFK = getEnvFloat("HUGINDB_CLUSTER_RRF_K", c.Cluster.RRFK)
	c.Cluster.MinResponses = getEnvInt("HUGINDB_CLUSTER_MIN_RESPONSES", c.Cluster.MinResponses)

	c.Search.DefaultLimit = getEnvInt("HUGINDB_SEARCH_DEFAULT_LIMIT", c.Search.DefaultLimit)
	c.Search.MinScore = getEnvFloat("HUGINDB_SEARCH_MIN_SCORE", c.Search.MinScore)
	c.Search.BatchFlush = Duration(getEnvDuration("HUGINDB_SEARCH_BATCH_FLUSH", c.Search.BatchFlush.Std()))
	c.Search.TokenCacheSize = getEnvInt("HUGINDB_SEARCH_TOKEN_CACHE_SIZE", c.Search.TokenCacheSize)
	c.Search.TokenCacheTTL = Duration(getEnvDuration("HUGINDB_SEARCH_TOKEN_CACHE_TTL", c.Search.TokenCacheTTL.Std()))

	c.Tokenizer.Lowercase = getEnvBool("HUGINDB_TOKENIZER_LOWERCASE", c.Tokenizer.Lowercase)
	c.Tokenizer.MinLength = getEnvInt("HUGINDB_TOKENIZER_MIN_LENGTH", c.Tokenizer.MinLength)
	c.Tokenizer.MaxLength = getEnvInt("HUGINDB_TOKENIZER_MAX_LENGTH", c.Tokenizer.MaxLength)
	c.Tokenizer.Stemmer = getEnv("HUGINDB_TOKENIZER_STEMMER", c.Tokenizer.Stemmer)
	c.Tokenizer.ExtraStopwords = getEnvStringSlice("HUGINDB_TOKENIZER_EXTRA_STOPWORDS", c.Tokenizer.ExtraStopwords)

	c.BM25.K1 = getEnvFloat("HUGINDB_BM25_K1", c.BM25.K1)
	c.BM25.B = getEnvFloat("HUGINDB_BM25_B", c.BM25.B)

	c.Storage.DataDir = getEnv("HUGINDB_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("HUGINDB_IN_MEMORY", c.Storage.InMemory)

	c.Server.HTTPPort = getEnvInt("HUGINDB_HTTP_PORT", c.Server.HTTPPort)
	c.Server.ReadTimeout = Duration(getEnvDuration("HUGINDB_READ_TIMEOUT", c.Server.ReadTimeout.Std()))
	c.Server.WriteTimeout = Duration(getEnvDuration("HUGINDB_WRITE_TIMEOUT", c.Server.WriteTimeout.Std()))

	c.Logging.Level = getEnv("HUGINDB_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("HUGINDB_LOG_FORMAT", c.Logging.Format)

	c.Flags.SuppressNoopUpdates = getEnvBool("HUGINDB_SUPPRESS_NOOP_UPDATES", c.Flags.SuppressNoopUpdates)
	c.Flags.SnapshotOnClose = getEnvBool("HUGINDB_SNAPSHOT_ON_CLOSE", c.Flags.SnapshotOnClose)
}

// Validate checks the configuration for usability. It returns the first
// problem found.
func (c *Config) Validate() error {
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Cluster.AckTimeout <= 0 {
		return fmt.Errorf("cluster ack_timeout must be positive, got %s", c.Cluster.AckTimeout)
	}
	if c.Cluster.SearchTimeout <= 0 {
		return fmt.Errorf("cluster search_timeout must be positive, got %s", c.Cluster.SearchTimeout)
	}
	if c.Cluster.RRFK <= 0 {
		return fmt.Errorf("cluster rrf_k must be positive, got %g", c.Cluster.RRFK)
	}
	if c.Cluster.MinResponses < 0 {
		return fmt.Errorf("cluster min_responses must not be negative, got %d", c.Cluster.MinResponses)
	}
	if c.Search.DefaultLimit < 1 {
		return fmt.Errorf("search default_limit must be at least 1, got %d", c.Search.DefaultLimit)
	}
	if c.Search.MinScore < 0 {
		return fmt.Errorf("search min_score must not be negative, got %g", c.Search.MinScore)
	}
	if c.Search.BatchFlush <= 0 {
		return fmt.Errorf("search batch_flush must be positive, got %s", c.Search.BatchFlush)
	}
	if c.Search.TokenCacheSize < 0 {
		return fmt.Errorf("search token_cache_size must not be negative, got %d", c.Search.TokenCacheSize)
	}
	if c.Tokenizer.MinLength < 1 {
		return fmt.Errorf("tokenizer min_length must be at least 1, got %d", c.Tokenizer.MinLength)
	}
	if c.Tokenizer.MaxLength < c.Tokenizer.MinLength {
		return fmt.Errorf("tokenizer max_length %d is below min_length %d", c.Tokenizer.MaxLength, c.Tokenizer.MinLength)
	}
	if _, err := analysis.StemmerByName(c.Tokenizer.Stemmer); err != nil {
		return fmt.Errorf("invalid tokenizer config: %w", err)
	}
	if c.BM25.K1 < 0 {
		return fmt.Errorf("bm25 k1 must not be negative, got %g", c.BM25.K1)
	}
	if c.BM25.B < 0 || c.BM25.B > 1 {
		return fmt.Errorf("bm25 b must be in [0, 1], got %g", c.BM25.B)
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir is required unless in_memory is set")
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q, want json or console", c.Logging.Format)
	}
	return nil
}

// String returns a multi-line summary suitable for startup logging.
func (c *Config) String() string {
	storage := c.Storage.DataDir
	if c.Storage.InMemory {
		storage = "in-memory"
	}
	return fmt.Sprintf(`HuginDB Configuration:
  Node:      id=%q bind=%s
  Cluster:   ack_timeout=%s search_timeout=%s rrf_k=%g min_responses=%d
  Search:    default_limit=%d min_score=%g batch_flush=%s token_cache=%d
  Tokenizer: stemmer=%s lowercase=%t length=[%d,%d] extra_stopwords=%d
  BM25:      k1=%g b=%g
  Storage:   %s
  Server:    port=%d read_timeout=%s write_timeout=%s
  Logging:   level=%s format=%s
  Flags:     suppress_noop_updates=%t snapshot_on_close=%t`,
		c.Node.ID, c.Node.BindAddr,
		c.Cluster.AckTimeout, c.Cluster.SearchTimeout, c.Cluster.RRFK, c.Cluster.MinResponses,
		c.Search.DefaultLimit, c.Search.MinScore, c.Search.BatchFlush, c.Search.TokenCacheSize,
		c.Tokenizer.Stemmer, c.Tokenizer.Lowercase, c.Tokenizer.MinLength, c.Tokenizer.MaxLength, len(c.Tokenizer.ExtraStopwords),
		c.BM25.K1, c.BM25.B,
		storage,
		c.Server.HTTPPort, c.Server.ReadTimeout, c.Server.WriteTimeout,
		c.Logging.Level, c.Logging.Format,
		c.Flags.SuppressNoopUpdates, c.Flags.SnapshotOnClose)
}

func parseDuration(raw string) (time.Duration, error) {
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed, nil
	}
	if millis, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(millis) * time.Millisecond, nil
	}
	return 0, fmt.Errorf("invalid duration %q", raw)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := parseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvStringSlice(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
