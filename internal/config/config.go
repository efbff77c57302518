// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/enclave/internal/util"
)

// =============================================================================
// OPERATING MODE
// =============================================================================

// Mode is the process-wide operating mode. It constrains which inference
// backends the router may hand out and whether redaction is mandatory.
type Mode string

const (
	// ModeLocal permits only the local provider for both generation and
	// embedding. Nothing leaves the machine.
	ModeLocal Mode = "local"

	// ModeHybrid permits any provider for both capabilities. Redaction and
	// the outbound size guard are mandatory for every remote call.
	ModeHybrid Mode = "hybrid"

	// ModeCloud permits any provider for both capabilities. Redaction is
	// still applied on remote paths; the outbound size guard stays active.
	ModeCloud Mode = "cloud"
)

// ParseMode converts a string to a Mode, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeLocal:
		return ModeLocal, nil
	case ModeHybrid:
		return ModeHybrid, nil
	case ModeCloud:
		return ModeCloud, nil
	default:
		return "", fmt.Errorf("unknown mode %q (valid: local, hybrid, cloud)", s)
	}
}

// String implements fmt.Stringer.
func (m Mode) String() string { return string(m) }

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete enclave configuration.
type Config struct {
	Version string `toml:"version"`

	// Routing selects the operating mode and the configured providers.
	Routing RoutingConfig `toml:"routing"`

	// Local (Ollama) provider configuration.
	Local LocalConfig `toml:"local"`

	// Remote (OpenRouter-compatible) provider configuration.
	Remote RemoteConfig `toml:"remote"`

	// Policy bounds outbound payloads.
	Policy PolicyConfig `toml:"policy"`

	// Retry controls backoff for transient provider errors.
	Retry RetryConfig `toml:"retry"`

	// Ledger configures the audit store.
	Ledger LedgerConfig `toml:"ledger"`

	// Retrieval configures the retrieval collaborator.
	Retrieval RetrievalConfig `toml:"retrieval"`

	// Ingest configures document loading and chunking.
	Ingest IngestConfig `toml:"ingest"`

	// Server configures the HTTP API.
	Server ServerConfig `toml:"server"`

	// Log configures structured logging.
	Log LogConfig `toml:"log"`
}

// RoutingConfig selects mode and providers. Mode is immutable once loaded;
// the router reads it, never writes it.
type RoutingConfig struct {
	// Mode is "local", "hybrid", or "cloud".
	Mode string `toml:"mode"`
	// GenerateProvider is the provider name used for answer generation.
	GenerateProvider string `toml:"generate_provider"`
	// EmbedProvider is the provider name used for embeddings.
	EmbedProvider string `toml:"embed_provider"`
}

// LocalConfig contains local Ollama provider configuration.
type LocalConfig struct {
	// URL is the Ollama server URL.
	URL string `toml:"url"`
	// GenerateModel is the model used for generation.
	GenerateModel string `toml:"generate_model"`
	// EmbedModel is the model used for embeddings.
	EmbedModel string `toml:"embed_model"`
	// TimeoutSecs is the request timeout in seconds.
	TimeoutSecs int `toml:"timeout_secs"`
}

// RemoteConfig contains remote provider configuration.
type RemoteConfig struct {
	// BaseURL is the API base URL.
	BaseURL string `toml:"base_url"`
	// APIKey is the bearer key. Prefer setting ENCLAVE_REMOTE_API_KEY over
	// storing the key in the config file.
	APIKey string `toml:"api_key"`
	// GenerateModel is the model used for generation.
	GenerateModel string `toml:"generate_model"`
	// EmbedModel is the model used for embeddings.
	EmbedModel string `toml:"embed_model"`
	// TimeoutSecs is the request timeout in seconds.
	TimeoutSecs int `toml:"timeout_secs"`
}

// PolicyConfig bounds what may leave the local environment.
type PolicyConfig struct {
	// MaxSnippetLength is the hard cut applied to each excerpt sent to a
	// remote provider, in characters.
	MaxSnippetLength int `toml:"max_snippet_length"`
	// FullDocThreshold is the "looks like a whole document" heuristic: an
	// outbound payload at or above this length fails validation outright.
	// 0 means 4x MaxSnippetLength.
	FullDocThreshold int `toml:"full_doc_threshold"`
	// SentinelMarkers are substrings whose presence in an excerpt sets the
	// advisory sentinel flag (leak canaries planted in sensitive documents).
	SentinelMarkers []string `toml:"sentinel_markers"`
}

// RetryConfig controls backoff for transient provider errors.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int `toml:"max_attempts"`
	// BaseDelayMs is the first backoff delay in milliseconds.
	BaseDelayMs int `toml:"base_delay_ms"`
	// MaxDelayMs caps the backoff delay.
	MaxDelayMs int `toml:"max_delay_ms"`
	// ProviderRPS rate-limits outbound provider calls (0 = unlimited).
	ProviderRPS float64 `toml:"provider_rps"`
}

// LedgerConfig configures the audit store.
type LedgerConfig struct {
	// Path is the SQLite database path (empty = ~/.enclave/ledger.db).
	Path string `toml:"path"`
	// RetentionDays is the age past which records are purged.
	RetentionDays int `toml:"retention_days"`
	// CleanupSchedule is a cron expression for the retention purge while
	// serving (empty disables the schedule).
	CleanupSchedule string `toml:"cleanup_schedule"`
}

// RetrievalConfig configures the retrieval collaborator.
type RetrievalConfig struct {
	// TopK is the number of candidate excerpts retrieved per query.
	TopK int `toml:"top_k"`
}

// IngestConfig configures document loading and chunking.
type IngestConfig struct {
	// DocumentsDir is the default directory scanned by `enclave index`.
	DocumentsDir string `toml:"documents_dir"`
	// SentencesPerChunk controls chunk granularity.
	SentencesPerChunk int `toml:"sentences_per_chunk"`
	// OverlapSentences is the chunk overlap.
	OverlapSentences int `toml:"overlap_sentences"`
	// EmbedBatchSize bounds each embedding request.
	EmbedBatchSize int `toml:"embed_batch_size"`
	// Watch enables the documents directory watcher during `serve`.
	Watch bool `toml:"watch"`
	// WatchDebounceMs debounces file change events.
	WatchDebounceMs int `toml:"watch_debounce_ms"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Host is the listen address.
	Host string `toml:"host"`
	// Port is the listen port.
	Port int `toml:"port"`
	// BearerToken, when set, is required on every request.
	BearerToken string `toml:"bearer_token"`
	// MaxBodyBytes caps request body size.
	MaxBodyBytes int64 `toml:"max_body_bytes"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level"`
	// Pretty enables the human console writer instead of JSON.
	Pretty bool `toml:"pretty"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Provider name constants. The router's decision table is keyed on these.
const (
	// ProviderLocal is the name of the local provider.
	ProviderLocal = "local"
	// ProviderRemote is the name of the remote provider.
	ProviderRemote = "remote"
)

// DefaultConfig returns the built-in default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1",
		Routing: RoutingConfig{
			Mode:             string(ModeHybrid),
			GenerateProvider: ProviderLocal,
			EmbedProvider:    ProviderLocal,
		},
		Local: LocalConfig{
			URL:           "http://127.0.0.1:11434",
			GenerateModel: "llama3",
			EmbedModel:    "nomic-embed-text",
			TimeoutSecs:   60,
		},
		Remote: RemoteConfig{
			BaseURL:       "https://openrouter.ai/api/v1",
			GenerateModel: "openrouter/auto",
			EmbedModel:    "openai/text-embedding-3-small",
			TimeoutSecs:   60,
		},
		Policy: PolicyConfig{
			MaxSnippetLength: 4000,
			FullDocThreshold: 0, // 4x MaxSnippetLength
			SentinelMarkers:  nil,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelayMs: 500,
			MaxDelayMs:  10000,
			ProviderRPS: 0,
		},
		Ledger: LedgerConfig{
			Path:            "",
			RetentionDays:   90,
			CleanupSchedule: "0 3 * * *",
		},
		Retrieval: RetrievalConfig{
			TopK: 3,
		},
		Ingest: IngestConfig{
			DocumentsDir:      "documents",
			SentencesPerChunk: 5,
			OverlapSentences:  1,
			EmbedBatchSize:    50,
			Watch:             false,
			WatchDebounceMs:   500,
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8790,
			MaxBodyBytes: 1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// DefaultPath returns the default config file path (~/.enclave/config.toml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".enclave", "config.toml")
}

// DefaultLedgerPath returns the default ledger database path.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".enclave", "ledger.db")
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from path (empty = DefaultPath), applies
// environment overrides, fills defaults, and validates. A missing file is not
// an error; defaults are used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Defaults only.
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies ENCLAVE_* environment variables on top of the
// file values. Only variables that are set override anything.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ENCLAVE_MODE"); v != "" {
		c.Routing.Mode = v
	}
	if v := os.Getenv("ENCLAVE_GENERATE_PROVIDER"); v != "" {
		c.Routing.GenerateProvider = v
	}
	if v := os.Getenv("ENCLAVE_EMBED_PROVIDER"); v != "" {
		c.Routing.EmbedProvider = v
	}
	if v := os.Getenv("ENCLAVE_REMOTE_API_KEY"); v != "" {
		c.Remote.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" && c.Remote.APIKey == "" {
		c.Remote.APIKey = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		c.Local.URL = v
	}
	if v := os.Getenv("ENCLAVE_LEDGER_PATH"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("ENCLAVE_MAX_SNIPPET_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Policy.MaxSnippetLength = n
		}
	}
	if v := os.Getenv("ENCLAVE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("ENCLAVE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// fillDefaults replaces zero values with defaults so partial config files
// keep working.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Routing.Mode == "" {
		c.Routing.Mode = d.Routing.Mode
	}
	if c.Routing.GenerateProvider == "" {
		c.Routing.GenerateProvider = d.Routing.GenerateProvider
	}
	if c.Routing.EmbedProvider == "" {
		c.Routing.EmbedProvider = d.Routing.EmbedProvider
	}
	if c.Local.URL == "" {
		c.Local.URL = d.Local.URL
	}
	if c.Local.GenerateModel == "" {
		c.Local.GenerateModel = d.Local.GenerateModel
	}
	if c.Local.EmbedModel == "" {
		c.Local.EmbedModel = d.Local.EmbedModel
	}
	if c.Local.TimeoutSecs <= 0 {
		c.Local.TimeoutSecs = d.Local.TimeoutSecs
	}
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = d.Remote.BaseURL
	}
	if c.Remote.GenerateModel == "" {
		c.Remote.GenerateModel = d.Remote.GenerateModel
	}
	if c.Remote.EmbedModel == "" {
		c.Remote.EmbedModel = d.Remote.EmbedModel
	}
	if c.Remote.TimeoutSecs <= 0 {
		c.Remote.TimeoutSecs = d.Remote.TimeoutSecs
	}
	if c.Policy.MaxSnippetLength <= 0 {
		c.Policy.MaxSnippetLength = d.Policy.MaxSnippetLength
	}
	if c.Policy.FullDocThreshold <= 0 {
		c.Policy.FullDocThreshold = 4 * c.Policy.MaxSnippetLength
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = d.Retry.BaseDelayMs
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = d.Retry.MaxDelayMs
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = DefaultLedgerPath()
	}
	if c.Ledger.RetentionDays <= 0 {
		c.Ledger.RetentionDays = d.Ledger.RetentionDays
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = d.Retrieval.TopK
	}
	if c.Ingest.DocumentsDir == "" {
		c.Ingest.DocumentsDir = d.Ingest.DocumentsDir
	}
	if c.Ingest.SentencesPerChunk <= 0 {
		c.Ingest.SentencesPerChunk = d.Ingest.SentencesPerChunk
	}
	if c.Ingest.OverlapSentences < 0 {
		c.Ingest.OverlapSentences = d.Ingest.OverlapSentences
	}
	if c.Ingest.EmbedBatchSize <= 0 {
		c.Ingest.EmbedBatchSize = d.Ingest.EmbedBatchSize
	}
	if c.Ingest.WatchDebounceMs <= 0 {
		c.Ingest.WatchDebounceMs = d.Ingest.WatchDebounceMs
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Server.Port <= 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks cross-field constraints. It returns the first problem found
// with enough context to fix the config, and never echoes secret values.
func (c *Config) Validate() error {
	mode, err := ParseMode(c.Routing.Mode)
	if err != nil {
		return err
	}

	for _, name := range []string{c.Routing.GenerateProvider, c.Routing.EmbedProvider} {
		if name != ProviderLocal && name != ProviderRemote {
			return fmt.Errorf("unknown provider %q (valid: %s, %s)", name, ProviderLocal, ProviderRemote)
		}
	}

	// LOCAL mode misconfiguration is caught here as well as in the router,
	// so a bad config fails at startup rather than on the first request.
	if mode == ModeLocal {
		if c.Routing.GenerateProvider != ProviderLocal {
			return fmt.Errorf("mode local requires generate_provider=%s, got %q", ProviderLocal, c.Routing.GenerateProvider)
		}
		if c.Routing.EmbedProvider != ProviderLocal {
			return fmt.Errorf("mode local requires embed_provider=%s, got %q", ProviderLocal, c.Routing.EmbedProvider)
		}
	}

	usesRemote := c.Routing.GenerateProvider == ProviderRemote || c.Routing.EmbedProvider == ProviderRemote
	if usesRemote && c.Remote.APIKey == "" {
		return errors.New("remote provider configured but no API key set (ENCLAVE_REMOTE_API_KEY)")
	}

	if c.Policy.MaxSnippetLength < 256 {
		return fmt.Errorf("policy.max_snippet_length %d too small (min 256)", c.Policy.MaxSnippetLength)
	}
	if c.Policy.FullDocThreshold < c.Policy.MaxSnippetLength {
		return fmt.Errorf("policy.full_doc_threshold %d must be >= max_snippet_length %d",
			c.Policy.FullDocThreshold, c.Policy.MaxSnippetLength)
	}

	if c.Retry.MaxAttempts > 10 {
		c.Retry.MaxAttempts = 10 // clamp, matching provider-side sanity limits
	}
	if c.Ingest.OverlapSentences >= c.Ingest.SentencesPerChunk {
		return fmt.Errorf("ingest.overlap_sentences %d must be less than sentences_per_chunk %d",
			c.Ingest.OverlapSentences, c.Ingest.SentencesPerChunk)
	}

	return nil
}

// Mode returns the parsed operating mode. Validate must have succeeded.
func (c *Config) Mode() Mode {
	m, _ := ParseMode(c.Routing.Mode)
	return m
}

// LocalTimeout returns the local provider timeout as a Duration.
func (c *Config) LocalTimeout() time.Duration {
	return time.Duration(c.Local.TimeoutSecs) * time.Second
}

// RemoteTimeout returns the remote provider timeout as a Duration.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSecs) * time.Second
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the config to path atomically. Used by `enclave config init`.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}

	var sb strings.Builder
	enc := toml.NewEncoder(&sb)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
