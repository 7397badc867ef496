package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all commontrace configuration.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Database      DatabaseConfig      `toml:"database"`
	Redis         RedisConfig         `toml:"redis"`
	RateLimit     RateLimitConfig     `toml:"rate_limit"`
	Trust         TrustConfig         `toml:"trust"`
	Consolidation ConsolidationConfig `toml:"consolidation"`
	Embedding     EmbeddingConfig     `toml:"embedding"`
	LLM           LLMConfig           `toml:"llm"`
	Log           LogConfig           `toml:"log"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// RedisConfig points at the shared rate-limit bucket store. An empty URL
// keeps buckets in process.
type RedisConfig struct {
	URL string `toml:"url"`
}

type RateLimitConfig struct {
	ReadPerMinute  int `toml:"read_per_minute"`
	WritePerMinute int `toml:"write_per_minute"`
}

type TrustConfig struct {
	ValidationThreshold int     `toml:"validation_threshold"` // votes required for promotion
	BaseWeight          float64 `toml:"base_weight"`          // vote weight floor
}

type ConsolidationConfig struct {
	IntervalHours        int     `toml:"interval_hours"`
	WarmUpSeconds        int     `toml:"warm_up_seconds"` // delay before the first cycle after start
	RetrievalWindowDays  int     `toml:"retrieval_window_days"`
	CoRetrievalCap       int     `toml:"co_retrieval_cap"` // traces considered per search session
	StaleAgeDays         int     `toml:"stale_age_days"`
	FlagThreshold        float64 `toml:"flag_threshold"`
	MaxClustersPerCycle  int     `toml:"max_clusters_per_cycle"`
	MinClusterSize       int     `toml:"min_cluster_size"`
	MaxSynthesisSources  int     `toml:"max_synthesis_sources"`
	ConvergenceThreshold float64 `toml:"convergence_threshold"`
}

type EmbeddingConfig struct {
	Provider    string `toml:"provider"` // "openai", "ollama", "tfidf"
	URL         string `toml:"url"`
	APIKey      string `toml:"api_key"`
	Model       string `toml:"model"`
	Dimensions  int    `toml:"dimensions"`
	BatchSize   int    `toml:"batch_size"`
	Concurrency int    `toml:"concurrency"`
	PollSeconds int    `toml:"poll_seconds"`
	MetricsAddr string `toml:"metrics_addr"` // embed-worker /metrics listener; empty disables
}

type LLMConfig struct {
	Provider     string `toml:"provider"` // "anthropic", "ollama"
	Model        string `toml:"model"`
	AnthropicKey string `toml:"anthropic_key"`
	OllamaURL    string `toml:"ollama_url"`
	OllamaModel  string `toml:"ollama_model"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	Encoding string `toml:"encoding"` // "json" or "console"
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 8420,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		RateLimit: RateLimitConfig{
			ReadPerMinute:  60,
			WritePerMinute: 20,
		},
		Trust: TrustConfig{
			ValidationThreshold: 2,
			BaseWeight:          0.1,
		},
		Consolidation: ConsolidationConfig{
			IntervalHours:        24,
			WarmUpSeconds:        60,
			RetrievalWindowDays:  30,
			CoRetrievalCap:       10,
			StaleAgeDays:         180,
			FlagThreshold:        -2.0,
			MaxClustersPerCycle:  3,
			MinClusterSize:       5,
			MaxSynthesisSources:  10,
			ConvergenceThreshold: 0.9,
		},
		Embedding: EmbeddingConfig{
			Provider:    "openai",
			Model:       "text-embedding-3-small",
			Dimensions:  1536,
			BatchSize:   10,
			Concurrency: 4,
			PollSeconds: 5,
			MetricsAddr: "127.0.0.1:8421",
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-haiku-4-5-20251001",
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, fmt.Errorf("reading config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config: %w", err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DATABASE_PATH", &c.Database.Path)
	str("REDIS_URL", &c.Redis.URL)
	str("OPENAI_API_KEY", &c.Embedding.APIKey)
	str("ANTHROPIC_API_KEY", &c.LLM.AnthropicKey)
	str("LOG_LEVEL", &c.Log.Level)
	str("EMBEDDING_METRICS_ADDR", &c.Embedding.MetricsAddr)

	ints := []struct {
		key string
		dst *int
	}{
		{"VALIDATION_THRESHOLD", &c.Trust.ValidationThreshold},
		{"CONSOLIDATION_INTERVAL_HOURS", &c.Consolidation.IntervalHours},
		{"RATE_LIMIT_READ_PER_MINUTE", &c.RateLimit.ReadPerMinute},
		{"RATE_LIMIT_WRITE_PER_MINUTE", &c.RateLimit.WritePerMinute},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Trust.ValidationThreshold < 1:
		return fmt.Errorf("trust.validation_threshold must be at least 1, got %d", c.Trust.ValidationThreshold)
	case c.Trust.BaseWeight <= 0:
		return fmt.Errorf("trust.base_weight must be positive, got %g", c.Trust.BaseWeight)
	case c.RateLimit.ReadPerMinute <= 0 || c.RateLimit.WritePerMinute <= 0:
		return fmt.Errorf("rate_limit capacities must be positive")
	case c.Consolidation.IntervalHours <= 0:
		return fmt.Errorf("consolidation.interval_hours must be positive, got %d", c.Consolidation.IntervalHours)
	case c.Consolidation.ConvergenceThreshold <= 0 || c.Consolidation.ConvergenceThreshold > 1:
		return fmt.Errorf("consolidation.convergence_threshold must be in (0, 1], got %g", c.Consolidation.ConvergenceThreshold)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Interval returns the consolidation interval.
func (c ConsolidationConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// WarmUp returns the delay before the first cycle after start.
func (c ConsolidationConfig) WarmUp() time.Duration {
	return time.Duration(c.WarmUpSeconds) * time.Second
}

// RetrievalWindow returns the trailing retrieval-log window.
func (c ConsolidationConfig) RetrievalWindow() time.Duration {
	return time.Duration(c.RetrievalWindowDays) * 24 * time.Hour
}

// StaleAge returns the age beyond which untouched traces go FROZEN.
func (c ConsolidationConfig) StaleAge() time.Duration {
	return time.Duration(c.StaleAgeDays) * 24 * time.Hour
}

// PollInterval returns the embedding worker poll interval.
func (c EmbeddingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}
