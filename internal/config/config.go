// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the edge service.
type Config struct {
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	ListenAddr       string        `mapstructure:"LISTEN_ADDR"`
	DBURL            string        `mapstructure:"DB_URL"`
	GithubTokens     []string      `mapstructure:"GITHUB_TOKENS"`
	Staleness        time.Duration `mapstructure:"STALENESS_THRESHOLD"`
	MaxPagesPerCycle int           `mapstructure:"MAX_PAGES_PER_CYCLE"`
	PageSize         int           `mapstructure:"PAGE_SIZE"`
	RefreshWorkers   int           `mapstructure:"REFRESH_WORKERS"`
}

// ViewerConfig holds configuration for the viewer-side loader.
type ViewerConfig struct {
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	EdgeURL         string `mapstructure:"EDGE_URL"`
	ClientCachePath string `mapstructure:"CLIENT_CACHE_PATH"`
	BatchSize       int    `mapstructure:"BATCH_SIZE"`
}

// LoadConfig reads edge service configuration from file and/or environment
// variables.
func LoadConfig() (*Config, error) {
	v := newViper()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("STALENESS_THRESHOLD", "1h")
	v.SetDefault("MAX_PAGES_PER_CYCLE", 10)
	v.SetDefault("PAGE_SIZE", 100)
	v.SetDefault("REFRESH_WORKERS", 2)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	// Env-only keys without defaults are invisible to Unmarshal.
	cfg.DBURL = v.GetString("DB_URL")
	cfg.GithubTokens = splitTokens(v.GetString("GITHUB_TOKENS"))

	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if len(cfg.GithubTokens) == 0 {
		return nil, errors.New("GITHUB_TOKENS must contain at least one token")
	}

	return &cfg, nil
}

// LoadViewerConfig reads viewer configuration.
func LoadViewerConfig() (*ViewerConfig, error) {
	v := newViper()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("EDGE_URL", "http://localhost:8080")
	v.SetDefault("CLIENT_CACHE_PATH", "timeline-cache.db")
	v.SetDefault("BATCH_SIZE", 100)

	var cfg ViewerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.EdgeURL == "" {
		return nil, errors.New("EDGE_URL is a required configuration field")
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if file not found

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// splitTokens parses a comma-separated token list, dropping empty entries.
func splitTokens(raw string) []string {
	var tokens []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}
