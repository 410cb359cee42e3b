// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup.
// YouTube ingestion options are normalized by NormalizePlatform; repairs are kept in PlatformIssues.
package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	// YouTube ingestion
	Platform       PlatformConfig
	PlatformIssues []Issue

	// YouTube Data API
	YTAPIKey        string
	YTClientID      string
	YTClientSecret  string
	YTRedirectURI   string
	YTScopes        string
	YTClientTimeout time.Duration

	// Channel resolution cache file (empty disables the file mirror)
	ChannelCachePath string

	// Viewer polling
	ViewerPollInterval time.Duration

	// Database (empty disables the archive)
	DBDsn string

	// Redis fan-out (empty disables)
	RedisURL     string
	RedisChannel string

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. Invalid platform options
// never fail loading; they are repaired and listed in PlatformIssues.
func Load() (*Config, error) {
	cfg := &Config{}

	raw := map[string]any{}
	envKeys := map[string]string{
		"YOUTUBE_ENABLED":                 "enabled",
		"YOUTUBE_USERNAME":                "username",
		"YOUTUBE_RETRY_ATTEMPTS":          "retryAttempts",
		"YOUTUBE_STREAM_POLLING_INTERVAL": "streamPollingInterval",
		"YOUTUBE_MAX_STREAMS":             "maxStreams",
		"YOUTUBE_FULL_CHECK_INTERVAL":     "fullCheckInterval",
		"YOUTUBE_DATA_LOGGING_ENABLED":    "dataLoggingEnabled",
		"YOUTUBE_DATA_LOGGING_PATH":       "dataLoggingPath",
	}
	for env, key := range envKeys {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			raw[key] = v
		}
	}
	cfg.Platform, cfg.PlatformIssues = NormalizePlatform(raw)

	cfg.YTAPIKey = os.Getenv("YT_API_KEY")
	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRedirectURI = os.Getenv("YT_REDIRECT_URI")
	cfg.YTScopes = os.Getenv("YT_SCOPES")
	if cfg.YTScopes == "" {
		cfg.YTScopes = "https://www.googleapis.com/auth/youtube.force-ssl"
	}
	cfg.YTClientTimeout = 3 * time.Second
	if v := os.Getenv("YT_CLIENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid YT_CLIENT_TIMEOUT (duration): %q", v)
		}
		cfg.YTClientTimeout = d
	}

	cfg.ChannelCachePath = os.Getenv("CHANNEL_CACHE_PATH")

	cfg.ViewerPollInterval = 30 * time.Second
	if v := os.Getenv("VIEWER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid VIEWER_POLL_INTERVAL (duration): %q", v)
		}
		cfg.ViewerPollInterval = d
	}

	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.RedisChannel = os.Getenv("REDIS_CHANNEL")
	if cfg.RedisChannel == "" {
		cfg.RedisChannel = "platform:event"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// HasUserOAuth reports whether OAuth client credentials are configured.
func (c *Config) HasUserOAuth() bool {
	return c.YTClientID != "" && c.YTClientSecret != ""
}

// ValidateAPIReady checks that some credential for the Data API is present.
func (c *Config) ValidateAPIReady() error {
	if c.YTAPIKey == "" && !c.HasUserOAuth() {
		return fmt.Errorf("missing youtube credentials: require YT_API_KEY or YT_CLIENT_ID and YT_CLIENT_SECRET")
	}
	return nil
}
