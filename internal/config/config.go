package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cesargomez89/crate/internal/constants"
)

// Settings keys that can be overridden at runtime from the settings table.
const (
	SettingConcurrency         = "concurrency"
	SettingOutputRoot          = "output_root"
	SettingQuality             = "quality"
	SettingAlbumTemplate       = "album_template"
	SettingPlaylistTemplate    = "playlist_template"
	SettingCompilationTemplate = "compilation_template"
)

// Config holds all application configuration. The runtime settings can be
// changed while the server runs; Apply and Settings are safe for concurrent use.
type Config struct {
	mu sync.RWMutex

	Port         string
	DBPath       string
	QueuePath    string
	DownloadsDir string
	ProviderURL  string
	Quality      string
	LogLevel     string
	LogFormat    string

	AlbumTemplate       string
	PlaylistTemplate    string
	CompilationTemplate string

	Concurrency      int
	PerCycleQuota    int
	MaxRetries       int
	NoRetryThreshold int
	AdmitInterval    time.Duration
	StopTimeout      time.Duration
	RateLimit        int
	MetricsEnabled   bool
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	home, _ := os.UserHomeDir()
	defaultDownload := filepath.Join(home, "Music/crate")

	return &Config{
		Port:         getEnv("PORT", constants.DefaultPort),
		DBPath:       getEnv("DB_PATH", constants.DefaultDBPath),
		QueuePath:    getEnv("QUEUE_PATH", constants.DefaultQueueFile),
		DownloadsDir: getEnv("DOWNLOADS_DIR", defaultDownload),
		ProviderURL:  getEnv("PROVIDER_URL", constants.DefaultProviderURL),
		Quality:      getEnv("QUALITY", constants.DefaultQuality),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFormat:    getEnv("LOG_FORMAT", "text"),

		AlbumTemplate:       getEnv("ALBUM_TEMPLATE", constants.DefaultAlbumTemplate),
		PlaylistTemplate:    getEnv("PLAYLIST_TEMPLATE", constants.DefaultPlaylistTemplate),
		CompilationTemplate: getEnv("COMPILATION_TEMPLATE", constants.DefaultCompilationTemplate),

		Concurrency:      getEnvInt("CONCURRENCY", constants.DefaultConcurrency),
		PerCycleQuota:    getEnvInt("PER_CYCLE_QUOTA", constants.DefaultPerCycleQuota),
		MaxRetries:       getEnvInt("MAX_RETRIES", constants.DefaultMaxRetries),
		NoRetryThreshold: getEnvInt("NO_RETRY_THRESHOLD", constants.DefaultNoRetryLimit),
		AdmitInterval:    getEnvDuration("ADMIT_INTERVAL", constants.DefaultAdmitInterval),
		StopTimeout:      getEnvDuration("STOP_TIMEOUT", constants.DefaultStopTimeout),
		RateLimit:        getEnvInt("RATE_LIMIT", constants.DefaultRateLimit),
		MetricsEnabled:   getEnv("METRICS_ENABLED", "true") == "true",
	}
}

// Apply overlays persisted settings on top of the environment configuration.
// Unknown keys are ignored; invalid numbers leave the current value untouched.
func (c *Config) Apply(settings map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range settings {
		switch key {
		case SettingConcurrency:
			if n, err := strconv.Atoi(value); err == nil {
				c.Concurrency = n
			}
		case SettingOutputRoot:
			c.DownloadsDir = value
		case SettingQuality:
			c.Quality = value
		case SettingAlbumTemplate:
			c.AlbumTemplate = value
		case SettingPlaylistTemplate:
			c.PlaylistTemplate = value
		case SettingCompilationTemplate:
			c.CompilationTemplate = value
		}
	}
}

// Settings returns the read-only view of the runtime settings.
func (c *Config) Settings() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]string{
		SettingConcurrency:         strconv.Itoa(c.Concurrency),
		SettingOutputRoot:          c.DownloadsDir,
		SettingQuality:             c.Quality,
		SettingAlbumTemplate:       c.AlbumTemplate,
		SettingPlaylistTemplate:    c.PlaylistTemplate,
		SettingCompilationTemplate: c.CompilationTemplate,
	}
}

// IsSettingKey reports whether key can be stored in the settings table.
func IsSettingKey(key string) bool {
	switch key {
	case SettingConcurrency, SettingOutputRoot, SettingQuality,
		SettingAlbumTemplate, SettingPlaylistTemplate, SettingCompilationTemplate:
		return true
	}
	return false
}

// EffectiveConcurrency clamps the requested worker count to the safety ceiling.
func (c *Config) EffectiveConcurrency() int {
	switch {
	case c.Concurrency < 1:
		return constants.DefaultConcurrency
	case c.Concurrency > constants.MaxConcurrencyCeiling:
		return constants.MaxConcurrencyCeiling
	default:
		return c.Concurrency
	}
}

// Validate validates the configuration and returns detailed errors
func (c *Config) Validate() error {
	var errors []string

	// Validate Port
	if c.Port == "" {
		errors = append(errors, "PORT cannot be empty")
	} else {
		port, err := strconv.Atoi(c.Port)
		if err != nil {
			errors = append(errors, fmt.Sprintf("PORT must be a valid number, got: %s", c.Port))
		} else if port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be between 1 and 65535, got: %d", port))
		}
	}

	if c.DBPath == "" {
		errors = append(errors, "DB_PATH cannot be empty")
	}
	if c.QueuePath == "" {
		errors = append(errors, "QUEUE_PATH cannot be empty")
	}
	if c.DownloadsDir == "" {
		errors = append(errors, "DOWNLOADS_DIR cannot be empty")
	}

	// Validate ProviderURL
	if c.ProviderURL == "" {
		errors = append(errors, "PROVIDER_URL cannot be empty")
	} else if u, err := url.Parse(c.ProviderURL); err != nil || u.Scheme == "" || u.Host == "" {
		errors = append(errors, fmt.Sprintf("PROVIDER_URL is not a valid URL: %s", c.ProviderURL))
	}

	validQualities := map[string]bool{
		constants.QualityLossless: true,
		constants.QualityHigh:     true,
		constants.QualityLow:      true,
	}
	if !validQualities[c.Quality] {
		errors = append(errors, fmt.Sprintf("QUALITY must be one of: FLAC, MP3_320, MP3_128, got: %s", c.Quality))
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		errors = append(errors, fmt.Sprintf("LOG_LEVEL must be one of: debug, info, warn, error, got: %s", c.LogLevel))
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.LogFormat] {
		errors = append(errors, fmt.Sprintf("LOG_FORMAT must be one of: text, json, got: %s", c.LogFormat))
	}

	for name, tmpl := range map[string]string{
		"ALBUM_TEMPLATE":       c.AlbumTemplate,
		"PLAYLIST_TEMPLATE":    c.PlaylistTemplate,
		"COMPILATION_TEMPLATE": c.CompilationTemplate,
	} {
		if strings.TrimSpace(tmpl) == "" {
			errors = append(errors, fmt.Sprintf("%s cannot be empty", name))
		}
	}

	if c.Concurrency < 1 {
		errors = append(errors, fmt.Sprintf("CONCURRENCY must be at least 1, got: %d", c.Concurrency))
	}
	if c.PerCycleQuota < 1 {
		errors = append(errors, fmt.Sprintf("PER_CYCLE_QUOTA must be at least 1, got: %d", c.PerCycleQuota))
	}
	if c.MaxRetries < 0 {
		errors = append(errors, fmt.Sprintf("MAX_RETRIES cannot be negative, got: %d", c.MaxRetries))
	}
	if c.NoRetryThreshold < 1 {
		errors = append(errors, fmt.Sprintf("NO_RETRY_THRESHOLD must be at least 1, got: %d", c.NoRetryThreshold))
	}
	if c.AdmitInterval <= 0 {
		errors = append(errors, "ADMIT_INTERVAL must be positive")
	}
	if c.RateLimit < 1 {
		errors = append(errors, fmt.Sprintf("RATE_LIMIT must be at least 1, got: %d", c.RateLimit))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
