package config

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cesargomez89/crate/internal/constants"
)

func validConfig() *Config {
	return &Config{
		Port:                "8080",
		DBPath:              "test.db",
		QueuePath:           "queue.json",
		DownloadsDir:        "/tmp/downloads",
		ProviderURL:         "http://localhost:8000",
		Quality:             constants.QualityLossless,
		LogLevel:            "info",
		LogFormat:           "text",
		AlbumTemplate:       constants.DefaultAlbumTemplate,
		PlaylistTemplate:    constants.DefaultPlaylistTemplate,
		CompilationTemplate: constants.DefaultCompilationTemplate,
		Concurrency:         3,
		PerCycleQuota:       10,
		MaxRetries:          3,
		NoRetryThreshold:    50,
		AdmitInterval:       time.Second,
		RateLimit:           5,
	}
}

func TestLoad(t *testing.T) {
	cfg := Load()

	if cfg.Port != constants.DefaultPort {
		t.Errorf("Expected Port to be %s, got %s", constants.DefaultPort, cfg.Port)
	}
	if cfg.DBPath != constants.DefaultDBPath {
		t.Errorf("Expected DBPath to be %s, got %s", constants.DefaultDBPath, cfg.DBPath)
	}
	if cfg.Quality != constants.DefaultQuality {
		t.Errorf("Expected Quality to be %s, got %s", constants.DefaultQuality, cfg.Quality)
	}
	if cfg.Concurrency != constants.DefaultConcurrency {
		t.Errorf("Expected Concurrency to be %d, got %d", constants.DefaultConcurrency, cfg.Concurrency)
	}
	if cfg.DownloadsDir == "" {
		t.Error("Expected DownloadsDir to not be empty")
	}
}

func TestLoadWithEnvVars(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("QUALITY", constants.QualityHigh)
	t.Setenv("CONCURRENCY", "7")
	t.Setenv("ADMIT_INTERVAL", "500ms")
	t.Setenv("PER_CYCLE_QUOTA", "not-a-number")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Expected Port to be 9090, got %s", cfg.Port)
	}
	if cfg.Quality != constants.QualityHigh {
		t.Errorf("Expected Quality to be %s, got %s", constants.QualityHigh, cfg.Quality)
	}
	if cfg.Concurrency != 7 {
		t.Errorf("Expected Concurrency to be 7, got %d", cfg.Concurrency)
	}
	if cfg.AdmitInterval != 500*time.Millisecond {
		t.Errorf("Expected AdmitInterval to be 500ms, got %s", cfg.AdmitInterval)
	}
	if cfg.PerCycleQuota != constants.DefaultPerCycleQuota {
		t.Errorf("Expected invalid PER_CYCLE_QUOTA to fall back to %d, got %d", constants.DefaultPerCycleQuota, cfg.PerCycleQuota)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }, wantErr: "PORT cannot be empty"},
		{name: "port out of range", mutate: func(c *Config) { c.Port = "70000" }, wantErr: "PORT must be between"},
		{name: "bad provider url", mutate: func(c *Config) { c.ProviderURL = "not a url" }, wantErr: "PROVIDER_URL is not a valid URL"},
		{name: "bad quality", mutate: func(c *Config) { c.Quality = "WAV" }, wantErr: "QUALITY must be one of"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: "LOG_LEVEL"},
		{name: "empty template", mutate: func(c *Config) { c.PlaylistTemplate = " " }, wantErr: "PLAYLIST_TEMPLATE cannot be empty"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: "CONCURRENCY must be at least 1"},
		{name: "zero quota", mutate: func(c *Config) { c.PerCycleQuota = 0 }, wantErr: "PER_CYCLE_QUOTA"},
		{name: "empty queue path", mutate: func(c *Config) { c.QueuePath = "" }, wantErr: "QUEUE_PATH cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Port = ""
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "PORT") || !strings.Contains(err.Error(), "LOG_FORMAT") {
		t.Errorf("Expected both problems reported, got %v", err)
	}
}

func TestApply(t *testing.T) {
	cfg := validConfig()
	cfg.Apply(map[string]string{
		SettingConcurrency:      "5",
		SettingOutputRoot:       "/music",
		SettingPlaylistTemplate: "{{.Playlist}}/{{.Title}}",
		"unknown":               "ignored",
	})

	if cfg.Concurrency != 5 {
		t.Errorf("Expected Concurrency 5, got %d", cfg.Concurrency)
	}
	if cfg.DownloadsDir != "/music" {
		t.Errorf("Expected DownloadsDir /music, got %s", cfg.DownloadsDir)
	}
	if cfg.PlaylistTemplate != "{{.Playlist}}/{{.Title}}" {
		t.Errorf("Expected playlist template override, got %s", cfg.PlaylistTemplate)
	}

	cfg.Apply(map[string]string{SettingConcurrency: "many"})
	if cfg.Concurrency != 5 {
		t.Errorf("Expected invalid concurrency to be ignored, got %d", cfg.Concurrency)
	}

	settings := cfg.Settings()
	if settings[SettingOutputRoot] != "/music" {
		t.Errorf("Expected settings view to reflect output root, got %s", settings[SettingOutputRoot])
	}
}

func TestApply_ConcurrentWithSettings(t *testing.T) {
	cfg := validConfig()

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		i := i
		wg.Add(2)
		go func() {
			defer wg.Done()
			cfg.Apply(map[string]string{SettingConcurrency: strconv.Itoa(i)})
		}()
		go func() {
			defer wg.Done()
			if cfg.Settings()[SettingConcurrency] == "" {
				t.Error("Expected concurrency in the settings view")
			}
		}()
	}
	wg.Wait()

	n, err := strconv.Atoi(cfg.Settings()[SettingConcurrency])
	if err != nil || n < 1 || n > 8 {
		t.Errorf("Expected one of the applied values, got %d (%v)", n, err)
	}
}

func TestEffectiveConcurrency(t *testing.T) {
	tests := []struct {
		requested int
		want      int
	}{
		{0, constants.DefaultConcurrency},
		{-2, constants.DefaultConcurrency},
		{4, 4},
		{constants.MaxConcurrencyCeiling, constants.MaxConcurrencyCeiling},
		{500, constants.MaxConcurrencyCeiling},
	}
	for _, tt := range tests {
		cfg := Config{Concurrency: tt.requested}
		if got := cfg.EffectiveConcurrency(); got != tt.want {
			t.Errorf("EffectiveConcurrency(%d) = %d, want %d", tt.requested, got, tt.want)
		}
	}
}

func TestIsSettingKey(t *testing.T) {
	if !IsSettingKey(SettingQuality) {
		t.Error("Expected quality to be a setting key")
	}
	if IsSettingKey("password") {
		t.Error("Expected password to not be a setting key")
	}
}
