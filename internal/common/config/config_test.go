package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultFeedURL, cfg.Feed.URL)
	assert.Equal(t, "vehicle_positions", cfg.Feed.MessageName)
	assert.Equal(t, 5*time.Second, cfg.Feed.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Feed.RequestTimeout)
	assert.Equal(t, 10, cfg.Feed.MaxConsecutiveErrors)
	assert.False(t, cfg.Redis.Enabled())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rt-transit.yml")
	yml := `
feed:
  url: https://example.org/trip-updates
  message_name: trip_updates
  poll_interval: 15s
bronze:
  path: /tmp/bronze
silver:
  driver: postgres
  dsn: postgres://localhost/silver
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))

	t.Setenv("GTFS_RT_POLL_INTERVAL", "20")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://example.org/trip-updates", cfg.Feed.URL)
	assert.Equal(t, "trip_updates", cfg.Feed.MessageName)
	assert.Equal(t, 20*time.Second, cfg.Feed.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Feed.RequestTimeout)
	assert.Equal(t, "/tmp/bronze", cfg.Bronze.Path)
	assert.Equal(t, "postgres", cfg.Silver.Driver)
	assert.True(t, cfg.Redis.Enabled())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

func TestAPIKeyHeaderFromEnv(t *testing.T) {
	t.Setenv("GTFS_RT_API_KEY", "secret")
	t.Setenv("GTFS_RT_API_KEY_HEADER", "Ocp-Apim-Subscription-Key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.Feed.Headers["Ocp-Apim-Subscription-Key"])
}

func TestApplyPairs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		applied  bool
		wantURL  string
		wantName string
		wantPoll time.Duration
	}{
		{
			name:     "all pairs",
			args:     []string{"gtfs_rt_url", "https://example.org/alerts", "message_name", "service_alerts", "poll_interval_seconds", "2.5"},
			applied:  true,
			wantURL:  "https://example.org/alerts",
			wantName: "service_alerts",
			wantPoll: 2500 * time.Millisecond,
		},
		{
			name:     "insufficient falls back to defaults",
			args:     []string{"gtfs_rt_url", "https://example.org/alerts"},
			wantURL:  DefaultFeedURL,
			wantName: DefaultMessageName,
			wantPoll: 5 * time.Second,
		},
		{
			name:     "no args",
			wantURL:  DefaultFeedURL,
			wantName: DefaultMessageName,
			wantPoll: 5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			applied, err := cfg.ApplyPairs(tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.applied, applied)
			assert.Equal(t, tt.wantURL, cfg.Feed.URL)
			assert.Equal(t, tt.wantName, cfg.Feed.MessageName)
			assert.Equal(t, tt.wantPoll, cfg.Feed.PollInterval)
		})
	}
}

func TestApplyPairsBadInterval(t *testing.T) {
	cfg := Default()
	_, err := cfg.ApplyPairs([]string{"gtfs_rt_url", "u", "message_name", "trip_updates", "poll_interval_seconds", "soon"})
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown message", func(c *Config) { c.Feed.MessageName = "occupancy" }},
		{"bad url", func(c *Config) { c.Feed.URL = "not a url" }},
		{"zero poll", func(c *Config) { c.Feed.PollInterval = 0 }},
		{"zero threshold", func(c *Config) { c.Feed.MaxConsecutiveErrors = 0 }},
		{"unknown driver", func(c *Config) { c.Silver.Driver = "oracle" }},
		{"empty bronze", func(c *Config) { c.Bronze.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
