package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFeedURL     = "https://realtime.hsl.fi/realtime/vehicle-positions/v2/hsl"
	DefaultMessageName = "vehicle_positions"
)

// MessageNames lists the feed types a poller can ingest.
var MessageNames = []string{"vehicle_positions", "trip_updates", "service_alerts"}

type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	Bronze  BronzeConfig  `yaml:"bronze"`
	Silver  SilverConfig  `yaml:"silver"`
	Redis   RedisConfig   `yaml:"redis"`
	Status  StatusConfig  `yaml:"status"`
	Logging LoggingConfig `yaml:"logging"`
}

// FeedConfig describes the single GTFS-RT source a poller owns.
type FeedConfig struct {
	URL                  string            `yaml:"url" validate:"required,url"`
	MessageName          string            `yaml:"message_name" validate:"required,oneof=vehicle_positions trip_updates service_alerts"`
	PollInterval         time.Duration     `yaml:"poll_interval" validate:"gt=0"`
	RequestTimeout       time.Duration     `yaml:"request_timeout" validate:"gt=0"`
	MaxConsecutiveErrors int               `yaml:"max_consecutive_errors" validate:"gte=1"`
	Headers              map[string]string `yaml:"headers"`
}

type BronzeConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type SilverConfig struct {
	Driver  string `yaml:"driver" validate:"required,oneof=sqlite postgres mysql"`
	DSN     string `yaml:"dsn" validate:"required"`
	Workers int    `yaml:"workers" validate:"gte=1"`
}

// RedisConfig enables Bronze append announcements when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type StatusConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level             string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	FilePath          string `yaml:"file_path"`
	DiscordWebhookURL string `yaml:"discord_webhook_url" validate:"omitempty,url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Feed: FeedConfig{
			URL:                  DefaultFeedURL,
			MessageName:          DefaultMessageName,
			PollInterval:         5 * time.Second,
			RequestTimeout:       30 * time.Second,
			MaxConsecutiveErrors: 10,
		},
		Bronze: BronzeConfig{
			Path: "./data/gtfs_rt_raw",
		},
		Silver: SilverConfig{
			Driver:  "sqlite",
			DSN:     "./data/silver.db",
			Workers: 4,
		},
		Status: StatusConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:    "info",
			FilePath: "rt-transit.log",
		},
	}
}

// Load layers an optional YAML file and the environment over the defaults.
// The result is not validated; callers apply CLI overrides first.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Feed.URL = getEnv("GTFS_RT_URL", c.Feed.URL)
	c.Feed.MessageName = getEnv("GTFS_RT_MESSAGE_NAME", c.Feed.MessageName)
	c.Feed.PollInterval = getDurationEnv("GTFS_RT_POLL_INTERVAL", c.Feed.PollInterval)
	c.Feed.RequestTimeout = getDurationEnv("GTFS_RT_REQUEST_TIMEOUT", c.Feed.RequestTimeout)
	c.Feed.MaxConsecutiveErrors = getIntEnv("GTFS_RT_MAX_CONSECUTIVE_ERRORS", c.Feed.MaxConsecutiveErrors)
	if key := os.Getenv("GTFS_RT_API_KEY"); key != "" {
		if c.Feed.Headers == nil {
			c.Feed.Headers = make(map[string]string)
		}
		c.Feed.Headers[getEnv("GTFS_RT_API_KEY_HEADER", "Authorization")] = key
	}

	c.Bronze.Path = getEnv("BRONZE_PATH", c.Bronze.Path)

	c.Silver.Driver = getEnv("SILVER_DRIVER", c.Silver.Driver)
	c.Silver.DSN = getEnv("SILVER_DSN", c.Silver.DSN)
	c.Silver.Workers = getIntEnv("SILVER_WORKERS", c.Silver.Workers)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntEnv("REDIS_DB", c.Redis.DB)

	c.Status.Addr = getEnv("STATUS_ADDR", c.Status.Addr)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.FilePath = getEnv("LOG_FILE", c.Logging.FilePath)
	c.Logging.DiscordWebhookURL = getEnv("DISCORD_WEBHOOK_URL", c.Logging.DiscordWebhookURL)
}

// ApplyPairs reads job-style arguments of the form
//
//	gtfs_rt_url <url> message_name <name> poll_interval_seconds <n>
//
// They are only honoured when at least three pairs are given; fewer
// arguments leave the configuration untouched. Reports whether it applied.
func (c *Config) ApplyPairs(args []string) (bool, error) {
	if len(args) < 6 {
		return false, nil
	}

	pairs := make(map[string]string, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		pairs[args[i]] = args[i+1]
	}

	if v, ok := pairs["gtfs_rt_url"]; ok {
		c.Feed.URL = v
	}
	if v, ok := pairs["message_name"]; ok {
		c.Feed.MessageName = v
	}
	if v, ok := pairs["poll_interval_seconds"]; ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false, fmt.Errorf("poll_interval_seconds %q: %w", v, err)
		}
		c.Feed.PollInterval = time.Duration(secs * float64(time.Second))
	}
	return true, nil
}

// Validate checks the configuration after every override has been applied.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// bare numbers are seconds
		if secs, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
