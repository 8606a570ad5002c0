// Package config loads engine configuration from the environment and
// exposes functional options for programmatic overrides.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/optimail/optimail/utils"
)

// Config holds every tunable the engine reads at startup. Environment
// variables override the defaults; functional options override both.
type Config struct {
	// Model provider.
	APIKey      string        `env:"OPTIMAIL_API_KEY"`
	Model       string        `env:"OPTIMAIL_MODEL" envDefault:"gpt-4o-mini"`
	Endpoint    string        `env:"OPTIMAIL_ENDPOINT"`
	Temperature float64       `env:"OPTIMAIL_TEMPERATURE" envDefault:"0.7"`
	MaxTokens   int           `env:"OPTIMAIL_MAX_TOKENS" envDefault:"400"`
	Timeout     time.Duration `env:"OPTIMAIL_TIMEOUT" envDefault:"30s"`
	MaxRetries  int           `env:"OPTIMAIL_MAX_RETRIES" envDefault:"3"`
	RetryDelay  time.Duration `env:"OPTIMAIL_RETRY_DELAY" envDefault:"2s"`

	// Optimization trigger.
	MinFeedbackCount       int           `env:"OPTIMAIL_MIN_FEEDBACK_COUNT" envDefault:"10"`
	MinNegativeRatio       float64       `env:"OPTIMAIL_MIN_NEGATIVE_RATIO" envDefault:"0.3"`
	FeedbackWindow         time.Duration `env:"OPTIMAIL_FEEDBACK_WINDOW" envDefault:"24h"`
	OptimizationCooldown   time.Duration `env:"OPTIMAIL_OPTIMIZATION_COOLDOWN" envDefault:"2h"`
	MaxOptimizationsPerDay int           `env:"OPTIMAIL_MAX_OPTIMIZATIONS_PER_DAY" envDefault:"6"`

	// Background scheduler.
	CheckInterval time.Duration `env:"OPTIMAIL_CHECK_INTERVAL" envDefault:"30m"`

	// Persistence.
	DatabasePath string `env:"OPTIMAIL_DB_PATH" envDefault:"optimail.db"`

	LogLevel utils.LogLevel `env:"OPTIMAIL_LOG_LEVEL" envDefault:"WARN"`
	Logger   utils.Logger   `env:"-"`
}

// LoadConfig builds a Config from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfig returns a Config with the library defaults, independent of
// the environment.
func NewConfig() *Config {
	return &Config{
		Model:                  "gpt-4o-mini",
		Temperature:            0.7,
		MaxTokens:              400,
		Timeout:                30 * time.Second,
		MaxRetries:             3,
		RetryDelay:             2 * time.Second,
		MinFeedbackCount:       10,
		MinNegativeRatio:       0.3,
		FeedbackWindow:         24 * time.Hour,
		OptimizationCooldown:   2 * time.Hour,
		MaxOptimizationsPerDay: 6,
		CheckInterval:          30 * time.Minute,
		DatabasePath:           "optimail.db",
		LogLevel:               utils.LogLevelWarn,
	}
}

// ConfigOption mutates a Config.
type ConfigOption func(*Config)

// ApplyOptions applies the given options in order.
func ApplyOptions(cfg *Config, opts ...ConfigOption) {
	for _, opt := range opts {
		opt(cfg)
	}
}

func SetAPIKey(key string) ConfigOption {
	return func(c *Config) { c.APIKey = key }
}

func SetModel(model string) ConfigOption {
	return func(c *Config) { c.Model = model }
}

func SetEndpoint(endpoint string) ConfigOption {
	return func(c *Config) { c.Endpoint = endpoint }
}

func SetTemperature(temperature float64) ConfigOption {
	return func(c *Config) { c.Temperature = temperature }
}

func SetMaxTokens(maxTokens int) ConfigOption {
	return func(c *Config) { c.MaxTokens = maxTokens }
}

func SetTimeout(timeout time.Duration) ConfigOption {
	return func(c *Config) { c.Timeout = timeout }
}

func SetMinFeedbackCount(n int) ConfigOption {
	return func(c *Config) { c.MinFeedbackCount = n }
}

func SetMinNegativeRatio(ratio float64) ConfigOption {
	return func(c *Config) { c.MinNegativeRatio = ratio }
}

func SetFeedbackWindow(window time.Duration) ConfigOption {
	return func(c *Config) { c.FeedbackWindow = window }
}

func SetOptimizationCooldown(cooldown time.Duration) ConfigOption {
	return func(c *Config) { c.OptimizationCooldown = cooldown }
}

func SetMaxOptimizationsPerDay(n int) ConfigOption {
	return func(c *Config) { c.MaxOptimizationsPerDay = n }
}

func SetCheckInterval(interval time.Duration) ConfigOption {
	return func(c *Config) { c.CheckInterval = interval }
}

func SetDatabasePath(path string) ConfigOption {
	return func(c *Config) { c.DatabasePath = path }
}

func SetLogLevel(level utils.LogLevel) ConfigOption {
	return func(c *Config) { c.LogLevel = level }
}

func SetLogger(logger utils.Logger) ConfigOption {
	return func(c *Config) { c.Logger = logger }
}
