package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
)

// Config holds all configuration for the feed service
type Config struct {
	Redis         RedisConfig           `mapstructure:"redis"`
	Database      DatabaseConfig        `mapstructure:"database"`
	AWS           AWSConfig             `mapstructure:"aws"`
	Cache         CacheConfig           `mapstructure:"cache"`
	Tiers         map[string]TierConfig `mapstructure:"tiers"`
	Score         ScoreConfig           `mapstructure:"score"`
	Fallback      FallbackConfig        `mapstructure:"fallback"`
	Refresh       RefreshConfig         `mapstructure:"refresh"`
	Scheduler     SchedulerConfig       `mapstructure:"scheduler"`
	Observability ObservabilityConfig   `mapstructure:"observability"`
	HTTP          HTTPConfig            `mapstructure:"http"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig points at the SQLite store of record
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Region      string `mapstructure:"region"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

// CacheConfig holds tier cache settings
type CacheConfig struct {
	// Backend is "redis" or "memory"
	Backend   string `mapstructure:"backend"`
	KeyPrefix string `mapstructure:"key_prefix"`
	L1MaxSize int    `mapstructure:"l1_max_size"`
	// EarlyRefreshWindow is the fraction of TTL remaining below which a
	// read is STALE
	EarlyRefreshWindow float64       `mapstructure:"early_refresh_window"`
	Timeout            time.Duration `mapstructure:"timeout"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
}

// TierConfig overrides one tier's built-in spec
type TierConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	MaxMembers     int           `mapstructure:"max_members"`
	Representation string        `mapstructure:"representation"`
	Cadence        string        `mapstructure:"cadence"`
}

// ScoreConfig holds real-time score settings
type ScoreConfig struct {
	DecayFactor float64       `mapstructure:"decay_factor"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
	// HalfOpenRequests is only used by the fallback breakers
	HalfOpenRequests uint32 `mapstructure:"half_open_requests"`
}

// FallbackConfig holds DB fallback limits
type FallbackConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
	// LastKnownTTL is how long a last-known-good page is kept
	LastKnownTTL  time.Duration `mapstructure:"last_known_ttl"`
}

// RefreshConfig sizes the async rebuild worker pool
type RefreshConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// SchedulerConfig holds promotion scheduler settings
type SchedulerConfig struct {
	Timezone    string        `mapstructure:"timezone"`
	WarmOnStart bool          `mapstructure:"warm_on_start"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// FEED_CACHE_BACKEND overrides cache.backend, etc.
	v.SetEnvPrefix("feed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing default config file is fine; an explicit path must exist
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.path", "feed.db")

	// AWS defaults
	v.SetDefault("aws.enabled", false)
	v.SetDefault("aws.endpoint", "http://localhost:4566")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.sns_topic_arn", "arn:aws:sns:us-east-1:000000000000:post-featured")

	// Cache defaults
	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.key_prefix", "feed:")
	v.SetDefault("cache.l1_max_size", 1000)
	v.SetDefault("cache.early_refresh_window", 0.1)
	v.SetDefault("cache.timeout", "500ms")
	v.SetDefault("cache.lock_ttl", "30s")

	// Tier defaults
	for tier, spec := range feed.DefaultTierSpecs() {
		prefix := "tiers." + tier.Key() + "."
		v.SetDefault(prefix+"ttl", spec.TTL.String())
		v.SetDefault(prefix+"max_members", spec.MaxMembers)
		v.SetDefault(prefix+"representation", string(spec.Representation))
		v.SetDefault(prefix+"cadence", spec.Cadence)
	}

	// Score defaults
	v.SetDefault("score.decay_factor", 0.9)
	v.SetDefault("score.breaker.failure_threshold", 5)
	v.SetDefault("score.breaker.cool_down", "30s")

	// Fallback defaults
	v.SetDefault("fallback.timeout", "2s")
	v.SetDefault("fallback.max_concurrent", 8)
	v.SetDefault("fallback.rate_per_second", 50)
	v.SetDefault("fallback.burst", 20)
	v.SetDefault("fallback.last_known_ttl", "24h")
	v.SetDefault("fallback.breaker.failure_threshold", 5)
	v.SetDefault("fallback.breaker.cool_down", "15s")
	v.SetDefault("fallback.breaker.half_open_requests", 1)

	v.SetDefault("refresh.workers", 4)
	v.SetDefault("refresh.queue_size", 64)

	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.warm_on_start", true)
	v.SetDefault("scheduler.job_timeout", "2m")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
}

// TierSpecs merges the tier overrides onto the built-in tier table
func (c *Config) TierSpecs() map[feed.Tier]feed.TierSpec {
	specs := feed.DefaultTierSpecs()
	for name, tc := range c.Tiers {
		tier, err := feed.ParseTier(name)
		if err != nil {
			continue
		}
		spec := specs[tier]
		if tc.TTL > 0 {
			spec.TTL = tc.TTL
		}
		if tc.MaxMembers > 0 {
			spec.MaxMembers = tc.MaxMembers
		}
		if tc.Representation != "" {
			spec.Representation = feed.Representation(tc.Representation)
		}
		if tc.Cadence != "" {
			spec.Cadence = tc.Cadence
		}
		specs[tier] = spec
	}
	return specs
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid cache backend: %s", c.Cache.Backend)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.AWS.Enabled {
		if c.AWS.Region == "" {
			return fmt.Errorf("AWS region is required")
		}
		if c.AWS.SNSTopicARN == "" {
			return fmt.Errorf("SNS topic ARN is required")
		}
	}

	if w := c.Cache.EarlyRefreshWindow; w < 0 || w >= 1 {
		return fmt.Errorf("early refresh window must be in [0,1), got %v", w)
	}
	if c.Cache.Timeout <= 0 || c.Cache.LockTTL <= 0 {
		return fmt.Errorf("cache timeout and lock ttl must be positive")
	}

	for name := range c.Tiers {
		if _, err := feed.ParseTier(name); err != nil {
			return err
		}
	}
	for tier, spec := range c.TierSpecs() {
		if spec.MaxMembers <= 0 {
			return fmt.Errorf("tier %s: max members must be positive", tier)
		}
		if spec.TTL <= 0 {
			return fmt.Errorf("tier %s: ttl must be positive", tier)
		}
		if spec.Representation != feed.RepresentationSnapshot && spec.Representation != feed.RepresentationHash {
			return fmt.Errorf("tier %s: invalid representation %q", tier, spec.Representation)
		}
		if spec.Cadence == "" {
			return fmt.Errorf("tier %s: cadence is required", tier)
		}
	}

	if f := c.Score.DecayFactor; f <= 0 || f > 1 {
		return fmt.Errorf("decay factor must be in (0,1], got %v", f)
	}
	if c.Score.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("score breaker failure threshold must be positive")
	}
	if c.Fallback.Timeout <= 0 {
		return fmt.Errorf("fallback timeout must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
