// Package config loads relay runtime parameters from a config file and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay node's runtime parameters.
type Config struct {
	Port                string        `mapstructure:"port"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	AdminAddress        string        `mapstructure:"admin_address"`
	InstanceID          string        `mapstructure:"instance_id"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Limits   LimitsConfig   `mapstructure:"limits"`
}

// RedisConfig describes how to reach the shared KV/pub-sub backend.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
}

// DatabaseConfig describes how to reach the external account store.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// LimitsConfig carries the tunables from spec §6; all overridable at boot.
type LimitsConfig struct {
	MaxPayloadBytes  int64         `mapstructure:"max_payload_bytes"`
	MaxFrameBytes    int64         `mapstructure:"max_frame_bytes"`
	QueueTTL         time.Duration `mapstructure:"queue_ttl"`
	MaxQueueLen      int           `mapstructure:"max_queue_len"`
	SyncCodeTTL      time.Duration `mapstructure:"sync_code_ttl"`
	InviteTTL        time.Duration `mapstructure:"invite_ttl"`
	PresenceTTL      time.Duration `mapstructure:"presence_ttl"`
	MaxTokens        float64       `mapstructure:"max_tokens"`
	RefillRatePerSec float64       `mapstructure:"refill_rate_per_sec"`
}

const (
	defaultPort                = "3000"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAdminAddress        = "0.0.0.0:9090"

	defaultMaxPayloadBytes  = 5 * 1024 * 1024
	defaultMaxFrameBytes    = 10 * 1024 * 1024
	defaultQueueTTL         = 30 * time.Minute
	defaultMaxQueueLen      = 100
	defaultSyncCodeTTL      = 5 * time.Minute
	defaultInviteTTL        = 24 * time.Hour
	defaultPresenceTTL      = time.Hour
	defaultMaxTokens        = 100
	defaultRefillRatePerSec = 10
)

// Load reads configuration from the optional file path and the environment.
// Environment variables are prefixed with RELAY_ and override file values.
// The spec's own env names (PORT, REDIS_URL, REDIS_HOST, REDIS_PORT,
// REDIS_PASSWORD, DATABASE_URL) are also honored directly.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("port", defaultPort)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("database.url", "")
	v.SetDefault("limits.max_payload_bytes", defaultMaxPayloadBytes)
	v.SetDefault("limits.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("limits.queue_ttl", defaultQueueTTL.String())
	v.SetDefault("limits.max_queue_len", defaultMaxQueueLen)
	v.SetDefault("limits.sync_code_ttl", defaultSyncCodeTTL.String())
	v.SetDefault("limits.invite_ttl", defaultInviteTTL.String())
	v.SetDefault("limits.presence_ttl", defaultPresenceTTL.String())
	v.SetDefault("limits.max_tokens", defaultMaxTokens)
	v.SetDefault("limits.refill_rate_per_sec", defaultRefillRatePerSec)

	_ = v.BindEnv("port", "PORT", "RELAY_PORT")
	_ = v.BindEnv("redis.url", "REDIS_URL", "RELAY_REDIS_URL")
	_ = v.BindEnv("redis.host", "REDIS_HOST", "RELAY_REDIS_HOST")
	_ = v.BindEnv("redis.port", "REDIS_PORT", "RELAY_REDIS_PORT")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD", "RELAY_REDIS_PASSWORD")
	_ = v.BindEnv("database.url", "DATABASE_URL", "RELAY_DATABASE_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// viper leaves durations from env/file as strings; normalize explicitly.
	durationFields := map[string]*time.Duration{
		"shutdown_grace_period": &cfg.ShutdownGracePeriod,
		"limits.queue_ttl":      &cfg.Limits.QueueTTL,
		"limits.sync_code_ttl":  &cfg.Limits.SyncCodeTTL,
		"limits.invite_ttl":     &cfg.Limits.InviteTTL,
		"limits.presence_ttl":   &cfg.Limits.PresenceTTL,
	}
	for key, dst := range durationFields {
		if !v.IsSet(key) {
			continue
		}
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	cfg.applyZeroDefaults()
	return cfg, nil
}

func (c *Config) applyZeroDefaults() {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = defaultShutdownGracePeriod
	}
	if c.AdminAddress == "" {
		c.AdminAddress = defaultAdminAddress
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if c.Limits.MaxFrameBytes <= 0 {
		c.Limits.MaxFrameBytes = defaultMaxFrameBytes
	}
	if c.Limits.QueueTTL <= 0 {
		c.Limits.QueueTTL = defaultQueueTTL
	}
	if c.Limits.MaxQueueLen <= 0 {
		c.Limits.MaxQueueLen = defaultMaxQueueLen
	}
	if c.Limits.SyncCodeTTL <= 0 {
		c.Limits.SyncCodeTTL = defaultSyncCodeTTL
	}
	if c.Limits.InviteTTL <= 0 {
		c.Limits.InviteTTL = defaultInviteTTL
	}
	if c.Limits.PresenceTTL <= 0 {
		c.Limits.PresenceTTL = defaultPresenceTTL
	}
	if c.Limits.MaxTokens <= 0 {
		c.Limits.MaxTokens = defaultMaxTokens
	}
	if c.Limits.RefillRatePerSec <= 0 {
		c.Limits.RefillRatePerSec = defaultRefillRatePerSec
	}
}

// RedisAddr resolves the configured Redis connection target, preferring the
// URL form when present.
func (r RedisConfig) RedisAddr() string {
	if r.URL != "" {
		return r.URL
	}
	host := r.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", host, port)
}
