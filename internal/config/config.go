// Package config loads the application configuration from a YAML file with
// .env / environment-variable overrides for secrets.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the recall monitor.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Email      EmailConfig      `yaml:"email"`
	Digest     DigestConfig     `yaml:"digest"`
	Sync       SyncConfig       `yaml:"sync"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, with container detection: on ECS the
// server must bind all interfaces regardless of the file value.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// StorageConfig holds document-store and archive configuration.
type StorageConfig struct {
	DynamoDBTable string `yaml:"dynamodb_table"`
	S3Bucket      string `yaml:"s3_bucket"`
	AWSRegion     string `yaml:"aws_region"`
	AWSProfile    string `yaml:"aws_profile"` // empty uses the default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile with environment override.
func (c StorageConfig) GetAWSProfile() string {
	if p := os.Getenv("AWS_PROFILE_OVERRIDE"); p != "" {
		if p == "none" || p == "iam" {
			return ""
		}
		return p
	}
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// RedisConfig holds the distributed-lock backend. When disabled the workers
// fall back to a no-op lock, which is only safe for single-process deploys.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// FeedsConfig holds upstream recall feed endpoints.
type FeedsConfig struct {
	USDABaseURL    string `yaml:"usda_base_url"`
	FDABaseURL     string `yaml:"fda_base_url"`
	FDARSSURL      string `yaml:"fda_rss_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	LookbackDays   int    `yaml:"lookback_days"`
}

// Timeout returns the feed HTTP timeout as a duration.
func (c FeedsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EnrichmentConfig holds the Bedrock title-enhancement settings.
type EnrichmentConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ModelID      string `yaml:"model_id"`
	Region       string `yaml:"region"`
	MaxPerRun    int    `yaml:"max_per_run"`
	RetryDelayMS int    `yaml:"retry_delay_ms"`
}

// RetryDelay returns the linear backoff step between enrichment attempts.
func (c EnrichmentConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// EmailConfig holds outbound provider settings and the webhook signing key.
type EmailConfig struct {
	FromName          string `yaml:"from_name"`
	FromEmail         string `yaml:"from_email"`
	ReplyTo           string `yaml:"reply_to"`
	Region            string `yaml:"region"`
	AccessKey         string `yaml:"access_key"`
	SecretKey         string `yaml:"secret_key"`
	WebhookSigningKey string `yaml:"webhook_signing_key"`
}

// DigestConfig holds dispatch timing and retry behavior.
type DigestConfig struct {
	DailySendHourUTC  int `yaml:"daily_send_hour_utc"`
	WeeklySendHourUTC int `yaml:"weekly_send_hour_utc"`
	MaxSendAttempts   int `yaml:"max_send_attempts"`
	SendConcurrency   int `yaml:"send_concurrency"`
	BaseBackoffMS     int `yaml:"base_backoff_ms"`
	LeaseMinutes      int `yaml:"lease_minutes"`
}

// BaseBackoff returns the first retry delay; it doubles each attempt.
func (c DigestConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMS) * time.Millisecond
}

// Lease returns how long a queue may sit in "processing" before the reaper
// reclaims it.
func (c DigestConfig) Lease() time.Duration {
	return time.Duration(c.LeaseMinutes) * time.Minute
}

// SyncConfig holds the periodic trigger intervals.
type SyncConfig struct {
	IntervalMinutes         int `yaml:"interval_minutes"`
	DispatchIntervalMinutes int `yaml:"dispatch_interval_minutes"`
	RetryIntervalMinutes    int `yaml:"retry_interval_minutes"`
	RSSPollMinutes          int `yaml:"rss_poll_minutes"`
}

// Interval returns the feed sync interval.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// DispatchInterval returns how often due queues are checked.
func (c SyncConfig) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalMinutes) * time.Minute
}

// RetryInterval returns how often the durable send-retry queue is drained.
func (c SyncConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMinutes) * time.Minute
}

// RSSPoll returns the RSS fast-path poll interval.
func (c SyncConfig) RSSPoll() time.Duration {
	return time.Duration(c.RSSPollMinutes) * time.Minute
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-east-1"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Feeds.USDABaseURL == "" {
		cfg.Feeds.USDABaseURL = "https://www.fsis.usda.gov/fsis/api/recall/v/1"
	}
	if cfg.Feeds.FDABaseURL == "" {
		cfg.Feeds.FDABaseURL = "https://api.fda.gov/food/enforcement.json"
	}
	if cfg.Feeds.FDARSSURL == "" {
		cfg.Feeds.FDARSSURL = "https://www.fda.gov/about-fda/contact-fda/stay-informed/rss-feeds/recalls/rss.xml"
	}
	if cfg.Feeds.TimeoutSeconds == 0 {
		cfg.Feeds.TimeoutSeconds = 30
	}
	if cfg.Feeds.LookbackDays == 0 {
		cfg.Feeds.LookbackDays = 60
	}
	if cfg.Enrichment.ModelID == "" {
		cfg.Enrichment.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.Enrichment.Region == "" {
		cfg.Enrichment.Region = "us-east-1"
	}
	if cfg.Enrichment.MaxPerRun == 0 {
		cfg.Enrichment.MaxPerRun = 500
	}
	if cfg.Enrichment.RetryDelayMS == 0 {
		cfg.Enrichment.RetryDelayMS = 2000
	}
	if cfg.Email.Region == "" {
		cfg.Email.Region = "us-east-1"
	}
	if cfg.Digest.DailySendHourUTC == 0 {
		cfg.Digest.DailySendHourUTC = 17
	}
	if cfg.Digest.WeeklySendHourUTC == 0 {
		cfg.Digest.WeeklySendHourUTC = 16
	}
	if cfg.Digest.MaxSendAttempts == 0 {
		cfg.Digest.MaxSendAttempts = 3
	}
	if cfg.Digest.SendConcurrency == 0 {
		cfg.Digest.SendConcurrency = 5
	}
	if cfg.Digest.BaseBackoffMS == 0 {
		cfg.Digest.BaseBackoffMS = 500
	}
	if cfg.Digest.LeaseMinutes == 0 {
		cfg.Digest.LeaseMinutes = 30
	}
	if cfg.Sync.IntervalMinutes == 0 {
		cfg.Sync.IntervalMinutes = 360
	}
	if cfg.Sync.DispatchIntervalMinutes == 0 {
		cfg.Sync.DispatchIntervalMinutes = 10
	}
	if cfg.Sync.RetryIntervalMinutes == 0 {
		cfg.Sync.RetryIntervalMinutes = 5
	}
	if cfg.Sync.RSSPollMinutes == 0 {
		cfg.Sync.RSSPollMinutes = 30
	}
}

// LoadFromEnv loads configuration with environment-variable overrides. A
// .env file is loaded first if present, so secrets can live in .env locally
// and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DYNAMODB_TABLE"); v != "" {
		cfg.Storage.DynamoDBTable = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.AWSRegion = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("SES_ACCESS_KEY"); v != "" {
		cfg.Email.AccessKey = v
	}
	if v := os.Getenv("SES_SECRET_KEY"); v != "" {
		cfg.Email.SecretKey = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_KEY"); v != "" {
		cfg.Email.WebhookSigningKey = v
	}
	if v := os.Getenv("USDA_BASE_URL"); v != "" {
		cfg.Feeds.USDABaseURL = v
	}
	if v := os.Getenv("FDA_BASE_URL"); v != "" {
		cfg.Feeds.FDABaseURL = v
	}

	return cfg, nil
}
