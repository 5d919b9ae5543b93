// Package config loads and validates capture service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Capture CaptureConfig `mapstructure:"capture"`
	DB      DBConfig      `mapstructure:"db"`
	Tasks   TasksConfig   `mapstructure:"tasks"`
	Storage StorageConfig `mapstructure:"storage"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Mail    MailConfig    `mapstructure:"mail"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the health/metrics HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CaptureConfig governs capture-engine container execution.
type CaptureConfig struct {
	Image                string `mapstructure:"image"`
	ArtifactRoot         string `mapstructure:"artifact_root"`
	ContainerDataDir     string `mapstructure:"container_data_dir"`
	ContainerTimeoutSec  int    `mapstructure:"container_timeout_seconds"`
	ExecutionLimitSec    int    `mapstructure:"execution_limit_seconds"`
	SoftTimeLimitSec     int    `mapstructure:"soft_time_limit_seconds"`
	HardTimeLimitSec     int    `mapstructure:"hard_time_limit_seconds"`
	DockerHost           string `mapstructure:"docker_host"`
	SeedContinuationOnUp bool   `mapstructure:"seed_continuation_on_start"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// TasksConfig holds the Pub/Sub task substrate settings.
type TasksConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// StorageConfig sets the S3 bucket for archive artifacts.
type StorageConfig struct {
	Bucket      string `mapstructure:"bucket"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
	AccessKey   string `mapstructure:"access_key"`
	SecretKey   string `mapstructure:"secret_key"`
	Prefix      string `mapstructure:"prefix"`
	URLTTLHours int    `mapstructure:"url_ttl_hours"`
}

// WebhookConfig governs subscriber notification delivery.
type WebhookConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	AppName        string `mapstructure:"app_name"`
	MaxRetries     int    `mapstructure:"max_retries"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// MailConfig holds SMTP settings for alert email.
type MailConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Host      string   `mapstructure:"host"`
	Port      int      `mapstructure:"port"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	From      string   `mapstructure:"from"`
	Operators []string `mapstructure:"operators"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAPTUREQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("capture.image", "webrecorder/browsertrix-crawler:latest")
	v.SetDefault("capture.artifact_root", "/var/lib/captureq/artifacts")
	v.SetDefault("capture.container_data_dir", "/data")
	v.SetDefault("capture.container_timeout_seconds", 300)
	v.SetDefault("capture.execution_limit_seconds", 900)
	v.SetDefault("capture.soft_time_limit_seconds", 480)
	v.SetDefault("capture.hard_time_limit_seconds", 600)
	v.SetDefault("capture.seed_continuation_on_start", true)
	v.SetDefault("storage.prefix", "archives")
	v.SetDefault("storage.url_ttl_hours", 24)
	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.app_name", "captureq")
	v.SetDefault("webhook.max_retries", 5)
	v.SetDefault("webhook.timeout_seconds", 20)
	v.SetDefault("mail.port", 587)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Capture.Image == "" {
		return fmt.Errorf("capture.image must be set")
	}
	if c.Capture.ContainerTimeoutSec <= 0 {
		return fmt.Errorf("capture.container_timeout_seconds must be > 0")
	}
	if c.Capture.HardTimeLimitSec <= c.Capture.SoftTimeLimitSec {
		return fmt.Errorf("capture.hard_time_limit_seconds must exceed the soft limit")
	}
	if c.Capture.ExecutionLimitSec <= c.Capture.HardTimeLimitSec {
		return fmt.Errorf("capture.execution_limit_seconds must exceed the hard time limit")
	}
	if c.Webhook.Enabled && c.Webhook.MaxRetries <= 0 {
		return fmt.Errorf("webhook.max_retries must be > 0 when webhooks are enabled")
	}
	if c.Mail.Enabled && (c.Mail.Host == "" || c.Mail.From == "") {
		return fmt.Errorf("mail.host and mail.from must be set when mail is enabled")
	}
	return nil
}

// ContainerTimeout returns the lifecycle watcher bound as a duration.
func (c CaptureConfig) ContainerTimeout() time.Duration {
	return time.Duration(c.ContainerTimeoutSec) * time.Second
}

// ExecutionLimit returns the stale-job reaper cutoff as a duration.
func (c CaptureConfig) ExecutionLimit() time.Duration {
	return time.Duration(c.ExecutionLimitSec) * time.Second
}

// SoftTimeLimit returns the advisory per-task limit as a duration.
func (c CaptureConfig) SoftTimeLimit() time.Duration {
	return time.Duration(c.SoftTimeLimitSec) * time.Second
}

// HardTimeLimit returns the forced per-task limit as a duration.
func (c CaptureConfig) HardTimeLimit() time.Duration {
	return time.Duration(c.HardTimeLimitSec) * time.Second
}

// URLTTL returns the presigned URL lifetime as a duration.
func (c StorageConfig) URLTTL() time.Duration {
	return time.Duration(c.URLTTLHours) * time.Hour
}

// Timeout returns the per-request webhook timeout as a duration.
func (c WebhookConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
