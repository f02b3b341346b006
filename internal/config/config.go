package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	SMTP         SMTPConfig
	Events       EventsConfig
	Notification NotificationConfig
	Webhook      WebhookConfig
	Realtime     RealtimeConfig
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string `mapstructure:"url"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpiryHours int    `mapstructure:"expiry_hours"`
}

// SMTPConfig drives the email channel. With Host empty the email adapter
// reports itself unconfigured and every email delivery fails as a
// DeliveryError.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type EventsConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

type NotificationConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

type WebhookConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxRetries       int           `mapstructure:"max_retries"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	UserAgent        string        `mapstructure:"user_agent"`
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	MaxBufferSize     int           `mapstructure:"max_buffer_size"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.timeout_seconds", 30)
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)
	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("events.retention_days", 30)
	viper.SetDefault("notification.max_retries", 5)
	viper.SetDefault("notification.max_age", 24*time.Hour)
	viper.SetDefault("webhook.timeout", 10*time.Second)
	viper.SetDefault("webhook.failure_threshold", 100)
	viper.SetDefault("webhook.max_retries", 5)
	viper.SetDefault("webhook.workers", 8)
	viper.SetDefault("webhook.queue_size", 256)
	viper.SetDefault("webhook.user_agent", "Oriva-Webhooks/1.0")
	viper.SetDefault("realtime.heartbeat_interval", 30*time.Second)
	viper.SetDefault("realtime.heartbeat_timeout", 60*time.Second)
	viper.SetDefault("realtime.max_buffer_size", 1000)
}
