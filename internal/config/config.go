package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP    HTTPConfig     `mapstructure:"http"`
	MySQL   DatabaseConfig `mapstructure:"mysql"`
	Redis   RedisConfig    `mapstructure:"redis"`
	Kafka   KafkaConfig    `mapstructure:"kafka"`
	Outbox  OutboxConfig   `mapstructure:"outbox"`
	Inbox   InboxConfig    `mapstructure:"inbox"`
	DLQ     DLQConfig      `mapstructure:"dlq"`
	Webhook WebhookConfig  `mapstructure:"webhook"`
	Log     LogConfig      `mapstructure:"log"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type OutboxConfig struct {
	PublishInterval   time.Duration `mapstructure:"publish_interval"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetentionDays     int           `mapstructure:"retention_days"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

type InboxConfig struct {
	TTLDays         int           `mapstructure:"ttl_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type DLQConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type WebhookConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (TASKFLOW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (TASKFLOW_*)
	v.SetEnvPrefix("TASKFLOW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
