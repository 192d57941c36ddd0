// Package config manages delivery service configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremycline/fedora-notifications/internal/schema"
)

// AMQPConfig controls broker connectivity and the consumer queue.
type AMQPConfig struct {
	URL                  string        `yaml:"url"`
	Exchange             string        `yaml:"exchange"`
	Queue                string        `yaml:"queue"`
	BindingKeys          []string      `yaml:"bindingKeys"`
	Prefetch             int           `yaml:"prefetch"`
	ReconnectMaxInterval time.Duration `yaml:"reconnectMaxInterval"`
}

func (c *AMQPConfig) applyDefaults() {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		c.URL = "amqp://localhost:5672/%2F"
	}
	c.Exchange = strings.TrimSpace(c.Exchange)
	if c.Exchange == "" {
		c.Exchange = "amq.topic"
	}
	c.Queue = strings.TrimSpace(c.Queue)
	if c.Queue == "" {
		c.Queue = "fedora-notifications"
	}
	if len(c.BindingKeys) == 0 {
		c.BindingKeys = []string{"org.fedoraproject.#"}
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 64
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = time.Minute
	}
}

func (c AMQPConfig) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("url required")
	}
	if strings.TrimSpace(c.Queue) == "" {
		return fmt.Errorf("queue required")
	}
	for _, key := range c.BindingKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("bindingKeys must not contain empty entries")
		}
	}
	if c.Prefetch <= 0 {
		return fmt.Errorf("prefetch must be >0")
	}
	return nil
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/fedora_notifications"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// IRCConfig controls the IRC delivery channel.
type IRCConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Server               string        `yaml:"server"`
	TLS                  bool          `yaml:"tls"`
	Nick                 string        `yaml:"nick"`
	Realname             string        `yaml:"realname"`
	NickServPassword     string        `yaml:"nickservPassword"`
	LineRate             time.Duration `yaml:"lineRate"`
	ReconnectMaxInterval time.Duration `yaml:"reconnectMaxInterval"`
	Workers              int           `yaml:"workers"`
}

func (c *IRCConfig) applyDefaults() {
	c.Server = strings.TrimSpace(c.Server)
	c.Nick = strings.TrimSpace(c.Nick)
	if c.Nick == "" {
		c.Nick = "fedora-notif"
	}
	if strings.TrimSpace(c.Realname) == "" {
		c.Realname = "Fedora Notification Service"
	}
	if c.LineRate <= 0 {
		// Keeps the client under typical server flood limits.
		c.LineRate = 600 * time.Millisecond
	}
	if c.ReconnectMaxInterval <= 0 {
		c.ReconnectMaxInterval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
}

func (c IRCConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Server) == "" {
		return fmt.Errorf("server required when enabled")
	}
	if strings.TrimSpace(c.Nick) == "" {
		return fmt.Errorf("nick required when enabled")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be >0")
	}
	return nil
}

// EmailConfig controls the SMTP delivery channel.
type EmailConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SMTPHost    string        `yaml:"smtpHost"`
	SMTPPort    int           `yaml:"smtpPort"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	FromAddress string        `yaml:"fromAddress"`
	RequireTLS  bool          `yaml:"requireTLS"`
	Timeout     time.Duration `yaml:"timeout"`
	Workers     int           `yaml:"workers"`
}

func (c *EmailConfig) applyDefaults() {
	c.SMTPHost = strings.TrimSpace(c.SMTPHost)
	c.FromAddress = strings.TrimSpace(c.FromAddress)
	if c.FromAddress == "" {
		c.FromAddress = "notifications@fedoraproject.org"
	}
	if c.SMTPPort <= 0 {
		c.SMTPPort = 25
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

func (c EmailConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.SMTPHost) == "" {
		return fmt.Errorf("smtpHost required when enabled")
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		return fmt.Errorf("smtpPort must be a valid port")
	}
	if strings.TrimSpace(c.FromAddress) == "" {
		return fmt.Errorf("fromAddress required when enabled")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be >0")
	}
	return nil
}

// DeliveryConfig tunes the dispatcher's retry and backpressure behaviour.
type DeliveryConfig struct {
	MaxAttempts          int           `yaml:"maxAttempts"`
	BackoffBase          time.Duration `yaml:"backoffBase"`
	BackoffCap           time.Duration `yaml:"backoffCap"`
	BackoffJitter        float64       `yaml:"backoffJitter"`
	OutstandingHighWater int           `yaml:"outstandingHighWater"`
	SnapshotRefresh      time.Duration `yaml:"snapshotRefresh"`
	StoreRetryDelay      time.Duration `yaml:"storeRetryDelay"`
	ShutdownGrace        time.Duration `yaml:"shutdownGrace"`
}

func (c *DeliveryConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Minute
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = 0.2
	}
	if c.OutstandingHighWater <= 0 {
		c.OutstandingHighWater = 2048
	}
	if c.SnapshotRefresh <= 0 {
		c.SnapshotRefresh = time.Minute
	}
	if c.StoreRetryDelay <= 0 {
		c.StoreRetryDelay = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 15 * time.Second
	}
}

func (c DeliveryConfig) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("maxAttempts must be >0")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoffBase must be >0")
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoffCap must be >= backoffBase")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		return fmt.Errorf("backoffJitter must be in [0, 1)")
	}
	if c.OutstandingHighWater <= 0 {
		return fmt.Errorf("outstandingHighWater must be >0")
	}
	return nil
}

// DedupBackend names a dedup cache implementation.
type DedupBackend string

const (
	DedupMemory DedupBackend = "memory"
	DedupRedis  DedupBackend = "redis"
)

// DedupConfig selects and sizes the dedup cache.
type DedupConfig struct {
	Backend  DedupBackend  `yaml:"backend"`
	Window   time.Duration `yaml:"window"`
	RedisURL string        `yaml:"redisUrl"`
}

func (c *DedupConfig) applyDefaults() {
	c.Backend = DedupBackend(strings.ToLower(strings.TrimSpace(string(c.Backend))))
	if c.Backend == "" {
		c.Backend = DedupMemory
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	c.RedisURL = strings.TrimSpace(c.RedisURL)
}

func (c DedupConfig) validate() error {
	switch c.Backend {
	case DedupMemory:
	case DedupRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redisUrl required for redis backend")
		}
	default:
		return fmt.Errorf("backend must be memory or redis")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be >0")
	}
	return nil
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) applyDefaults() {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
	c.Format = strings.ToLower(strings.TrimSpace(c.Format))
	if c.Format == "" {
		c.Format = "json"
	}
}

func (c LoggingConfig) validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error")
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("format must be json or console")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

func (c *TelemetryConfig) applyDefaults() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = "fedora-notifications-delivery"
	}
}

// Config is the unified delivery service configuration sourced from YAML.
type Config struct {
	AMQP      AMQPConfig      `yaml:"amqp"`
	Database  DatabaseConfig  `yaml:"database"`
	IRC       IRCConfig       `yaml:"irc"`
	Email     EmailConfig     `yaml:"email"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Load reads and validates a Config from the provided YAML file.
func Load(ctx context.Context, configPath string) (Config, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	return Parse(bytes)
}

// Parse unmarshals, normalises, and validates a YAML configuration document.
func Parse(bytes []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.AMQP.applyDefaults()
	c.Database.applyDefaults()
	c.IRC.applyDefaults()
	c.Email.applyDefaults()
	c.Delivery.applyDefaults()
	c.Dedup.applyDefaults()
	c.Logging.applyDefaults()
	c.Telemetry.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	if err := c.AMQP.validate(); err != nil {
		return fmt.Errorf("amqp: %w", err)
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.IRC.validate(); err != nil {
		return fmt.Errorf("irc: %w", err)
	}
	if err := c.Email.validate(); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	if err := c.Delivery.validate(); err != nil {
		return fmt.Errorf("delivery: %w", err)
	}
	if err := c.Dedup.validate(); err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	if err := c.Logging.validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if !c.IRC.Enabled && !c.Email.Enabled {
		return fmt.Errorf("at least one delivery channel must be enabled")
	}
	return nil
}

// Workers returns the configured worker count for the given channel kind.
func (c Config) Workers(kind schema.ChannelKind) int {
	switch kind {
	case schema.ChannelIRC:
		return c.IRC.Workers
	case schema.ChannelEmail:
		return c.Email.Workers
	default:
		return 1
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
