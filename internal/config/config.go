package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	GRPC        GRPCConfig     `mapstructure:"grpc"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Session     SessionConfig  `mapstructure:"session"`
	Payment     PaymentConfig  `mapstructure:"payment"`
	Bus         BusConfig      `mapstructure:"bus"`
	Realtime    RealtimeConfig `mapstructure:"realtime"`
	Menu        MenuConfig     `mapstructure:"menu"`
	CORS        CORSConfig     `mapstructure:"cors"`
	Log         LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Port               string        `mapstructure:"port"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestBodySize int64         `mapstructure:"max_request_body_size"`
}

type GRPCConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Brokers   []string `mapstructure:"brokers"`
	Topic     string   `mapstructure:"topic"`
	QueueSize int      `mapstructure:"queue_size"`
}

type SessionConfig struct {
	SigningSecret   string        `mapstructure:"signing_secret"`
	Lifetime        time.Duration `mapstructure:"lifetime"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

type PaymentConfig struct {
	Provider          string        `mapstructure:"provider"`
	Currency          string        `mapstructure:"currency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ReturnURL         string        `mapstructure:"return_url"`
	FailureURL        string        `mapstructure:"failure_url"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	Hosted            HostedConfig  `mapstructure:"hosted"`
	Breaker           BreakerConfig `mapstructure:"breaker"`
}

type HostedConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	BasicAuthKey  string `mapstructure:"basic_auth_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type BusConfig struct {
	HistorySize int `mapstructure:"history_size"`
}

type RealtimeConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	InboundRate       float64       `mapstructure:"inbound_rate"`
	InboundBurst      int           `mapstructure:"inbound_burst"`
	SnapshotTimeout   time.Duration `mapstructure:"snapshot_timeout"`
}

type MenuConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.port", "8080")
	v.SetDefault("http.request_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_request_body_size", 1<<20) // 1MB

	v.SetDefault("grpc.port", "50060")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:tableside.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "floor-events")
	v.SetDefault("kafka.queue_size", 1024)

	v.SetDefault("session.lifetime", 3*time.Hour)
	v.SetDefault("session.token_ttl", 24*time.Hour)
	v.SetDefault("session.rate_limit", 10)
	v.SetDefault("session.rate_limit_window", time.Minute)

	v.SetDefault("payment.provider", "sandbox")
	v.SetDefault("payment.currency", "ARS")
	v.SetDefault("payment.timeout", 10*time.Second)
	v.SetDefault("payment.reconcile_interval", 30*time.Second)
	v.SetDefault("payment.breaker.max_requests", 1)
	v.SetDefault("payment.breaker.interval", time.Minute)
	v.SetDefault("payment.breaker.timeout", 30*time.Second)
	v.SetDefault("payment.breaker.failure_threshold", 5)

	v.SetDefault("bus.history_size", 200)

	v.SetDefault("realtime.heartbeat_interval", 25*time.Second)
	v.SetDefault("realtime.write_timeout", 10*time.Second)
	v.SetDefault("realtime.send_queue_size", 256)
	v.SetDefault("realtime.inbound_rate", 5)
	v.SetDefault("realtime.inbound_burst", 10)
	v.SetDefault("realtime.snapshot_timeout", 5*time.Second)

	v.SetDefault("menu.cache_ttl", 5*time.Minute)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PATCH", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type", "X-Tenant-ID", "X-Session-ID", "X-Client-ID", "X-Request-ID"})
	v.SetDefault("cors.max_age", 300)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads defaults, the optional YAML file at path and TABLESIDE_* env vars,
// in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TABLESIDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Bus.HistorySize <= 0 {
		return fmt.Errorf("bus.history_size must be positive")
	}
	if c.Session.Lifetime <= 0 {
		return fmt.Errorf("session.lifetime must be positive")
	}
	return nil
}
