package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration shared by both planes.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Flags    FlagConfig     `mapstructure:"flags"`
}

// ServerConfig holds HTTP surface configuration.
type ServerConfig struct {
	Host                  string        `mapstructure:"host"`
	ControlPlanePort      int           `mapstructure:"control_plane_port"`
	EvaluationServicePort int           `mapstructure:"evaluation_service_port"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	WriteTimeout          time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout       time.Duration `mapstructure:"shutdown_timeout"`
	Environment           string        `mapstructure:"environment"`
	CORSEnabled           bool          `mapstructure:"cors_enabled"`
	RequestLogging        bool          `mapstructure:"request_logging"`
}

// DatabaseConfig holds Postgres connection configuration.
type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Database    string        `mapstructure:"database"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	SSLMode     string        `mapstructure:"ssl_mode"`
	MaxConns    int           `mapstructure:"max_conns"`
	MinConns    int           `mapstructure:"min_conns"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NATSConfig holds the invalidation fanout configuration.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnect  int           `mapstructure:"max_reconnect"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds the metrics listener configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Structured bool   `mapstructure:"structured"`
}

// AuthConfig holds the admin shared secret.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// FlagConfig holds evaluation and cache tuning.
type FlagConfig struct {
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	LocalCacheTTL     time.Duration `mapstructure:"local_cache_ttl"`
	EvaluationTimeout time.Duration `mapstructure:"evaluation_timeout"`
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
	SDKPollInterval   time.Duration `mapstructure:"sdk_poll_interval"`
	EvaluatorURL      string        `mapstructure:"evaluator_url"`
}

// Load reads configuration from an optional config file and the
// environment. The well-known environment variable names (DB_HOST,
// REDIS_HOST, API_KEY, ...) are bound explicitly so they work without
// the FF_ prefix.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/featureflow")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func bindEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("database.host", "DB_HOST")
	_ = v.BindEnv("database.port", "DB_PORT")
	_ = v.BindEnv("database.database", "DB_NAME")
	_ = v.BindEnv("database.username", "DB_USER")
	_ = v.BindEnv("database.password", "DB_PASS")
	_ = v.BindEnv("database.ssl_mode", "DB_SSL")
	_ = v.BindEnv("database.max_conns", "DB_MAX_CONNECTIONS")
	_ = v.BindEnv("redis.host", "REDIS_HOST")
	_ = v.BindEnv("redis.port", "REDIS_PORT")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.database", "REDIS_DB")
	_ = v.BindEnv("redis.key_prefix", "REDIS_PREFIX")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("server.control_plane_port", "CONTROL_PLANE_PORT")
	_ = v.BindEnv("server.evaluation_service_port", "EVALUATION_SERVICE_PORT")
	_ = v.BindEnv("server.cors_enabled", "CORS_ENABLED")
	_ = v.BindEnv("server.request_logging", "REQUEST_LOGGING")
	_ = v.BindEnv("server.environment", "ENVIRONMENT", "NODE_ENV")
	_ = v.BindEnv("metrics.port", "METRICS_PORT")
	_ = v.BindEnv("auth.api_key", "API_KEY")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("flags.evaluator_url", "EVALUATOR_URL")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.control_plane_port", 8080)
	v.SetDefault("server.evaluation_service_port", 8081)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.cors_enabled", true)
	v.SetDefault("server.request_logging", true)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "featureflow")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_lifetime", "5m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.key_prefix", "featureflow")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnect", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.structured", true)

	v.SetDefault("flags.cache_ttl", "300s")
	v.SetDefault("flags.local_cache_ttl", "30s")
	v.SetDefault("flags.evaluation_timeout", "5s")
	v.SetDefault("flags.max_batch_size", 50)
	v.SetDefault("flags.sdk_poll_interval", "30s")
	v.SetDefault("flags.evaluator_url", "http://localhost:8081")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ControlPlanePort <= 0 || c.Server.ControlPlanePort > 65535 {
		return fmt.Errorf("invalid control plane port: %d", c.Server.ControlPlanePort)
	}
	if c.Server.EvaluationServicePort <= 0 || c.Server.EvaluationServicePort > 65535 {
		return fmt.Errorf("invalid evaluation service port: %d", c.Server.EvaluationServicePort)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Flags.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be positive")
	}
	return nil
}

// GetDatabaseDSN returns the Postgres connection string.
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis address.
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// IsDevelopment reports whether the process runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development"
}
