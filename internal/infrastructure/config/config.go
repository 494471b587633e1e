package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Email         EmailConfig         `mapstructure:"email"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Application   ApplicationConfig   `mapstructure:"application"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	// Mode selects the publisher authenticator: "jwt" or "basic".
	Mode      string        `mapstructure:"mode"`
	Realm     string        `mapstructure:"realm"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type DatabaseConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MinConnections    int           `mapstructure:"min_connections"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	ConnectRetries    uint          `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type EmailConfig struct {
	// Channel selects the delivery channel: "postmark", "sqs" or "mock".
	Channel                 string        `mapstructure:"channel"`
	BaseURL                 string        `mapstructure:"base_url"`
	Sender                  string        `mapstructure:"sender"`
	AuthorizationToken      string        `mapstructure:"authorization_token"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	SQSQueueURL             string        `mapstructure:"sqs_queue_url"`
	SQSEndpoint             string        `mapstructure:"sqs_endpoint"`
	SQSRegion               string        `mapstructure:"sqs_region"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

type DeliveryConfig struct {
	Workers         int           `mapstructure:"workers"`
	Embedded        bool          `mapstructure:"embedded"`
	BatchSize       int           `mapstructure:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
	WakeOnPublish   bool          `mapstructure:"wake_on_publish"`
	MetricsPort     int           `mapstructure:"metrics_port"`
}

type IdempotencyConfig struct {
	Retention     time.Duration `mapstructure:"retention"`
	PurgeSchedule string        `mapstructure:"purge_schedule"`
	PurgeLockTTL  time.Duration `mapstructure:"purge_lock_ttl"`
}

type ApplicationConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables, e.g. NEWSLETTER_DATABASE_HOST
	v.SetEnvPrefix("NEWSLETTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/newsletter")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}

	switch c.Auth.Mode {
	case "jwt", "basic":
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be jwt or basic, got %q", c.Auth.Mode))
	}

	switch c.Email.Channel {
	case "postmark":
		if c.Email.BaseURL == "" {
			errs = append(errs, fmt.Errorf("email.base_url is required for the postmark channel"))
		}
	case "sqs":
		if c.Email.SQSQueueURL == "" {
			errs = append(errs, fmt.Errorf("email.sqs_queue_url is required for the sqs channel"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("email.channel must be postmark, sqs or mock, got %q", c.Email.Channel))
	}
	if c.Email.Sender == "" {
		errs = append(errs, fmt.Errorf("email.sender is required"))
	}

	if c.Delivery.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("delivery.batch_size must be positive"))
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("delivery.max_attempts must be positive"))
	}
	if c.Delivery.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("delivery.poll_interval must be positive"))
	}
	if c.Delivery.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("delivery.dispatch_timeout must be positive"))
	}
	if c.Delivery.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("delivery.backoff_factor must be at least 1"))
	}
	if c.Delivery.BackoffMax < c.Delivery.BackoffBase {
		errs = append(errs, fmt.Errorf("delivery.backoff_max must not be lower than delivery.backoff_base"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.Mode == "jwt" && c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
	}

	// JWT secret length validation
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit", 60)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "newsletter")
	v.SetDefault("database.database", "newsletter")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Auth defaults
	v.SetDefault("auth.mode", "basic")
	v.SetDefault("auth.realm", "publish")
	v.SetDefault("auth.jwt_expiry", "24h")

	// Email defaults
	v.SetDefault("email.channel", "postmark")
	v.SetDefault("email.base_url", "https://api.postmarkapp.com")
	v.SetDefault("email.sender", "newsletter@example.com")
	v.SetDefault("email.timeout", "10s")
	v.SetDefault("email.sqs_region", "us-east-1")
	v.SetDefault("email.circuit_breaker_threshold", 10)
	v.SetDefault("email.circuit_breaker_timeout", "30s")

	// Delivery worker defaults
	v.SetDefault("delivery.workers", 1)
	v.SetDefault("delivery.embedded", false)
	v.SetDefault("delivery.batch_size", 10)
	v.SetDefault("delivery.poll_interval", "10s")
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.backoff_base", "30s")
	v.SetDefault("delivery.backoff_factor", 2.0)
	v.SetDefault("delivery.backoff_max", "1h")
	v.SetDefault("delivery.dispatch_timeout", "15s")
	v.SetDefault("delivery.wake_on_publish", true)
	v.SetDefault("delivery.metrics_port", 9100)

	// Idempotency defaults
	v.SetDefault("idempotency.retention", "72h")
	v.SetDefault("idempotency.purge_schedule", "@every 1h")
	v.SetDefault("idempotency.purge_lock_ttl", "5m")

	v.SetDefault("application.base_url", "http://localhost:8000")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Instance ID
	v.SetDefault("instance_id", "newsletter-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL is the URL form of the DSN, used by migrate.
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
