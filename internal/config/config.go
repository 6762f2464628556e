package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/PratikDhanave/ingestion-relay/internal/logging"
)

// EndpointEnvPrefix prefixes the per-environment collector endpoint variables,
// e.g. SP_ENDPOINT_PROD for env "prod".
const EndpointEnvPrefix = "SP_ENDPOINT_"

// Config contains runtime configuration required by the relay.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Collector CollectorConfig `mapstructure:"collector"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Redis     RedisConfig     `mapstructure:"redis"`
	DLQ       DLQConfig       `mapstructure:"dlq"`
	Logging   logging.Config  `mapstructure:"logging"`
}

// ServerConfig configures the HTTP listener. TrustedProxies lists the IPs or
// CIDRs whose X-Forwarded-For is honoured; empty trusts none.
// AuditLookupEnabled mounts GET /requests/:id, which exposes raw bodies and
// client IPs without authentication.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	TrustedProxies     []string      `mapstructure:"trusted_proxies"`
	AuditLookupEnabled bool          `mapstructure:"audit_lookup_enabled"`
}

// DatabaseConfig holds the Postgres connection settings. URL wins over the parts.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// CollectorConfig configures the emitters. Endpoints is keyed by upper-cased env.
type CollectorConfig struct {
	Endpoints     map[string]string `mapstructure:"endpoints"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
	Timeout       time.Duration     `mapstructure:"timeout"`
}

// RetryConfig bounds the failure loop. MaxAttempts 0 retries forever.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffUnit time.Duration `mapstructure:"backoff_unit"`
}

type IngestionConfig struct {
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NatsURL string `mapstructure:"nats_url"`
	Stream  string `mapstructure:"stream"`
}

// Load reads defaults, the optional YAML file at configPath and the environment.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relay")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The database variables keep the names deployments already use.
	_ = v.BindEnv("database.url", "DB_URL")
	_ = v.BindEnv("database.host", "DB_HOSTNAME")
	_ = v.BindEnv("database.port", "DB_PORT")
	_ = v.BindEnv("database.name", "DB_NAME")
	_ = v.BindEnv("database.user", "DB_USERNAME")
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("database.sslmode", "DB_SSLMODE")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configPath != "" {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Collector.Endpoints = mergeEndpoints(cfg.Collector.Endpoints, os.Environ())

	if cfg.Database.URL == "" && cfg.Database.Host == "" {
		return Config{}, errors.New("DB_URL or DB_HOSTNAME required")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 80)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.audit_lookup_enabled", false)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("collector.batch_size", 1)
	v.SetDefault("collector.flush_interval", "1s")
	v.SetDefault("collector.timeout", "10s")

	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("retry.backoff_unit", "1s")

	v.SetDefault("ingestion.max_body_bytes", 1<<20)
	v.SetDefault("ingestion.rate_limit_enabled", false)
	v.SetDefault("ingestion.rate_limit_requests", 6000)
	v.SetDefault("ingestion.rate_limit_window", "1m")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("dlq.enabled", false)
	v.SetDefault("dlq.nats_url", "nats://localhost:4222")
	v.SetDefault("dlq.stream", "RELAY_DLQ")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// mergeEndpoints upper-cases file keys (viper lower-cases them) and overlays
// SP_ENDPOINT_<ENV> variables from environ.
func mergeEndpoints(fromFile map[string]string, environ []string) map[string]string {
	out := make(map[string]string, len(fromFile))
	for env, endpoint := range fromFile {
		out[strings.ToUpper(env)] = endpoint
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EndpointEnvPrefix) || value == "" {
			continue
		}
		if env := strings.TrimPrefix(key, EndpointEnvPrefix); env != "" {
			out[strings.ToUpper(env)] = value
		}
	}
	return out
}

// Endpoint returns the collector endpoint configured for env ("prod" -> PROD).
func (c CollectorConfig) Endpoint(env string) (string, bool) {
	endpoint, ok := c.Endpoints[strings.ToUpper(env)]
	return endpoint, ok && endpoint != ""
}

// DSN returns a postgres:// connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
	}
	return u.String()
}
