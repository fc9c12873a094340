package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "parley.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.HTTPPort, "PARLEY_HTTP_PORT")
	setString(&cfg.Server.GRPCPort, "PARLEY_GRPC_PORT")
	setString(&cfg.Server.TLSCert, "PARLEY_TLS_CERT")
	setString(&cfg.Server.TLSKey, "PARLEY_TLS_KEY")
	setString(&cfg.Server.CORSOrigin, "PARLEY_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PARLEY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PARLEY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PARLEY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PARLEY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PARLEY_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Storage.Driver, "PARLEY_STORAGE_DRIVER")
	setString(&cfg.Scheduler.Driver, "PARLEY_SCHEDULER_DRIVER")
	setInt(&cfg.Scheduler.Workers, "PARLEY_SCHEDULER_WORKERS")
	setBool(&cfg.Auth.Enabled, "PARLEY_AUTH_ENABLED")
	setString(&cfg.Auth.IntrospectionURL, "PARLEY_AUTH_INTROSPECTION_URL")
	setString(&cfg.Auth.AdminURL, "PARLEY_AUTH_ADMIN_URL")
	setString(&cfg.Auth.ClientID, "PARLEY_AUTH_CLIENT_ID")
	setString(&cfg.Auth.ClientSecret, "PARLEY_AUTH_CLIENT_SECRET")
	setDuration(&cfg.Auth.CacheTTL, "PARLEY_AUTH_CACHE_TTL")
	setDuration(&cfg.Auth.SignatureMaxAge, "PARLEY_AUTH_SIGNATURE_MAX_AGE")
	setDuration(&cfg.Auth.Timeout, "PARLEY_AUTH_TIMEOUT")
	setDuration(&cfg.Push.Timeout, "PARLEY_PUSH_TIMEOUT")
	setInt(&cfg.Push.MaxAttempts, "PARLEY_PUSH_MAX_ATTEMPTS")
	setFloat64(&cfg.Negotiation.MinScore, "PARLEY_NEGOTIATION_MIN_SCORE")
	setString(&cfg.Logging.Level, "PARLEY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PARLEY_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "PARLEY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PARLEY_BREAKER_TIMEOUT")
	setBool(&cfg.Telemetry.Enabled, "PARLEY_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "PARLEY_OTLP_ENDPOINT")
	setString(&cfg.Agent.Name, "PARLEY_AGENT_NAME")
	setString(&cfg.Agent.Description, "PARLEY_AGENT_DESCRIPTION")
	setString(&cfg.Agent.Version, "PARLEY_AGENT_VERSION")
	setString(&cfg.Agent.URL, "PARLEY_AGENT_URL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort == "" {
		return errors.New("server.http_port is required")
	}
	if cfg.Server.GRPCPort == "" {
		return errors.New("server.grpc_port is required")
	}
	switch cfg.Storage.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("storage.driver must be memory or postgres, got %q", cfg.Storage.Driver)
	}
	switch cfg.Scheduler.Driver {
	case "inproc", "nats":
	default:
		return fmt.Errorf("scheduler.driver must be inproc or nats, got %q", cfg.Scheduler.Driver)
	}
	if cfg.Storage.Driver == "postgres" && cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required with the postgres driver")
	}
	if cfg.Scheduler.Driver == "nats" && cfg.NATS.URL == "" {
		return errors.New("nats.url is required with the nats driver")
	}
	if cfg.Scheduler.Workers < 1 {
		return errors.New("scheduler.workers must be >= 1")
	}
	if cfg.Auth.Enabled && cfg.Auth.IntrospectionURL == "" {
		return errors.New("auth.introspection_url is required when auth is enabled")
	}
	if cfg.Push.MaxAttempts < 1 {
		return errors.New("push.max_attempts must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
