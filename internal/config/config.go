// Package config loads deployplane settings from an optional YAML file,
// environment variables and defaults, in increasing order of precedence:
// defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration values for the broker and worker binaries.
type Config struct {
	// Address the broker's TLS socket listens on.
	BrokerAddr string `mapstructure:"broker_addr"`

	// Completed jobs older than this are dropped from the broker.
	JobRetention time.Duration `mapstructure:"job_retention"`

	// Interval between keepalive pings on broker connections.
	Keepalive time.Duration `mapstructure:"keepalive"`

	// In-process workers started next to the broker (0 disables).
	LocalWorkers int `mapstructure:"local_workers"`

	// Mutual TLS material shared by broker, workers and clients.
	TLSCert       string `mapstructure:"tls_cert"`
	TLSKey        string `mapstructure:"tls_key"`
	TLSCA         string `mapstructure:"tls_ca"`
	TLSServerName string `mapstructure:"tls_server_name"`

	// HTTP server port for the operator API
	HTTPPort int `mapstructure:"http_port"`

	// Bearer token required on /api routes. Empty disables auth.
	APIToken string `mapstructure:"api_token"`

	// Requests per second and burst allowed per client on /api routes.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// Document store backend: memory, sqlite or postgres.
	StoreDriver string `mapstructure:"store_driver"`

	// Database connection string (sqlite file path or postgres URL).
	DatabaseURL string `mapstructure:"database_url"`

	// Run postgres migrations on startup.
	Migrate bool `mapstructure:"migrate"`

	// Broker address workers and clients dial.
	WorkerBrokerAddr string `mapstructure:"worker_broker_addr"`

	// Identity a worker reports when registering.
	WorkerHost     string `mapstructure:"worker_host"`
	WorkerPlatform string `mapstructure:"worker_platform"`

	// Agent processes the worker supervisor keeps alive.
	WorkerProcesses int `mapstructure:"worker_processes"`

	// Cap on the reconnect and restart backoff.
	WorkerMaxBackoff time.Duration `mapstructure:"worker_max_backoff"`

	// Parallel deployment guard.
	GuardDelay   time.Duration `mapstructure:"guard_delay"`
	GuardCeiling time.Duration `mapstructure:"guard_ceiling"`

	// OTLP gRPC collector. Empty disables trace export.
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	LogLevel string `mapstructure:"log_level"`
}

// env lists the environment variables bound to each key. The DEPLOYPLANE_
// name always works; some keys also accept a conventional bare name.
var env = map[string][]string{
	"broker_addr":        {"DEPLOYPLANE_BROKER_ADDR"},
	"job_retention":      {"DEPLOYPLANE_JOB_RETENTION"},
	"keepalive":          {"DEPLOYPLANE_KEEPALIVE"},
	"local_workers":      {"DEPLOYPLANE_LOCAL_WORKERS"},
	"tls_cert":           {"DEPLOYPLANE_TLS_CERT"},
	"tls_key":            {"DEPLOYPLANE_TLS_KEY"},
	"tls_ca":             {"DEPLOYPLANE_TLS_CA"},
	"tls_server_name":    {"DEPLOYPLANE_TLS_SERVER_NAME"},
	"http_port":          {"DEPLOYPLANE_HTTP_PORT", "PORT"},
	"api_token":          {"DEPLOYPLANE_API_TOKEN", "API_TOKEN"},
	"rate_limit":         {"DEPLOYPLANE_RATE_LIMIT"},
	"rate_burst":         {"DEPLOYPLANE_RATE_BURST"},
	"store_driver":       {"DEPLOYPLANE_STORE_DRIVER"},
	"database_url":       {"DEPLOYPLANE_DATABASE_URL", "DATABASE_URL"},
	"migrate":            {"DEPLOYPLANE_MIGRATE"},
	"worker_broker_addr": {"DEPLOYPLANE_WORKER_BROKER_ADDR", "BROKER_ADDR"},
	"worker_host":        {"DEPLOYPLANE_WORKER_HOST"},
	"worker_platform":    {"DEPLOYPLANE_WORKER_PLATFORM"},
	"worker_processes":   {"DEPLOYPLANE_WORKER_PROCESSES"},
	"worker_max_backoff": {"DEPLOYPLANE_WORKER_MAX_BACKOFF"},
	"guard_delay":        {"DEPLOYPLANE_GUARD_DELAY"},
	"guard_ceiling":      {"DEPLOYPLANE_GUARD_CEILING"},
	"otel_endpoint":      {"DEPLOYPLANE_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
	"log_level":          {"DEPLOYPLANE_LOG_LEVEL", "LOG_LEVEL"},
}

func setDefaults(v *viper.Viper) {
	host, _ := os.Hostname()

	v.SetDefault("broker_addr", ":7443")
	v.SetDefault("job_retention", 10*time.Minute)
	v.SetDefault("keepalive", 15*time.Second)
	v.SetDefault("local_workers", 0)
	v.SetDefault("tls_server_name", "localhost")
	v.SetDefault("http_port", 6161)
	v.SetDefault("rate_limit", 10.0)
	v.SetDefault("rate_burst", 20)
	v.SetDefault("store_driver", DriverMemory)
	v.SetDefault("migrate", true)
	v.SetDefault("worker_broker_addr", "localhost:7443")
	v.SetDefault("worker_host", host)
	v.SetDefault("worker_platform", runtime.GOOS)
	v.SetDefault("worker_processes", runtime.NumCPU())
	v.SetDefault("worker_max_backoff", 30*time.Second)
	v.SetDefault("guard_delay", 30*time.Second)
	v.SetDefault("guard_ceiling", 4*time.Hour)
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (when non-empty, or deployplane.yaml in
// the working directory when present) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, names := range env {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("deployplane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the binaries cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required for store_driver %s (env: DATABASE_URL)", c.StoreDriver)
		}
	default:
		return fmt.Errorf("invalid store_driver %q (want %s)", c.StoreDriver,
			strings.Join([]string{DriverMemory, DriverSQLite, DriverPostgres}, ", "))
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.JobRetention <= 0 {
		return fmt.Errorf("job_retention must be positive")
	}
	if c.Keepalive <= 0 {
		return fmt.Errorf("keepalive must be positive")
	}
	if c.LocalWorkers < 0 {
		return fmt.Errorf("local_workers must not be negative")
	}
	if c.WorkerProcesses < 1 {
		return fmt.Errorf("worker_processes must be at least 1")
	}
	if c.GuardDelay <= 0 || c.GuardCeiling < c.GuardDelay {
		return fmt.Errorf("guard_delay must be positive and not exceed guard_ceiling")
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return fmt.Errorf("rate_limit and rate_burst must be positive")
	}
	return nil
}
