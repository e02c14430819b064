// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Store          StoreConfig          `yaml:"store"`
	Broker         BrokerConfig         `yaml:"broker"`
	Relay          RelayConfig          `yaml:"relay"`
	Worker         WorkerConfig         `yaml:"worker"`
	Executors      ExecutorsConfig      `yaml:"executors"`
	Throttle       ThrottleConfig       `yaml:"throttle"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

// ServerConfig describes the HTTP server carrying the webhook intake and the
// health, readiness and metrics endpoints.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`

	// RunLookup serves GET /runs/{runId}, which returns the run context
	// without authentication. Off by default.
	RunLookup bool       `yaml:"run_lookup"`
	CORS      CORSConfig `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// StoreConfig describes run persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// BrokerConfig describes the stage message transport.
type BrokerConfig struct {
	Driver       string        `yaml:"driver"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Partitions   int           `yaml:"partitions"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// RelayConfig describes the outbox relay loop.
type RelayConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

// WorkerConfig describes the stage consumer.
type WorkerConfig struct {
	Lanes           int           `yaml:"lanes"`
	StageDelay      time.Duration `yaml:"stage_delay"`
	StrictTemplates bool          `yaml:"strict_templates"`
}

// ExecutorsConfig holds per-kind executor settings.
type ExecutorsConfig struct {
	Email    EndpointConfig `yaml:"email"`
	Gmail    SMTPConfig     `yaml:"gmail"`
	Telegram EndpointConfig `yaml:"telegram"`
	Gemini   GeminiConfig   `yaml:"gemini"`
	Solana   SolanaConfig   `yaml:"solana"`
}

// EndpointConfig points an HTTP-backed executor at its API.
type EndpointConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SMTPConfig points the SMTP executor at its relay.
type SMTPConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// GeminiConfig configures the generative text executor.
type GeminiConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// SolanaConfig configures the transfer executor.
type SolanaConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ThrottleConfig describes per-platform pacing of downstream calls.
type ThrottleConfig struct {
	Driver  string                `yaml:"driver"`
	AddrEnv string                `yaml:"addr_env"`
	DB      int                   `yaml:"db"`
	Prefix  string                `yaml:"prefix"`
	Rates   map[string]RateConfig `yaml:"rates"`
}

// RateConfig allows Limit calls per Window.
type RateConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// CircuitBreakerConfig describes the breakers kept per action kind and
// credential. Timeout is the cool-down an open breaker holds calls for.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			HandlerTimeout:  5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Broker: BrokerConfig{
			Driver:       "memory",
			Topic:        "zap-events",
			GroupID:      "main-worker",
			Partitions:   4,
			BatchTimeout: 10 * time.Millisecond,
		},
		Relay: RelayConfig{
			BatchSize: 10,
			Interval:  time.Second,
		},
		Worker: WorkerConfig{
			Lanes:      4,
			StageDelay: time.Second,
		},
		Executors: ExecutorsConfig{
			Email:    EndpointConfig{Timeout: 30 * time.Second},
			Gmail:    SMTPConfig{Host: "smtp.gmail.com", Port: 587, Timeout: 30 * time.Second},
			Telegram: EndpointConfig{BaseURL: "https://api.telegram.org", Timeout: 30 * time.Second},
			Gemini:   GeminiConfig{Model: "gemini-2.5-flash", Timeout: 60 * time.Second},
			Solana: SolanaConfig{
				RPCURL:       "https://api.mainnet-beta.solana.com",
				PollInterval: 500 * time.Millisecond,
				Timeout:      90 * time.Second,
			},
		},
		Throttle: ThrottleConfig{
			Driver:  "memory",
			AddrEnv: "REDIS_ADDR",
			Prefix:  "flowpipe:throttle:",
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, "server.max_body_bytes must not be negative")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}

	switch c.Broker.Driver {
	case "memory":
	case "kafka":
		if len(c.Broker.Brokers) == 0 {
			errs = append(errs, "broker.brokers is required for the kafka driver")
		}
		if c.Broker.GroupID == "" {
			errs = append(errs, "broker.group_id is required for the kafka driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("broker.driver %q is not one of memory, kafka", c.Broker.Driver))
	}
	if c.Broker.Topic == "" {
		errs = append(errs, "broker.topic is required")
	}

	if c.Relay.BatchSize < 1 {
		errs = append(errs, "relay.batch_size must be at least 1")
	}
	if c.Relay.Interval <= 0 {
		errs = append(errs, "relay.interval must be positive")
	}
	if c.Worker.Lanes < 1 {
		errs = append(errs, "worker.lanes must be at least 1")
	}
	if c.Worker.StageDelay < 0 {
		errs = append(errs, "worker.stage_delay must not be negative")
	}

	switch c.Throttle.Driver {
	case "memory":
	case "redis":
		if c.Throttle.AddrEnv == "" {
			errs = append(errs, "throttle.addr_env is required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("throttle.driver %q is not one of memory, redis", c.Throttle.Driver))
	}
	for kind, r := range c.Throttle.Rates {
		if r.Limit > 0 && r.Window <= 0 {
			errs = append(errs, fmt.Sprintf("throttle.rates.%s.window must be positive", kind))
		}
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		errs = append(errs, "circuit_breaker.failure_threshold must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads FLOWPIPE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWPIPE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOWPIPE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("FLOWPIPE_BROKER_DRIVER"); v != "" {
		cfg.Broker.Driver = v
	}
	if v := os.Getenv("FLOWPIPE_BROKER_BROKERS"); v != "" {
		cfg.Broker.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FLOWPIPE_BROKER_TOPIC"); v != "" {
		cfg.Broker.Topic = v
	}
	if v := os.Getenv("FLOWPIPE_THROTTLE_DRIVER"); v != "" {
		cfg.Throttle.Driver = v
	}
	if v := os.Getenv("FLOWPIPE_WORKER_STAGE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.StageDelay = d
		}
	}
	if v := os.Getenv("FLOWPIPE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
