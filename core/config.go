package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the Flownode runtime.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithName("my-node"),
//	    WithWorkerCount(16),
//	    WithRedisURL("redis://localhost:6379"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// Core configuration
	Name      string `json:"name" yaml:"name" env:"FLOWNODE_NAME"`
	ID        string `json:"id" yaml:"id" env:"FLOWNODE_ID"`
	Namespace string `json:"namespace" yaml:"namespace" env:"FLOWNODE_NAMESPACE" default:"default"`

	// Worker pool configuration
	Worker WorkerConfig `json:"worker" yaml:"worker"`

	// Checkpoint store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Message bus configuration
	Bus BusConfig `json:"bus" yaml:"bus"`

	// Resilience configuration
	Resilience ResilienceConfig `json:"resilience" yaml:"resilience"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Development configuration
	Development DevelopmentConfig `json:"development" yaml:"development"`

	// Telemetry configuration (optional module)
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`

	// Logger instance for configuration operations (excluded from serialization)
	logger Logger `json:"-" yaml:"-"`
}

// WorkerConfig controls the Flow Worker pool that pulls events off the
// per-flow inboxes and drives the Transition Executor.
type WorkerConfig struct {
	Count            int           `json:"count" yaml:"count" env:"FLOWNODE_WORKER_COUNT" default:"8"`
	QueueCapacity    int           `json:"queue_capacity" yaml:"queue_capacity" env:"FLOWNODE_WORKER_QUEUE_CAPACITY" default:"256"`
	ShutdownTimeout  time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"FLOWNODE_WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
	HospitalBackoff  time.Duration `json:"hospital_backoff" yaml:"hospital_backoff" env:"FLOWNODE_HOSPITAL_BACKOFF" default:"5s"`
}

// StoreConfig selects and configures the CheckpointStore backend.
type StoreConfig struct {
	Backend  string        `json:"backend" yaml:"backend" env:"FLOWNODE_STORE_BACKEND" default:"memory"`
	RedisURL string        `json:"redis_url" yaml:"redis_url" env:"FLOWNODE_STORE_REDIS_URL,REDIS_URL"`
	TTL      time.Duration `json:"ttl" yaml:"ttl" env:"FLOWNODE_STORE_TTL" default:"168h"`
}

// BusConfig selects and configures the MessageBus backend.
type BusConfig struct {
	Backend        string        `json:"backend" yaml:"backend" env:"FLOWNODE_BUS_BACKEND" default:"memory"`
	RedisURL       string        `json:"redis_url" yaml:"redis_url" env:"FLOWNODE_BUS_REDIS_URL,REDIS_URL"`
	ReceiveTimeout time.Duration `json:"receive_timeout" yaml:"receive_timeout" env:"FLOWNODE_BUS_RECEIVE_TIMEOUT" default:"5s"`
}

// TelemetryConfig contains observability configuration for metrics and
// distributed tracing. This is an optional module - telemetry is only
// initialized when Enabled=true. Supports OpenTelemetry (OTEL) protocol.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled" env:"FLOWNODE_TELEMETRY_ENABLED" default:"false"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint" env:"FLOWNODE_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName    string  `json:"service_name" yaml:"service_name" env:"FLOWNODE_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME"`
	MetricsEnabled bool    `json:"metrics_enabled" yaml:"metrics_enabled" env:"FLOWNODE_TELEMETRY_METRICS" default:"true"`
	TracingEnabled bool    `json:"tracing_enabled" yaml:"tracing_enabled" env:"FLOWNODE_TELEMETRY_TRACING" default:"true"`
	SamplingRate   float64 `json:"sampling_rate" yaml:"sampling_rate" env:"FLOWNODE_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure       bool    `json:"insecure" yaml:"insecure" env:"FLOWNODE_TELEMETRY_INSECURE" default:"true"`
}

// ResilienceConfig contains fault tolerance and resilience patterns
// configuration, consumed by the Action Executor's RetryFlowFromSafePoint
// path and by the reference CheckpointStore/MessageBus implementations.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry" yaml:"retry"`
	Timeout        TimeoutConfig        `json:"timeout" yaml:"timeout"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled" env:"FLOWNODE_CB_ENABLED" default:"false"`
	Threshold        int           `json:"threshold" yaml:"threshold" env:"FLOWNODE_CB_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" env:"FLOWNODE_CB_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" yaml:"half_open_requests" env:"FLOWNODE_CB_HALF_OPEN" default:"3"`
}

// RetryConfig defines retry pattern settings with exponential backoff.
// The retry interval increases exponentially up to MaxInterval.
// Formula: interval = min(InitialInterval * (Multiplier ^ attempt), MaxInterval)
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" env:"FLOWNODE_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" env:"FLOWNODE_RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval" env:"FLOWNODE_RETRY_MAX_INTERVAL" default:"30s"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier" env:"FLOWNODE_RETRY_MULTIPLIER" default:"2.0"`
}

// TimeoutConfig defines timeout settings for various operations.
type TimeoutConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout" env:"FLOWNODE_TIMEOUT_DEFAULT" default:"30s"`
	MaxTimeout     time.Duration `json:"max_timeout" yaml:"max_timeout" env:"FLOWNODE_TIMEOUT_MAX" default:"5m"`
}

// LoggingConfig contains logging configuration.
// Supports structured (JSON) and human-readable (text) formats.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"FLOWNODE_LOG_LEVEL" default:"info"`
	Format     string `json:"format" yaml:"format" env:"FLOWNODE_LOG_FORMAT" default:"json"`
	Output     string `json:"output" yaml:"output" env:"FLOWNODE_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" yaml:"time_format" env:"FLOWNODE_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.999999999Z07:00"`
}

// DevelopmentConfig contains settings for local development and testing.
// When Enabled=true, the node uses development-friendly defaults:
// human-readable logs and an in-memory checkpoint store/message bus.
//
// WARNING: Never enable development mode in production!
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" yaml:"enabled" env:"FLOWNODE_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" yaml:"debug_logging" env:"FLOWNODE_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" yaml:"pretty_logs" env:"FLOWNODE_PRETTY_LOGS" default:"false"`
}

// Option is a functional option for configuring the node.
// Options are applied in order and can return an error if the configuration
// is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults.
// The defaults are adjusted based on the detected environment: local
// development favors an in-memory store/bus and text logging, while a
// detected containerized environment favors Redis and JSON logging.
func DefaultConfig() *Config {
	cfg := &Config{
		Name:      "flownode",
		Namespace: "default",
		Worker: WorkerConfig{
			Count:           8,
			QueueCapacity:   256,
			ShutdownTimeout: 30 * time.Second,
			HospitalBackoff: 5 * time.Second,
		},
		Store: StoreConfig{
			Backend: "memory",
			TTL:     168 * time.Hour,
		},
		Bus: BusConfig{
			Backend:        "memory",
			ReceiveTimeout: 5 * time.Second,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          false,
				Threshold:        5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 3,
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 1 * time.Second,
				MaxInterval:     30 * time.Second,
				Multiplier:      2.0,
			},
			Timeout: TimeoutConfig{
				DefaultTimeout: 30 * time.Second,
				MaxTimeout:     5 * time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{
			Enabled:      false,
			DebugLogging: false,
			PrettyLogs:   false,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			MetricsEnabled: true,
			TracingEnabled: true,
			SamplingRate:   1.0,
			Insecure:       true,
		},
	}

	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment automatically adjusts configuration based on the
// detected environment. This method is called automatically by
// DefaultConfig() and should not be called directly unless implementing
// custom environment detection logic.
//
// Detection criteria:
//   - Containerized: KUBERNETES_SERVICE_HOST environment variable is set
//   - Local: No containerized environment variables detected
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Store.Backend = "redis"
		c.Store.RedisURL = "redis://redis.default.svc.cluster.local:6379"
		c.Bus.Backend = "redis"
		c.Bus.RedisURL = c.Store.RedisURL
		c.Logging.Format = "json"
	} else {
		if os.Getenv("FLOWNODE_DEV_MODE") == "" {
			c.Development.Enabled = true
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
	}
}

// LoadFromEnv loads configuration from environment variables and validates
// the result. Environment variables take precedence over defaults but are
// overridden by functional options.
func (c *Config) LoadFromEnv() error {
	if c.logger != nil {
		c.logger.Info("Loading configuration from environment", map[string]interface{}{
			"config_source": "environment_variables",
		})
	}

	if v := os.Getenv("FLOWNODE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("FLOWNODE_ID"); v != "" {
		c.ID = v
	}
	if v := os.Getenv("FLOWNODE_NAMESPACE"); v != "" {
		c.Namespace = v
	}

	if v := os.Getenv("FLOWNODE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Count = n
		} else if c.logger != nil {
			c.logger.Warn("invalid worker count in environment variable", map[string]interface{}{
				"FLOWNODE_WORKER_COUNT": v,
				"error":                 err.Error(),
			})
		}
	}
	if v := os.Getenv("FLOWNODE_WORKER_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.QueueCapacity = n
		}
	}

	if v := os.Getenv("FLOWNODE_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("FLOWNODE_STORE_REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Store.RedisURL = v
	}

	if v := os.Getenv("FLOWNODE_BUS_BACKEND"); v != "" {
		c.Bus.Backend = v
	}
	if v := os.Getenv("FLOWNODE_BUS_REDIS_URL"); v != "" {
		c.Bus.RedisURL = v
	} else if c.Bus.RedisURL == "" {
		if v := os.Getenv("REDIS_URL"); v != "" {
			c.Bus.RedisURL = v
		}
	}

	if v := os.Getenv("FLOWNODE_CB_ENABLED"); v != "" {
		c.Resilience.CircuitBreaker.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLOWNODE_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Resilience.Retry.MaxAttempts = n
		}
	}

	if v := os.Getenv("FLOWNODE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("FLOWNODE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	} else if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
	}
	if c.Telemetry.ServiceName == "" {
		if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
			c.Telemetry.ServiceName = v
		} else {
			c.Telemetry.ServiceName = c.Name
		}
	}

	if v := os.Getenv("FLOWNODE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLOWNODE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}

	if v := os.Getenv("FLOWNODE_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
			c.Logging.Level = "debug"
			c.Logging.Format = "text"
		}
	}
	if v := os.Getenv("FLOWNODE_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
		if c.Development.DebugLogging {
			c.Logging.Level = "debug"
		}
	}

	if err := c.Validate(); err != nil {
		if c.logger != nil {
			c.logger.Error("Configuration validation failed", map[string]interface{}{
				"error":         err.Error(),
				"config_source": "environment_variables",
			})
		}
		return err
	}

	if c.logger != nil {
		c.logger.Info("Configuration loading completed", map[string]interface{}{
			"worker_count":  c.Worker.Count,
			"store_backend": c.Store.Backend,
			"bus_backend":   c.Bus.Backend,
			"logging_level": c.Logging.Level,
		})
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
// File settings override environment variables but are overridden by
// functional options.
func (c *Config) LoadFromFile(path string) error {
	if c.logger != nil {
		c.logger.Info("Loading configuration from file", map[string]interface{}{
			"file_path": path,
		})
	}

	cleanPath := filepath.Clean(path)

	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}

	data, err := os.ReadFile(filepath.Clean(cleanPath)) // nosec G304 -- path is validated above
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", ErrInvalidConfiguration)
		}
	}

	if c.logger != nil {
		c.logger.Info("Configuration file loaded successfully", map[string]interface{}{
			"file_path": cleanPath,
			"format":    ext,
			"file_size": len(data),
		})
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
// This method is called automatically by NewConfig() but can also be called
// manually after modifying configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "node name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Worker.Count < 1 || c.Worker.Count > 10000 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("invalid worker count: %d", c.Worker.Count),
			Err:     ErrWorkerCountOutOfRange,
		}
	}

	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "redis URL is required for the redis checkpoint store backend",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Bus.Backend == "redis" && c.Bus.RedisURL == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "redis URL is required for the redis message bus backend",
			Err:     ErrMissingConfiguration,
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "telemetry endpoint is required when telemetry is enabled",
			Err:     ErrMissingConfiguration,
		}
	}

	return nil
}

// Helper functions

// parseStringList splits a comma-separated string into a slice of strings.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithName sets the node's logical name, used in logging and telemetry.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithNamespace sets the logical namespace for the node.
func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		c.Namespace = namespace
		return nil
	}
}

// WithWorkerCount sets the size of the Flow Worker pool.
func WithWorkerCount(count int) Option {
	return func(c *Config) error {
		if count < 1 || count > 10000 {
			return &FrameworkError{
				Op:      "WithWorkerCount",
				Kind:    "config",
				Message: fmt.Sprintf("invalid worker count: %d", count),
				Err:     ErrWorkerCountOutOfRange,
			}
		}
		c.Worker.Count = count
		return nil
	}
}

// WithRedisURL sets the Redis connection URL for both the checkpoint store
// and the message bus, and selects the redis backend for both.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Store.RedisURL = url
		c.Store.Backend = "redis"
		c.Bus.RedisURL = url
		c.Bus.Backend = "redis"
		return nil
	}
}

// WithStoreBackend selects the CheckpointStore backend ("memory" or "redis").
func WithStoreBackend(backend string) Option {
	return func(c *Config) error {
		c.Store.Backend = backend
		return nil
	}
}

// WithBusBackend selects the MessageBus backend ("memory" or "redis").
func WithBusBackend(backend string) Option {
	return func(c *Config) error {
		c.Bus.Backend = backend
		return nil
	}
}

// WithTelemetry enables telemetry with the specified OTLP endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		c.Telemetry.Endpoint = endpoint
		if c.Telemetry.ServiceName == "" {
			c.Telemetry.ServiceName = c.Name
		}
		return nil
	}
}

// WithOTELEndpoint sets the OpenTelemetry endpoint and automatically enables
// telemetry.
func WithOTELEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the minimum logging level ("error", "warn", "info", "debug").
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the logging output format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithCircuitBreaker enables the circuit breaker pattern used by the Action
// Executor's retry path.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.CircuitBreaker.Enabled = true
		c.Resilience.CircuitBreaker.Threshold = threshold
		c.Resilience.CircuitBreaker.Timeout = timeout
		return nil
	}
}

// WithRetry configures the retry pattern used by RetryFlowFromSafePoint.
func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Config) error {
		c.Resilience.Retry.MaxAttempts = maxAttempts
		c.Resilience.Retry.InitialInterval = initialInterval
		return nil
	}
}

// WithConfigFile loads configuration from a JSON or YAML file.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithDevelopmentMode enables development mode with developer-friendly
// defaults: pretty logs, debug level, and text format.
//
// WARNING: Never enable in production.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// WithLogger sets a logger for configuration operations.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// NewConfig creates a new configuration with the provided options.
// Configuration is applied in the following order:
//  1. Default values from DefaultConfig()
//  2. Environment variables via LoadFromEnv()
//  3. Functional options (highest priority)
//  4. Validation via Validate()
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)

		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}

		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ============================================================================
// ProductionLogger Implementation - Layered Observability Architecture
// ============================================================================

// ProductionLogger provides layered observability for node operations
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	// Metrics layer (enabled when telemetry available)
	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          dev.DebugLogging || logging.Level == "debug",
		serviceName:    serviceName,
		format:         logging.Format,
		output:         output,
		metricsEnabled: false,
	}
}

// EnableMetrics is called by the telemetry module to enable the metrics layer
func (p *ProductionLogger) EnableMetrics() {
	p.metricsEnabled = true
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, nil)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields, ctx)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, nil)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields, ctx)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, nil)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields, ctx)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields, ctx)
	}
}

// Core logging implementation with all three layers
func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}, ctx context.Context) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		logEntry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"component": "flownode",
			"message":   msg,
		}

		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); len(baggage) > 0 {
				for k, v := range baggage {
					logEntry["trace."+k] = v
				}
			}
		}

		for k, v := range fields {
			logEntry[k] = v
		}

		if data, err := json.Marshal(logEntry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		traceInfo := ""
		if ctx != nil && p.metricsEnabled {
			if baggage := getContextBaggage(ctx); baggage["flow_id"] != "" {
				traceInfo = fmt.Sprintf("[flow=%s] ", baggage["flow_id"])
			}
		}

		var fieldStr strings.Builder
		if len(fields) > 0 {
			fieldStr.WriteString(" ")
			for k, v := range fields {
				fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
			}
		}

		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s%s\n",
			timestamp, level, p.serviceName, traceInfo, msg, fieldStr.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, msg, fields, ctx)
	}
}

// Metrics emission with cardinality protection
func (p *ProductionLogger) emitFrameworkMetric(level, msg string, fields map[string]interface{}, ctx context.Context) {
	labels := []string{
		"level", level,
		"service", p.serviceName,
		"component", "flownode",
	}

	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "event", "action":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}

	if ctx != nil {
		emitMetricWithContext(ctx, "flownode.operations", 1.0, labels...)
	} else {
		emitMetric("flownode.operations", 1.0, labels...)
	}
}

// Helper functions for weak coupling to telemetry
func emitMetric(name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.Counter(name, labels...)
	}
}

func emitMetricWithContext(ctx context.Context, name string, value float64, labels ...string) {
	if globalMetricsRegistry != nil {
		globalMetricsRegistry.EmitWithContext(ctx, name, value, labels...)
	}
}

func getContextBaggage(ctx context.Context) map[string]string {
	if globalMetricsRegistry != nil {
		return globalMetricsRegistry.GetBaggage(ctx)
	}
	return make(map[string]string)
}
