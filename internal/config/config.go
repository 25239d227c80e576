// Package config provides configuration management for the relay service.
// Configuration is loaded from environment variables with the RELAY_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration settings for the relay service.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Scheduler     SchedulerConfig
	Queue         QueueConfig
	Executor      ExecutorConfig
	Runtime       RuntimeConfig
	Events        EventsConfig
	Log           LogConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP and metrics server settings.
type ServerConfig struct {
	// HTTPPort is the port for the REST API and websocket endpoint (default: 8080)
	HTTPPort int
	// MetricsPort is the port for Prometheus metrics (default: 9091)
	MetricsPort int
	// ShutdownTimeout is the graceful shutdown timeout (default: 30s)
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string
	// MaxConns is the maximum number of pooled connections (default: 25)
	MaxConns int
	// MinConns is the minimum number of pooled connections (default: 5)
	MinConns int
	// ConnMaxLifetime is the maximum connection lifetime (default: 5m)
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime is the maximum idle time for connections (default: 1m)
	ConnMaxIdleTime time.Duration
	// QueryTimeout is the default query timeout (default: 30s)
	QueryTimeout time.Duration
}

// SchedulerConfig holds cron scheduler and leader election settings.
type SchedulerConfig struct {
	// TickInterval is how often due schedules are evaluated (default: 1m)
	TickInterval time.Duration
	// LeaderTTL is the leader lease duration; renewal runs at half the TTL (default: 30s)
	LeaderTTL time.Duration
	// InstanceID identifies this instance for leader election (default: hostname)
	InstanceID string
}

// QueueConfig holds durable job queue settings.
type QueueConfig struct {
	// AgentConcurrency is the worker count for the agent run queue (default: 3)
	AgentConcurrency int
	// WorkflowConcurrency is the worker count for the workflow queue (default: 2)
	WorkflowConcurrency int
	// MaxAttempts is the delivery attempt limit per job (default: 3)
	MaxAttempts int
	// RetryBackoff is the base delay between redeliveries (default: 5s)
	RetryBackoff time.Duration
	// AgentJobTimeout bounds a single agent run delivery (default: 30m)
	AgentJobTimeout time.Duration
	// WorkflowJobTimeout bounds a single workflow delivery (default: 60m)
	WorkflowJobTimeout time.Duration
	// PollInterval is how often idle workers check for jobs (default: 1s)
	PollInterval time.Duration
	// SweepInterval is how often finished jobs are cleaned up (default: 10m)
	SweepInterval time.Duration
	// CompletedRetention controls how long completed jobs are kept (default: 24h)
	CompletedRetention time.Duration
	// FailedRetention controls how long failed jobs are kept (default: 168h)
	FailedRetention time.Duration
}

// ExecutorConfig holds agent run execution settings.
type ExecutorConfig struct {
	// LockNamespace prefixes agent lock keys (default: relay)
	LockNamespace string
	// LockTTL is the agent lock lease duration (default: 35m)
	LockTTL time.Duration
}

// RuntimeConfig holds agent runtime client settings.
type RuntimeConfig struct {
	// BaseURL is the agent runtime API endpoint (required)
	BaseURL string
	// Token is the bearer token for runtime requests (optional)
	Token string
	// RequestTimeout bounds session open and close calls (default: 30s)
	RequestTimeout time.Duration
}

// EventsConfig holds websocket event streaming settings.
type EventsConfig struct {
	// AllowedOrigins restricts websocket upgrade origins (default: *)
	AllowedOrigins []string
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error) (default: info)
	Level string
	// Format is the log format (json, console) (default: json)
	Format string
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	// TracingEnabled enables OpenTelemetry tracing (default: false)
	TracingEnabled bool
	// TracingEndpoint is the OTLP collector endpoint (e.g., "localhost:4318")
	TracingEndpoint string
	// TracingInsecure disables TLS for the tracing connection (default: true)
	TracingInsecure bool
	// TracingSampleRate is the sampling rate (0.0 to 1.0) (default: 1.0)
	TracingSampleRate float64
	// Environment is the deployment environment (e.g., "production", "staging")
	Environment string
}

// Load reads configuration from environment variables.
// Environment variables use the RELAY_ prefix.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:        getEnvInt("RELAY_HTTP_PORT", 8080),
			MetricsPort:     getEnvInt("RELAY_METRICS_PORT", 9091),
			ShutdownTimeout: getEnvDuration("RELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("RELAY_DATABASE_URL", ""),
			MaxConns:        getEnvInt("RELAY_DATABASE_MAX_CONNS", 25),
			MinConns:        getEnvInt("RELAY_DATABASE_MIN_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("RELAY_DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("RELAY_DATABASE_CONN_MAX_IDLE_TIME", 1*time.Minute),
			QueryTimeout:    getEnvDuration("RELAY_DATABASE_QUERY_TIMEOUT", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			TickInterval: getEnvDuration("RELAY_SCHEDULER_TICK_INTERVAL", time.Minute),
			LeaderTTL:    getEnvDuration("RELAY_SCHEDULER_LEADER_TTL", 30*time.Second),
			InstanceID:   getEnv("RELAY_SCHEDULER_INSTANCE_ID", hostname),
		},
		Queue: QueueConfig{
			AgentConcurrency:    getEnvInt("RELAY_QUEUE_AGENT_CONCURRENCY", 3),
			WorkflowConcurrency: getEnvInt("RELAY_QUEUE_WORKFLOW_CONCURRENCY", 2),
			MaxAttempts:         getEnvInt("RELAY_QUEUE_MAX_ATTEMPTS", 3),
			RetryBackoff:        getEnvDuration("RELAY_QUEUE_RETRY_BACKOFF", 5*time.Second),
			AgentJobTimeout:     getEnvDuration("RELAY_QUEUE_AGENT_JOB_TIMEOUT", 30*time.Minute),
			WorkflowJobTimeout:  getEnvDuration("RELAY_QUEUE_WORKFLOW_JOB_TIMEOUT", 60*time.Minute),
			PollInterval:        getEnvDuration("RELAY_QUEUE_POLL_INTERVAL", time.Second),
			SweepInterval:       getEnvDuration("RELAY_QUEUE_SWEEP_INTERVAL", 10*time.Minute),
			CompletedRetention:  getEnvDuration("RELAY_QUEUE_COMPLETED_RETENTION", 24*time.Hour),
			FailedRetention:     getEnvDuration("RELAY_QUEUE_FAILED_RETENTION", 7*24*time.Hour),
		},
		Executor: ExecutorConfig{
			LockNamespace: getEnv("RELAY_EXECUTOR_LOCK_NAMESPACE", "relay"),
			LockTTL:       getEnvDuration("RELAY_EXECUTOR_LOCK_TTL", 35*time.Minute),
		},
		Runtime: RuntimeConfig{
			BaseURL:        getEnv("RELAY_RUNTIME_BASE_URL", ""),
			Token:          getEnv("RELAY_RUNTIME_TOKEN", ""),
			RequestTimeout: getEnvDuration("RELAY_RUNTIME_REQUEST_TIMEOUT", 30*time.Second),
		},
		Events: EventsConfig{
			AllowedOrigins: getEnvList("RELAY_EVENTS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Log: LogConfig{
			Level:  getEnv("RELAY_LOG_LEVEL", "info"),
			Format: getEnv("RELAY_LOG_FORMAT", "json"),
		},
		Observability: ObservabilityConfig{
			TracingEnabled:    getEnvBool("RELAY_TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("RELAY_TRACING_ENDPOINT", ""),
			TracingInsecure:   getEnvBool("RELAY_TRACING_INSECURE", true),
			TracingSampleRate: getEnvFloat("RELAY_TRACING_SAMPLE_RATE", 1.0),
			Environment:       getEnv("RELAY_ENVIRONMENT", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	// Server validation
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("RELAY_HTTP_PORT must be between 1 and 65535"))
	}
	if c.Server.MetricsPort < 1 || c.Server.MetricsPort > 65535 {
		errs = append(errs, errors.New("RELAY_METRICS_PORT must be between 1 and 65535"))
	}

	// Database validation (required)
	if c.Database.URL == "" {
		errs = append(errs, errors.New("RELAY_DATABASE_URL is required"))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, errors.New("RELAY_DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, errors.New("RELAY_DATABASE_MIN_CONNS cannot be negative"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("RELAY_DATABASE_MIN_CONNS cannot exceed MAX_CONNS"))
	}

	// Scheduler validation
	if c.Scheduler.TickInterval < time.Second {
		errs = append(errs, errors.New("RELAY_SCHEDULER_TICK_INTERVAL must be at least 1 second"))
	}
	if c.Scheduler.LeaderTTL <= 0 {
		errs = append(errs, errors.New("RELAY_SCHEDULER_LEADER_TTL must be greater than 0"))
	}
	if c.Scheduler.InstanceID == "" {
		errs = append(errs, errors.New("RELAY_SCHEDULER_INSTANCE_ID is required when hostname is unavailable"))
	}

	// Queue validation
	if c.Queue.AgentConcurrency < 1 {
		errs = append(errs, errors.New("RELAY_QUEUE_AGENT_CONCURRENCY must be at least 1"))
	}
	if c.Queue.WorkflowConcurrency < 1 {
		errs = append(errs, errors.New("RELAY_QUEUE_WORKFLOW_CONCURRENCY must be at least 1"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("RELAY_QUEUE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Queue.AgentJobTimeout < time.Minute {
		errs = append(errs, errors.New("RELAY_QUEUE_AGENT_JOB_TIMEOUT must be at least 1 minute"))
	}
	if c.Queue.WorkflowJobTimeout < c.Queue.AgentJobTimeout {
		errs = append(errs, errors.New("RELAY_QUEUE_WORKFLOW_JOB_TIMEOUT must be >= AGENT_JOB_TIMEOUT"))
	}

	// Executor validation
	if c.Executor.LockNamespace == "" {
		errs = append(errs, errors.New("RELAY_EXECUTOR_LOCK_NAMESPACE is required"))
	}
	if c.Executor.LockTTL < c.Queue.AgentJobTimeout {
		errs = append(errs, errors.New("RELAY_EXECUTOR_LOCK_TTL must be >= AGENT_JOB_TIMEOUT"))
	}

	// Runtime validation (required)
	if c.Runtime.BaseURL == "" {
		errs = append(errs, errors.New("RELAY_RUNTIME_BASE_URL is required"))
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, errors.New("RELAY_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, errors.New("RELAY_LOG_FORMAT must be one of: json, console"))
	}

	// Tracing validation (conditional)
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("RELAY_TRACING_ENDPOINT is required when tracing is enabled"))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("RELAY_TRACING_SAMPLE_RATE must be between 0.0 and 1.0"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// TracingEnabled returns true if OTLP tracing is configured and enabled.
func (c *Config) TracingEnabled() bool {
	return c.Observability.TracingEnabled && c.Observability.TracingEndpoint != ""
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
