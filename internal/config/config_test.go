package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setTestEnv sets environment variables for testing and returns a cleanup function.
func setTestEnv(t *testing.T, envVars map[string]string) {
	t.Helper()

	// Store original values
	original := make(map[string]string)
	for key := range envVars {
		original[key] = os.Getenv(key)
	}

	// Set new values
	for key, value := range envVars {
		os.Setenv(key, value)
	}

	// Register cleanup
	t.Cleanup(func() {
		for key, value := range original {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	})
}

// minimalValidEnv returns the minimum required environment variables for a valid config.
func minimalValidEnv() map[string]string {
	return map[string]string{
		"RELAY_DATABASE_URL":     "postgres://localhost/relay",
		"RELAY_RUNTIME_BASE_URL": "http://localhost:8090",
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	env := minimalValidEnv()
	env["RELAY_HTTP_PORT"] = "8081"
	env["RELAY_LOG_LEVEL"] = "debug"
	env["RELAY_LOG_FORMAT"] = "console"
	env["RELAY_QUEUE_AGENT_CONCURRENCY"] = "5"
	setTestEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.HTTPPort)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Queue.AgentConcurrency)
}

func TestLoad_Defaults(t *testing.T) {
	setTestEnv(t, minimalValidEnv())

	cfg, err := Load()
	require.NoError(t, err)

	// Server defaults
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	// Database defaults
	assert.Equal(t, 25, cfg.Database.MaxConns)
	assert.Equal(t, 5, cfg.Database.MinConns)
	assert.Equal(t, 5*time.Minute, cfg.Database.ConnMaxLifetime)

	// Scheduler defaults
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.LeaderTTL)
	assert.NotEmpty(t, cfg.Scheduler.InstanceID)

	// Queue defaults
	assert.Equal(t, 3, cfg.Queue.AgentConcurrency)
	assert.Equal(t, 2, cfg.Queue.WorkflowConcurrency)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.RetryBackoff)
	assert.Equal(t, 30*time.Minute, cfg.Queue.AgentJobTimeout)
	assert.Equal(t, 60*time.Minute, cfg.Queue.WorkflowJobTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Queue.CompletedRetention)
	assert.Equal(t, 7*24*time.Hour, cfg.Queue.FailedRetention)

	// Executor defaults
	assert.Equal(t, "relay", cfg.Executor.LockNamespace)
	assert.Equal(t, 35*time.Minute, cfg.Executor.LockTTL)

	// Runtime defaults
	assert.Equal(t, "http://localhost:8090", cfg.Runtime.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Runtime.RequestTimeout)

	// Events defaults
	assert.Equal(t, []string{"*"}, cfg.Events.AllowedOrigins)

	// Log defaults
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	setTestEnv(t, map[string]string{"RELAY_DATABASE_URL": ""})
	os.Unsetenv("RELAY_DATABASE_URL")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_DATABASE_URL is required")
}

func TestLoad_InvalidPort(t *testing.T) {
	env := minimalValidEnv()
	env["RELAY_HTTP_PORT"] = "99999"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_HTTP_PORT must be between 1 and 65535")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	env := minimalValidEnv()
	env["RELAY_LOG_LEVEL"] = "verbose"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_LOG_LEVEL must be one of")
}

func TestLoad_TracingRequiresEndpoint(t *testing.T) {
	env := minimalValidEnv()
	env["RELAY_TRACING_ENABLED"] = "true"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_TRACING_ENDPOINT is required when tracing is enabled")
}

func TestLoad_LockTTLCoversJobTimeout(t *testing.T) {
	env := minimalValidEnv()
	env["RELAY_EXECUTOR_LOCK_TTL"] = "10m"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_EXECUTOR_LOCK_TTL must be >= AGENT_JOB_TIMEOUT")
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	env := minimalValidEnv()
	env["RELAY_QUEUE_MAX_ATTEMPTS"] = "not-a-number"
	env["RELAY_SHUTDOWN_TIMEOUT"] = "soon"
	setTestEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoad_AllowedOriginsList(t *testing.T) {
	env := minimalValidEnv()
	env["RELAY_EVENTS_ALLOWED_ORIGINS"] = "https://app.example.com, https://admin.example.com"
	setTestEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.Events.AllowedOrigins)
}

func TestValidationError_Multiple(t *testing.T) {
	env := minimalValidEnv()
	env["RELAY_HTTP_PORT"] = "0"
	env["RELAY_LOG_FORMAT"] = "xml"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Errors, 2)
}
