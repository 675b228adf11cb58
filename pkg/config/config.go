// Package config provides configuration management for the TileMud realtime
// core. It handles environment variable loading, validation, and provides
// secure defaults appropriate for production deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tilemud/core/pkg/retry"

	"github.com/sirupsen/logrus"
)

// RateLimitChannel declares the sliding-window admission parameters for a
// single rate-limited channel: how many events are allowed within the
// window before further ones are rejected.
type RateLimitChannel struct {
	Limit    int
	WindowMs time.Duration
}

// Config represents the server configuration with environment variable support.
// All configuration values can be set via environment variables or will use
// secure defaults appropriate for production deployment.
// Config is thread-safe; all field access should be done through getter methods
// when used concurrently, or by holding the mutex directly.
type Config struct {
	// mu provides thread-safe access to configuration fields when the Config
	// instance is shared across goroutines. Use RLock for reads and Lock for writes.
	mu sync.RWMutex `json:"-"`

	// ServerPort is the port the HTTP server will listen on
	ServerPort int `json:"server_port"`

	// LogLevel controls the logging verbosity (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// AllowedOrigins is a list of allowed WebSocket origins for CORS
	AllowedOrigins []string `json:"allowed_origins"`

	// MaxRequestSize is the maximum size of incoming requests in bytes
	MaxRequestSize int64 `json:"max_request_size"`

	// EnableDevMode enables development-friendly settings (broader CORS, verbose logging)
	EnableDevMode bool `json:"enable_dev_mode"`

	// RequestTimeout is the maximum duration for processing requests
	RequestTimeout time.Duration `json:"request_timeout"`

	// Admission Controller settings

	// AdmissionTimeoutMs bounds how long the wall-clock deadline check allows
	// a connection to spend completing its checks before rejection.
	AdmissionTimeoutMs int `json:"admission_timeout_ms"`

	// AdmissionMaxQueueLength caps the number of connections waiting for an
	// admission decision before further attempts are rejected outright.
	AdmissionMaxQueueLength int `json:"admission_max_queue_length"`

	// AdmissionRateLimit and AdmissionRateWindowSeconds bound repeated
	// admission attempts from the same client within a rolling window.
	AdmissionRateLimit         int `json:"admission_rate_limit"`
	AdmissionRateWindowSeconds int `json:"admission_rate_window_seconds"`

	// AdmissionRateLockSeconds is loaded from ADMISSION_RATE_LOCK_SECONDS but
	// no component reads it: exceeding AdmissionRateLimit applies no lockout
	// beyond the rate window itself.
	AdmissionRateLockSeconds int `json:"admission_rate_lock_seconds"`

	// Reconnect Service settings

	// ReconnectGraceMs is how long a disconnected session's seat is held
	// open for a reconnect before it is forfeited.
	ReconnectGraceMs int64 `json:"reconnect_grace_ms"`

	// Session Store settings

	// SessionInactivityTimeoutMs is how long a session may go without
	// activity before the Janitor marks it for cleanup.
	SessionInactivityTimeoutMs int64 `json:"session_inactivity_timeout_ms"`

	// Janitor settings

	JanitorIntervalSeconds          int `json:"janitor_interval_seconds"`
	JanitorGracePeriodBufferSeconds int `json:"janitor_grace_period_buffer_seconds"`
	JanitorBatchSize                int `json:"janitor_batch_size"`

	// RateLimiterChannels is the per-channel sliding-window table consulted
	// by the Rate Limiter for non-admission traffic (chat, tile actions,
	// private messages).
	RateLimiterChannels map[string]RateLimitChannel `json:"rate_limiter_channels"`

	// DrainModeEnabled and MaintenanceModeEnabled are hot-togglable operator
	// switches consulted by the Admission Controller.
	DrainModeEnabled       bool `json:"drain_mode_enabled"`
	MaintenanceModeEnabled bool `json:"maintenance_mode_enabled"`

	// CurrentClientBuild and SupportedClientBuilds gate admission on client
	// build compatibility.
	CurrentClientBuild    string   `json:"current_client_build"`
	SupportedClientBuilds []string `json:"supported_client_builds"`

	// BoardMaxDimension and MaxPlayers bound the size of a Battle Room.
	BoardMaxDimension int `json:"board_max_dimension"`
	MaxPlayers        int `json:"max_players"`

	// ActionDrainBatchSize bounds how many queued actions the Action
	// Pipeline drains per scheduling turn of a Battle Room's single-writer loop.
	ActionDrainBatchSize int `json:"action_drain_batch_size"`

	// Health Poller settings

	HealthPollIntervalSeconds int `json:"health_poll_interval_seconds"`
	HealthPollTimeoutSeconds  int `json:"health_poll_timeout_seconds"`

	// Retry configuration (generic, also exposed via GetRetryConfig for
	// components that want the aggregate default rather than a named preset)

	// RetryEnabled enables retry logic for transient failures
	RetryEnabled bool `json:"retry_enabled"`

	// RetryMaxAttempts is the maximum number of retry attempts (including initial attempt)
	RetryMaxAttempts int `json:"retry_max_attempts"`

	// RetryInitialDelay is the initial delay before the first retry
	RetryInitialDelay time.Duration `json:"retry_initial_delay"`

	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration `json:"retry_max_delay"`

	// RetryBackoffMultiplier is the multiplier for exponential backoff (typically 2.0)
	RetryBackoffMultiplier float64 `json:"retry_backoff_multiplier"`

	// RetryJitterPercent is the maximum percentage of jitter to add (0-100)
	RetryJitterPercent int `json:"retry_jitter_percent"`

	// Server lifecycle timeouts

	// ShutdownTimeout is the maximum duration for graceful server shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// ShutdownGracePeriod is the grace period after shutdown before forcing exit
	ShutdownGracePeriod time.Duration `json:"shutdown_grace_period"`
}

// Load creates a new Config instance by reading from environment variables
// and applying secure defaults. It validates all configuration values and
// returns an error if any required values are missing or invalid.
func Load() (*Config, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"package":  "config",
	}).Debug("entering Load")

	config := &Config{
		// Secure defaults for production deployment
		ServerPort:     getEnvAsInt("SERVER_PORT", 8080),
		LogLevel:       getEnvAsString("LOG_LEVEL", "info"),
		AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{}),
		MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 1*1024*1024), // 1MB default
		EnableDevMode:  getEnvAsBool("ENABLE_DEV_MODE", true),          // Default to dev mode for easier setup
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),

		// Admission Controller defaults
		AdmissionTimeoutMs:         getEnvAsInt("ADMISSION_TIMEOUT_MS", 10000),
		AdmissionMaxQueueLength:    getEnvAsInt("ADMISSION_MAX_QUEUE_LENGTH", 1000),
		AdmissionRateLimit:         getEnvAsInt("ADMISSION_RATE_LIMIT", 5),
		AdmissionRateWindowSeconds: getEnvAsInt("ADMISSION_RATE_WINDOW_SECONDS", 60),
		AdmissionRateLockSeconds:   getEnvAsInt("ADMISSION_RATE_LOCK_SECONDS", 60),

		// Reconnect Service defaults
		ReconnectGraceMs: getEnvAsInt64("RECONNECT_GRACE_MS", 60000),

		// Session Store defaults
		SessionInactivityTimeoutMs: getEnvAsInt64("SESSION_INACTIVITY_TIMEOUT_MS", 600000),

		// Janitor defaults
		JanitorIntervalSeconds:          getEnvAsInt("JANITOR_INTERVAL_SECONDS", 60),
		JanitorGracePeriodBufferSeconds: getEnvAsInt("JANITOR_GRACE_PERIOD_BUFFER_SECONDS", 5),
		JanitorBatchSize:                getEnvAsInt("JANITOR_BATCH_SIZE", 50),

		RateLimiterChannels: defaultRateLimiterChannels(),

		DrainModeEnabled:       getEnvAsBool("DRAIN_MODE_ENABLED", false),
		MaintenanceModeEnabled: getEnvAsBool("MAINTENANCE_MODE_ENABLED", false),

		CurrentClientBuild:    getEnvAsString("CURRENT_CLIENT_BUILD", "dev"),
		SupportedClientBuilds: getEnvAsStringSlice("SUPPORTED_CLIENT_BUILDS", []string{"dev"}),

		BoardMaxDimension: getEnvAsInt("BOARD_MAX_DIMENSION", 256),
		MaxPlayers:        getEnvAsInt("MAX_PLAYERS", 64),

		ActionDrainBatchSize: getEnvAsInt("ACTION_DRAIN_BATCH_SIZE", 32),

		HealthPollIntervalSeconds: getEnvAsInt("HEALTH_POLL_INTERVAL_SECONDS", 10),
		HealthPollTimeoutSeconds:  getEnvAsInt("HEALTH_POLL_TIMEOUT_SECONDS", 3),

		// Retry defaults
		RetryEnabled:           getEnvAsBool("RETRY_ENABLED", true),                           // Enabled by default
		RetryMaxAttempts:       getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),                          // 3 attempts default
		RetryInitialDelay:      getEnvAsDuration("RETRY_INITIAL_DELAY", 100*time.Millisecond), // 100ms initial delay
		RetryMaxDelay:          getEnvAsDuration("RETRY_MAX_DELAY", 30*time.Second),           // 30s max delay
		RetryBackoffMultiplier: getEnvAsFloat64("RETRY_BACKOFF_MULTIPLIER", 2.0),              // 2.0 backoff multiplier
		RetryJitterPercent:     getEnvAsInt("RETRY_JITTER_PERCENT", 10),                       // 10% jitter

		// Server lifecycle timeout defaults
		ShutdownTimeout:     getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),     // 30s shutdown timeout
		ShutdownGracePeriod: getEnvAsDuration("SHUTDOWN_GRACE_PERIOD", 1*time.Second), // 1s grace period
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Load",
		"package":     "config",
		"server_port": config.ServerPort,
		"dev_mode":    config.EnableDevMode,
		"log_level":   config.LogLevel,
	}).Debug("configuration loaded, starting validation")

	// Validate configuration
	if err := config.validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"package":  "config",
			"error":    err,
		}).Error("configuration validation failed")
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Load",
		"package":     "config",
		"server_port": config.ServerPort,
		"dev_mode":    config.EnableDevMode,
		"log_level":   config.LogLevel,
	}).Debug("exiting Load - configuration successfully loaded and validated")

	return config, nil
}

// defaultRateLimiterChannels returns the channel table consulted by the Rate
// Limiter for traffic outside the admission path: chat, tile actions, and
// private messages each get their own sliding window.
func defaultRateLimiterChannels() map[string]RateLimitChannel {
	return map[string]RateLimitChannel{
		"chat_in_instance": {Limit: 5, WindowMs: 10 * time.Second},
		"tile_action":      {Limit: 20, WindowMs: 10 * time.Second},
		"private_message":  {Limit: 10, WindowMs: 10 * time.Second},
	}
}

// validate checks that all configuration values are valid and consistent.
// validate performs comprehensive configuration validation with multiple checks.
// This method coordinates validation of all configuration sections including
// server settings, timeouts, rate limiting, and retry policies.
func (c *Config) validate() error {
	if err := c.validateServerSettings(); err != nil {
		return err
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if err := c.validateSecuritySettings(); err != nil {
		return err
	}

	if err := c.validateRateLimitConfig(); err != nil {
		return err
	}

	if err := c.validateRetryConfig(); err != nil {
		return err
	}

	if err := c.validateAdmissionSettings(); err != nil {
		return err
	}

	if err := c.validateBoardSettings(); err != nil {
		return err
	}

	if err := c.validateJanitorSettings(); err != nil {
		return err
	}

	return nil
}

// validateServerSettings checks server port and log level configuration.
// Ensures the server port is within valid range (1-65535) and log level
// is one of the supported values (debug, info, warn, error).
func (c *Config) validateServerSettings() error {
	// Validate server port range
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.ServerPort)
	}

	// Validate log level
	validLogLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, level := range validLogLevels {
		if strings.ToLower(c.LogLevel) == level {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("log level must be one of %v, got %s", validLogLevels, c.LogLevel)
	}

	return nil
}

// validateTimeouts ensures timeout values meet minimum requirements.
// Request timeout must be at least 1 second and the reconnect grace period
// must lie between 30000 and 600000 ms.
func (c *Config) validateTimeouts() error {
	if c.RequestTimeout < time.Second {
		return fmt.Errorf("request timeout must be at least 1 second, got %v", c.RequestTimeout)
	}

	if c.ReconnectGraceMs < 30000 || c.ReconnectGraceMs > 600000 {
		return fmt.Errorf("reconnect grace must be between 30000 and 600000 ms, got %d", c.ReconnectGraceMs)
	}

	return nil
}

// validateAdmissionSettings checks the Admission Controller's queue,
// timeout, and rate-lock bounds.
func (c *Config) validateAdmissionSettings() error {
	if c.AdmissionTimeoutMs < 1 {
		return fmt.Errorf("admission timeout must be positive, got %d", c.AdmissionTimeoutMs)
	}
	if c.AdmissionMaxQueueLength < 100 || c.AdmissionMaxQueueLength > 5000 {
		return fmt.Errorf("admission max queue length must be between 100 and 5000, got %d", c.AdmissionMaxQueueLength)
	}
	if c.AdmissionRateLimit < 3 || c.AdmissionRateLimit > 20 {
		return fmt.Errorf("admission rate limit must be between 3 and 20, got %d", c.AdmissionRateLimit)
	}
	if c.AdmissionRateWindowSeconds < 30 || c.AdmissionRateWindowSeconds > 300 {
		return fmt.Errorf("admission rate window must be between 30 and 300 seconds, got %d", c.AdmissionRateWindowSeconds)
	}
	return nil
}

// validateBoardSettings checks Battle Room sizing bounds.
func (c *Config) validateBoardSettings() error {
	if c.BoardMaxDimension < 1 || c.BoardMaxDimension > 256 {
		return fmt.Errorf("board max dimension must be between 1 and 256, got %d", c.BoardMaxDimension)
	}
	if c.MaxPlayers < 2 || c.MaxPlayers > 64 {
		return fmt.Errorf("max players must be between 2 and 64, got %d", c.MaxPlayers)
	}
	return nil
}

// validateJanitorSettings checks the Janitor's sweep cadence and batch size.
func (c *Config) validateJanitorSettings() error {
	if c.JanitorIntervalSeconds < 1 {
		return fmt.Errorf("janitor interval must be positive, got %d", c.JanitorIntervalSeconds)
	}
	if c.JanitorBatchSize < 1 {
		return fmt.Errorf("janitor batch size must be positive, got %d", c.JanitorBatchSize)
	}
	return nil
}

// validateSecuritySettings checks security-related configuration.
// Validates request size limits and ensures production mode has proper
// origin allowlist configuration for WebSocket security.
func (c *Config) validateSecuritySettings() error {
	// Validate request size
	if c.MaxRequestSize < 1024 { // 1KB minimum
		return fmt.Errorf("max request size must be at least 1024 bytes, got %d", c.MaxRequestSize)
	}

	// In production mode, require explicit origin allowlist
	if !c.EnableDevMode && len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("allowed origins must be specified when dev mode is disabled")
	}

	return nil
}

// validateRateLimitConfig ensures every declared rate-limiter channel has a
// positive limit and window, since a zero or negative value would make the
// sliding-window evaluator divide-by-zero or reject every event outright.
func (c *Config) validateRateLimitConfig() error {
	for name, ch := range c.RateLimiterChannels {
		if ch.Limit <= 0 {
			return fmt.Errorf("rate limiter channel %q must have a positive limit, got %d", name, ch.Limit)
		}
		if ch.WindowMs <= 0 {
			return fmt.Errorf("rate limiter channel %q must have a positive window, got %v", name, ch.WindowMs)
		}
	}

	return nil
}

// validateRetryConfig ensures retry policy parameters are valid when enabled.
// Validates attempt counts, delay values, backoff multiplier, and jitter
// percentage to ensure retry behavior functions as expected.
func (c *Config) validateRetryConfig() error {
	if c.RetryEnabled {
		if c.RetryMaxAttempts < 1 {
			return fmt.Errorf("retry max attempts must be at least 1 when retry is enabled")
		}
		if c.RetryInitialDelay < 0 {
			return fmt.Errorf("retry initial delay must be non-negative when retry is enabled")
		}
		if c.RetryMaxDelay < c.RetryInitialDelay {
			return fmt.Errorf("retry max delay must be greater than or equal to initial delay when retry is enabled")
		}
		if c.RetryBackoffMultiplier <= 1.0 {
			return fmt.Errorf("retry backoff multiplier must be greater than 1.0 when retry is enabled")
		}
		if c.RetryJitterPercent < 0 || c.RetryJitterPercent > 100 {
			return fmt.Errorf("retry jitter percent must be between 0 and 100 when retry is enabled")
		}
	}

	return nil
}

// IsOriginAllowed checks if the given origin is allowed for WebSocket connections.
// In development mode, all origins are allowed. In production mode, only explicitly
// allowed origins are permitted. This method is thread-safe.
func (c *Config) IsOriginAllowed(origin string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// In development mode, allow all origins for convenience
	if c.EnableDevMode {
		return true
	}

	// In production mode, check against allowlist
	for _, allowed := range c.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}

	return false
}

// IsDrainModeEnabled reports whether drain mode is currently active. Drain
// mode causes the Admission Controller to reject new connections while
// existing sessions continue to run.
func (c *Config) IsDrainModeEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DrainModeEnabled
}

// SetDrainMode toggles drain mode at runtime (operator action).
func (c *Config) SetDrainMode(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DrainModeEnabled = enabled
}

// IsMaintenanceModeEnabled reports whether maintenance mode is currently active.
func (c *Config) IsMaintenanceModeEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaintenanceModeEnabled
}

// SetMaintenanceMode toggles maintenance mode at runtime (operator action).
func (c *Config) SetMaintenanceMode(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MaintenanceModeEnabled = enabled
}

// IsSupportedClientBuild reports whether the given build identifier is in
// the supported set, used by the Admission Controller's build-compatibility check.
func (c *Config) IsSupportedClientBuild(build string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.SupportedClientBuilds {
		if b == build {
			return true
		}
	}
	return false
}

// RateLimitChannelConfig returns the configured limit/window for a named
// rate limiter channel and whether that channel is known.
func (c *Config) RateLimitChannelConfig(channel string) (RateLimitChannel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.RateLimiterChannels[channel]
	return ch, ok
}

// DurabilityStoreRetryConfig returns the retry.RetryConfig used to wrap
// Durability Log appends.
func (c *Config) DurabilityStoreRetryConfig() retry.RetryConfig {
	return retry.DurabilityStoreRetryConfig()
}

// ReconnectCacheRetryConfig returns the retry.RetryConfig used to wrap
// Reconnect Service cache round-trips.
func (c *Config) ReconnectCacheRetryConfig() retry.RetryConfig {
	return retry.ReconnectCacheRetryConfig()
}

// GetRetryConfig creates a retry.RetryConfig from the current configuration.
// This converts the application-level retry settings into the format expected
// by the retry package. The returned configuration can be used directly with
// retry.NewRetrier() to create a retrier instance.
func (c *Config) GetRetryConfig() retry.RetryConfig {
	return retry.RetryConfig{
		MaxAttempts:       c.RetryMaxAttempts,
		InitialDelay:      c.RetryInitialDelay,
		MaxDelay:          c.RetryMaxDelay,
		BackoffMultiplier: c.RetryBackoffMultiplier,
		JitterMaxPercent:  c.RetryJitterPercent,
		RetryableErrors:   []error{}, // Will use default error classification
	}
}

// Helper functions for environment variable parsing with type safety and defaults

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		// Split by comma and trim whitespace
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
