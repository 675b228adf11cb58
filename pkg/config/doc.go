// Package config provides configuration management for the TileMud realtime
// core.
//
// This package handles environment variable loading with type-safe parsing,
// applies secure production defaults, and performs extensive validation of
// all configuration values.
//
// # Loading Configuration
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Environment Variables
//
// Server settings:
//   - SERVER_PORT: HTTP port (default: 8080)
//   - LOG_LEVEL: Logging verbosity (default: "info")
//
// Security:
//   - ENABLE_DEV_MODE: Enable development mode (default: true)
//   - ALLOWED_ORIGINS: CORS allowed origins (comma-separated)
//   - MAX_REQUEST_SIZE: Maximum request body size (default: 1MB)
//
// Admission Controller:
//   - ADMISSION_TIMEOUT_MS, ADMISSION_MAX_QUEUE_LENGTH, ADMISSION_RATE_LIMIT,
//     ADMISSION_RATE_WINDOW_SECONDS, ADMISSION_RATE_LOCK_SECONDS
//
// Reconnect Service / Session Store / Janitor:
//   - RECONNECT_GRACE_MS, SESSION_INACTIVITY_TIMEOUT_MS,
//     JANITOR_INTERVAL_SECONDS, JANITOR_GRACE_PERIOD_BUFFER_SECONDS,
//     JANITOR_BATCH_SIZE
//
// Board / room bounds:
//   - BOARD_MAX_DIMENSION, MAX_PLAYERS, ACTION_DRAIN_BATCH_SIZE
//
// Retry policy:
//   - RETRY_MAX_ATTEMPTS, RETRY_INITIAL_DELAY, RETRY_MAX_DELAY,
//     RETRY_BACKOFF_MULTIPLIER, RETRY_JITTER_PERCENT
//
// # Validation
//
// All configuration values are validated on load:
//   - Port must be in valid range (1-65535)
//   - Timeouts must meet minimum requirements
//   - Admission, board, and janitor values must fall within their documented
//     bounds
//
// # CORS Support
//
// Use IsOriginAllowed to check WebSocket origins:
//
//	if cfg.IsOriginAllowed(origin) {
//	    // Allow connection
//	}
//
// In development mode, all origins are allowed.
//
// # Retry Configuration
//
// DurabilityStoreRetryConfig and ReconnectCacheRetryConfig return named
// retry.RetryConfig presets for this core's I/O-backed suspension points:
//
//	retrier := retry.NewRetrier(cfg.DurabilityStoreRetryConfig())
package config
