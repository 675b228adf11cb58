// Package main implements the TileMud realtime core server.
//
// This is the process that wires the core packages (catalog, ruleset,
// lobby, admission, room, reconnect, janitor, healthpoll, metrics) into a
// runnable HTTP + websocket server: a tile-based multiplayer battle
// instance host with connection admission, durable tile-placement
// intents, reconnect grace windows, and operator-facing health/metrics
// endpoints.
//
// # Architecture
//
//   - Configuration loading and validation (via pkg/config)
//   - Logging setup and initialization
//   - Core service wiring: catalog, ruleset registry, rate limiter,
//     durability log, session store, lobby, admission controller,
//     reconnect service, janitor sweeper, health poller, metrics
//   - HTTP surface: POST /api/session/bootstrap, POST /matchmaking,
//     POST /instances/{id}/connect, GET /instances/{id}/queue/status,
//     GET /ws, GET /health, GET /ready, GET /live, GET /metrics
//   - Server lifecycle management with graceful shutdown
//   - Signal handling for SIGINT and SIGTERM
//
// # Startup Sequence
//
// 1. Load configuration from environment variables with secure defaults
// 2. Configure logging based on LOG_LEVEL setting
// 3. Build the core service graph and publish a default rule set
// 4. Start the janitor sweep ticker and health poller ticker
// 5. Start listening for HTTP/websocket connections
// 6. Handle shutdown signals gracefully
//
// # Environment Variables
//
// In addition to the variables pkg/config documents, this entrypoint reads:
//
//   - DATABASE_URL: Postgres DSN for the Durability Log (in-memory if unset)
//   - REDIS_URL: Redis DSN for the Reconnect Service cache (in-memory if unset)
//   - ALLOWED_WS_ORIGINS: comma-separated websocket origin allowlist
//   - STATE_DUMP_DIR: directory for periodic full room-snapshot dumps, for
//     post-crash operator inspection (disabled if unset)
//
// # Graceful Shutdown
//
// The server handles SIGINT and SIGTERM by stopping the janitor and health
// poller tickers, closing the HTTP listener, and exiting once in-flight
// requests drain or the shutdown timeout elapses.
package main
