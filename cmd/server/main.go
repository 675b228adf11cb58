package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tilemud/core/internal/transport"
	"github.com/tilemud/core/pkg/config"
)

func main() {
	cfg := loadAndConfigureSystem()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := buildApp(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build service graph")
	}

	srv, listener := initializeServer(cfg, application)
	stopTickers := application.runTickers(ctx)
	executeServerLifecycle(srv, listener, stopTickers, cancel)
}

// loadAndConfigureSystem loads configuration and sets up logging.
func loadAndConfigureSystem() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	configureLogging(cfg.LogLevel)
	logStartupInfo(cfg)
	return cfg
}

// configureLogging sets up the logging system based on configuration.
func configureLogging(logLevel string) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// logStartupInfo logs server startup information.
func logStartupInfo(cfg *config.Config) {
	logrus.WithFields(logrus.Fields{
		"port":      cfg.ServerPort,
		"logLevel":  cfg.LogLevel,
		"devMode":   cfg.EnableDevMode,
		"maxPlayers": cfg.MaxPlayers,
	}).Info("Starting TileMud realtime core server")
}

// runTickers starts the Janitor sweep loop, the Health Poller loop, the
// Action Pipeline drain loop, and (when configured) the state dump loop on
// their own cadences, returning a function that stops them all.
func (a *app) runTickers(ctx context.Context) func() {
	janitorTicker := time.NewTicker(a.janitor.Interval())
	healthTicker := time.NewTicker(a.health.Interval())
	drainTicker := time.NewTicker(100 * time.Millisecond)
	var dumpTicker *time.Ticker
	if a.stateDump != nil {
		dumpTicker = time.NewTicker(30 * time.Second)
	}

	done := make(chan struct{})
	go func() {
		for {
			var dumpC <-chan time.Time
			if dumpTicker != nil {
				dumpC = dumpTicker.C
			}
			select {
			case <-ctx.Done():
				close(done)
				return
			case <-dumpC:
				a.dumpRoomStates()
			case <-janitorTicker.C:
				start := time.Now()
				result := a.janitor.Sweep(ctx)
				a.metrics.RecordJanitorSweep(time.Since(start))
				if !result.Skipped {
					logrus.WithFields(logrus.Fields{
						"graceExpired":   result.GraceExpired,
						"inactivity":     result.InactivityTerminated,
						"orphanEvicted":  result.OrphanQueueEvicted,
						"keysFixed":      result.KeysFixed,
						"keysPurged":     result.KeysPurged,
					}).Debug("janitor sweep completed")
				}
			case <-healthTicker.C:
				a.health.Poll(ctx)
			case <-drainTicker.C:
				a.drainRooms()
			}
		}
	}()

	return func() {
		janitorTicker.Stop()
		healthTicker.Stop()
		drainTicker.Stop()
		if dumpTicker != nil {
			dumpTicker.Stop()
		}
		<-done
	}
}

// dumpRoomStates writes every live room's full snapshot to the state dump
// directory, one YAML file per instance, for post-crash operator
// inspection. A no-op when STATE_DUMP_DIR was not configured.
func (a *app) dumpRoomStates() {
	for _, r := range a.lobby.Rooms() {
		snap := r.FullSnapshot()
		filename := snap.InstanceID + ".yaml"
		if err := a.stateDump.Save(filename, snap); err != nil {
			logrus.WithError(err).WithField("instanceId", snap.InstanceID).Warn("failed to write state dump")
		}
	}
}

// initializeServer builds the HTTP mux and network listener.
func initializeServer(cfg *config.Config, application *app) (*http.Server, net.Listener) {
	mux := http.NewServeMux()

	health := transport.NewHealthHandler("cache", application.health)
	mux.HandleFunc("/health", health.Health)
	mux.HandleFunc("/ready", health.Ready)
	mux.HandleFunc("/live", health.Live)
	mux.Handle("/metrics", application.metrics.Handler())

	mux.HandleFunc("/api/session/bootstrap", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		application.handleSessionBootstrap(w, r)
	})

	mux.HandleFunc("/matchmaking", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		application.handleMatchmaking(w, r)
	})

	mux.HandleFunc("/instances/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/connect"):
			application.handleConnect(w, r)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/queue/status"):
			application.handleQueueStatus(w, r)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	})

	listenAddr := fmt.Sprintf(":%d", cfg.ServerPort)
	allowedOrigins := transport.AllowedOrigins(os.Getenv("ALLOWED_WS_ORIGINS"), listenAddr)
	mux.HandleFunc("/ws", application.newWebSocketHandler(allowedOrigins))

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start listener")
	}

	return srv, listener
}

// executeServerLifecycle handles the complete server lifecycle including
// startup and graceful shutdown.
func executeServerLifecycle(srv *http.Server, listener net.Listener, stopTickers func(), cancelApp context.CancelFunc) {
	sigChan, errChan := setupShutdownHandling()
	startServerAsync(srv, listener, errChan)
	waitForShutdownSignal(sigChan, errChan)
	cancelApp()
	stopTickers()
	performGracefulShutdown(srv)
}

// setupShutdownHandling creates channels for graceful shutdown signal handling.
func setupShutdownHandling() (chan os.Signal, chan error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	errChan := make(chan error, 1)
	return sigChan, errChan
}

// startServerAsync starts the server in a background goroutine.
func startServerAsync(srv *http.Server, listener net.Listener, errChan chan error) {
	go func() {
		logrus.WithField("address", listener.Addr()).Info("Server listening")
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()
}

// waitForShutdownSignal waits for either a shutdown signal or server error.
func waitForShutdownSignal(sigChan chan os.Signal, errChan chan error) {
	select {
	case sig := <-sigChan:
		logrus.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-errChan:
		logrus.WithError(err).Error("Server error")
	}
}

// performGracefulShutdown handles the graceful server shutdown process.
func performGracefulShutdown(srv *http.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logrus.Info("Shutting down server gracefully...")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Error during graceful shutdown")
	} else {
		logrus.Info("Server shutdown completed")
	}
}
