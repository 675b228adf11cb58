package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilemud/core/pkg/config"
)

func TestConfigureLogging(t *testing.T) {
	tests := []struct {
		name          string
		logLevel      string
		expectedLevel logrus.Level
	}{
		{name: "debug level", logLevel: "debug", expectedLevel: logrus.DebugLevel},
		{name: "info level", logLevel: "info", expectedLevel: logrus.InfoLevel},
		{name: "warn level", logLevel: "warn", expectedLevel: logrus.WarnLevel},
		{name: "error level", logLevel: "error", expectedLevel: logrus.ErrorLevel},
		{name: "invalid level falls back to info", logLevel: "invalid", expectedLevel: logrus.InfoLevel},
		{name: "empty level falls back to info", logLevel: "", expectedLevel: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logrus.SetOutput(io.Discard)
			defer logrus.SetOutput(os.Stderr)

			configureLogging(tt.logLevel)
			assert.Equal(t, tt.expectedLevel, logrus.GetLevel())
		})
	}
}

func TestSetupShutdownHandling(t *testing.T) {
	sigChan, errChan := setupShutdownHandling()

	assert.NotNil(t, sigChan)
	assert.NotNil(t, errChan)
	assert.Equal(t, 1, cap(sigChan))
	assert.Equal(t, 1, cap(errChan))

	signal.Stop(sigChan)
}

func TestLoadAndConfigureSystem(t *testing.T) {
	os.Setenv("SERVER_PORT", "9999")
	os.Setenv("LOG_LEVEL", "warn")
	defer os.Unsetenv("SERVER_PORT")
	defer os.Unsetenv("LOG_LEVEL")

	logrus.SetOutput(io.Discard)
	defer logrus.SetOutput(os.Stderr)

	cfg := loadAndConfigureSystem()

	assert.NotNil(t, cfg)
	assert.Equal(t, 9999, cfg.ServerPort)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestInitializeServer_BuildsMuxAndListener(t *testing.T) {
	logrus.SetOutput(io.Discard)
	defer logrus.SetOutput(os.Stderr)

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.ServerPort = 0

	ctx := context.Background()
	application, err := buildApp(ctx, cfg)
	require.NoError(t, err)

	srv, listener := initializeServer(cfg, application)
	defer listener.Close()

	assert.NotNil(t, srv)
	assert.NotNil(t, listener)

	addr := listener.Addr().(*net.TCPAddr)
	assert.Greater(t, addr.Port, 0)
}

func TestWaitForShutdownSignal_Signal(t *testing.T) {
	sigChan := make(chan os.Signal, 1)
	errChan := make(chan error, 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		sigChan <- syscall.SIGINT
	}()

	done := make(chan struct{})
	go func() {
		waitForShutdownSignal(sigChan, errChan)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForShutdownSignal did not return after signal")
	}
}

func TestWaitForShutdownSignal_Error(t *testing.T) {
	sigChan := make(chan os.Signal, 1)
	errChan := make(chan error, 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		errChan <- assert.AnError
	}()

	done := make(chan struct{})
	go func() {
		waitForShutdownSignal(sigChan, errChan)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waitForShutdownSignal did not return after error")
	}
}

func TestPerformGracefulShutdown_CompletesWithinTimeout(t *testing.T) {
	logrus.SetOutput(io.Discard)
	defer logrus.SetOutput(os.Stderr)

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.ServerPort = 0

	ctx := context.Background()
	application, err := buildApp(ctx, cfg)
	require.NoError(t, err)

	srv, listener := initializeServer(cfg, application)
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		performGracefulShutdown(srv)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("graceful shutdown did not complete in time")
	}
}

func TestRunTickers_StopsCleanly(t *testing.T) {
	logrus.SetOutput(io.Discard)
	defer logrus.SetOutput(os.Stderr)

	cfg, err := config.Load()
	require.NoError(t, err)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	application, err := buildApp(rootCtx, cfg)
	require.NoError(t, err)

	stop := application.runTickers(rootCtx)

	rootCancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runTickers stop function did not return after context cancellation")
	}
}

func BenchmarkConfigureLogging(b *testing.B) {
	logrus.SetOutput(io.Discard)
	defer logrus.SetOutput(os.Stderr)

	for i := 0; i < b.N; i++ {
		configureLogging("info")
	}
}

func BenchmarkSetupShutdownHandling(b *testing.B) {
	for i := 0; i < b.N; i++ {
		sigChan, _ := setupShutdownHandling()
		signal.Stop(sigChan)
	}
}
