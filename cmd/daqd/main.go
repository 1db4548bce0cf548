// Package main implements daqd, the sensor data acquisition daemon.
// It loads configuration, starts the acquisition engine and serves the
// management API and streaming websocket until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/jnarwell/wit-sub006/config"
	"github.com/jnarwell/wit-sub006/engine"
	gateway "github.com/jnarwell/wit-sub006/gateway/http"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "daqd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("Starting daqd",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"org", cfg.Platform.Org,
		"platform", cfg.Platform.ID)
	logger.Debug("Effective configuration", "config", cfg.String())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.New(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	return runWithSignalHandling(ctx, cfg, eng, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and handles version and help requests
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, true, nil
	}

	return cliCfg, false, nil
}

// initializeConfiguration loads the config file and applies flag overrides
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.LogLevel != "" {
		loader.Set("log.level", cliCfg.LogLevel)
	}
	if cliCfg.LogFormat != "" {
		loader.Set("log.format", cliCfg.LogFormat)
	}
	if cliCfg.Addr != "" {
		loader.Set("http.addr", cliCfg.Addr)
	}

	cfg, err := loader.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling starts the engine and gateway, then blocks until
// ctx is cancelled by a signal or the listener fails.
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	eng *engine.Engine,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	if err := eng.Start(ctx); err != nil {
		_ = eng.Shutdown(shutdownTimeout)
		return fmt.Errorf("start engine: %w", err)
	}

	var (
		srv        *gateway.Server
		httpServer *http.Server
		serveErr   = make(chan error, 1)
	)
	if cfg.HTTP.Enabled {
		srv = gateway.NewServer(eng, cfg.HTTP, gateway.WithLogger(logger))
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           srv,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
		}
		go func() {
			logger.Info("HTTP gateway listening", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	} else {
		logger.Info("HTTP gateway disabled")
	}

	logger.Info("daqd started")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		logger.Error("HTTP gateway failed", "error", err)
	}

	if err := shutdown(cfg, eng, srv, httpServer, logger, shutdownTimeout); err != nil {
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("daqd shutdown complete")
	return runErr
}

// shutdown stops the listener first so no new streams attach, then closes
// websocket clients, then stops the engine.
func shutdown(
	cfg *config.Config,
	eng *engine.Engine,
	srv *gateway.Server,
	httpServer *http.Server,
	logger *slog.Logger,
	timeout time.Duration,
) error {
	var firstErr error
	if httpServer != nil {
		httpTimeout := cfg.HTTP.ShutdownTimeout
		if httpTimeout <= 0 || httpTimeout > timeout {
			httpTimeout = timeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("HTTP shutdown incomplete", "error", err)
			firstErr = err
		}
		cancel()
	}
	if srv != nil {
		srv.Close()
	}
	if err := eng.Shutdown(timeout); err != nil {
		logger.Error("Engine shutdown failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
