// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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
	"syscall"
	"time"

	"github.com/tombee/sentinel/internal/config"
	"github.com/tombee/sentinel/internal/lifecycle"
	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/metrics"
	"github.com/tombee/sentinel/internal/service"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(start())
}

// start returns the exit code so deferred cleanup runs before exiting.
func start() int {
	var (
		configPath  = flag.String("config", "", "Path to config file")
		metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
		noMonitor   = flag.Bool("no-monitor", false, "Do not run the monitor scheduler")
		pidFile     = flag.String("pid-file", "", "Write the process id here and refuse to start if another daemon holds it")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("sentineld %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		log.New(log.FromEnv()).Error("Failed to load config", log.Error(err))
		return 1
	}

	// Apply CLI flag overrides
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = *metricsAddr
	}
	if *noMonitor {
		cfg.Monitor.Enabled = false
	}

	logger := log.New(cfg.LoggerConfig())
	slog.SetDefault(logger)

	if *pidFile != "" {
		pid, err := lifecycle.Acquire(*pidFile)
		if err != nil {
			logger.Error("Failed to acquire PID file", slog.String("path", *pidFile), log.Error(err))
			return 1
		}
		defer pid.Release()
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon error", log.Error(err))
		return 1
	}
	return 0
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(cfg, service.Options{Version: version, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Shutdown(context.Background())
		return fmt.Errorf("starting service: %w", err)
	}

	var srv *http.Server
	errCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("metrics listening", slog.String("addr", cfg.Metrics.Addr))
	}

	logger.Info("sentineld started",
		slog.String("version", version),
		slog.Bool("monitor", cfg.Monitor.Enabled),
		slog.String("storage", cfg.Storage.Backend))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics server", log.Error(err))
		}
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", log.Error(err))
	}
	return runErr
}
