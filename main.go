package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/giygas/mediract/backend"
	"github.com/giygas/mediract/config"
	"github.com/giygas/mediract/data"
	"github.com/giygas/mediract/health"
	"github.com/giygas/mediract/logging"
	"github.com/giygas/mediract/scheduler"
	"github.com/giygas/mediract/server"
	"github.com/giygas/mediract/session"
	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func loadEnv() {
	if err := godotenv.Load(); err == nil {
		return
	}

	// If failed, try loading from executable directory
	ex, err := os.Executable()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to get executable path:", err)
		return
	}
	// No .env file at all is fine, the process environment is used as is
	_ = godotenv.Load(filepath.Join(filepath.Dir(ex), ".env"))
}

func main() {
	loadEnv()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logService := logging.InitLogger(logging.OptionsFromConfig(cfg))
	defer logService.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logging.StartCleanup(ctx, logService.Writer())

	client := backend.NewFromConfig(cfg)

	status := data.NewStatusContainer()
	status.SetServerStartTime(time.Now())

	sessions := session.NewStore(client)

	sched := scheduler.NewScheduler(cfg, status, sessions, client)
	if err := sched.Start(); err != nil {
		logging.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	checker := health.NewHealthChecker(status, sessions, cfg.BackendProbeInterval)
	srv := server.NewServer(cfg, sessions, checker)

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logging.Info("Medication selector ready",
		"env", cfg.Env.String(),
		"backend", cfg.BackendURL,
		"payload_format", cfg.BackendPayloadFormat)

	select {
	case <-quit:
	case err := <-serverErr:
		logging.Error("Server failed to start", "error", err)
	}

	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown failed", "error", err)
	}
}
