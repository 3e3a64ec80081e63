package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"usage_ledger/internal/config"
	"usage_ledger/internal/httpapi"
	"usage_ledger/internal/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	utils.ConfigureLogging(utils.LogLevel(cfg.Log.Level), cfg.Log.Format)
	logger := utils.NewLogger("ledgerd")
	defer logger.Sync()

	// Build every component and start background workers
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	deps, err := httpapi.NewDependencies(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	deps.Start(ctx)

	// Create HTTP server
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      httpapi.NewRouter(deps, cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Usage ledger listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	// Stop the poller and drain the settlement worker before closing the store
	if err := deps.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
	}
	stop()

	logger.Info("Server exited")
}
