// Package app contains the shared, reusable logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const shutdownTimeout = 15 * time.Second

// Service is the API side of the delivery service.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	// Ready is closed once the service's dependencies are running.
	Ready() <-chan struct{}
}

// Server is a plain start/shutdown component such as the connection manager.
type Server interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Run executes the main application lifecycle. The connection manager is only
// started once the service is ready, so no socket can register presence before
// the registry runs, and it is shut down first so that closing sockets can
// still clear their presence.
func Run(ctx context.Context, logger *slog.Logger, service Service, connManager Server) {
	runWithSignals(ctx, logger, service, connManager, syscall.SIGINT, syscall.SIGTERM)
}

func runWithSignals(ctx context.Context, logger *slog.Logger, service Service, connManager Server, signals ...os.Signal) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting Delivery Service...")
		err := service.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Delivery Service failed", "err", err)
			cancel() // Trigger shutdown of other services.
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-service.Ready():
		case <-ctx.Done():
			return
		}
		logger.Info("Starting Connection Manager Service...")
		err := connManager.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Connection Manager Service failed", "err", err)
			cancel()
		}
	}()

	// Wait for a shutdown signal.
	shutdown := make(chan os.Signal, 1)
	if len(signals) > 0 {
		signal.Notify(shutdown, signals...)
		defer signal.Stop(shutdown)
	}
	select {
	case sig := <-shutdown:
		logger.Info("Received shutdown signal.", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown.")
	}

	// Execute graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info("Shutting down Connection Manager...")
	if err := connManager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Connection Manager shutdown failed.", "err", err)
	}

	logger.Info("Shutting down Delivery Service...")
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Delivery Service shutdown failed.", "err", err)
	}

	wg.Wait()
	logger.Info("All services shut down gracefully.")
}
