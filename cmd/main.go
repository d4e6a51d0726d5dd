package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chathub/auth"
	"chathub/internal"
	"chathub/moderation"
	"chathub/observability"
	"chathub/ratelimit"
	"chathub/repositories"
	"chathub/runtime"
	"chathub/runtime/workers"
	"chathub/ws"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting. Preferred over os.Exit in main so that
// defers (database close, drain) always execute.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	replacement, err := internal.CharacterRune(config.CharReplacement)
	if err != nil {
		return err
	}

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Core components
	stats := observability.NewStats()
	store := repositories.NewMessageRepository(db, log)
	limiter := ratelimit.New(config.MaxMessagesPerMinute, config.RateWindow)

	dictionary, err := moderation.LoadDictionary()
	if err != nil {
		return fmt.Errorf("loading censored words: %w", err)
	}
	log.Info(fmt.Sprintf("%d censored words loaded [%d languages]",
		len(dictionary.Words), len(dictionary.Languages)))
	filter, err := moderation.NewFilter(dictionary.Words, replacement, log)
	if err != nil {
		return err
	}

	registry := runtime.NewRegistry(log, stats, config.MaxConnectionsPerUser, config.ConnectionBufferSize)
	rooms := runtime.NewRoomManager(log, stats, store, config.MaxMembersPerRoom, config.MaxRoomsPerUser)
	registry.OnIdentityOffline(rooms.LeaveAll)

	router := runtime.NewRouter(log, stats, registry, rooms, limiter, store, filter,
		config.MaxMessageLength, config.DeliveryTimeout)
	coordinator := runtime.NewShutdownCoordinator(log, registry, config.ShutdownTimeout)

	// 4. Supervision
	sup := workers.NewSupervisor(log, config.RestartInterval)
	sup.Add(workers.NewHeartbeatWorker(log, stats, registry, config.HeartbeatInterval, config.ConnectionTimeout))
	sup.Add(workers.NewTelemetryWorker(log, registry, rooms, limiter, config.MetricInterval))

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sup.Run(ctx)

	// 6. HTTP server
	verifier := auth.NewVerifier([]byte(config.JWTSecret))
	handler := ws.NewHandler(log, verifier, registry, rooms, router,
		config.HistoryPageSize, config.DeliveryTimeout)
	mux := ws.NewServer(handler, stats, rooms, registry, store)

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	server := &http.Server{Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting websocket server", "address", address, "at", time.Now().UTC())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 7. Wait for stop or error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 8. Final cleanup: drain connections within the shutdown window,
	// then stop the HTTP surface and the workers.
	drainCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout+time.Second)
	defer cancel()
	coordinator.Shutdown(drainCtx)
	_ = server.Shutdown(drainCtx)
	sup.Stop()
	log.Info("Program stopped cleanly")

	return nil
}
