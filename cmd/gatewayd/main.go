// Command gatewayd is the protocol gateway daemon. It loads a YAML
// configuration file, opens the configured EventStore, starts the HTTP
// front door (JSON-RPC dispatch + SSE audit stream), and drains in-flight
// and queued requests before exiting on SIGTERM or SIGINT.
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

	"github.com/tripwire/gateway/internal/audit"
	"github.com/tripwire/gateway/internal/auth"
	"github.com/tripwire/gateway/internal/config"
	"github.com/tripwire/gateway/internal/gateway"
	"github.com/tripwire/gateway/internal/gateway/queue"
	"github.com/tripwire/gateway/internal/httpapi"
	"github.com/tripwire/gateway/internal/invoker"
	"github.com/tripwire/gateway/internal/sse"
	"github.com/tripwire/gateway/internal/store"
	"github.com/tripwire/gateway/internal/store/pgstore"
	"github.com/tripwire/gateway/internal/store/sqlitestore"
)

// Exit codes.
const (
	exitClean         = 0
	exitDrainDeadline = 1
	exitStartupError  = 2
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/gateway/gateway.yaml", "path to YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(exitStartupError)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	os.Exit(run(cfg, logger))
}

func run(cfg *config.GatewayConfig, logger *slog.Logger) int {
	logger.Info("gateway starting", slog.Int("port", cfg.Port), slog.String("store_driver", cfg.Store.Driver))

	evStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open event store", slog.Any("error", err))
		return exitStartupError
	}
	defer evStore.Close()

	pubKeyPEM, err := os.ReadFile(cfg.Auth.PublicKeyPath)
	if err != nil {
		logger.Error("failed to read JWT public key", slog.Any("error", err))
		return exitStartupError
	}
	pubKey, err := auth.ParseRSAPublicKeyFromPEM(pubKeyPEM)
	if err != nil {
		logger.Error("failed to parse JWT public key", slog.Any("error", err))
		return exitStartupError
	}
	resolver := auth.NewJWTResolver(pubKey)

	auditor := audit.New(evStore)
	hub := sse.NewHub(logger, sse.DefaultBufferSize)
	defer hub.Close()

	queues := queue.NewManager(queue.Limits{
		MaxInflight: cfg.MaxInflightPerTarget,
		MaxQueue:    cfg.MaxQueuePerTarget,
		Timeout:     cfg.Timeout(),
	})

	targetURLs := make(map[string]string, len(cfg.Targets))
	for _, t := range cfg.Targets {
		targetURLs[t.ID] = t.URL
	}
	httpInvoker := invoker.NewHTTPInvoker(nil, func(targetID string) string { return targetURLs[targetID] })

	dispatcher := gateway.New(queues, httpInvoker, auditor, hub)
	dispatcher.KnownTargets = make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		dispatcher.KnownTargets[t.ID] = true
	}
	srv := httpapi.NewServer(dispatcher, auditor, evStore, queues, hub, cfg.MaxBodyBytes())
	router := httpapi.NewRouter(srv, resolver)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams are long-lived; bounded by client disconnect.
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP front door listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	return drain(httpServer, queues, auditor, cfg.DrainDeadline(), logger)
}

// drain stops accepting new connections, waits up to deadline for in-flight
// and queued requests to finish, and records the shutdown outcome.
//
// queues.Drain runs before httpServer.Shutdown, not after: closing queue
// admission only once the listener has already stopped would leave the
// refusal path unreachable, since no new request could ever reach Submit
// during the window it is meant to guard (spec §9). Draining first means a
// request that arrives during the grace period is admitted by the listener
// but refused by its target's queue with ErrShutdown, shaped into a 503.
func drain(httpServer *http.Server, queues *queue.Manager, auditor *audit.Logger, deadline time.Duration, logger *slog.Logger) int {
	logger.Info("draining", slog.Duration("deadline", deadline))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	outstanding := totalDepth(queues)
	queues.Drain()

	shutdownErr := httpServer.Shutdown(shutdownCtx)

	queuesDone := make(chan struct{})
	go func() {
		queues.Wait()
		close(queuesDone)
	}()

	select {
	case <-queuesDone:
	case <-shutdownCtx.Done():
		if shutdownErr == nil {
			shutdownErr = shutdownCtx.Err()
		}
	}

	pending := totalDepth(queues)
	drained := max(outstanding-pending, 0)

	if shutdownErr != nil {
		logger.Warn("gateway did not drain within deadline; forcing close", slog.Any("error", shutdownErr))
		_ = httpServer.Close()
		_, _ = auditor.LogShutdown(context.Background(), exitDrainDeadline, drained, pending)
		return exitDrainDeadline
	}

	_, _ = auditor.LogShutdown(context.Background(), exitClean, drained, pending)
	logger.Info("gateway exited cleanly")
	return exitClean
}

func totalDepth(queues *queue.Manager) int {
	total := 0
	for _, target := range queues.Targets() {
		total += queues.Get(target).Depth() + queues.Get(target).Inflight()
	}
	return total
}

func openStore(cfg *config.GatewayConfig) (store.EventStore, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return pgstore.Open(context.Background(), cfg.Store.ConnString, pgstore.DefaultBatchSize, pgstore.DefaultFlushInterval)
	default:
		return sqlitestore.Open(cfg.Store.Path)
	}
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
