package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convosync/convosync/internal/config"
	"github.com/convosync/convosync/internal/observability"
	"github.com/convosync/convosync/internal/queue"
	"github.com/convosync/convosync/internal/remote"
	"github.com/convosync/convosync/internal/syncer"
	"github.com/convosync/convosync/internal/tailer"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

// run carries the whole daemon lifecycle and returns the process exit
// code: 0 for a signal-triggered stop, 1 when a component failed and
// forced the shutdown. Keeping it separate from main lets deferred
// cleanups run before the exit status is set.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("version", version).
		Str("watch_dir", cfg.WatchDir).
		Msg("Starting convosync daemon")

	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "convosyncd",
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		Protocol:       cfg.TracingProtocol,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer shutdownTracer(context.Background())
	}

	// The durable queue is the single source of truth; without it there is
	// no safe degraded mode.
	q, err := queue.NewBoltDBQueue(cfg.QueuePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open durable queue")
	}

	store := remote.NewStore(cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, cfg.ConnectTimeout())

	tl, err := tailer.New(cfg.WatchDir, q, cfg.Debounce())
	if err != nil {
		q.Close()
		log.Fatal().Err(err).Msg("Failed to create tailer")
	}

	sy := syncer.New(q, store, syncer.Config{
		BatchSize:    cfg.SyncBatchSize,
		Interval:     cfg.SyncInterval(),
		CleanupEvery: cfg.CleanupInterval(),
		Retention:    cfg.Retention(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newHealthServer(cfg.HTTPAddr, sy)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Health server error")
		}
	}()

	// A fatal error (or panic) in either component routes into the same
	// shutdown path as a termination signal.
	errChan := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go runComponent(&wg, errChan, "tailer", func() error { return tl.Run(ctx) })
	go runComponent(&wg, errChan, "syncer", func() error { return sy.Run(ctx) })

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := awaitShutdown(sigChan, errChan)

	// Shutdown order: stop the tailer and the sync loop so no new unsynced
	// work appears, run one final drain, close the remote connection, then
	// close the queue.
	log.Info().Msg("Shutting down gracefully...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sy.Shutdown(shutdownCtx)
	srv.Stop(shutdownCtx)

	if err := q.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing durable queue")
	}

	log.Info().Msg("Daemon stopped")
	return exitCode
}

// awaitShutdown blocks until a termination signal or a component failure
// and returns the exit code the process must report: a failed component
// must not look like a clean stop to a supervisor watching the status.
func awaitShutdown(sigChan <-chan os.Signal, errChan <-chan error) int {
	select {
	case <-sigChan:
		log.Info().Msg("Received shutdown signal")
		return 0
	case err := <-errChan:
		log.Error().Err(err).Msg("Component failed")
		return 1
	}
}

// runComponent runs one long-lived component, converting panics and fatal
// errors into errChan sends.
func runComponent(wg *sync.WaitGroup, errChan chan<- error, name string, fn func() error) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			select {
			case errChan <- fmt.Errorf("%s panicked: %v", name, r):
			default:
			}
		}
	}()

	if err := fn(); err != nil {
		select {
		case errChan <- fmt.Errorf("%s: %w", name, err):
		default:
		}
	}
}
