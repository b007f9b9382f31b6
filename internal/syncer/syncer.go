package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/convosync/convosync/internal/queue"
	"github.com/convosync/convosync/internal/remote"
)

// RemoteStore is the contract the sync engine requires from its delivery
// target.
type RemoteStore interface {
	EnsureConnected(ctx context.Context) error
	BulkInsert(ctx context.Context, docs []remote.Document) remote.BulkResult
	Disconnect(ctx context.Context)
}

// Config configures the sync engine.
type Config struct {
	BatchSize    int           // Records drained per pass
	Interval     time.Duration // Time between passes
	CleanupEvery time.Duration // Time between retention sweeps
	Retention    time.Duration // Age after which synced records are removed
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		Interval:     5 * time.Second,
		CleanupEvery: 1 * time.Hour,
		Retention:    7 * 24 * time.Hour,
	}
}

// Stats is the health surface derived from queue counts plus the engine's
// in-memory connection state.
type Stats struct {
	Pending         int
	Synced          int
	LastSyncAt      time.Time
	RemoteConnected bool
}

// Syncer drains unsynced records from the durable queue to the remote
// store in bounded batches, on a fixed interval and on demand.
type Syncer struct {
	queue  queue.Queue
	remote RemoteStore
	cfg    Config
	tracer trace.Tracer

	// syncMu is the non-reentrant guard: interval ticks and explicit
	// invocations must not drain the same batch concurrently.
	syncMu    sync.Mutex
	connected atomic.Bool
	lastSync  atomic.Int64 // unix nanos of last successful pass
}

// New creates a sync engine over q delivering to store.
func New(q queue.Queue, store RemoteStore, cfg Config) *Syncer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CleanupEvery <= 0 {
		cfg.CleanupEvery = def.CleanupEvery
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	return &Syncer{
		queue:  q,
		remote: store,
		cfg:    cfg,
		tracer: otel.Tracer("convosync/syncer"),
	}
}

// Run syncs once immediately, then on the configured interval, with a
// retention sweep on its own ticker. It returns nil on cancellation and an
// error only when the durable queue fails, which is fatal.
func (s *Syncer) Run(ctx context.Context) error {
	if _, err := s.Sync(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(s.cfg.CleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				return err
			}

		case <-cleanup.C:
			if _, err := s.queue.Cleanup(ctx, s.cfg.Retention); err != nil {
				return err
			}
		}
	}
}

// Sync drains one batch and returns the number of records whose remote
// presence was confirmed. A skipped pass (previous one still in flight)
// and an unreachable remote both return 0 without error; the batch stays
// buffered for the next attempt. Only durable-queue failures are returned.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	if !s.syncMu.TryLock() {
		log.Debug().Msg("Sync already in flight, skipping")
		return 0, nil
	}
	defer s.syncMu.Unlock()

	ctx, span := s.tracer.Start(ctx, "sync")
	defer span.End()

	if err := s.remote.EnsureConnected(ctx); err != nil {
		if s.connected.Swap(false) {
			log.Warn().Err(err).Msg("Remote store unreachable, buffering locally")
		} else {
			log.Debug().Err(err).Msg("Remote store still unreachable")
		}
		return 0, nil
	}
	s.connected.Store(true)

	batch, err := s.queue.DequeueBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	syncBatchID := uuid.NewString()
	docs := make([]remote.Document, 0, len(batch))
	ids := make([]uint64, 0, len(batch))

	for _, rec := range batch {
		ids = append(ids, rec.ID)
		doc, err := remote.NewDocument(rec, now, syncBatchID)
		if err != nil {
			// An unmaterializable record can never be delivered; marking
			// it synced keeps it from wedging the queue head forever.
			log.Error().
				Err(err).
				Uint64("id", rec.ID).
				Str("source_file", rec.SourceFile).
				Msg("Dropping unmaterializable record")
			continue
		}
		docs = append(docs, doc)
	}

	res := s.remote.BulkInsert(ctx, docs)
	span.SetAttributes(
		attribute.Int("sync.batch_size", len(batch)),
		attribute.Int("sync.written", res.Written),
		attribute.Int("sync.duplicates", res.Duplicates),
	)

	if !res.OK() {
		log.Warn().
			Err(res.Err).
			Int("batch_size", len(docs)).
			Int("failed", res.Failed).
			Msg("Sync pass failed, batch will be retried")
		s.connected.Store(false)
		s.remote.Disconnect(ctx)
		return 0, nil
	}

	if err := s.queue.MarkSynced(ctx, ids); err != nil {
		return 0, err
	}
	s.lastSync.Store(now.UnixNano())

	log.Info().
		Int("written", res.Written).
		Int("duplicates", res.Duplicates).
		Str("sync_batch_id", syncBatchID).
		Msg("Sync pass complete")

	return res.Delivered(), nil
}

// Stats assembles the health surface.
func (s *Syncer) Stats(ctx context.Context) (Stats, error) {
	qs, err := s.queue.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Pending:         qs.Pending,
		Synced:          qs.Synced,
		RemoteConnected: s.connected.Load(),
	}
	if ns := s.lastSync.Load(); ns > 0 {
		stats.LastSyncAt = time.Unix(0, ns).UTC()
	}
	return stats, nil
}

// Shutdown performs the final drain attempt and closes the remote
// connection. Called after the tailer has stopped producing new work.
func (s *Syncer) Shutdown(ctx context.Context) {
	n, err := s.Sync(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Final sync failed")
	} else if n > 0 {
		log.Info().Int("delivered", n).Msg("Final sync drained records")
	}
	s.remote.Disconnect(ctx)
}
