package queue

import (
	"context"
	"time"

	"github.com/convosync/convosync/internal/domain"
)

// Stats holds cheap aggregate counts for the health surface.
type Stats struct {
	Pending int
	Synced  int
}

// Queue is the durable buffer shared by the tailer and the sync engine.
// It is the single source of truth for read offsets and pending work.
// Implementations: BoltDB (primary).
type Queue interface {
	// GetOffset returns the stored byte offset for a file, or 0 if the
	// file has never been seen.
	GetOffset(ctx context.Context, filePath string) (int64, error)

	// SetOffset upserts the byte offset for a file. Callers pass a value
	// lower than the previous one only after detecting truncation.
	SetOffset(ctx context.Context, filePath string, position int64) error

	// Enqueue appends all given records in a single transaction.
	Enqueue(ctx context.Context, records []domain.PendingRecord) error

	// DequeueBatch returns up to limit unsynced records in ascending id
	// order. Read-only and repeatable.
	DequeueBatch(ctx context.Context, limit int) ([]domain.BufferedRecord, error)

	// MarkSynced flips the synced flag for the given ids. Already-synced
	// ids are no-ops.
	MarkSynced(ctx context.Context, ids []uint64) error

	// Cleanup deletes synced records older than retention. Unsynced
	// records are never deleted regardless of age. Returns the number of
	// records removed.
	Cleanup(ctx context.Context, retention time.Duration) (int, error)

	// Stats returns current pending/synced counts.
	Stats(ctx context.Context) (Stats, error)

	// Close closes the underlying store.
	Close() error
}
