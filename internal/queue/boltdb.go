package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/convosync/convosync/internal/domain"
)

const (
	positionsBucket = "positions"
	pendingBucket   = "pending"
	syncedBucket    = "synced"
)

// BoltDBQueue implements Queue using BoltDB. Each logical operation runs
// inside one BoltDB transaction, so a process kill leaves the store either
// fully before or fully after the operation.
//
// Records live in two buckets: "pending" while awaiting delivery and
// "synced" once confirmed. MarkSynced moves a record between them in one
// transaction; the move is one-way, so a synced record can never revert
// to pending. IDs come from the pending bucket's sequence and stay with
// the record across the move, preserving FIFO order.
type BoltDBQueue struct {
	db *bbolt.DB
}

// NewBoltDBQueue opens (or creates) the queue database at dbPath.
// Bucket creation is idempotent, so reopening an initialized store is safe.
func NewBoltDBQueue(dbPath string) (*BoltDBQueue, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A locked file usually means a previous process is still holding it.
		return nil, fmt.Errorf("failed to open queue db (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{positionsBucket, pendingBucket, syncedBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("Durable queue initialized")

	return &BoltDBQueue{db: db}, nil
}

// GetOffset returns the stored byte offset for a file, or 0 if never seen.
func (q *BoltDBQueue) GetOffset(ctx context.Context, filePath string) (int64, error) {
	var position int64

	err := q.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket([]byte(positionsBucket)).Get([]byte(filePath))
		if val == nil {
			return nil
		}

		var pos domain.FilePosition
		if err := json.Unmarshal(val, &pos); err != nil {
			return fmt.Errorf("invalid position value: %w", err)
		}
		position = pos.Position
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get offset: %w", err)
	}

	return position, nil
}

// SetOffset upserts the byte offset for a file.
func (q *BoltDBQueue) SetOffset(ctx context.Context, filePath string, position int64) error {
	if position < 0 {
		return fmt.Errorf("negative offset %d for %s", position, filePath)
	}

	err := q.db.Update(func(tx *bbolt.Tx) error {
		val, err := json.Marshal(domain.FilePosition{
			FilePath:  filePath,
			Position:  position,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(positionsBucket)).Put([]byte(filePath), val)
	})
	if err != nil {
		return fmt.Errorf("failed to set offset: %w", err)
	}

	log.Debug().
		Str("file_path", filePath).
		Int64("position", position).
		Msg("Offset updated")

	return nil
}

// Enqueue appends all given records atomically. IDs are assigned from the
// pending bucket sequence in call order.
func (q *BoltDBQueue) Enqueue(ctx context.Context, records []domain.PendingRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()

	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(pendingBucket))
		for _, rec := range records {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate id: %w", err)
			}

			val, err := json.Marshal(domain.BufferedRecord{
				ID:         seq,
				ProjectID:  rec.ProjectID,
				SessionID:  rec.SessionID,
				SourceFile: rec.SourceFile,
				Payload:    rec.Payload,
				CreatedAt:  now,
				Synced:     false,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}

			if err := b.Put(itob(seq), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue %d records: %w", len(records), err)
	}

	log.Debug().
		Int("count", len(records)).
		Msg("Records enqueued")

	return nil
}

// DequeueBatch returns up to limit unsynced records, oldest first.
func (q *BoltDBQueue) DequeueBatch(ctx context.Context, limit int) ([]domain.BufferedRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	var records []domain.BufferedRecord

	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(pendingBucket)).Cursor()
		for k, v := c.First(); k != nil && len(records) < limit; k, v = c.Next() {
			var rec domain.BufferedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("invalid record at id %d: %w", btoi(k), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue batch: %w", err)
	}

	return records, nil
}

// MarkSynced moves the given ids from pending to synced in one
// transaction. IDs already synced (or cleaned up) are skipped.
func (q *BoltDBQueue) MarkSynced(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	err := q.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket([]byte(pendingBucket))
		synced := tx.Bucket([]byte(syncedBucket))

		for _, id := range ids {
			key := itob(id)
			val := pending.Get(key)
			if val == nil {
				continue
			}

			var rec domain.BufferedRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("invalid record at id %d: %w", id, err)
			}
			rec.Synced = true

			out, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := synced.Put(key, out); err != nil {
				return err
			}
			if err := pending.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %d records synced: %w", len(ids), err)
	}

	return nil
}

// Cleanup deletes synced records older than retention.
func (q *BoltDBQueue) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	deleted := 0

	err := q.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(syncedBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec domain.BufferedRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("invalid record at id %d: %w", btoi(k), err)
			}
			if rec.CreatedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up synced records: %w", err)
	}

	if deleted > 0 {
		log.Info().
			Int("deleted", deleted).
			Dur("retention", retention).
			Msg("Cleaned up old synced records")
	}

	return deleted, nil
}

// Stats returns current pending/synced counts.
func (q *BoltDBQueue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	err := q.db.View(func(tx *bbolt.Tx) error {
		stats.Pending = tx.Bucket([]byte(pendingBucket)).Stats().KeyN
		stats.Synced = tx.Bucket([]byte(syncedBucket)).Stats().KeyN
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}

	return stats, nil
}

// Close closes the BoltDB database.
func (q *BoltDBQueue) Close() error {
	log.Info().Msg("Closing durable queue")
	return q.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
