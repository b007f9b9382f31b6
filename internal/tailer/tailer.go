package tailer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/convosync/convosync/internal/domain"
	"github.com/convosync/convosync/internal/queue"
)

const logFileExt = ".jsonl"

// Tailer watches a directory tree of append-only JSONL files, reads newly
// appended complete lines starting from the offset recorded in the durable
// queue, and enqueues the parsed records together with the new offset.
//
// Change notifications are debounced: a file is processed only after a
// quiet period with no further events, so a writer mid-append is not read
// half-way through a line burst. Notifications for a file already being
// processed are dropped, not queued; the in-flight pass stats the file
// when it starts and therefore picks up the latest size anyway.
type Tailer struct {
	watchDir string
	queue    queue.Queue
	debounce time.Duration

	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time // path -> last event time
	changeQueueMu sync.Mutex

	inFlight   map[string]struct{}
	inFlightMu sync.Mutex

	fatalCh chan error
	wg      sync.WaitGroup
}

// New creates a tailer over watchDir backed by q. The watcher is created
// eagerly so wiring errors surface before the daemon starts.
func New(watchDir string, q queue.Queue, debounce time.Duration) (*Tailer, error) {
	if watchDir == "" {
		return nil, fmt.Errorf("watchDir cannot be empty")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Tailer{
		watchDir:    watchDir,
		queue:       q,
		debounce:    debounce,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		inFlight:    make(map[string]struct{}),
		fatalCh:     make(chan error, 1),
	}, nil
}

// Run watches for file changes until ctx is cancelled. It returns nil on
// cancellation and an error only when the durable queue fails, which the
// caller must treat as fatal.
func (t *Tailer) Run(ctx context.Context) error {
	defer t.watcher.Close()

	if err := t.scanTree(t.watchDir, true); err != nil {
		return fmt.Errorf("failed to scan watch directory: %w", err)
	}

	log.Info().
		Str("dir", t.watchDir).
		Dur("debounce", t.debounce).
		Msg("Tailer watching")

	ticker := time.NewTicker(t.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.wg.Wait()
			return nil

		case err := <-t.fatalCh:
			t.wg.Wait()
			return err

		case event, ok := <-t.watcher.Events:
			if !ok {
				t.wg.Wait()
				return nil
			}
			t.handleEvent(event)

		case err, ok := <-t.watcher.Errors:
			if !ok {
				t.wg.Wait()
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-ticker.C:
			t.dispatchReady(ctx)
		}
	}
}

// scanTree walks a directory, adds watches for every directory, and queues
// every existing log file. Existing files are queued as already past the
// quiet period so the first tick processes them.
func (t *Tailer) scanTree(root string, immediate bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path")
			return nil
		}

		if d.IsDir() {
			if err := t.watcher.Add(path); err != nil {
				log.Warn().Err(err).Str("dir", path).Msg("Failed to watch directory")
			}
			return nil
		}

		if strings.HasSuffix(path, logFileExt) {
			when := time.Now()
			if immediate {
				when = when.Add(-t.debounce)
			}
			t.queueChange(path, when)
		}
		return nil
	})
}

// handleEvent routes one fsnotify event: new directories get watched (and
// scanned, since files may land before the watch is in place), log file
// writes get queued for a debounced pass.
func (t *Tailer) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := t.scanTree(event.Name, false); err != nil {
				log.Warn().Err(err).Str("dir", event.Name).Msg("Failed to scan new directory")
			}
			return
		}
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !strings.HasSuffix(event.Name, logFileExt) {
		return
	}

	t.queueChange(event.Name, time.Now())
}

func (t *Tailer) queueChange(path string, when time.Time) {
	t.changeQueueMu.Lock()
	defer t.changeQueueMu.Unlock()
	t.changeQueue[path] = when
}

// dispatchReady starts a processing pass for every queued file whose quiet
// period has elapsed, unless a pass for that file is already in flight.
func (t *Tailer) dispatchReady(ctx context.Context) {
	t.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range t.changeQueue {
		if now.Sub(queuedAt) < t.debounce {
			continue
		}
		ready = append(ready, path)
		delete(t.changeQueue, path)
	}
	t.changeQueueMu.Unlock()

	for _, path := range ready {
		if !t.beginPass(path) {
			continue
		}

		t.wg.Add(1)
		go func(path string) {
			defer t.wg.Done()
			defer t.endPass(path)

			if err := t.processFile(ctx, path); err != nil {
				select {
				case t.fatalCh <- err:
				default:
				}
			}
		}(path)
	}
}

// beginPass atomically checks and inserts path into the in-flight set.
func (t *Tailer) beginPass(path string) bool {
	t.inFlightMu.Lock()
	defer t.inFlightMu.Unlock()
	if _, busy := t.inFlight[path]; busy {
		return false
	}
	t.inFlight[path] = struct{}{}
	return true
}

func (t *Tailer) endPass(path string) {
	t.inFlightMu.Lock()
	defer t.inFlightMu.Unlock()
	delete(t.inFlight, path)
}

// processFile runs one tailing pass over a single file. File-level
// problems (gone, unreadable, malformed lines) are logged and absorbed;
// only durable-queue failures are returned, and those are fatal.
func (t *Tailer) processFile(ctx context.Context, path string) error {
	projectID := ProjectFromPath(t.watchDir, path)

	offset, err := t.queue.GetOffset(ctx, path)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Deleted between notification and pass.
			return nil
		}
		log.Warn().Err(err).Str("file", path).Msg("Failed to stat file")
		return nil
	}

	size := info.Size()
	if size < offset {
		log.Info().
			Str("file", path).
			Int64("size", size).
			Int64("offset", offset).
			Msg("File truncated or rotated, re-reading from start")
		offset = 0
	}
	if size <= offset {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Warn().Err(err).Str("file", path).Msg("Failed to open file")
		return nil
	}
	defer file.Close()

	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to seek to offset")
			return nil
		}
	}

	reader := bufio.NewReader(file)
	records := make([]domain.PendingRecord, 0, 64)
	consumed := offset
	parseErrors := 0

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Str("file", path).Msg("Read error while tailing")
			}
			// A final chunk without a trailing newline is a partial line
			// the writer is still appending; hold it back and do not
			// advance the offset past it.
			break
		}

		lineStart := consumed
		consumed += int64(len(line))

		text := strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}

		entry, perr := ParseLine(text)
		if perr != nil {
			parseErrors++
			log.Warn().
				Err(perr).
				Str("file", path).
				Int64("byte_offset", lineStart).
				Msg("Failed to parse log line, skipping")
			continue
		}

		records = append(records, domain.PendingRecord{
			ProjectID:  projectID,
			SessionID:  entry.SessionID,
			SourceFile: path,
			Payload:    entry.Raw,
		})
	}

	if consumed == offset {
		// Only a partial line appeared; nothing to persist yet.
		return nil
	}

	// Enqueue and offset update are one logical unit. A crash between them
	// re-reads the same lines next pass; the remote store's duplicate
	// rejection absorbs the redelivery.
	if err := t.queue.Enqueue(ctx, records); err != nil {
		return err
	}
	if err := t.queue.SetOffset(ctx, path, consumed); err != nil {
		return err
	}

	log.Debug().
		Str("file", path).
		Str("project_id", projectID).
		Int("records", len(records)).
		Int("parse_errors", parseErrors).
		Int64("offset", consumed).
		Msg("Tail pass complete")

	return nil
}
