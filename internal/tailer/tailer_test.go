package tailer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/convosync/convosync/internal/queue"
)

func newTestTailer(t *testing.T) (*Tailer, *queue.BoltDBQueue, string) {
	t.Helper()

	dir := t.TempDir()
	q, err := queue.NewBoltDBQueue(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewBoltDBQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	tl, err := New(dir, q, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { tl.watcher.Close() })

	return tl, q, dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
}

func TestProcessFileEnqueuesNewLines(t *testing.T) {
	ctx := context.Background()
	tl, q, dir := newTestTailer(t)

	path := filepath.Join(dir, "proj1", "chat.jsonl")
	content := `{"type":"user","sessionId":"s1"}` + "\n" +
		`{"type":"assistant","sessionId":"s1"}` + "\n"
	writeFile(t, path, content)

	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 2 {
		t.Fatalf("Stats().Pending = %d, want 2", stats.Pending)
	}

	batch, _ := q.DequeueBatch(ctx, 10)
	for _, rec := range batch {
		if rec.ProjectID != "proj1" {
			t.Errorf("record project = %q, want proj1", rec.ProjectID)
		}
		if rec.SessionID != "s1" {
			t.Errorf("record session = %q, want s1", rec.SessionID)
		}
		if rec.SourceFile != path {
			t.Errorf("record source = %q, want %q", rec.SourceFile, path)
		}
	}

	offset, _ := q.GetOffset(ctx, path)
	if offset != int64(len(content)) {
		t.Errorf("offset = %d, want %d", offset, len(content))
	}
}

func TestProcessFileNothingNew(t *testing.T) {
	ctx := context.Background()
	tl, q, dir := newTestTailer(t)

	path := filepath.Join(dir, "proj1", "chat.jsonl")
	writeFile(t, path, `{"type":"user","sessionId":"s1"}`+"\n")

	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() error = %v", err)
	}
	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() second pass error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 {
		t.Errorf("second pass re-read the file: pending = %d, want 1", stats.Pending)
	}
}

func TestProcessFileHoldsBackPartialLine(t *testing.T) {
	ctx := context.Background()
	tl, q, dir := newTestTailer(t)

	path := filepath.Join(dir, "proj1", "chat.jsonl")
	complete := `{"type":"user","sessionId":"s1"}` + "\n"
	writeFile(t, path, complete+`{"type":"assi`)

	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 {
		t.Fatalf("partial line was consumed: pending = %d, want 1", stats.Pending)
	}
	offset, _ := q.GetOffset(ctx, path)
	if offset != int64(len(complete)) {
		t.Fatalf("offset = %d, want end of last complete line %d", offset, len(complete))
	}

	// Writer finishes the line; the next pass picks it up whole.
	appendFile(t, path, `stant","sessionId":"s1"}`+"\n")
	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() second pass error = %v", err)
	}

	stats, _ = q.Stats(ctx)
	if stats.Pending != 2 {
		t.Errorf("completed line not picked up: pending = %d, want 2", stats.Pending)
	}

	batch, _ := q.DequeueBatch(ctx, 10)
	if string(batch[1].Payload) != `{"type":"assistant","sessionId":"s1"}` {
		t.Errorf("second record payload = %s", batch[1].Payload)
	}
}

func TestProcessFileMalformedLineIsolation(t *testing.T) {
	ctx := context.Background()
	tl, q, dir := newTestTailer(t)

	path := filepath.Join(dir, "proj1", "chat.jsonl")
	content := `{"type":"user","sessionId":"s1"}` + "\n" +
		"this is not json\n" +
		"\n" +
		`{"type":"assistant","sessionId":"s1"}` + "\n"
	writeFile(t, path, content)

	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 2 {
		t.Errorf("Stats().Pending = %d, want 2 (malformed and blank lines skipped)", stats.Pending)
	}

	// The offset advances past the malformed line so it is never re-read.
	offset, _ := q.GetOffset(ctx, path)
	if offset != int64(len(content)) {
		t.Errorf("offset = %d, want %d", offset, len(content))
	}
}

func TestProcessFileTruncationReset(t *testing.T) {
	ctx := context.Background()
	tl, q, dir := newTestTailer(t)

	path := filepath.Join(dir, "proj1", "chat.jsonl")
	writeFile(t, path, `{"type":"user","sessionId":"s1"}`+"\n"+`{"type":"assistant","sessionId":"s1"}`+"\n")

	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() error = %v", err)
	}

	// Rotation: the file is replaced with shorter, new content.
	rotated := `{"type":"user","sessionId":"s2"}` + "\n"
	writeFile(t, path, rotated)

	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() after rotation error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 3 {
		t.Errorf("rotated content not re-read: pending = %d, want 3", stats.Pending)
	}
	offset, _ := q.GetOffset(ctx, path)
	if offset != int64(len(rotated)) {
		t.Errorf("offset after rotation = %d, want %d", offset, len(rotated))
	}
}

func TestProcessFileMissingFile(t *testing.T) {
	ctx := context.Background()
	tl, q, dir := newTestTailer(t)

	// Deleted between notification and pass: silent no-op.
	if err := tl.processFile(ctx, filepath.Join(dir, "proj1", "gone.jsonl")); err != nil {
		t.Fatalf("processFile() on missing file error = %v", err)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 0 {
		t.Errorf("Stats().Pending = %d, want 0", stats.Pending)
	}
}

func TestProcessFileCRLF(t *testing.T) {
	ctx := context.Background()
	tl, q, dir := newTestTailer(t)

	path := filepath.Join(dir, "proj1", "chat.jsonl")
	writeFile(t, path, `{"type":"user","sessionId":"s1"}`+"\r\n")

	if err := tl.processFile(ctx, path); err != nil {
		t.Fatalf("processFile() error = %v", err)
	}

	batch, _ := q.DequeueBatch(ctx, 10)
	if len(batch) != 1 {
		t.Fatalf("got %d records, want 1", len(batch))
	}
	if string(batch[0].Payload) != `{"type":"user","sessionId":"s1"}` {
		t.Errorf("payload retains CR: %q", batch[0].Payload)
	}
}

func TestBeginPassCoalesces(t *testing.T) {
	tl, _, _ := newTestTailer(t)

	if !tl.beginPass("/a") {
		t.Fatal("beginPass() first call should succeed")
	}
	if tl.beginPass("/a") {
		t.Error("beginPass() while in flight should be rejected")
	}
	tl.endPass("/a")
	if !tl.beginPass("/a") {
		t.Error("beginPass() after endPass should succeed again")
	}
}

func TestRunPicksUpNewFiles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tl, q, dir := newTestTailer(t)

	done := make(chan error, 1)
	go func() { done <- tl.Run(ctx) }()

	// Give the watcher time to install, then create a project directory
	// with a log file.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "proj1", "chat.jsonl"), `{"type":"user","sessionId":"s1"}`+"\n")

	deadline := time.After(3 * time.Second)
	for {
		stats, _ := q.Stats(ctx)
		if stats.Pending == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("file never processed: pending = %d", stats.Pending)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
