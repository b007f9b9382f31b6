package tailer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/convosync/convosync/internal/domain"
)

// UnknownProject is assigned when a file path does not match the expected
// <watch-dir>/<project>/... layout.
const UnknownProject = "unknown"

// ParseLine parses a single JSONL conversation log line into its envelope.
// Only the outer routing fields are extracted; the line itself is preserved
// verbatim as the payload.
func ParseLine(line string) (*domain.LogEntry, error) {
	if line == "" {
		return nil, fmt.Errorf("empty line")
	}

	// Strip UTF-8 BOM if present
	line = strings.TrimPrefix(line, "\ufeff")

	var outer struct {
		Type      string `json:"type"`
		UUID      string `json:"uuid"`
		SessionID string `json:"sessionId"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(line), &outer); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := &domain.LogEntry{
		Type:      outer.Type,
		UUID:      outer.UUID,
		SessionID: outer.SessionID,
		Raw:       json.RawMessage(line),
	}

	if outer.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, outer.Timestamp); err == nil {
			entry.Timestamp = t
		}
	}

	return entry, nil
}

// ProjectFromPath derives the logical project id for a tailed file: the
// first directory segment of the file's path relative to the watch root.
// Files outside the root or directly inside it map to UnknownProject.
func ProjectFromPath(watchDir, path string) string {
	rel, err := filepath.Rel(watchDir, path)
	if err != nil {
		return UnknownProject
	}

	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") || rel == ".." {
		return UnknownProject
	}

	segments := strings.Split(rel, "/")
	if len(segments) < 2 {
		// File sits directly in the watch root, no project directory.
		return UnknownProject
	}

	return segments[0]
}
