package domain

import (
	"encoding/json"
	"time"
)

// FilePosition records how far a watched file has been read and enqueued.
// Position is a byte offset and only moves forward, except when the
// underlying file is truncated or rotated.
type FilePosition struct {
	FilePath  string    `json:"file_path"`
	Position  int64     `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingRecord is the caller-supplied portion of a buffered record,
// before the queue assigns an id and insertion timestamp.
type PendingRecord struct {
	ProjectID  string
	SessionID  string
	SourceFile string
	Payload    json.RawMessage
}

// BufferedRecord is one parsed log line waiting for remote delivery.
// IDs are assigned at insertion and define FIFO order. Synced flips to
// true exactly once, after the remote store confirms the record.
type BufferedRecord struct {
	ID         uint64          `json:"id"`
	ProjectID  string          `json:"project_id"`
	SessionID  string          `json:"session_id,omitempty"`
	SourceFile string          `json:"source_file"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	Synced     bool            `json:"synced"`
}
