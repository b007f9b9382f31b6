package domain

import (
	"encoding/json"
	"time"
)

// LogEntry is the tagged envelope parsed from one conversation log line.
// Only the outer fields the daemon routes on are typed; the full line is
// kept verbatim in Raw so downstream consumers can reconstruct everything.
type LogEntry struct {
	Type      string
	UUID      string
	SessionID string
	Timestamp time.Time
	Raw       json.RawMessage
}
