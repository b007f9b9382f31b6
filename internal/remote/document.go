package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/convosync/convosync/internal/domain"
)

// Document is the remote shape of one buffered record. The entry itself is
// carried as a subdocument so downstream consumers (browsing UI, analytics
// extractor) can query inside it; uuid, type and timestamp are lifted to
// the top level for indexing.
//
// The unique sparse index on uuid is what absorbs at-least-once
// redelivery: a retried document collides on uuid instead of appearing
// twice.
type Document struct {
	UUID        string                 `bson:"uuid,omitempty"`
	Type        string                 `bson:"type,omitempty"`
	SessionID   string                 `bson:"sessionId,omitempty"`
	ProjectID   string                 `bson:"projectId"`
	SourceFile  string                 `bson:"sourceFile"`
	Timestamp   time.Time              `bson:"timestamp,omitempty"`
	Entry       map[string]interface{} `bson:"entry"`
	IngestedAt  time.Time              `bson:"ingestedAt"`
	SyncBatchID string                 `bson:"syncBatchId"`
}

// NewDocument materializes a buffered record for delivery, stamping it
// with delivery metadata not present in the original payload.
func NewDocument(rec domain.BufferedRecord, ingestedAt time.Time, syncBatchID string) (Document, error) {
	var entry map[string]interface{}
	if err := json.Unmarshal(rec.Payload, &entry); err != nil {
		return Document{}, fmt.Errorf("record %d has unreadable payload: %w", rec.ID, err)
	}

	doc := Document{
		SessionID:   rec.SessionID,
		ProjectID:   rec.ProjectID,
		SourceFile:  rec.SourceFile,
		Entry:       entry,
		IngestedAt:  ingestedAt,
		SyncBatchID: syncBatchID,
	}

	if s, ok := entry["uuid"].(string); ok {
		doc.UUID = s
	}
	if s, ok := entry["type"].(string); ok {
		doc.Type = s
	}
	if s, ok := entry["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			doc.Timestamp = t
		}
	}

	return doc, nil
}
