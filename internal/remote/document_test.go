package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/convosync/convosync/internal/domain"
)

func TestNewDocument(t *testing.T) {
	ingested := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	rec := domain.BufferedRecord{
		ID:         7,
		ProjectID:  "proj1",
		SessionID:  "s1",
		SourceFile: "/logs/proj1/chat.jsonl",
		Payload:    []byte(`{"type":"user","uuid":"u-1","sessionId":"s1","timestamp":"2026-08-29T11:59:30Z","message":{"role":"user"}}`),
	}

	doc, err := NewDocument(rec, ingested, "batch-1")
	if err != nil {
		t.Fatalf("NewDocument() error = %v", err)
	}

	if doc.UUID != "u-1" {
		t.Errorf("UUID = %q, want u-1", doc.UUID)
	}
	if doc.Type != "user" {
		t.Errorf("Type = %q, want user", doc.Type)
	}
	if doc.SessionID != "s1" || doc.ProjectID != "proj1" {
		t.Errorf("SessionID/ProjectID = %q/%q", doc.SessionID, doc.ProjectID)
	}
	if doc.SourceFile != rec.SourceFile {
		t.Errorf("SourceFile = %q", doc.SourceFile)
	}
	want := time.Date(2026, 8, 29, 11, 59, 30, 0, time.UTC)
	if !doc.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", doc.Timestamp, want)
	}
	if !doc.IngestedAt.Equal(ingested) {
		t.Errorf("IngestedAt = %v, want %v", doc.IngestedAt, ingested)
	}
	if doc.SyncBatchID != "batch-1" {
		t.Errorf("SyncBatchID = %q", doc.SyncBatchID)
	}
	if doc.Entry["type"] != "user" {
		t.Errorf("Entry not carried: %v", doc.Entry)
	}
}

func TestNewDocumentMissingOptionalFields(t *testing.T) {
	rec := domain.BufferedRecord{
		ID:         1,
		ProjectID:  "unknown",
		SourceFile: "/logs/summary.jsonl",
		Payload:    []byte(`{"summary":"compacted"}`),
	}

	doc, err := NewDocument(rec, time.Now().UTC(), "batch-2")
	if err != nil {
		t.Fatalf("NewDocument() error = %v", err)
	}
	if doc.UUID != "" || doc.Type != "" || doc.SessionID != "" {
		t.Errorf("optional fields should stay empty, got uuid=%q type=%q session=%q",
			doc.UUID, doc.Type, doc.SessionID)
	}
	if !doc.Timestamp.IsZero() {
		t.Errorf("Timestamp = %v, want zero", doc.Timestamp)
	}
}

func TestNewDocumentUnreadablePayload(t *testing.T) {
	rec := domain.BufferedRecord{ID: 1, Payload: []byte(`42`)}
	if _, err := NewDocument(rec, time.Now().UTC(), "batch-3"); err == nil {
		t.Fatal("NewDocument() with non-object payload should fail")
	}
}

func TestClassifyBulkError(t *testing.T) {
	tests := []struct {
		name           string
		total          int
		err            error
		wantWritten    int
		wantDuplicates int
		wantFailed     int
		wantOK         bool
	}{
		{
			name:  "all duplicates",
			total: 2,
			err: mongo.BulkWriteException{
				WriteErrors: []mongo.BulkWriteError{
					{WriteError: mongo.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key"}},
					{WriteError: mongo.WriteError{Index: 1, Code: 11000, Message: "E11000 duplicate key"}},
				},
			},
			wantDuplicates: 2,
			wantOK:         true,
		},
		{
			name:  "mixed written and duplicates",
			total: 3,
			err: mongo.BulkWriteException{
				WriteErrors: []mongo.BulkWriteError{
					{WriteError: mongo.WriteError{Index: 1, Code: 11000, Message: "E11000 duplicate key"}},
				},
			},
			wantWritten:    2,
			wantDuplicates: 1,
			wantOK:         true,
		},
		{
			name:  "non-duplicate write error fails the pass",
			total: 2,
			err: mongo.BulkWriteException{
				WriteErrors: []mongo.BulkWriteError{
					{WriteError: mongo.WriteError{Index: 0, Code: 121, Message: "Document failed validation"}},
				},
			},
			wantWritten: 1,
			wantFailed:  1,
		},
		{
			name:  "write concern error fails the pass",
			total: 2,
			err: mongo.BulkWriteException{
				WriteConcernError: &mongo.WriteConcernError{Code: 64, Message: "waiting for replication timed out"},
			},
			wantWritten: 2,
		},
		{
			name:       "transport error fails everything",
			total:      3,
			err:        errors.New("socket was unexpectedly closed"),
			wantFailed: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := classifyBulkError(tt.total, tt.err)
			if res.Written != tt.wantWritten {
				t.Errorf("Written = %d, want %d", res.Written, tt.wantWritten)
			}
			if res.Duplicates != tt.wantDuplicates {
				t.Errorf("Duplicates = %d, want %d", res.Duplicates, tt.wantDuplicates)
			}
			if res.Failed != tt.wantFailed {
				t.Errorf("Failed = %d, want %d", res.Failed, tt.wantFailed)
			}
			if res.OK() != tt.wantOK {
				t.Errorf("OK() = %v, want %v (err: %v)", res.OK(), tt.wantOK, res.Err)
			}
		})
	}
}

func TestBulkResultDelivered(t *testing.T) {
	res := BulkResult{Written: 3, Duplicates: 2}
	if res.Delivered() != 5 {
		t.Errorf("Delivered() = %d, want 5", res.Delivered())
	}
}

func TestBulkInsertNotConnected(t *testing.T) {
	s := NewStore("mongodb://localhost:27017", "convosync", "conversations", 0)
	res := s.BulkInsert(context.Background(), []Document{{ProjectID: "proj1"}})
	if res.OK() {
		t.Error("BulkInsert() on unconnected store should fail")
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
}
