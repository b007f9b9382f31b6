package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/convosync/convosync/internal/retry"
)

// Store is the MongoDB-backed document store the sync engine delivers to.
// The connection handle is private to the sync engine and is not safe for
// concurrent use; the engine's single-flight guard provides that.
type Store struct {
	uri            string
	database       string
	collection     string
	connectTimeout time.Duration
	retryCfg       retry.Config

	client *mongo.Client
	coll   *mongo.Collection
}

// NewStore creates an unconnected store. The first EnsureConnected call
// establishes the connection and creates indexes.
func NewStore(uri, database, collection string, connectTimeout time.Duration) *Store {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &Store{
		uri:            uri,
		database:       database,
		collection:     collection,
		connectTimeout: connectTimeout,
		retryCfg:       retry.DefaultConfig(),
	}
}

// EnsureConnected verifies the current connection with a bounded ping, or
// establishes a new one. Index creation runs on every fresh connection and
// is idempotent on the server side.
func (s *Store) EnsureConnected(ctx context.Context) error {
	if s.client != nil {
		pingCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		err := s.client.Ping(pingCtx, readpref.Primary())
		cancel()
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Msg("Remote store ping failed, reconnecting")
		s.Disconnect(ctx)
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(s.uri).
		SetConnectTimeout(s.connectTimeout).
		SetServerSelectionTimeout(s.connectTimeout))
	if err != nil {
		return fmt.Errorf("failed to create mongo client: %w", err)
	}

	err = retry.Do(ctx, s.retryCfg, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
		return client.Ping(pingCtx, readpref.Primary())
	})
	if err != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
		defer cancel()
		_ = client.Disconnect(disconnectCtx)
		return fmt.Errorf("failed to ping mongo: %w", err)
	}

	s.client = client
	s.coll = client.Database(s.database).Collection(s.collection)

	if err := s.ensureIndexes(ctx); err != nil {
		s.Disconnect(ctx)
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	log.Info().
		Str("database", s.database).
		Str("collection", s.collection).
		Msg("Connected to remote store")

	return nil
}

// ensureIndexes creates the uniqueness constraint the at-least-once retry
// story relies on, plus the secondary indexes external collaborators query
// by.
func (s *Store) ensureIndexes(ctx context.Context) error {
	idxCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	_, err := s.coll.Indexes().CreateMany(idxCtx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "uuid", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true).SetName("uniq_uuid"),
		},
		{Keys: bson.D{{Key: "sessionId", Value: 1}}},
		{Keys: bson.D{{Key: "projectId", Value: 1}}},
		{Keys: bson.D{{Key: "ingestedAt", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	return err
}

// BulkInsert writes a batch with unordered semantics: a duplicate-key
// rejection on one document does not abort its siblings. The returned
// result classifies every document as written, duplicate, or failed.
func (s *Store) BulkInsert(ctx context.Context, docs []Document) BulkResult {
	if len(docs) == 0 {
		return BulkResult{}
	}
	if s.coll == nil {
		return BulkResult{Failed: len(docs), Err: fmt.Errorf("not connected")}
	}

	items := make([]interface{}, len(docs))
	for i, d := range docs {
		items[i] = d
	}

	_, err := s.coll.InsertMany(ctx, items, options.InsertMany().SetOrdered(false))
	if err == nil {
		return BulkResult{Written: len(docs)}
	}

	return classifyBulkError(len(docs), err)
}

// classifyBulkError decomposes an InsertMany error into per-document
// outcomes. Anything other than per-item duplicate-key rejections makes
// the batch a failed pass.
func classifyBulkError(total int, err error) BulkResult {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return BulkResult{Failed: total, Err: err}
	}

	res := BulkResult{}
	for _, we := range bwe.WriteErrors {
		if isDuplicateKeyCode(we.Code) {
			res.Duplicates++
			continue
		}
		res.Failed++
		if res.Err == nil {
			res.Err = fmt.Errorf("bulk write error (code %d): %s", we.Code, we.Message)
		}
	}
	res.Written = total - res.Duplicates - res.Failed

	if bwe.WriteConcernError != nil && res.Err == nil {
		// Unacknowledged writes may or may not be present remotely;
		// treat like any other failed pass and retry the batch.
		res.Err = fmt.Errorf("write concern error: %s", bwe.WriteConcernError.Message)
	}

	return res
}

func isDuplicateKeyCode(code int) bool {
	switch code {
	case 11000, 11001, 12582:
		return true
	}
	return false
}

// Disconnect drops the connection so the next EnsureConnected
// re-establishes it.
func (s *Store) Disconnect(ctx context.Context) {
	if s.client == nil {
		return
	}

	disconnectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	if err := s.client.Disconnect(disconnectCtx); err != nil {
		log.Warn().Err(err).Msg("Error disconnecting from remote store")
	}
	s.client = nil
	s.coll = nil
}
