// Package dekstore persists the wrapped data-encryption key for
// providers (vault, awskms) whose DEK itself needs to live somewhere
// durable rather than being derivable from configuration alone. It
// speaks whichever of postgres or mongo the application is already
// configured against, so providers don't need their own connection.
//
// One row exists per provider name. wrappedDeks[0] is always the
// active key; later entries are retired keys kept around so data
// encrypted before a rotation can still be decrypted. revision backs
// optimistic-locking updates, so a future rotation CLI can prepend a
// new wrapped key without racing a concurrent writer.
package dekstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldnote/memoryd/internal/config"
	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Record is one provider's DEK history.
type Record struct {
	// WrappedDEKs holds backend-wrapped key ciphertexts, active key
	// first and retired rotation keys after.
	WrappedDEKs [][]byte
	// Revision increments on every successful Update; callers use it
	// for optimistic locking.
	Revision int64
}

// Store persists a single DEK Record per provider name.
type Store interface {
	// Load returns provider's record, or nil if it has none yet.
	Load(ctx context.Context, provider string) (*Record, error)

	// Bootstrap inserts the first record for provider. A concurrent
	// writer racing to bootstrap the same provider loses silently;
	// the loser must Load again to see the winning record.
	Bootstrap(ctx context.Context, provider string, wrappedDEK []byte) error

	// Update swaps in wrappedDEKs and bumps the revision, but only if
	// the stored revision still matches oldRevision. The bool return
	// is false when it didn't — the caller lost a race and should
	// Load and retry.
	Update(ctx context.Context, provider string, wrappedDEKs [][]byte, oldRevision int64) (bool, error)

	Close()
}

// New opens a connection against whichever datastore cfg points at
// and returns a Store backed by it.
func New(cfg *config.Config) (Store, error) {
	if cfg.DatastoreType == "mongo" {
		return newMongoStore(cfg)
	}
	return newPostgresStore(cfg)
}

type postgresStore struct{ conn *pgx.Conn }

func newPostgresStore(cfg *config.Config) (Store, error) {
	conn, err := pgx.Connect(context.Background(), cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("dekstore: postgres connect: %w", err)
	}
	return &postgresStore{conn: conn}, nil
}

func (s *postgresStore) Close() { s.conn.Close(context.Background()) }

func (s *postgresStore) Load(ctx context.Context, provider string) (*Record, error) {
	var rec Record
	err := s.conn.QueryRow(ctx,
		`SELECT wrapped_deks, revision FROM encryption_deks WHERE provider=$1`,
		provider,
	).Scan(&rec.WrappedDEKs, &rec.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dekstore: load: %w", err)
	}
	return &rec, nil
}

func (s *postgresStore) Bootstrap(ctx context.Context, provider string, wrappedDEK []byte) error {
	_, err := s.conn.Exec(ctx,
		`INSERT INTO encryption_deks (provider, wrapped_deks, revision)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (provider) DO NOTHING`,
		provider, [][]byte{wrappedDEK},
	)
	if err != nil {
		return fmt.Errorf("dekstore: bootstrap: %w", err)
	}
	return nil
}

func (s *postgresStore) Update(ctx context.Context, provider string, wrappedDEKs [][]byte, oldRevision int64) (bool, error) {
	tag, err := s.conn.Exec(ctx,
		`UPDATE encryption_deks
		 SET wrapped_deks=$2, revision=revision+1
		 WHERE provider=$1 AND revision=$3`,
		provider, wrappedDEKs, oldRevision,
	)
	if err != nil {
		return false, fmt.Errorf("dekstore: update: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type mongoDEKDocument struct {
	Provider    string    `bson:"provider"`
	WrappedDEKs [][]byte  `bson:"wrapped_deks"`
	Revision    int64     `bson:"revision"`
	CreatedAt   time.Time `bson:"created_at,omitempty"`
}

type mongoStoreImpl struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func newMongoStore(cfg *config.Config) (Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return nil, fmt.Errorf("dekstore: mongo connect: %w", err)
	}
	if err := client.Ping(context.Background(), nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("dekstore: mongo ping: %w", err)
	}
	coll := client.Database("memory_service").Collection("encryption_deks")
	return &mongoStoreImpl{client: client, coll: coll}, nil
}

func (s *mongoStoreImpl) Close() { s.client.Disconnect(context.Background()) }

func (s *mongoStoreImpl) Load(ctx context.Context, provider string) (*Record, error) {
	var doc mongoDEKDocument
	err := s.coll.FindOne(ctx, bson.M{"provider": provider}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dekstore: load: %w", err)
	}
	return &Record{WrappedDEKs: doc.WrappedDEKs, Revision: doc.Revision}, nil
}

func (s *mongoStoreImpl) Bootstrap(ctx context.Context, provider string, wrappedDEK []byte) error {
	// $setOnInsert only applies when the upsert creates a new
	// document, so a race between two bootstrappers is resolved by
	// whichever document wins the insert.
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"provider": provider},
		bson.M{"$setOnInsert": bson.M{
			"provider":     provider,
			"wrapped_deks": [][]byte{wrappedDEK},
			"revision":     int64(0),
			"created_at":   time.Now(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("dekstore: bootstrap: %w", err)
	}
	return nil
}

func (s *mongoStoreImpl) Update(ctx context.Context, provider string, wrappedDEKs [][]byte, oldRevision int64) (bool, error) {
	result, err := s.coll.UpdateOne(ctx,
		bson.M{"provider": provider, "revision": oldRevision},
		bson.M{"$set": bson.M{
			"wrapped_deks": wrappedDEKs,
			"revision":     oldRevision + 1,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("dekstore: update: %w", err)
	}
	return result.MatchedCount == 1, nil
}
