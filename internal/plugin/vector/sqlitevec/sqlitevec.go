// Package sqlitevec backs semantic search with the sqlite-vec extension, so
// a single-node deployment running the "sqlite" datastore doesn't need
// Postgres/pgvector or Qdrant just to exercise §6's search endpoint.
package sqlitevec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/fieldnote/memoryd/internal/config"
	registryvector "github.com/fieldnote/memoryd/internal/registry/vector"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
	registryvector.Register(registryvector.Plugin{
		Name:   "sqlitevec",
		Loader: load,
	})
}

const dimension = 384

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.DBURL == "" {
		return nil, fmt.Errorf("sqlitevec: missing datastore URL in config")
	}
	db, err := sql.Open("sqlite3", cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: open: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS entry_embeddings USING vec0(
			entry_id TEXT PRIMARY KEY,
			embedding float[%d],
			+conversation_id TEXT,
			+conversation_group_id TEXT
		)`, dimension)); err != nil {
		return nil, fmt.Errorf("sqlitevec: create virtual table: %w", err)
	}
	return &SqliteVecStore{db: db}, nil
}

// SqliteVecStore implements VectorStore using the sqlite-vec vec0 virtual table.
type SqliteVecStore struct {
	db *sql.DB
}

func (s *SqliteVecStore) IsEnabled() bool { return true }
func (s *SqliteVecStore) Name() string    { return "sqlitevec" }

func (s *SqliteVecStore) Search(ctx context.Context, embedding []float32, conversationGroupIDs []uuid.UUID, limit int) ([]registryvector.SearchHit, error) {
	if len(conversationGroupIDs) == 0 {
		return nil, nil
	}
	vec, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: serialize query vector: %w", err)
	}

	placeholders := make([]string, len(conversationGroupIDs))
	for i := range conversationGroupIDs {
		placeholders[i] = "?"
	}
	args := append([]interface{}{vec, limit}, idArgs(conversationGroupIDs)...)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT entry_id, conversation_id, distance
		FROM entry_embeddings
		WHERE embedding MATCH ? AND k = ?
			AND conversation_group_id IN (%s)
		ORDER BY distance`, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitevec: search: %w", err)
	}
	defer rows.Close()

	var results []registryvector.SearchHit
	for rows.Next() {
		var entryIDStr, conversationIDStr string
		var distance float64
		if err := rows.Scan(&entryIDStr, &conversationIDStr, &distance); err != nil {
			continue
		}
		entryID, err := uuid.Parse(entryIDStr)
		if err != nil {
			continue
		}
		conversationID, err := uuid.Parse(conversationIDStr)
		if err != nil {
			continue
		}
		results = append(results, registryvector.SearchHit{
			EntryID:        entryID,
			ConversationID: conversationID,
			Score:          1 - distance,
		})
	}
	return results, nil
}

func idArgs(ids []uuid.UUID) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (s *SqliteVecStore) Upsert(ctx context.Context, entries []registryvector.UpsertRequest) error {
	for _, e := range entries {
		vec, err := sqlite_vec.SerializeFloat32(e.Embedding)
		if err != nil {
			return fmt.Errorf("sqlitevec: serialize embedding: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO entry_embeddings (entry_id, conversation_id, conversation_group_id, embedding)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (entry_id) DO UPDATE SET embedding = excluded.embedding`,
			e.EntryID.String(), e.ConversationID.String(), e.ConversationGroupID.String(), vec,
		); err != nil {
			return fmt.Errorf("sqlitevec: upsert: %w", err)
		}
	}
	return nil
}

func (s *SqliteVecStore) DeleteByConversationGroupID(ctx context.Context, conversationGroupID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM entry_embeddings WHERE conversation_group_id = ?",
		conversationGroupID.String(),
	)
	return err
}
