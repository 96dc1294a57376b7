package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fieldnote/memoryd/internal/config"
	"github.com/fieldnote/memoryd/internal/dataencryption"
	"github.com/fieldnote/memoryd/internal/episodic"
	episodicqdrant "github.com/fieldnote/memoryd/internal/plugin/store/episodicqdrant"
	registryepisodic "github.com/fieldnote/memoryd/internal/registry/episodic"
	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// deletedReason values stored in memories.deleted_reason; nil means the
// row is still active.
const (
	deletedReasonSuperseded int16 = iota
	deletedReasonExplicit
	deletedReasonExpired
)

// kind values stored in memories.kind for write events.
const (
	memoryKindAdd int16 = iota
	memoryKindUpdate
)

func init() {
	registryepisodic.Register(registryepisodic.Plugin{
		Name:   "postgres",
		Loader: loadEpisodicStore,
	})
}

func loadEpisodicStore(ctx context.Context) (registryepisodic.EpisodicStore, error) {
	cfg := config.FromContext(ctx)
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("episodic store: failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)

	ps := &PostgresStore{db: db, cfg: cfg}
	if !cfg.EncryptionDBDisabled {
		ps.enc = dataencryption.FromContext(ctx)
	}
	store := &postgresEpisodicStore{db: db, s: ps}
	store.qdrant = maybeQdrantClient(cfg)
	return store, nil
}

// maybeQdrantClient returns a qdrant client when the deployment has opted
// into the qdrant vector backend; any dial failure degrades to the
// pgvector fallback rather than failing store construction outright.
func maybeQdrantClient(cfg *config.Config) *episodicqdrant.Client {
	if !strings.EqualFold(strings.TrimSpace(cfg.VectorType), "qdrant") {
		return nil
	}
	client, err := episodicqdrant.New(cfg)
	if err != nil {
		log.Warn("Episodic qdrant unavailable; falling back to local vector backend", "err", err)
		return nil
	}
	return client
}

// postgresEpisodicStore implements registryepisodic.EpisodicStore using GORM + PostgreSQL.
type postgresEpisodicStore struct {
	db     *gorm.DB
	s      *PostgresStore // for encrypt/decrypt helpers
	qdrant *episodicqdrant.Client
}

// memoryRow is the GORM-level row for the memories table.
type memoryRow struct {
	ID               uuid.UUID              `gorm:"primaryKey;type:uuid;column:id"`
	Namespace        string                 `gorm:"not null;column:namespace"`
	Key              string                 `gorm:"not null;column:key"`
	ValueEncrypted   []byte                 `gorm:"column:value_encrypted"` // nullable for tombstones
	Attributes       []byte                 `gorm:"column:attributes"`
	PolicyAttributes map[string]interface{} `gorm:"type:jsonb;serializer:json;column:policy_attributes"`
	IndexFields      []string               `gorm:"type:jsonb;serializer:json;column:index_fields"`
	IndexDisabled    bool                   `gorm:"column:index_disabled"`
	Kind             int16                  `gorm:"not null;default:0;column:kind"`
	DeletedReason    *int16                 `gorm:"column:deleted_reason"`
	CreatedAt        time.Time              `gorm:"not null;column:created_at"`
	ExpiresAt        *time.Time             `gorm:"column:expires_at"`
	DeletedAt        *time.Time             `gorm:"column:deleted_at"`
	IndexedAt        *time.Time             `gorm:"column:indexed_at"`
}

func (memoryRow) TableName() string { return "memories" }

func (e *postgresEpisodicStore) encodeNS(ns []string) (string, error) {
	// maxDepth=0 skips the depth check; the registry handler already did it.
	return episodic.EncodeNamespace(ns, 0)
}

func (e *postgresEpisodicStore) decodeNS(encoded string) ([]string, error) {
	return episodic.DecodeNamespace(encoded)
}

// PutMemory upserts a memory. On update, the previous active row is soft-deleted.
func (e *postgresEpisodicStore) PutMemory(ctx context.Context, req registryepisodic.PutMemoryRequest) (*registryepisodic.MemoryWriteResult, error) {
	nsEncoded, err := e.encodeNS(req.Namespace)
	if err != nil {
		return nil, err
	}

	valueJSON, err := json.Marshal(req.Value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	valueEnc, err := e.s.encrypt(valueJSON)
	if err != nil {
		return nil, fmt.Errorf("encrypt value: %w", err)
	}

	var attrsEnc []byte
	if len(req.Attributes) > 0 {
		attrsJSON, err := json.Marshal(req.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal attributes: %w", err)
		}
		attrsEnc, err = e.s.encrypt(attrsJSON)
		if err != nil {
			return nil, fmt.Errorf("encrypt attributes: %w", err)
		}
	}

	var expiresAt *time.Time
	if req.TTLSeconds > 0 {
		t := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	newID := uuid.New()
	now := time.Now()

	kind := memoryKindAdd
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		supersededAt := now
		replaced, err := supersedeActiveRow(tx, nsEncoded, req.Key, supersededAt)
		if err != nil {
			return err
		}
		if replaced {
			kind = memoryKindUpdate
		}

		row := memoryRow{
			ID:               newID,
			Namespace:        nsEncoded,
			Key:              req.Key,
			ValueEncrypted:   valueEnc,
			Attributes:       attrsEnc,
			PolicyAttributes: req.PolicyAttributes,
			IndexFields:      req.IndexFields,
			IndexDisabled:    req.IndexDisabled,
			Kind:             kind,
			CreatedAt:        now,
			ExpiresAt:        expiresAt,
			// IndexedAt left NULL: pending vector sync.
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}

	var decryptedAttrs map[string]interface{}
	if len(attrsEnc) > 0 {
		decryptedAttrs = req.Attributes
	}

	return &registryepisodic.MemoryWriteResult{
		ID:         newID,
		Namespace:  req.Namespace,
		Key:        req.Key,
		Attributes: decryptedAttrs,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}, nil
}

// supersedeActiveRow soft-deletes the current active row for (namespace,
// key), if any, and resets indexed_at so the indexer drops its vector.
// Returns whether a row was replaced.
func supersedeActiveRow(tx *gorm.DB, namespace, key string, at time.Time) (bool, error) {
	result := tx.Exec(`
		UPDATE memories
		SET deleted_at = ?, indexed_at = NULL, deleted_reason = ?
		WHERE namespace = ? AND key = ? AND deleted_at IS NULL`,
		at, deletedReasonSuperseded, namespace, key,
	)
	if result.Error != nil {
		return false, fmt.Errorf("soft-delete previous row: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// GetMemory retrieves the active memory for (namespace, key).
func (e *postgresEpisodicStore) GetMemory(ctx context.Context, namespace []string, key string) (*registryepisodic.MemoryItem, error) {
	nsEncoded, err := e.encodeNS(namespace)
	if err != nil {
		return nil, err
	}

	var row memoryRow
	result := e.db.WithContext(ctx).
		Where("namespace = ? AND key = ? AND deleted_at IS NULL", nsEncoded, key).
		Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("get memory: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return e.rowToItem(row, namespace)
}

// DeleteMemory soft-deletes the active memory for (namespace, key).
func (e *postgresEpisodicStore) DeleteMemory(ctx context.Context, namespace []string, key string) error {
	nsEncoded, err := e.encodeNS(namespace)
	if err != nil {
		return err
	}
	return e.db.WithContext(ctx).Exec(`
		UPDATE memories
		SET deleted_at = NOW(), indexed_at = NULL, deleted_reason = ?
		WHERE namespace = ? AND key = ? AND deleted_at IS NULL`,
		deletedReasonExplicit, nsEncoded, key,
	).Error
}

// SearchMemories performs attribute-filter-only search within the namespace prefix.
func (e *postgresEpisodicStore) SearchMemories(ctx context.Context, namespacePrefix []string, filter map[string]interface{}, limit, offset int) ([]registryepisodic.MemoryItem, error) {
	nsEncoded, err := e.encodeNS(namespacePrefix)
	if err != nil {
		return nil, err
	}

	q := e.db.WithContext(ctx).
		Table("memories").
		Where("deleted_at IS NULL").
		Where("namespace = ? OR namespace LIKE ?", nsEncoded, episodic.NamespacePrefixPattern(nsEncoded)).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset)

	if clause, args := policyAttributeFilter(filter); clause != "" {
		q = q.Where(clause, args...)
	}

	var rows []memoryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	return e.rowsToItems(rows), nil
}

// rowsToItems decrypts each row into a MemoryItem, skipping (and logging)
// any row that fails to decrypt rather than failing the whole page.
func (e *postgresEpisodicStore) rowsToItems(rows []memoryRow) []registryepisodic.MemoryItem {
	items := make([]registryepisodic.MemoryItem, 0, len(rows))
	for _, row := range rows {
		ns, _ := e.decodeNS(row.Namespace)
		item, err := e.rowToItem(row, ns)
		if err != nil {
			log.Warn("Failed to decrypt memory row", "id", row.ID, "err", err)
			continue
		}
		items = append(items, *item)
	}
	return items
}

// ListNamespaces returns distinct active namespaces under the given prefix.
func (e *postgresEpisodicStore) ListNamespaces(ctx context.Context, req registryepisodic.ListNamespacesRequest) ([][]string, error) {
	var rawNS []string
	q := e.db.WithContext(ctx).
		Table("memories").
		Select("DISTINCT namespace").
		Where("deleted_at IS NULL")
	if len(req.Prefix) > 0 {
		nsEncoded, err := e.encodeNS(req.Prefix)
		if err != nil {
			return nil, err
		}
		q = q.Where("namespace = ? OR namespace LIKE ?", nsEncoded, episodic.NamespacePrefixPattern(nsEncoded))
	}
	if err := q.Pluck("namespace", &rawNS).Error; err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	return e.filterTruncateDedupe(rawNS, req), nil
}

// filterTruncateDedupe applies suffix filtering, depth truncation, and
// dedup to the raw namespace strings returned by ListNamespaces' query.
func (e *postgresEpisodicStore) filterTruncateDedupe(rawNS []string, req registryepisodic.ListNamespacesRequest) [][]string {
	seen := make(map[string]bool)
	var out [][]string
	for _, encoded := range rawNS {
		if len(req.Suffix) > 0 && !episodic.MatchesSuffix(encoded, req.Suffix) {
			continue
		}
		truncated := encoded
		if req.MaxDepth > 0 {
			truncated = episodic.NamespaceTruncate(encoded, req.MaxDepth)
		}
		if seen[truncated] {
			continue
		}
		seen[truncated] = true
		decoded, err := e.decodeNS(truncated)
		if err != nil {
			continue
		}
		out = append(out, decoded)
	}
	return out
}

// FindMemoriesPendingIndexing returns memories where indexed_at IS NULL.
// For active rows (deleted_at IS NULL) the Value field is decrypted JSON.
// For soft-deleted rows the Value field is nil (only vector removal is needed).
func (e *postgresEpisodicStore) FindMemoriesPendingIndexing(ctx context.Context, limit int) ([]registryepisodic.PendingMemory, error) {
	var rows []memoryRow
	if err := e.db.WithContext(ctx).
		Where("indexed_at IS NULL").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find pending indexing: %w", err)
	}
	out := make([]registryepisodic.PendingMemory, 0, len(rows))
	for _, row := range rows {
		pm := registryepisodic.PendingMemory{
			ID:               row.ID,
			Namespace:        row.Namespace,
			PolicyAttributes: row.PolicyAttributes,
			IndexFields:      row.IndexFields,
			IndexDisabled:    row.IndexDisabled,
			DeletedAt:        row.DeletedAt,
		}
		if row.DeletedAt == nil {
			plain, err := e.s.decrypt(row.ValueEncrypted)
			if err != nil {
				log.Warn("Episodic: failed to decrypt value for indexing", "id", row.ID, "err", err)
			} else {
				pm.Value = plain
			}
		}
		out = append(out, pm)
	}
	return out, nil
}

// SetMemoryIndexedAt marks a memory as indexed.
func (e *postgresEpisodicStore) SetMemoryIndexedAt(ctx context.Context, memoryID uuid.UUID, indexedAt time.Time) error {
	return e.db.WithContext(ctx).Exec(
		"UPDATE memories SET indexed_at = ? WHERE id = ?", indexedAt, memoryID,
	).Error
}

// UpsertMemoryVectors upserts vector embeddings, delegating to qdrant when
// configured and otherwise storing them in memory_vectors via raw SQL
// (no pgvector gorm driver integration needed for this path).
func (e *postgresEpisodicStore) UpsertMemoryVectors(ctx context.Context, items []registryepisodic.MemoryVectorUpsert) error {
	if len(items) == 0 {
		return nil
	}
	if e.qdrant != nil {
		return e.qdrant.UpsertMemoryVectors(ctx, items)
	}
	tx := e.db.WithContext(ctx)
	for _, item := range items {
		vec := pgvec.NewVector(item.Embedding)
		if err := tx.Exec(`
			INSERT INTO memory_vectors (memory_id, field_name, namespace, policy_attributes, embedding)
			VALUES (?, ?, ?, ?, ?::vector)
			ON CONFLICT (memory_id, field_name)
			DO UPDATE SET
			  namespace = EXCLUDED.namespace,
			  policy_attributes = EXCLUDED.policy_attributes,
			  embedding = EXCLUDED.embedding`,
			item.MemoryID, item.FieldName, item.Namespace, item.PolicyAttributes, vec,
		).Error; err != nil {
			return fmt.Errorf("upsert memory vector %s/%s: %w", item.MemoryID, item.FieldName, err)
		}
	}
	return nil
}

// DeleteMemoryVectors removes all vector rows for the given memory_id.
func (e *postgresEpisodicStore) DeleteMemoryVectors(ctx context.Context, memoryID uuid.UUID) error {
	if e.qdrant != nil {
		return e.qdrant.DeleteMemoryVectors(ctx, memoryID)
	}
	return e.db.WithContext(ctx).Exec(
		"DELETE FROM memory_vectors WHERE memory_id = ?", memoryID,
	).Error
}

// SearchMemoryVectors performs ANN search via pgvector (raw SQL) when no
// qdrant client is wired; this path exists mainly as a fallback since the
// indexer service normally talks to the vector store directly.
func (e *postgresEpisodicStore) SearchMemoryVectors(ctx context.Context, namespacePrefix string, embedding []float32, filter map[string]interface{}, limit int) ([]registryepisodic.MemoryVectorSearch, error) {
	if e.qdrant != nil {
		return e.qdrant.SearchMemoryVectors(ctx, namespacePrefix, embedding, filter, limit)
	}
	if limit <= 0 {
		return nil, nil
	}
	vec := pgvec.NewVector(embedding)

	args := []interface{}{vec, namespacePrefix, episodic.NamespacePrefixPattern(namespacePrefix)}
	whereFilter := ""
	if clause, filterArgs := policyAttributeFilter(filter); clause != "" {
		whereFilter = " AND " + clause
		args = append(args, filterArgs...)
	}
	args = append(args, limit)

	query := `
		SELECT memory_id, MAX(1 - (embedding <=> ?::vector)) AS score
		FROM memory_vectors
		WHERE (namespace = ? OR namespace LIKE ?)` + whereFilter + `
		GROUP BY memory_id
		ORDER BY score DESC
		LIMIT ?`

	rows, err := e.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("search memory vectors: %w", err)
	}
	defer rows.Close()

	var out []registryepisodic.MemoryVectorSearch
	for rows.Next() {
		var item registryepisodic.MemoryVectorSearch
		if err := rows.Scan(&item.MemoryID, &item.Score); err != nil {
			return nil, fmt.Errorf("scan memory vectors: %w", err)
		}
		out = append(out, item)
	}
	return out, nil
}

// GetMemoriesByIDs retrieves active memories by UUID.
func (e *postgresEpisodicStore) GetMemoriesByIDs(ctx context.Context, ids []uuid.UUID) ([]registryepisodic.MemoryItem, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []memoryRow
	if err := e.db.WithContext(ctx).
		Where("id IN ? AND deleted_at IS NULL", ids).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get memories by ids: %w", err)
	}
	return e.rowsToItems(rows), nil
}

// ExpireMemories soft-deletes memories whose TTL has elapsed.
func (e *postgresEpisodicStore) ExpireMemories(ctx context.Context) (int64, error) {
	result := e.db.WithContext(ctx).Exec(`
		UPDATE memories
		SET deleted_at = NOW(), indexed_at = NULL, deleted_reason = ?
		WHERE expires_at <= NOW() AND deleted_at IS NULL`,
		deletedReasonExpired,
	)
	return result.RowsAffected, result.Error
}

// HardDeleteEvictableUpdates hard-deletes rows superseded by a later update
// that have already been re-indexed. Returns the number deleted.
func (e *postgresEpisodicStore) HardDeleteEvictableUpdates(ctx context.Context, limit int) (int64, error) {
	result := e.db.WithContext(ctx).Exec(`
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			WHERE deleted_reason = ? AND indexed_at IS NOT NULL
			ORDER BY deleted_at ASC
			LIMIT ?
		)`, deletedReasonSuperseded, limit)
	return result.RowsAffected, result.Error
}

// TombstoneDeletedMemories clears encrypted data from explicitly-deleted or
// expired rows that have already been re-indexed. Returns the number tombstoned.
func (e *postgresEpisodicStore) TombstoneDeletedMemories(ctx context.Context, limit int) (int64, error) {
	result := e.db.WithContext(ctx).Exec(`
		UPDATE memories
		SET value_encrypted = NULL, attributes = NULL
		WHERE id IN (
			SELECT id FROM memories
			WHERE deleted_reason IN (?, ?) AND indexed_at IS NOT NULL AND value_encrypted IS NOT NULL
			ORDER BY deleted_at ASC
			LIMIT ?
		)`, deletedReasonExplicit, deletedReasonExpired, limit)
	return result.RowsAffected, result.Error
}

// HardDeleteExpiredTombstones hard-deletes tombstone rows older than olderThan.
// Returns the number deleted.
func (e *postgresEpisodicStore) HardDeleteExpiredTombstones(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	result := e.db.WithContext(ctx).Exec(`
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			WHERE deleted_reason IN (?, ?) AND value_encrypted IS NULL AND deleted_at <= ?
			ORDER BY deleted_at ASC
			LIMIT ?
		)`, deletedReasonExplicit, deletedReasonExpired, olderThan, limit)
	return result.RowsAffected, result.Error
}

// eventCursor is the decoded form of an opaque ListMemoryEvents page token.
type eventCursor struct {
	occurredAt time.Time
	id         string
}

// decodeEventCursor parses an opaque base64-JSON cursor. A malformed or
// empty cursor yields the zero cursor, which ListMemoryEvents treats as
// "start from the beginning."
func decodeEventCursor(encoded string) eventCursor {
	if encoded == "" {
		return eventCursor{}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return eventCursor{}
	}
	var cur registryepisodic.EventCursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return eventCursor{}
	}
	return eventCursor{occurredAt: cur.OccurredAt, id: cur.ID}
}

// encodeEventCursor produces the opaque page token for the given event.
func encodeEventCursor(e registryepisodic.MemoryEvent) string {
	cur := registryepisodic.EventCursor{OccurredAt: e.OccurredAt, ID: e.ID.String()}
	raw, _ := json.Marshal(cur)
	return base64.StdEncoding.EncodeToString(raw)
}

// eventKindFilter resolves which write kinds and delete reasons a
// ListMemoryEvents request should include, defaulting to "all kinds" when
// the caller names none.
func eventKindFilter(kinds []string) (writeKinds, deleteReasons []int16) {
	include := map[string]bool{
		registryepisodic.EventKindAdd:     true,
		registryepisodic.EventKindUpdate:  true,
		registryepisodic.EventKindDelete:  true,
		registryepisodic.EventKindExpired: true,
	}
	if len(kinds) > 0 {
		for k := range include {
			include[k] = false
		}
		for _, k := range kinds {
			include[k] = true
		}
	}
	if include[registryepisodic.EventKindAdd] {
		writeKinds = append(writeKinds, memoryKindAdd)
	}
	if include[registryepisodic.EventKindUpdate] {
		writeKinds = append(writeKinds, memoryKindUpdate)
	}
	if include[registryepisodic.EventKindDelete] {
		deleteReasons = append(deleteReasons, deletedReasonExplicit)
	}
	if include[registryepisodic.EventKindExpired] {
		deleteReasons = append(deleteReasons, deletedReasonExpired)
	}
	return writeKinds, deleteReasons
}

// eventLogRow scans a row out of the ListMemoryEvents UNION ALL query.
type eventLogRow struct {
	ID             uuid.UUID  `gorm:"column:id"`
	Namespace      string     `gorm:"column:namespace"`
	Key            string     `gorm:"column:key"`
	EventKind      string     `gorm:"column:event_kind"`
	OccurredAt     time.Time  `gorm:"column:occurred_at"`
	ValueEncrypted []byte     `gorm:"column:value_encrypted"`
	Attributes     []byte     `gorm:"column:attributes"`
	ExpiresAt      *time.Time `gorm:"column:expires_at"`
}

// buildEventLogQuery assembles the UNION ALL of write-events and
// delete/expire-events, filtered by namespace prefix and cursor, returning
// the SQL and its positional args in order.
func buildEventLogQuery(req registryepisodic.ListEventsRequest, nsEncoded string, cursor eventCursor, limit int) (string, []interface{}, error) {
	writeKinds, deleteReasons := eventKindFilter(req.Kinds)

	var parts []string
	var args []interface{}

	if len(writeKinds) > 0 {
		placeholders := placeholderList(len(writeKinds))
		parts = append(parts, `
			SELECT id, namespace, key,
				CASE kind WHEN 0 THEN 'add' ELSE 'update' END AS event_kind,
				created_at AS occurred_at,
				value_encrypted, attributes, expires_at
			FROM memories WHERE kind IN (`+placeholders+`)`)
		for _, k := range writeKinds {
			args = append(args, k)
		}
	}

	if len(deleteReasons) > 0 {
		placeholders := placeholderList(len(deleteReasons))
		parts = append(parts, `
			SELECT id, namespace, key,
				CASE deleted_reason WHEN 1 THEN 'delete' ELSE 'expired' END AS event_kind,
				deleted_at AS occurred_at,
				NULL::bytea AS value_encrypted, NULL::bytea AS attributes, expires_at
			FROM memories WHERE deleted_reason IN (`+placeholders+`)`)
		for _, r := range deleteReasons {
			args = append(args, r)
		}
	}

	if len(parts) == 0 {
		return "", nil, nil
	}

	outerWhere := "1=1"
	var outerArgs []interface{}
	if !cursor.occurredAt.IsZero() {
		outerWhere += " AND (e.occurred_at > ? OR (e.occurred_at = ? AND e.id::text > ?))"
		outerArgs = append(outerArgs, cursor.occurredAt, cursor.occurredAt, cursor.id)
	}
	if req.After != nil {
		outerWhere += " AND e.occurred_at > ?"
		outerArgs = append(outerArgs, req.After)
	}
	if req.Before != nil {
		outerWhere += " AND e.occurred_at < ?"
		outerArgs = append(outerArgs, req.Before)
	}

	nsFilter := ""
	var nsArgs []interface{}
	if nsEncoded != "" {
		nsFilter = " AND (e.namespace = ? OR e.namespace LIKE ?)"
		nsArgs = []interface{}{nsEncoded, episodic.NamespacePrefixPattern(nsEncoded)}
	}

	sql := fmt.Sprintf(`
		SELECT e.id, e.namespace, e.key, e.event_kind, e.occurred_at, e.value_encrypted, e.attributes, e.expires_at
		FROM (%s) e
		WHERE %s%s
		ORDER BY e.occurred_at ASC, e.id ASC
		LIMIT ?`, strings.Join(parts, " UNION ALL "), outerWhere, nsFilter)

	allArgs := append(args, outerArgs...)
	allArgs = append(allArgs, nsArgs...)
	allArgs = append(allArgs, limit+1) // one extra row to detect a next page
	return sql, allArgs, nil
}

func placeholderList(n int) string {
	ph := strings.Repeat("?,", n)
	return ph[:len(ph)-1]
}

// ListMemoryEvents returns a paginated, time-ordered stream of memory lifecycle events.
// Write events come from rows with kind IN (add, update); delete/expired events
// come from rows with a matching deleted_reason.
func (e *postgresEpisodicStore) ListMemoryEvents(ctx context.Context, req registryepisodic.ListEventsRequest) (*registryepisodic.MemoryEventPage, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	cursor := decodeEventCursor(req.AfterCursor)

	var nsEncoded string
	if len(req.NamespacePrefix) > 0 {
		enc, err := e.encodeNS(req.NamespacePrefix)
		if err != nil {
			return nil, err
		}
		nsEncoded = enc
	}

	sql, args, err := buildEventLogQuery(req, nsEncoded, cursor, limit)
	if err != nil {
		return nil, err
	}
	if sql == "" {
		return &registryepisodic.MemoryEventPage{}, nil
	}

	var rows []eventLogRow
	if err := e.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list memory events: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	events := make([]registryepisodic.MemoryEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, e.eventLogRowToEvent(row))
	}

	var afterCursor string
	if hasMore && len(events) > 0 {
		afterCursor = encodeEventCursor(events[len(events)-1])
	}

	return &registryepisodic.MemoryEventPage{
		Events:      events,
		AfterCursor: afterCursor,
	}, nil
}

// eventLogRowToEvent decrypts a write-event row's value/attributes; for
// delete/expired rows those columns are already NULL at the SQL level.
func (e *postgresEpisodicStore) eventLogRowToEvent(row eventLogRow) registryepisodic.MemoryEvent {
	ns, _ := e.decodeNS(row.Namespace)

	var value, attrs map[string]interface{}
	isWrite := row.EventKind == registryepisodic.EventKindAdd || row.EventKind == registryepisodic.EventKindUpdate
	if isWrite {
		if len(row.ValueEncrypted) > 0 {
			if plain, err := e.s.decrypt(row.ValueEncrypted); err == nil {
				_ = json.Unmarshal(plain, &value)
			}
		}
		if len(row.Attributes) > 0 {
			if plain, err := e.s.decrypt(row.Attributes); err == nil {
				_ = json.Unmarshal(plain, &attrs)
			}
		}
	}

	return registryepisodic.MemoryEvent{
		ID:         row.ID,
		Namespace:  ns,
		Key:        row.Key,
		Kind:       row.EventKind,
		OccurredAt: row.OccurredAt,
		Value:      value,
		Attributes: attrs,
		ExpiresAt:  row.ExpiresAt,
	}
}

// AdminGetMemoryByID retrieves any memory by UUID.
func (e *postgresEpisodicStore) AdminGetMemoryByID(ctx context.Context, memoryID uuid.UUID) (*registryepisodic.MemoryItem, error) {
	var row memoryRow
	result := e.db.WithContext(ctx).Where("id = ?", memoryID).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	ns, _ := e.decodeNS(row.Namespace)
	return e.rowToItem(row, ns)
}

// AdminForceDeleteMemory hard-deletes any memory by UUID.
func (e *postgresEpisodicStore) AdminForceDeleteMemory(ctx context.Context, memoryID uuid.UUID) error {
	return e.db.WithContext(ctx).Exec("DELETE FROM memories WHERE id = ?", memoryID).Error
}

// AdminCountPendingIndexing returns the number of memories pending vector sync.
func (e *postgresEpisodicStore) AdminCountPendingIndexing(ctx context.Context) (int64, error) {
	var count int64
	err := e.db.WithContext(ctx).
		Table("memories").
		Where("indexed_at IS NULL").
		Count(&count).Error
	return count, err
}

// rowToItem decrypts a memoryRow into a MemoryItem. A nil ValueEncrypted
// means the row is a tombstone (data cleared after eviction).
func (e *postgresEpisodicStore) rowToItem(row memoryRow, namespace []string) (*registryepisodic.MemoryItem, error) {
	var value map[string]interface{}
	if len(row.ValueEncrypted) > 0 {
		valuePlain, err := e.s.decrypt(row.ValueEncrypted)
		if err != nil {
			return nil, fmt.Errorf("decrypt value: %w", err)
		}
		if err := json.Unmarshal(valuePlain, &value); err != nil {
			return nil, fmt.Errorf("unmarshal value: %w", err)
		}
	}

	var attrs map[string]interface{}
	if len(row.Attributes) > 0 {
		attrsPlain, err := e.s.decrypt(row.Attributes)
		if err != nil {
			return nil, fmt.Errorf("decrypt attributes: %w", err)
		}
		if err := json.Unmarshal(attrsPlain, &attrs); err != nil {
			return nil, fmt.Errorf("unmarshal attributes: %w", err)
		}
	}

	return &registryepisodic.MemoryItem{
		ID:         row.ID,
		Namespace:  namespace,
		Key:        row.Key,
		Value:      value,
		Attributes: attrs,
		CreatedAt:  row.CreatedAt,
		ExpiresAt:  row.ExpiresAt,
	}, nil
}

// policyAttributeFilter turns a JSON-shaped attribute filter (equality,
// {"in": [...]}, or {"gt"/"gte"/"lt"/"lte": n} range operators) into a
// GORM-compatible "?"-placeholder WHERE clause over the policy_attributes
// jsonb column.
func policyAttributeFilter(filter map[string]interface{}) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}

	for key, val := range filter {
		safeKey := strings.ReplaceAll(key, "'", "''")
		switch v := val.(type) {
		case map[string]interface{}:
			if members, ok := v["in"]; ok {
				list := asInterfaceSlice(members)
				if len(list) > 0 {
					placeholders := make([]string, len(list))
					for i, m := range list {
						placeholders[i] = "?"
						args = append(args, scalarToJSONString(m))
					}
					clauses = append(clauses,
						fmt.Sprintf("policy_attributes->>'%s' = ANY(ARRAY[%s]::text[])", safeKey, strings.Join(placeholders, ",")))
				}
			}
			for op, rhs := range v {
				sqlOp, ok := rangeOperatorSQL(op)
				if !ok {
					continue
				}
				args = append(args, rhs)
				clauses = append(clauses, fmt.Sprintf("(policy_attributes->>'%s')::numeric %s ?", safeKey, sqlOp))
			}
		default:
			args = append(args, scalarToJSONString(v))
			clauses = append(clauses, fmt.Sprintf("policy_attributes->>'%s' = ?", safeKey))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

func rangeOperatorSQL(op string) (string, bool) {
	switch op {
	case "gt":
		return ">", true
	case "gte":
		return ">=", true
	case "lt":
		return "<", true
	case "lte":
		return "<=", true
	default:
		return "", false
	}
}

// scalarToJSONString renders a filter value the way it's stored in the
// policy_attributes->>key text extraction: strings pass through, bools
// render as "true"/"false", everything else round-trips through JSON.
func scalarToJSONString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return strings.Trim(string(b), `"`)
	}
}

func asInterfaceSlice(v interface{}) []interface{} {
	if s, ok := v.([]interface{}); ok {
		return s
	}
	return nil
}
