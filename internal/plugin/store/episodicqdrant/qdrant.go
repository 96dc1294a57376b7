// Package episodicqdrant implements episodic-memory vector storage on
// top of Qdrant, reached over its gRPC points API. Each memory field
// that gets embedded becomes one Qdrant point; a point's payload carries
// enough metadata (namespace ancestry, policy attributes) to let a
// search narrow results without a round trip back to the system of
// record.
package episodicqdrant

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/fieldnote/memoryd/internal/config"
	registryepisodic "github.com/fieldnote/memoryd/internal/registry/episodic"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client implements episodic vector operations against a Qdrant collection.
type Client struct {
	points         pb.PointsClient
	conn           *grpc.ClientConn
	collectionName string
}

// New dials Qdrant and returns a Client bound to the collection derived
// from cfg (see resolveCollectionName).
func New(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant episodic: missing config")
	}
	conn, err := grpc.NewClient(cfg.QdrantAddress(), clientDialOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("qdrant episodic: connect: %w", err)
	}
	return &Client{
		points:         pb.NewPointsClient(conn),
		conn:           conn,
		collectionName: resolveCollectionName(cfg),
	}, nil
}

// Close closes the underlying gRPC connection. Safe to call on a nil Client.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// --- writes ---

// UpsertMemoryVectors writes one Qdrant point per item, keyed so that
// re-embedding the same memory field overwrites its previous point
// rather than accumulating duplicates.
func (c *Client) UpsertMemoryVectors(ctx context.Context, items []registryepisodic.MemoryVectorUpsert) error {
	if c == nil || len(items) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, 0, len(items))
	for _, item := range items {
		points = append(points, memoryPoint(item))
	}

	if _, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.collectionName,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant episodic upsert: %w", err)
	}
	return nil
}

func memoryPoint(item registryepisodic.MemoryVectorUpsert) *pb.PointStruct {
	payload := map[string]*pb.Value{
		"kind":       strValue("memory"),
		"memory_id":  strValue(item.MemoryID.String()),
		"field_name": strValue(item.FieldName),
		"namespace":  strValue(item.Namespace),
	}
	if ancestors := ancestorPrefixes(item.Namespace); len(ancestors) > 0 {
		payload["namespace_ancestors"] = strListValue(ancestors)
	}
	for k, v := range item.PolicyAttributes {
		key := "policy_attributes." + cleanPayloadKey(k)
		if pv := payloadValue(v); pv != nil {
			payload[key] = pv
		}
	}

	return &pb.PointStruct{
		Id: &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{
				Uuid: fieldPointID(item.MemoryID, item.FieldName),
			},
		},
		Vectors: &pb.Vectors{
			VectorsOptions: &pb.Vectors_Vector{
				Vector: &pb.Vector{Data: item.Embedding},
			},
		},
		Payload: payload,
	}
}

// fieldPointID derives a stable UUIDv5 point ID from a memory ID and
// field name, so repeated upserts of the same field replace in place
// instead of leaving orphaned points behind.
func fieldPointID(memoryID uuid.UUID, fieldName string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(memoryID.String()+":"+fieldName)).String()
}

// ancestorPrefixes expands a \x1e-delimited namespace path into every
// leading prefix, e.g. "a\x1eb\x1ec" -> ["a", "a\x1eb", "a\x1eb\x1ec"],
// so a search scoped to "a\x1eb" can match points stored at "a\x1eb\x1ec"
// via an exact-keyword match against this list.
func ancestorPrefixes(encoded string) []string {
	if strings.TrimSpace(encoded) == "" {
		return nil
	}
	parts := strings.Split(encoded, "\x1e")
	out := make([]string, 0, len(parts))
	var prefix string
	for i, part := range parts {
		if part == "" {
			continue
		}
		if i == 0 || prefix == "" {
			prefix = part
		} else {
			prefix = prefix + "\x1e" + part
		}
		out = append(out, prefix)
	}
	return out
}

// --- deletes ---

// DeleteMemoryVectors removes every point belonging to memoryID, across
// all of that memory's embedded fields.
func (c *Client) DeleteMemoryVectors(ctx context.Context, memoryID uuid.UUID) error {
	if c == nil {
		return nil
	}
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{
						keywordCondition("kind", "memory"),
						keywordCondition("memory_id", memoryID.String()),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant episodic delete: %w", err)
	}
	return nil
}

// --- search ---

// SearchMemoryVectors runs a vector search scoped to namespacePrefix and
// filter, then collapses per-field hits down to one best score per
// memory ID — a memory with several embedded fields can surface multiple
// points for the same nearest-neighbor query, and callers only care
// about the memory itself, not which field matched.
func (c *Client) SearchMemoryVectors(ctx context.Context, namespacePrefix string, embedding []float32, filter map[string]interface{}, limit int) ([]registryepisodic.MemoryVectorSearch, error) {
	if c == nil || limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	must := append([]*pb.Condition{
		keywordCondition("kind", "memory"),
		// Qdrant matches keyword against array elements, so this enforces prefix by exact ancestor match.
		keywordCondition("namespace_ancestors", namespacePrefix),
	}, policyFilterConditions(filter)...)

	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: c.collectionName,
		Vector:         embedding,
		Limit:          uint64(overfetchLimit(limit)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter:         &pb.Filter{Must: must},
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant episodic search: %w", err)
	}

	return bestScorePerMemory(resp.GetResult(), limit), nil
}

// overfetchLimit widens the Qdrant query limit because one memory can
// own several field vectors; without overfetching, a memory whose best
// field ranks below limit could be dropped even though a worse field
// from the same memory would otherwise have made the cut.
func overfetchLimit(limit int) int {
	searchLimit := limit * 6
	if searchLimit < limit {
		searchLimit = limit
	}
	if searchLimit > 1000 {
		searchLimit = 1000
	}
	return searchLimit
}

func bestScorePerMemory(points []*pb.ScoredPoint, limit int) []registryepisodic.MemoryVectorSearch {
	bestByID := make(map[uuid.UUID]float64)
	for _, pt := range points {
		memoryID, ok := memoryIDFromPoint(pt.GetPayload())
		if !ok {
			continue
		}
		score := float64(pt.GetScore())
		if prev, exists := bestByID[memoryID]; !exists || score > prev {
			bestByID[memoryID] = score
		}
	}

	results := make([]registryepisodic.MemoryVectorSearch, 0, len(bestByID))
	for id, score := range bestByID {
		results = append(results, registryepisodic.MemoryVectorSearch{MemoryID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func memoryIDFromPoint(payload map[string]*pb.Value) (uuid.UUID, bool) {
	if payload == nil {
		return uuid.Nil, false
	}
	raw, ok := payload["memory_id"]
	if !ok || raw == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw.GetStringValue())
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// --- policy-attribute filter conditions ---

// policyFilterConditions translates a memory-query filter (scalar
// equality, {"in": [...]}, or {"gt"/"gte"/"lt"/"lte": ...} range
// clauses) into Qdrant field conditions, sorted by key for a
// deterministic query shape.
func policyFilterConditions(filter map[string]interface{}) []*pb.Condition {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*pb.Condition, 0, len(keys))
	for _, key := range keys {
		value := filter[key]
		payloadKey := "policy_attributes." + cleanPayloadKey(key)

		switch typed := value.(type) {
		case map[string]interface{}:
			if members, ok := typed["in"]; ok {
				if cond := membershipFieldCondition(payloadKey, members); cond != nil {
					out = append(out, cond)
				}
			}
			if cond := rangeFieldCondition(payloadKey, typed); cond != nil {
				out = append(out, cond)
			}
		default:
			if cond := matchFieldCondition(payloadKey, typed); cond != nil {
				out = append(out, cond)
			}
		}
	}
	return out
}

func rangeFieldCondition(key string, expr map[string]interface{}) *pb.Condition {
	var r pb.Range
	has := false
	if v, ok := asFloat64(expr["gt"]); ok {
		r.Gt = &v
		has = true
	}
	if v, ok := asFloat64(expr["gte"]); ok {
		r.Gte = &v
		has = true
	}
	if v, ok := asFloat64(expr["lt"]); ok {
		r.Lt = &v
		has = true
	}
	if v, ok := asFloat64(expr["lte"]); ok {
		r.Lte = &v
		has = true
	}
	if !has {
		return nil
	}
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{Key: key, Range: &r},
		},
	}
}

func membershipFieldCondition(key string, members interface{}) *pb.Condition {
	list, ok := members.([]interface{})
	if !ok || len(list) == 0 {
		return nil
	}

	ints := make([]int64, 0, len(list))
	strs := make([]string, 0, len(list))
	allInts := true
	for _, item := range list {
		if i, ok := asInt64(item); ok {
			ints = append(ints, i)
			strs = append(strs, strconv.FormatInt(i, 10))
			continue
		}
		allInts = false
		strs = append(strs, fmt.Sprintf("%v", item))
	}
	if allInts {
		return &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key: key,
					Match: &pb.Match{
						MatchValue: &pb.Match_Integers{Integers: &pb.RepeatedIntegers{Integers: ints}},
					},
				},
			},
		}
	}

	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: strs}},
				},
			},
		},
	}
}

func matchFieldCondition(key string, value interface{}) *pb.Condition {
	var match *pb.Match
	switch typed := value.(type) {
	case string:
		match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: typed}}
	case bool:
		match = &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: typed}}
	default:
		if i, ok := asInt64(value); ok {
			match = &pb.Match{MatchValue: &pb.Match_Integer{Integer: i}}
		} else {
			match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: fmt.Sprintf("%v", typed)}}
		}
	}
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{Key: key, Match: match},
		},
	}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func cleanPayloadKey(s string) string {
	return strings.ReplaceAll(s, "$", "")
}

// --- payload value / numeric coercion ---

func payloadValue(v interface{}) *pb.Value {
	switch typed := v.(type) {
	case nil:
		return nil
	case string:
		return strValue(typed)
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: typed}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case int8:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case int16:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: typed}}
	case uint:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case uint8:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case uint16:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case uint32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case uint64:
		if typed > math.MaxInt64 {
			return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(typed)}}
		}
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(typed)}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(typed)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: typed}}
	case []string:
		return strListValue(typed)
	case []interface{}:
		values := make([]*pb.Value, 0, len(typed))
		for _, item := range typed {
			if pv := payloadValue(item); pv != nil {
				values = append(values, pv)
			}
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: values}}}
	default:
		return strValue(fmt.Sprintf("%v", typed))
	}
}

func strValue(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

func strListValue(values []string) *pb.Value {
	list := make([]*pb.Value, 0, len(values))
	for _, value := range values {
		list = append(list, strValue(value))
	}
	return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
}

func asInt64(v interface{}) (int64, bool) {
	switch typed := v.(type) {
	case int:
		return int64(typed), true
	case int8:
		return int64(typed), true
	case int16:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint:
		return int64(typed), true
	case uint8:
		return int64(typed), true
	case uint16:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	case uint64:
		if typed > math.MaxInt64 {
			return 0, false
		}
		return int64(typed), true
	case float32:
		f := float64(typed)
		if math.Mod(f, 1) != 0 {
			return 0, false
		}
		return int64(f), true
	case float64:
		if math.Mod(typed, 1) != 0 {
			return 0, false
		}
		return int64(typed), true
	default:
		return 0, false
	}
}

func asFloat64(v interface{}) (float64, bool) {
	switch typed := v.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case string:
		value, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		return value, true
	default:
		return 0, false
	}
}

// --- connection & collection naming ---

func clientDialOptions(cfg *config.Config) []grpc.DialOption {
	opts := make([]grpc.DialOption, 0, 2)
	if cfg.QdrantUseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(nil)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if strings.TrimSpace(cfg.QdrantAPIKey) != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(apiKeyAuth{
			apiKey:     cfg.QdrantAPIKey,
			requireTLS: cfg.QdrantUseTLS,
		}))
	}
	return opts
}

type apiKeyAuth struct {
	apiKey     string
	requireTLS bool
}

func (a apiKeyAuth) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"api-key": a.apiKey}, nil
}

func (a apiKeyAuth) RequireTransportSecurity() bool {
	return a.requireTLS
}

// resolveCollectionName honors an explicit override, otherwise derives
// a name from the configured embedder so switching embedding models
// lands in a fresh collection instead of mixing incompatible vector
// dimensions in one place.
func resolveCollectionName(cfg *config.Config) string {
	if cfg == nil {
		return "memoryd_openai-text-embedding-3-small-1536"
	}
	if name := strings.TrimSpace(cfg.QdrantCollectionName); name != "" {
		return name
	}
	prefix := strings.TrimSpace(cfg.QdrantCollectionPrefix)
	if prefix == "" {
		prefix = "memoryd"
	}
	model := "openai-text-embedding-3-small"
	switch strings.ToLower(strings.TrimSpace(cfg.EmbedType)) {
	case "local":
		model = "all-minilm-l6-v2"
	case "openai":
		if custom := strings.TrimSpace(cfg.OpenAIModelName); custom != "" {
			model = custom
		}
	}
	model = strings.NewReplacer("/", "-", " ", "-", "_", "-").Replace(strings.ToLower(model))
	return fmt.Sprintf("%s_%s-%d", prefix, model, resolveEmbeddingDimension(cfg))
}

func resolveEmbeddingDimension(cfg *config.Config) uint64 {
	if cfg == nil {
		return 1536
	}
	if cfg.OpenAIDimensions > 0 {
		return uint64(cfg.OpenAIDimensions)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.EmbedType)) {
	case "local":
		return 384
	default:
		return 1536
	}
}
