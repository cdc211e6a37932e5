package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kioku/internal/model"
)

// DefaultCollectionPrefix namespaces persona collections so a shared Qdrant
// instance can host other tenants.
const DefaultCollectionPrefix = "kioku_persona_"

// Payload field names. related_personas and metadata are JSON-serialized
// strings at this boundary only; everywhere else they are structured values.
const (
	fieldPersonaID        = "persona_id"
	fieldContent          = "content"
	fieldKind             = "kind"
	fieldVisibility       = "visibility"
	fieldImportance       = "importance"
	fieldCreatedAtUnix    = "created_at_unix"
	fieldLastAccessedUnix = "last_accessed_unix"
	fieldAccessCount      = "access_count"
	fieldValence          = "emotional_valence"
	fieldRelated          = "related_personas"
	fieldMetadata         = "metadata"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL              string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey           string
	CollectionPrefix string // defaults to DefaultCollectionPrefix
	Dims             uint64
}

// Qdrant implements Store backed by a Qdrant server over gRPC.
type Qdrant struct {
	client *qdrant.Client
	prefix string
	dims   uint64
	logger *slog.Logger

	// known caches collections confirmed to exist so hot paths skip the
	// existence roundtrip. Keyed by collection name.
	known sync.Map

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("vectorstore: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("vectorstore: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrant creates a Qdrant store and connects to the server via gRPC.
func NewQdrant(cfg QdrantConfig, logger *slog.Logger) (*Qdrant, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect to qdrant at %s:%d: %w", host, port, err)
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = DefaultCollectionPrefix
	}

	return &Qdrant{
		client: client,
		prefix: prefix,
		dims:   cfg.Dims,
		logger: logger,
	}, nil
}

func (q *Qdrant) collectionName(personaID string) string {
	return q.prefix + personaID
}

// collectionKnown reports whether the persona's collection exists, consulting
// the local cache first. Collections are never dropped while a process runs
// (prune deletes points, not collections), so a positive answer stays valid.
func (q *Qdrant) collectionKnown(ctx context.Context, collection string) (bool, error) {
	if _, ok := q.known.Load(collection); ok {
		return true, nil
	}
	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("vectorstore: check collection exists: %w", err)
	}
	if exists {
		q.known.Store(collection, struct{}{})
	}
	return exists, nil
}

// EnsureCollection creates the persona's collection if it doesn't already
// exist and ensures all payload indexes are present. Index creation is always
// attempted on first sight of a collection regardless of whether it
// pre-existed — CreateFieldIndex is idempotent on Qdrant, so this safely
// backfills indexes added after the collection was first created.
func (q *Qdrant) EnsureCollection(ctx context.Context, personaID string) error {
	collection := q.collectionName(personaID)
	if _, ok := q.known.Load(collection); ok {
		return nil
	}

	exists, err := q.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("vectorstore: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("vectorstore: create collection %q: %w", collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{fieldKind, fieldVisibility} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("vectorstore: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	for _, field := range []string{fieldImportance, fieldCreatedAtUnix, fieldLastAccessedUnix} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      field,
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("vectorstore: ensure index on %q: %w", field, err)
		}
	}

	intType := qdrant.FieldType_FieldTypeInteger
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: collection,
		FieldName:      fieldAccessCount,
		FieldType:      &intType,
	}); err != nil {
		return fmt.Errorf("vectorstore: ensure index on %q: %w", fieldAccessCount, err)
	}

	q.known.Store(collection, struct{}{})
	return nil
}

// memoryPayload builds the Qdrant payload for a memory. Timestamps are
// stored as unix seconds in float fields so range filters work; 0 means
// "never" for last_accessed_unix.
func memoryPayload(mem model.Memory) map[string]any {
	payload := map[string]any{
		fieldPersonaID:     mem.PersonaID,
		fieldContent:       mem.Content,
		fieldKind:          mem.Kind,
		fieldVisibility:    string(mem.Visibility),
		fieldImportance:    mem.Importance,
		fieldCreatedAtUnix: float64(mem.CreatedAt.Unix()),
		fieldAccessCount:   int64(mem.AccessCount),
		fieldValence:       mem.EmotionalValence,
	}
	if mem.LastAccessed != nil {
		payload[fieldLastAccessedUnix] = float64(mem.LastAccessed.Unix())
	} else {
		payload[fieldLastAccessedUnix] = float64(0)
	}
	if len(mem.RelatedPersonas) > 0 {
		b, _ := json.Marshal(mem.RelatedPersonas)
		payload[fieldRelated] = string(b)
	}
	if len(mem.Metadata) > 0 {
		b, _ := json.Marshal(mem.Metadata)
		payload[fieldMetadata] = string(b)
	}
	return payload
}

// memoryFromPayload reverses memoryPayload. Protobuf getters are nil-safe,
// so absent fields simply decode to zero values.
func memoryFromPayload(id string, payload map[string]*qdrant.Value) (model.Memory, error) {
	mem := model.Memory{
		ID:               id,
		PersonaID:        payload[fieldPersonaID].GetStringValue(),
		Content:          payload[fieldContent].GetStringValue(),
		Kind:             payload[fieldKind].GetStringValue(),
		Visibility:       model.Visibility(payload[fieldVisibility].GetStringValue()),
		Importance:       payload[fieldImportance].GetDoubleValue(),
		AccessCount:      int(payload[fieldAccessCount].GetIntegerValue()),
		EmotionalValence: payload[fieldValence].GetDoubleValue(),
	}
	if sec := payload[fieldCreatedAtUnix].GetDoubleValue(); sec > 0 {
		mem.CreatedAt = time.Unix(int64(sec), 0).UTC()
	}
	if sec := payload[fieldLastAccessedUnix].GetDoubleValue(); sec > 0 {
		t := time.Unix(int64(sec), 0).UTC()
		mem.LastAccessed = &t
	}
	if raw := payload[fieldRelated].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mem.RelatedPersonas); err != nil {
			return model.Memory{}, fmt.Errorf("vectorstore: decode related_personas for %s: %w", id, err)
		}
	}
	if raw := payload[fieldMetadata].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mem.Metadata); err != nil {
			return model.Memory{}, fmt.Errorf("vectorstore: decode metadata for %s: %w", id, err)
		}
	}
	return mem, nil
}

// Upsert writes one memory and its embedding. The write waits for the index
// so a subsequent search sees it (read-your-write).
func (q *Qdrant) Upsert(ctx context.Context, personaID string, mem model.Memory, vector []float32) error {
	if err := q.EnsureCollection(ctx, personaID); err != nil {
		return err
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(mem.ID),
		Vectors: qdrant.NewVectorsDense(vector),
		Payload: qdrant.NewValueMap(memoryPayload(mem)),
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collectionName(personaID),
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: qdrant upsert %s: %w", mem.ID, err)
	}
	return nil
}

// SetMetadata applies payload updates one point at a time. Qdrant's
// SetPayload is atomic per point, so readers never observe a half-applied
// update. Updating an id that no longer exists is a no-op, which makes
// access bumps racing a prune harmless.
func (q *Qdrant) SetMetadata(ctx context.Context, personaID string, updates []MetadataUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	collection := q.collectionName(personaID)

	for _, u := range updates {
		fields := map[string]any{}
		if u.Importance != nil {
			fields[fieldImportance] = *u.Importance
		}
		if u.AccessCount != nil {
			fields[fieldAccessCount] = int64(*u.AccessCount)
		}
		if u.LastAccessed != nil {
			fields[fieldLastAccessedUnix] = float64(u.LastAccessed.Unix())
		}
		if len(fields) == 0 {
			continue
		}

		_, err := q.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Payload:        qdrant.NewValueMap(fields),
			PointsSelector: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Points{
					Points: &qdrant.PointsIdsList{
						Ids: []*qdrant.PointId{qdrant.NewID(u.ID)},
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("vectorstore: qdrant set payload for %s: %w", u.ID, err)
		}
	}
	return nil
}

// Delete removes specific points by memory id.
func (q *Qdrant) Delete(ctx context.Context, personaID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(id)
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName(personaID),
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorstore: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

// filterConditions translates a Filter into Qdrant conditions.
func filterConditions(f Filter) []*qdrant.Condition {
	var must []*qdrant.Condition
	if f.MinImportance > 0 {
		must = append(must, qdrant.NewRange(fieldImportance, &qdrant.Range{
			Gte: qdrant.PtrOf(f.MinImportance),
		}))
	}
	if len(f.Visibilities) == 1 {
		must = append(must, qdrant.NewMatch(fieldVisibility, string(f.Visibilities[0])))
	} else if len(f.Visibilities) > 1 {
		vals := make([]string, len(f.Visibilities))
		for i, v := range f.Visibilities {
			vals[i] = string(v)
		}
		must = append(must, qdrant.NewMatchKeywords(fieldVisibility, vals...))
	}
	if len(f.Kinds) == 1 {
		must = append(must, qdrant.NewMatch(fieldKind, f.Kinds[0]))
	} else if len(f.Kinds) > 1 {
		must = append(must, qdrant.NewMatchKeywords(fieldKind, f.Kinds...))
	}
	return must
}

// Query returns memories matching the filter. With a vector it is a cosine
// similarity search; with an empty vector it scans the whole collection via
// the scroll API. A missing collection yields no results, not an error — the
// persona simply has no memories yet.
func (q *Qdrant) Query(ctx context.Context, personaID string, vector []float32, f Filter, k int) ([]Scored, error) {
	collection := q.collectionName(personaID)
	exists, err := q.collectionKnown(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	var filter *qdrant.Filter
	if must := filterConditions(f); len(must) > 0 {
		filter = &qdrant.Filter{Must: must}
	}

	if len(vector) == 0 {
		return q.scroll(ctx, collection, filter, k)
	}

	if k <= 0 {
		k = 10
	}
	limit := uint64(k) //nolint:gosec // k is bounded by callers
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vector),
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: qdrant query: %w", err)
	}

	results := make([]Scored, 0, len(scored))
	for _, sp := range scored {
		id := sp.Id.GetUuid()
		if id == "" {
			continue
		}
		mem, err := memoryFromPayload(id, sp.Payload)
		if err != nil {
			q.logger.Warn("qdrant: skipping point with bad payload", "id", id, "error", err)
			continue
		}
		results = append(results, Scored{Memory: mem, Similarity: float64(sp.Score)})
	}
	return results, nil
}

// scroll pages through the collection with the raw points client. The
// high-level wrapper drops the next-page offset, which full scans need.
func (q *Qdrant) scroll(ctx context.Context, collection string, filter *qdrant.Filter, k int) ([]Scored, error) {
	const pageSize = uint32(256)

	var (
		out    []Scored
		offset *qdrant.PointId
	)
	points := q.client.GetPointsClient()
	for {
		limit := pageSize
		resp, err := points.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return nil, fmt.Errorf("vectorstore: qdrant scroll: %w", err)
		}

		for _, rp := range resp.GetResult() {
			id := rp.GetId().GetUuid()
			if id == "" {
				continue
			}
			mem, err := memoryFromPayload(id, rp.GetPayload())
			if err != nil {
				q.logger.Warn("qdrant: skipping point with bad payload", "id", id, "error", err)
				continue
			}
			out = append(out, Scored{Memory: mem})
			if k > 0 && len(out) == k {
				return out, nil
			}
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

// Count returns the exact number of points in the persona's collection.
func (q *Qdrant) Count(ctx context.Context, personaID string) (int, error) {
	collection := q.collectionName(personaID)
	exists, err := q.collectionKnown(ctx, collection)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("vectorstore: qdrant count: %w", err)
	}
	return int(n), nil //nolint:gosec // collection sizes are far below int overflow
}

// Personas lists persona ids that have a collection, sorted.
func (q *Qdrant) Personas(ctx context.Context) ([]string, error) {
	names, err := q.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: qdrant list collections: %w", err)
	}

	var ids []string
	for _, name := range names {
		if id, ok := strings.CutPrefix(name, q.prefix); ok && id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every request. Concurrent calls
// after cache expiry are deduplicated via singleflight so only one gRPC call
// is made; all waiters share its result.
func (q *Qdrant) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context —
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			wrapped := fmt.Errorf("vectorstore: qdrant unhealthy: %w", err)
			q.storeHealthErr(wrapped)
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *Qdrant) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (q *Qdrant) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}
