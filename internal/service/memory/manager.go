// Package memory coordinates the write and read paths of persona memories:
// embedding, importance scoring, visibility-aware retrieval, and the
// best-effort access tracking that feeds decay protection.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/service/embedding"
	"github.com/ashita-ai/kioku/internal/service/importance"
	"github.com/ashita-ai/kioku/internal/telemetry"
	"github.com/ashita-ai/kioku/internal/vectorstore"
)

// Sentinel errors mapped to application error codes at the RPC boundary.
var (
	ErrInvalidPersona      = errors.New("memory: unknown persona")
	ErrEmbedderUnavailable = errors.New("memory: embedder unavailable")
)

// defaultSearchLimit applies when a search request leaves k unset.
const defaultSearchLimit = 5

// DefaultKind tags memories stored without an explicit kind.
const DefaultKind = "conversation"

// PersonaDirectory is the slice of the persona registry the manager needs.
type PersonaDirectory interface {
	Get(id string) (model.Persona, error)
	Relationship(a, b string) (model.Relationship, bool)
	IDs() []string
}

// Config tunes the manager's buffers.
type Config struct {
	AccessFlushInterval time.Duration // default 500ms, must stay ≤ 1s
	AccessBufferSize    int           // flush threshold, default 256
}

func (c Config) withDefaults() Config {
	if c.AccessFlushInterval <= 0 {
		c.AccessFlushInterval = 500 * time.Millisecond
	}
	if c.AccessBufferSize <= 0 {
		c.AccessBufferSize = 256
	}
	return c
}

// Manager owns all memory writes. Writes are serialized per persona; reads
// run concurrently and queue access bumps instead of writing inline.
type Manager struct {
	store     vectorstore.Store
	embedder  embedding.Provider
	scorer    *importance.Scorer
	directory PersonaDirectory
	logger    *slog.Logger
	access    *accessBuffer
	nowFn     func() time.Time

	mu         sync.Mutex
	writeLocks map[string]*sync.Mutex
	lastStored map[string]time.Time

	stored   atomic.Int64
	searches atomic.Int64
}

// NewManager wires the manager. Call Start to begin access-bump flushing.
func NewManager(store vectorstore.Store, embedder embedding.Provider, scorer *importance.Scorer,
	directory PersonaDirectory, logger *slog.Logger, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		store:      store,
		embedder:   embedder,
		scorer:     scorer,
		directory:  directory,
		logger:     logger,
		access:     newAccessBuffer(store, logger, cfg.AccessBufferSize, cfg.AccessFlushInterval),
		nowFn:      func() time.Time { return time.Now().UTC() },
		writeLocks: make(map[string]*sync.Mutex),
		lastStored: make(map[string]time.Time),
	}
	m.registerMetrics()
	return m
}

// WithClock replaces the time source for tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.nowFn = now
	return m
}

// Start launches the access-bump flush worker.
func (m *Manager) Start(ctx context.Context) {
	m.access.start(ctx)
}

// Drain flushes pending access bumps and stops the worker.
func (m *Manager) Drain(ctx context.Context) {
	m.access.drain(ctx)
}

// personaLock returns the write mutex for one persona, creating it lazily.
func (m *Manager) personaLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.writeLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.writeLocks[id] = l
	}
	return l
}

// StoreRequest creates one memory.
type StoreRequest struct {
	PersonaID       string
	Content         string
	Kind            string
	Visibility      model.Visibility
	Importance      *float64 // explicit override, clamped to attribute bounds
	RelatedPersonas []string
	Metadata        map[string]string
	Context         *model.ConversationContext // optional: engagement signal
}

// Store embeds, scores, and persists one memory. The write is serialized
// with other writes to the same persona; a search issued after Store returns
// observes the new memory.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (model.Memory, error) {
	persona, err := m.directory.Get(req.PersonaID)
	if err != nil {
		return model.Memory{}, fmt.Errorf("%w: %s", ErrInvalidPersona, req.PersonaID)
	}
	if err := model.ValidateContent(req.Content); err != nil {
		return model.Memory{}, err
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityPrivate
	}
	if !req.Visibility.Valid() {
		return model.Memory{}, fmt.Errorf("memory: invalid visibility %q", req.Visibility)
	}
	kind := req.Kind
	if kind == "" {
		kind = DefaultKind
	}

	vec, err := m.embed(ctx, req.Content)
	if err != nil {
		return model.Memory{}, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	now := m.nowFn()
	mem := model.Memory{
		ID:               uuid.New().String(),
		PersonaID:        req.PersonaID,
		Content:          req.Content,
		CreatedAt:        now,
		Kind:             kind,
		Visibility:       req.Visibility,
		RelatedPersonas:  req.RelatedPersonas,
		EmotionalValence: importance.Valence(req.Content),
		Metadata:         req.Metadata,
	}
	mem.NormalizeRelated()

	if req.Importance != nil {
		// Explicit overrides respect the attribute bounds, not the
		// fresh-write clip: seeded and imported memories may carry any
		// legal importance.
		mem.Importance = min(max(*req.Importance, model.ImportanceFloor), model.ImportanceCeiling)
	} else {
		mem.Importance = m.scorer.Score(importance.Input{
			Content:      req.Content,
			Persona:      &persona,
			Context:      req.Context,
			Relationship: m.contextRelationship(req.PersonaID, req.Context),
			Now:          now,
			PrevMemoryAt: m.LastStoredAt(req.PersonaID),
		}).Importance
	}

	lock := m.personaLock(req.PersonaID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.EnsureCollection(ctx, req.PersonaID); err != nil {
		return model.Memory{}, fmt.Errorf("memory: ensure collection: %w", err)
	}
	err = withRetry(ctx, func() error {
		return m.store.Upsert(ctx, req.PersonaID, mem, vec)
	})
	if err != nil {
		return model.Memory{}, fmt.Errorf("memory: upsert: %w", err)
	}

	m.mu.Lock()
	m.lastStored[req.PersonaID] = now
	m.mu.Unlock()
	m.stored.Add(1)

	return mem, nil
}

// contextRelationship finds the relationship between the owner and the other
// conversation participant, when there is one.
func (m *Manager) contextRelationship(personaID string, ctx *model.ConversationContext) *model.Relationship {
	if ctx == nil {
		return nil
	}
	for _, other := range ctx.Participants {
		if other == personaID {
			continue
		}
		if rel, ok := m.directory.Relationship(personaID, other); ok {
			return &rel
		}
	}
	return nil
}

// Search returns the persona's own memories ranked by similarity. Each
// returned memory's access count and last-accessed time are bumped through
// the best-effort buffer (visible within one flush interval).
func (m *Manager) Search(ctx context.Context, personaID, query string, k int, minImportance float64) ([]model.ScoredMemory, error) {
	if _, err := m.directory.Get(personaID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPersona, personaID)
	}
	if k <= 0 {
		k = defaultSearchLimit
	}

	vec, err := m.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	scored, err := m.store.Query(ctx, personaID, vec, vectorstore.Filter{MinImportance: minImportance}, k)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}

	out := rank(scored, k)
	hits := make([]model.ScoredMemory, len(out))
	counts := make(map[string]int, len(out))
	for i, s := range out {
		hits[i] = model.ScoredMemory{
			Memory:        s.Memory,
			Similarity:    s.Similarity,
			SourcePersona: personaID,
			Source:        model.SourceOwn,
		}
		counts[s.Memory.ID] = s.Memory.AccessCount
	}
	m.access.enqueue(personaID, counts, m.nowFn())
	m.searches.Add(1)
	return hits, nil
}

// CrossSearchRequest queries several collections under visibility rules.
type CrossSearchRequest struct {
	PersonaID     string // requesting persona
	Query         string
	K             int
	MinImportance float64
	IncludeShared bool
	IncludePublic bool
}

// SearchCrossPersona merges the requester's own collection (all
// visibilities) with foreign collections restricted to shared/public per the
// request flags, re-ranked globally. A private foreign memory is never
// returned: the store filter excludes them, and a post-fetch check drops any
// survivor as a bug rather than trusting a single layer.
func (m *Manager) SearchCrossPersona(ctx context.Context, req CrossSearchRequest) ([]model.ScoredMemory, error) {
	if _, err := m.directory.Get(req.PersonaID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPersona, req.PersonaID)
	}
	if req.K <= 0 {
		req.K = defaultSearchLimit
	}

	vec, err := m.embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	var foreign []model.Visibility
	if req.IncludeShared {
		foreign = append(foreign, model.VisibilityShared)
	}
	if req.IncludePublic {
		foreign = append(foreign, model.VisibilityPublic)
	}

	personas, err := m.collections(ctx)
	if err != nil {
		return nil, err
	}

	var merged []model.ScoredMemory
	for _, pid := range personas {
		own := pid == req.PersonaID
		if !own && len(foreign) == 0 {
			continue
		}
		f := vectorstore.Filter{MinImportance: req.MinImportance}
		if !own {
			f.Visibilities = foreign
		}
		scored, err := m.store.Query(ctx, pid, vec, f, req.K)
		if err != nil {
			return nil, fmt.Errorf("memory: query %s: %w", pid, err)
		}
		for _, s := range scored {
			if !own && s.Memory.Visibility == model.VisibilityPrivate {
				// Invariant violation: log and drop, never delete.
				m.logger.Error("memory: private foreign memory leaked past store filter",
					"memory_id", s.Memory.ID, "owner", pid, "requester", req.PersonaID)
				continue
			}
			source := model.SourceCrossPersona
			if own {
				source = model.SourceOwn
			}
			merged = append(merged, model.ScoredMemory{
				Memory:        s.Memory,
				Similarity:    s.Similarity,
				SourcePersona: pid,
				Source:        source,
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return lessRanked(
			merged[i].Similarity, merged[i].Memory,
			merged[j].Similarity, merged[j].Memory,
		)
	})
	if len(merged) > req.K {
		merged = merged[:req.K]
	}
	m.searches.Add(1)
	return merged, nil
}

// collections returns the union of registry personas and store collections,
// so memories of retired personas stay reachable until pruned.
func (m *Manager) collections(ctx context.Context) ([]string, error) {
	stored, err := m.store.Personas(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory: list collections: %w", err)
	}
	seen := make(map[string]struct{}, len(stored))
	out := make([]string, 0, len(stored))
	for _, id := range stored {
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range m.directory.IDs() {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ImportancePair is one batched importance update.
type ImportancePair struct {
	ID         string
	Importance float64
}

// UpdateImportance writes new importances in one batch. Used by the decay
// worker; each id is updated atomically in the store.
func (m *Manager) UpdateImportance(ctx context.Context, personaID string, pairs []ImportancePair) error {
	if len(pairs) == 0 {
		return nil
	}
	updates := make([]vectorstore.MetadataUpdate, len(pairs))
	for i, p := range pairs {
		imp := p.Importance
		updates[i] = vectorstore.MetadataUpdate{ID: p.ID, Importance: &imp}
	}
	err := withRetry(ctx, func() error {
		return m.store.SetMetadata(ctx, personaID, updates)
	})
	if err != nil {
		return fmt.Errorf("memory: update importance: %w", err)
	}
	return nil
}

// Scan returns every memory in the persona's collection, unordered. The
// workhorse of the decay worker and the pruner.
func (m *Manager) Scan(ctx context.Context, personaID string) ([]model.Memory, error) {
	scored, err := m.store.Query(ctx, personaID, nil, vectorstore.Filter{}, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: scan %s: %w", personaID, err)
	}
	out := make([]model.Memory, len(scored))
	for i, s := range scored {
		out[i] = s.Memory
	}
	return out, nil
}

// Delete removes memories by id. Deleted ids are never reused (ids are
// random UUIDs) and pending access bumps against them become no-ops.
func (m *Manager) Delete(ctx context.Context, personaID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.store.Delete(ctx, personaID, ids); err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	return nil
}

// Stats summarizes one persona's collection.
func (m *Manager) Stats(ctx context.Context, personaID string) (model.MemoryStats, error) {
	mems, err := m.Scan(ctx, personaID)
	if err != nil {
		return model.MemoryStats{}, err
	}
	stats := model.MemoryStats{
		PersonaID:    personaID,
		Total:        len(mems),
		ByKind:       make(map[string]int),
		ByVisibility: make(map[string]int),
	}
	var sum float64
	for _, mem := range mems {
		stats.ByKind[mem.Kind]++
		stats.ByVisibility[string(mem.Visibility)]++
		sum += mem.Importance
	}
	if stats.Total > 0 {
		stats.AvgImportance = sum / float64(stats.Total)
	}
	return stats, nil
}

// Count returns the persona's collection size.
func (m *Manager) Count(ctx context.Context, personaID string) (int, error) {
	return m.store.Count(ctx, personaID)
}

// PersonaCollections exposes the merged persona enumeration for the decay
// worker.
func (m *Manager) PersonaCollections(ctx context.Context) ([]string, error) {
	return m.collections(ctx)
}

// LastStoredAt returns when the persona last stored a memory (zero when it
// never has, this process lifetime).
func (m *Manager) LastStoredAt(personaID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStored[personaID]
}

// TotalStored returns the number of memories stored since startup.
func (m *Manager) TotalStored() int64 { return m.stored.Load() }

// TotalSearches returns the number of searches served since startup.
func (m *Manager) TotalSearches() int64 { return m.searches.Load() }

// embed turns text into a raw vector with transient-failure retries.
func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := withRetry(ctx, func() error {
		v, err := m.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v.Slice()
		return nil
	})
	return vec, err
}

// rank sorts hits by similarity, breaking ties by importance then recency,
// and truncates to k.
func rank(scored []vectorstore.Scored, k int) []vectorstore.Scored {
	sort.SliceStable(scored, func(i, j int) bool {
		return lessRanked(
			scored[i].Similarity, scored[i].Memory,
			scored[j].Similarity, scored[j].Memory,
		)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// lessRanked reports whether hit a ranks before hit b: higher similarity
// first, then higher importance, then more recent creation.
func lessRanked(simA float64, a model.Memory, simB float64, b model.Memory) bool {
	if simA != simB {
		return simA > simB
	}
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("kioku/memory")
	_, _ = meter.Int64ObservableCounter("kioku.memory.stored",
		metric.WithDescription("Memories stored since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.stored.Load())
			return nil
		}))
	_, _ = meter.Int64ObservableCounter("kioku.memory.searches",
		metric.WithDescription("Searches served since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.searches.Load())
			return nil
		}))
}
