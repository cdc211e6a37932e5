package vectorstore

import (
	"context"
	"maps"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/ashita-ai/kioku/internal/model"
)

type memEntry struct {
	mem model.Memory
	vec []float32
}

// InMemory is a process-local Store used when no Qdrant endpoint is
// configured, and throughout unit tests. A single mutex guards all
// collections, so metadata updates are trivially atomic per id. Memories are
// cloned on the way in and out; callers never share backing storage.
type InMemory struct {
	mu   sync.RWMutex
	cols map[string]map[string]memEntry
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{cols: make(map[string]map[string]memEntry)}
}

func cloneMemory(m model.Memory) model.Memory {
	out := m
	if m.LastAccessed != nil {
		t := *m.LastAccessed
		out.LastAccessed = &t
	}
	out.RelatedPersonas = slices.Clone(m.RelatedPersonas)
	if m.Metadata != nil {
		out.Metadata = maps.Clone(m.Metadata)
	}
	return out
}

func (s *InMemory) EnsureCollection(_ context.Context, personaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cols[personaID]; !ok {
		s.cols[personaID] = make(map[string]memEntry)
	}
	return nil
}

func (s *InMemory) Upsert(_ context.Context, personaID string, mem model.Memory, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.cols[personaID]
	if !ok {
		col = make(map[string]memEntry)
		s.cols[personaID] = col
	}
	col[mem.ID] = memEntry{mem: cloneMemory(mem), vec: slices.Clone(vector)}
	return nil
}

func (s *InMemory) SetMetadata(_ context.Context, personaID string, updates []MetadataUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.cols[personaID]
	if col == nil {
		return nil
	}
	for _, u := range updates {
		entry, ok := col[u.ID]
		if !ok {
			continue // deleted underneath a buffered access bump
		}
		if u.Importance != nil {
			entry.mem.Importance = *u.Importance
		}
		if u.AccessCount != nil {
			entry.mem.AccessCount = *u.AccessCount
		}
		if u.LastAccessed != nil {
			t := *u.LastAccessed
			entry.mem.LastAccessed = &t
		}
		col[u.ID] = entry
	}
	return nil
}

func (s *InMemory) Delete(_ context.Context, personaID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col := s.cols[personaID]
	for _, id := range ids {
		delete(col, id)
	}
	return nil
}

func (s *InMemory) Query(_ context.Context, personaID string, vector []float32, f Filter, k int) ([]Scored, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col := s.cols[personaID]
	if len(col) == 0 {
		return nil, nil
	}

	var out []Scored
	for _, entry := range col {
		if !f.Matches(entry.mem) {
			continue
		}
		sc := Scored{Memory: cloneMemory(entry.mem)}
		if len(vector) > 0 {
			sc.Similarity = cosine(vector, entry.vec)
		}
		out = append(out, sc)
	}

	// Scan path: arbitrary order, k <= 0 means everything.
	if len(vector) == 0 {
		if k > 0 && len(out) > k {
			out = out[:k]
		}
		return out, nil
	}

	if k <= 0 {
		k = 10
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *InMemory) Count(_ context.Context, personaID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cols[personaID]), nil
}

func (s *InMemory) Personas(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.cols))
	for id := range s.cols {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Healthy always succeeds; a process-local store cannot be unreachable.
func (s *InMemory) Healthy(context.Context) error { return nil }

func (s *InMemory) Close() error { return nil }

// cosine returns the cosine similarity of two vectors, or 0 when lengths
// differ or either vector has zero magnitude.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
