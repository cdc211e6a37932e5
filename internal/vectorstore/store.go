// Package vectorstore provides the vector index behind persona memories.
//
// Each persona owns one collection, which keeps visibility filtering cheap
// and makes per-persona scans, counts, and deletes natural. Two
// implementations exist: Qdrant for production and InMemory for dev mode and
// unit tests; both satisfy Store with identical query semantics.
package vectorstore

import (
	"context"
	"time"

	"github.com/ashita-ai/kioku/internal/model"
)

// Filter narrows Query results. Zero values disable the corresponding check.
type Filter struct {
	MinImportance float64
	Visibilities  []model.Visibility
	Kinds         []string
}

// Matches reports whether a memory passes the filter. Implementations that
// filter server-side (Qdrant) must agree with this predicate.
func (f Filter) Matches(mem model.Memory) bool {
	if f.MinImportance > 0 && mem.Importance < f.MinImportance {
		return false
	}
	if len(f.Visibilities) > 0 {
		ok := false
		for _, v := range f.Visibilities {
			if mem.Visibility == v {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if mem.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// MetadataUpdate mutates payload fields of one stored memory. Nil fields are
// left untouched. Updates are atomic per id: a concurrent reader sees either
// the old metadata or the new, never a mix.
type MetadataUpdate struct {
	ID           string
	Importance   *float64
	AccessCount  *int
	LastAccessed *time.Time
}

// Scored is a memory returned from a query. Similarity is cosine similarity
// against the query vector, or 0 for scan (empty-vector) queries.
type Scored struct {
	Memory     model.Memory
	Similarity float64
}

// Store is the persistence boundary for memories. Memories live only here;
// there is no relational mirror.
//
// Query with an empty or nil vector performs a full filtered scan in
// arbitrary order; k <= 0 then means "no limit". With a non-empty vector it
// is a similarity query and k <= 0 falls back to a small default limit.
// Querying a persona whose collection does not exist yet returns no results
// and no error.
type Store interface {
	EnsureCollection(ctx context.Context, personaID string) error
	Upsert(ctx context.Context, personaID string, mem model.Memory, vector []float32) error
	SetMetadata(ctx context.Context, personaID string, updates []MetadataUpdate) error
	Delete(ctx context.Context, personaID string, ids []string) error
	Query(ctx context.Context, personaID string, vector []float32, f Filter, k int) ([]Scored, error)
	Count(ctx context.Context, personaID string) (int, error)
	Personas(ctx context.Context) ([]string, error)
	Healthy(ctx context.Context) error
	Close() error
}
