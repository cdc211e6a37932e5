package model

import (
	"fmt"
	"sort"
	"time"
)

// Visibility controls which personas may retrieve a memory.
type Visibility string

const (
	// VisibilityPrivate restricts a memory to its owning persona.
	VisibilityPrivate Visibility = "private"
	// VisibilityShared exposes a memory to cross-persona searches that ask
	// for shared results. related_personas is informational only and never
	// grants access by itself.
	VisibilityShared Visibility = "shared"
	// VisibilityPublic exposes a memory to any persona.
	VisibilityPublic Visibility = "public"
)

// Valid reports whether v is a known visibility tag.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityShared, VisibilityPublic:
		return true
	}
	return false
}

// Memory is a single long-term memory owned by exactly one persona.
// The embedding vector is not carried here; it exists only at the vector
// store boundary.
type Memory struct {
	ID               string            `json:"id"`
	PersonaID        string            `json:"persona_id"`
	Content          string            `json:"content"`
	Importance       float64           `json:"importance"`
	CreatedAt        time.Time         `json:"created_at"`
	LastAccessed     *time.Time        `json:"last_accessed,omitempty"`
	AccessCount      int               `json:"access_count"`
	Kind             string            `json:"kind"`
	Visibility       Visibility        `json:"visibility"`
	RelatedPersonas  []string          `json:"related_personas,omitempty"`
	EmotionalValence float64           `json:"emotional_valence"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Importance attribute bounds. Fresh writes are additionally clipped to the
// configured [importance_min, importance_max] window; explicit overrides and
// decay respect only these absolute bounds.
const (
	ImportanceFloor   = 0.1
	ImportanceCeiling = 1.0
)

// AgeDays returns the memory's age in days at the given instant, never negative.
func (m Memory) AgeDays(now time.Time) float64 {
	d := now.Sub(m.CreatedAt).Hours() / 24.0
	if d < 0 {
		return 0
	}
	return d
}

// NormalizeRelated sorts and deduplicates related persona ids in place,
// dropping empties and the owner itself. Related personas are a set; callers
// may pass duplicates over the wire.
func (m *Memory) NormalizeRelated() {
	if len(m.RelatedPersonas) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(m.RelatedPersonas))
	out := m.RelatedPersonas[:0]
	for _, id := range m.RelatedPersonas {
		if id == "" || id == m.PersonaID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	m.RelatedPersonas = out
}

// ValidateContent checks the stored text is non-empty and within bounds.
func ValidateContent(content string) error {
	if content == "" {
		return fmt.Errorf("content is required")
	}
	if len(content) > 16384 {
		return fmt.Errorf("content must be at most 16384 bytes, got %d", len(content))
	}
	return nil
}

// MemoryStats summarizes one persona's collection.
type MemoryStats struct {
	PersonaID     string         `json:"persona_id"`
	Total         int            `json:"total_memories"`
	ByKind        map[string]int `json:"memory_types"`
	ByVisibility  map[string]int `json:"visibility"`
	AvgImportance float64        `json:"avg_importance"`
}

// ScoredMemory is a search hit: a memory plus its similarity to the query.
// Source distinguishes own-collection hits from cross-persona ones.
type ScoredMemory struct {
	Memory        Memory  `json:"memory"`
	Similarity    float64 `json:"similarity"`
	SourcePersona string  `json:"source_persona,omitempty"`
	Source        string  `json:"source,omitempty"`
}

// Source annotations for cross-persona search results.
const (
	SourceOwn          = "own"
	SourceCrossPersona = "cross_persona"
)
