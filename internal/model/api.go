package model

import (
	"fmt"
	"time"
)

// Wire-level request and response shapes for the JSON-RPC methods. Field
// names follow the protocol, not the internal structs (e.g. memory_type on
// the wire, Kind internally).

// PersonaSummary is one entry in persona.list.
type PersonaSummary struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Available    bool    `json:"available"`
	Status       string  `json:"status"`
	SocialEnergy float64 `json:"social_energy"`
	Rank         string  `json:"rank,omitempty"`
}

// PersonaListResult is the persona.list result.
type PersonaListResult struct {
	Personas []PersonaSummary `json:"personas"`
}

// PersonaSwitchParams selects the session's active persona.
type PersonaSwitchParams struct {
	PersonaID string `json:"persona_id"`
}

// PersonaSwitchResult acknowledges a persona switch.
type PersonaSwitchResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ChatParams carries one chat turn. PersonaID falls back to the session's
// current persona when empty.
type ChatParams struct {
	PersonaID   string `json:"persona_id,omitempty"`
	Message     string `json:"message"`
	TokenBudget int    `json:"token_budget,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// ChatResult is the persona.chat result.
type ChatResult struct {
	PersonaID     string  `json:"persona_id"`
	Response      string  `json:"response"`
	ContinueScore float64 `json:"continue_score"`
	Terminated    bool    `json:"terminated,omitempty"`
}

// MemoryStoreParams creates a memory.
type MemoryStoreParams struct {
	PersonaID       string            `json:"persona_id,omitempty"`
	Content         string            `json:"content"`
	MemoryType      string            `json:"memory_type"`
	Visibility      Visibility        `json:"visibility"`
	Importance      *float64          `json:"importance,omitempty"`
	RelatedPersonas []string          `json:"related_personas,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the store parameters that do not require registry access.
func (p MemoryStoreParams) Validate() error {
	if err := ValidateContent(p.Content); err != nil {
		return err
	}
	if p.Visibility != "" && !p.Visibility.Valid() {
		return fmt.Errorf("visibility must be one of private, shared, public (got %q)", p.Visibility)
	}
	if p.Importance != nil && (*p.Importance < 0 || *p.Importance > 1) {
		return fmt.Errorf("importance must be in [0, 1], got %v", *p.Importance)
	}
	return nil
}

// MemoryStoreResult is the memory.store result. NeedsPrune is advisory: the
// persona's collection has crossed the prune threshold.
type MemoryStoreResult struct {
	MemoryID   string `json:"memory_id"`
	NeedsPrune bool   `json:"needs_prune,omitempty"`
}

// MemorySearchParams queries one persona's collection.
type MemorySearchParams struct {
	PersonaID     string  `json:"persona_id,omitempty"`
	Query         string  `json:"query"`
	NResults      int     `json:"n_results,omitempty"`
	MinImportance float64 `json:"min_importance,omitempty"`
}

// MemorySearchCrossParams queries across persona collections under
// visibility rules.
type MemorySearchCrossParams struct {
	PersonaID     string  `json:"persona_id"`
	Query         string  `json:"query"`
	NResults      int     `json:"n_results,omitempty"`
	MinImportance float64 `json:"min_importance,omitempty"`
	IncludeShared bool    `json:"include_shared"`
	IncludePublic bool    `json:"include_public"`
}

// MemoryHit is one search result on the wire.
type MemoryHit struct {
	ID              string            `json:"id"`
	PersonaID       string            `json:"persona_id"`
	Content         string            `json:"content"`
	Importance      float64           `json:"importance"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAccessed    *time.Time        `json:"last_accessed,omitempty"`
	AccessCount     int               `json:"access_count"`
	MemoryType      string            `json:"memory_type"`
	Visibility      Visibility        `json:"visibility"`
	RelatedPersonas []string          `json:"related_personas,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Similarity      float64           `json:"similarity"`
	SourcePersona   string            `json:"source_persona,omitempty"`
	Source          string            `json:"source,omitempty"`
}

// HitFromScored converts an internal search result to its wire shape.
func HitFromScored(s ScoredMemory) MemoryHit {
	return MemoryHit{
		ID:              s.Memory.ID,
		PersonaID:       s.Memory.PersonaID,
		Content:         s.Memory.Content,
		Importance:      s.Memory.Importance,
		CreatedAt:       s.Memory.CreatedAt,
		LastAccessed:    s.Memory.LastAccessed,
		AccessCount:     s.Memory.AccessCount,
		MemoryType:      s.Memory.Kind,
		Visibility:      s.Memory.Visibility,
		RelatedPersonas: s.Memory.RelatedPersonas,
		Metadata:        s.Memory.Metadata,
		Similarity:      s.Similarity,
		SourcePersona:   s.SourcePersona,
		Source:          s.Source,
	}
}

// MemorySearchResult is the memory.search / memory.search_cross_persona result.
type MemorySearchResult struct {
	Memories []MemoryHit `json:"memories"`
}

// MemoryStatsParams selects the persona whose stats to report.
type MemoryStatsParams struct {
	PersonaID string `json:"persona_id,omitempty"`
}

// PruneParams requests a prune run. Force bypasses the in-flight guard and
// the minimum interval between runs.
type PruneParams struct {
	PersonaID string `json:"persona_id,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

// SystemStatusResult is the system.status result.
type SystemStatusResult struct {
	Version          string    `json:"version"`
	StartedAt        time.Time `json:"started_at"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	ActiveSessions   int       `json:"active_sessions"`
	Personas         int       `json:"personas"`
	TotalMemories    int       `json:"total_memories"`
	MemoriesStored   int64     `json:"memories_stored"`
	SearchesServed   int64     `json:"searches_served"`
	DecayCycles      int64     `json:"decay_cycles"`
	PruneRuns        int64     `json:"prune_runs"`
	MemoriesPruned   int64     `json:"memories_pruned"`
	EmbedderProvider string    `json:"embedder_provider"`
	LLMProvider      string    `json:"llm_provider"`
	VectorStore      string    `json:"vector_store"`
	VectorStoreOK    bool      `json:"vector_store_ok"`
}
