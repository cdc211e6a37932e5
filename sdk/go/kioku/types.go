package kioku

import "time"

// Memory visibility levels.
const (
	VisibilityPrivate = "private"
	VisibilityShared  = "shared"
	VisibilityPublic  = "public"
)

// Stream event types delivered during ChatStream.
const (
	EventStreamStart     = "stream_start"
	EventStreamChunk     = "stream_chunk"
	EventStreamComplete  = "stream_complete"
	EventStreamError     = "stream_error"
	EventStreamCancelled = "stream_cancelled"
)

// Persona is one entry returned by Personas.
type Persona struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	Available    bool    `json:"available"`
	Status       string  `json:"status"`
	SocialEnergy float64 `json:"social_energy"`
	Rank         string  `json:"rank,omitempty"`
}

// SwitchResult acknowledges a persona switch.
type SwitchResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ChatRequest is one chat turn. PersonaID falls back to the session's
// current persona when empty.
type ChatRequest struct {
	PersonaID   string `json:"persona_id,omitempty"`
	Message     string `json:"message"`
	TokenBudget int    `json:"token_budget,omitempty"`
	Priority    string `json:"priority,omitempty"` // low | normal | high | urgent
}

// ChatResponse is the result of a chat turn.
type ChatResponse struct {
	PersonaID     string  `json:"persona_id"`
	Response      string  `json:"response"`
	ContinueScore float64 `json:"continue_score"`
	Terminated    bool    `json:"terminated,omitempty"`
}

// StreamEvent is one notification delivered during a streaming chat turn.
type StreamEvent struct {
	EventType     string   `json:"event_type"`
	PersonaID     string   `json:"persona_id,omitempty"`
	Chunk         string   `json:"chunk,omitempty"`
	ChunkNumber   int      `json:"chunk_number,omitempty"`
	FullResponse  string   `json:"full_response,omitempty"`
	ChunkCount    int      `json:"chunk_count,omitempty"`
	ContinueScore *float64 `json:"continue_score,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// StoreMemoryRequest creates a memory.
type StoreMemoryRequest struct {
	PersonaID       string            `json:"persona_id,omitempty"`
	Content         string            `json:"content"`
	MemoryType      string            `json:"memory_type,omitempty"`
	Visibility      string            `json:"visibility,omitempty"`
	Importance      *float64          `json:"importance,omitempty"`
	RelatedPersonas []string          `json:"related_personas,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// StoreMemoryResult is the memory.store result. NeedsPrune signals that the
// persona's collection has crossed the server's prune threshold.
type StoreMemoryResult struct {
	MemoryID   string `json:"memory_id"`
	NeedsPrune bool   `json:"needs_prune,omitempty"`
}

// SearchRequest queries one persona's memory collection.
type SearchRequest struct {
	PersonaID     string  `json:"persona_id,omitempty"`
	Query         string  `json:"query"`
	NResults      int     `json:"n_results,omitempty"`
	MinImportance float64 `json:"min_importance,omitempty"`
}

// CrossSearchRequest queries across persona collections under visibility
// rules.
type CrossSearchRequest struct {
	PersonaID     string  `json:"persona_id,omitempty"`
	Query         string  `json:"query"`
	NResults      int     `json:"n_results,omitempty"`
	MinImportance float64 `json:"min_importance,omitempty"`
	IncludeShared bool    `json:"include_shared"`
	IncludePublic bool    `json:"include_public"`
}

// Memory is one search hit.
type Memory struct {
	ID              string            `json:"id"`
	PersonaID       string            `json:"persona_id"`
	Content         string            `json:"content"`
	Importance      float64           `json:"importance"`
	CreatedAt       time.Time         `json:"created_at"`
	LastAccessed    *time.Time        `json:"last_accessed,omitempty"`
	AccessCount     int               `json:"access_count"`
	MemoryType      string            `json:"memory_type"`
	Visibility      string            `json:"visibility"`
	RelatedPersonas []string          `json:"related_personas,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Similarity      float64           `json:"similarity"`
	SourcePersona   string            `json:"source_persona,omitempty"`
	Source          string            `json:"source,omitempty"` // own | cross_persona
}

// MemoryStats summarises one persona's memory collection.
type MemoryStats struct {
	PersonaID     string         `json:"persona_id"`
	Total         int            `json:"total_memories"`
	ByKind        map[string]int `json:"memory_types"`
	ByVisibility  map[string]int `json:"visibility"`
	AvgImportance float64        `json:"avg_importance"`
}

// PruneReport describes one completed prune run.
type PruneReport struct {
	PersonaID          string        `json:"persona_id"`
	Strategy           string        `json:"strategy"`
	Forced             bool          `json:"forced"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	TotalBefore        int           `json:"total_before"`
	Candidates         int           `json:"candidates"`
	ProtectedKept      int           `json:"protected_kept"`
	Deleted            int           `json:"deleted"`
	MeanImportanceCut  float64       `json:"mean_importance_pruned"`
	MeanImportanceKept float64       `json:"mean_importance_kept"`
	CapApplied         bool          `json:"cap_applied"`
	Err                string        `json:"error,omitempty"`
}

// PruneRecommendation is the dry-run preview of a prune.
type PruneRecommendation struct {
	PersonaID          string  `json:"persona_id"`
	Total              int     `json:"total_memories"`
	Target             int     `json:"target_memories"`
	OverThreshold      bool    `json:"over_threshold"`
	Candidates         int     `json:"candidates"`
	ProtectedKept      int     `json:"protected_kept"`
	WouldDelete        int     `json:"would_delete"`
	MeanImportanceCut  float64 `json:"mean_importance_pruned"`
	MeanImportanceKept float64 `json:"mean_importance_kept"`
	Strategy           string  `json:"strategy"`
}

// PruneStats aggregates pruning activity since startup.
type PruneStats struct {
	Runs        int64                `json:"runs"`
	Deleted     int64                `json:"memories_pruned"`
	Errors      int64                `json:"errors"`
	InFlight    []string             `json:"in_flight,omitempty"`
	LastReports []PruneReport        `json:"last_reports,omitempty"`
	PerPersona  map[string]time.Time `json:"last_pruned,omitempty"`
}

// SystemStatus is the system.status result.
type SystemStatus struct {
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
