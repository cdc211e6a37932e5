package model

import "time"

// PruneState labels the pruning state machine. Transitions run
// Idle → Checking → Scoring → Selecting → Deleting → Idle; any error returns
// to Idle with the error counter incremented and no rollback.
type PruneState string

const (
	PruneIdle      PruneState = "idle"
	PruneChecking  PruneState = "checking"
	PruneScoring   PruneState = "scoring"
	PruneSelecting PruneState = "selecting"
	PruneDeleting  PruneState = "deleting"
)

// PruneReport records the outcome of one prune invocation.
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

// PruneRecommendation is the dry-run preview returned by
// memory.prune_recommendations: what a prune would do without deleting.
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

// PruneStats aggregates pruning activity for memory.prune_stats.
type PruneStats struct {
	Runs        int64                 `json:"runs"`
	Deleted     int64                 `json:"memories_pruned"`
	Errors      int64                 `json:"errors"`
	InFlight    []string              `json:"in_flight,omitempty"`
	LastReports []PruneReport         `json:"last_reports,omitempty"`
	PerPersona  map[string]time.Time  `json:"last_pruned,omitempty"`
	States      map[string]PruneState `json:"states,omitempty"`
}

// DecayReport records the outcome of one decay cycle.
type DecayReport struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Mode            string        `json:"mode"`
	PersonasScanned int           `json:"personas_scanned"`
	PersonasSkipped int           `json:"personas_skipped"`
	MemoriesSeen    int           `json:"memories_seen"`
	MemoriesDecayed int           `json:"memories_decayed"`
	Protected       int           `json:"protected"`
	PrunesTriggered int           `json:"prunes_triggered"`
	Errors          int           `json:"errors"`
}
