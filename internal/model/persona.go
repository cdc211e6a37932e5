package model

import (
	"fmt"
	"time"
)

// Persona is a read-only handle on a configured character. Lifecycle
// (creation, trait editing) lives outside the runtime; the core only reads.
type Persona struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	Description      string             `json:"description"`
	Traits           map[string]float64 `json:"traits,omitempty"`
	TopicPreferences map[string]int     `json:"topic_preferences,omitempty"`
	Rank             string             `json:"rank"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Social rank ladder, lowest to highest. Rank distance feeds the status
// bonus in conversation scoring.
var rankOrder = []string{"outcast", "commoner", "merchant", "scholar", "noble", "royal"}

// RankIndex returns the position of a rank on the ladder, or -1 when unknown.
func RankIndex(rank string) int {
	for i, r := range rankOrder {
		if r == rank {
			return i
		}
	}
	return -1
}

// RankDistance returns the absolute ladder distance between two ranks.
// Unknown ranks are treated as maximally distant from known ones and
// adjacent to each other (both unknown).
func RankDistance(a, b string) int {
	ia, ib := RankIndex(a), RankIndex(b)
	if ia < 0 && ib < 0 {
		return 0
	}
	if ia < 0 || ib < 0 {
		return len(rankOrder)
	}
	d := ia - ib
	if d < 0 {
		d = -d
	}
	return d
}

// ValidatePersonaID checks that a persona id conforms to the allowed format:
// 1-64 ASCII characters, lowercase alphanumeric plus hyphens and underscores.
func ValidatePersonaID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("persona_id is required")
	}
	if len(id) > 64 {
		return fmt.Errorf("persona_id must be at most 64 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return fmt.Errorf("persona_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// InteractionState is the volatile per-persona social budget. It is owned by
// the persona registry, mutated by the session layer, and read during
// conversation scoring. Never persisted.
type InteractionState struct {
	SocialEnergy  float64       `json:"social_energy"`
	Fatigue       int           `json:"fatigue"`
	AvailableTime time.Duration `json:"available_time"`
	CooldownUntil time.Time     `json:"cooldown_until"`
}

// Available reports whether the persona can take a conversation now.
func (s InteractionState) Available(now time.Time) bool {
	return now.After(s.CooldownUntil) && s.SocialEnergy > 0
}

// Status returns a coarse label for persona listings.
func (s InteractionState) Status(now time.Time) string {
	switch {
	case !now.After(s.CooldownUntil):
		return "cooldown"
	case s.SocialEnergy <= 0:
		return "exhausted"
	default:
		return "available"
	}
}

// Relationship links an unordered pair of personas. Mutated externally;
// consumed read-only during scoring.
type Relationship struct {
	PersonaA         string    `json:"persona_a"`
	PersonaB         string    `json:"persona_b"`
	Affinity         float64   `json:"affinity"`
	Trust            float64   `json:"trust"`
	Respect          float64   `json:"respect"`
	InteractionCount int       `json:"interaction_count"`
	LastInteraction  time.Time `json:"last_interaction"`
}

// Compatibility blends affinity, trust, and respect into [-1, 1].
func (r Relationship) Compatibility() float64 {
	return 0.4*r.Affinity + 0.3*r.Trust + 0.3*r.Respect
}

// PairKey returns a canonical key for the unordered persona pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
