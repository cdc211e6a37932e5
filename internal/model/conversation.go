package model

// Priority classifies how urgent a conversation is. It drives the time-decay
// divisor in conversation scoring: urgent conversations burn available time
// fastest.
type Priority string

const (
	PriorityUrgent    Priority = "urgent"
	PriorityImportant Priority = "important"
	PriorityCasual    Priority = "casual"
	PrioritySocial    Priority = "social"
	PriorityAcademic  Priority = "academic"
	PriorityNone      Priority = "none"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityImportant, PriorityCasual,
		PrioritySocial, PriorityAcademic, PriorityNone:
		return true
	}
	return false
}

// DefaultContinueScore seeds new conversation contexts; engagement-neutral.
const DefaultContinueScore = 50.0

// ConversationContext tracks one ongoing exchange. It lives for the duration
// of a session and never outlives the session record that owns it.
type ConversationContext struct {
	Participants   []string  `json:"participants"` // first entry is the initiator
	TurnCount      int       `json:"turn_count"`
	ContinueScore  float64   `json:"continue_score"`
	ScoreHistory   []float64 `json:"score_history,omitempty"`
	TokenBudget    int       `json:"token_budget"`
	CurrentSpeaker string    `json:"current_speaker"`
	Priority       Priority  `json:"priority"`
	CurrentTopic   string    `json:"current_topic,omitempty"`
}

// NewConversationContext seeds a context between an initiator and a persona.
func NewConversationContext(initiator, personaID string, tokenBudget int) *ConversationContext {
	return &ConversationContext{
		Participants:   []string{initiator, personaID},
		ContinueScore:  DefaultContinueScore,
		TokenBudget:    tokenBudget,
		CurrentSpeaker: initiator,
		Priority:       PriorityCasual,
	}
}

// RecordScore appends a per-turn continue score and advances the turn count.
func (c *ConversationContext) RecordScore(score float64) {
	c.ContinueScore = score
	c.ScoreHistory = append(c.ScoreHistory, score)
	c.TurnCount++
}

// RecentScores returns the last n history entries (most recent last).
func (c *ConversationContext) RecentScores(n int) []float64 {
	if len(c.ScoreHistory) <= n {
		return c.ScoreHistory
	}
	return c.ScoreHistory[len(c.ScoreHistory)-n:]
}
