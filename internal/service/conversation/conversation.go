// Package conversation scores whether an exchange should continue.
//
// The continue score (0-100) is checked against a threshold by the session
// layer after every turn; it also feeds the engagement signal of importance
// scoring. Like the importance scorer, Score is pure: all social state is
// passed in, nothing is read from elsewhere.
package conversation

import (
	"time"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/service/topics"
)

// Component caps. The status bonus is added on top of Social, so the raw sum
// can exceed the caps; the total is clamped to [0, 100] at the end.
const (
	maxTimeScore     = 30.0
	maxTopicScore    = 25.0
	maxSocialScore   = 20.0
	maxResourceScore = 10.0
	maxFatiguePen    = 15.0
	maxHistoryMod    = 15.0
)

// Time-decay divisors per priority: how many seconds of available time buy
// one point of the time component. Urgent conversations reach the full
// contribution fastest; priorities outside the ladder decay like casual.
const (
	urgentDivisor    = 2.0
	importantDivisor = 10.0
	casualDivisor    = 30.0
)

// historyWindow is how many trailing scores the history modifier considers.
const historyWindow = 5

// Config carries the scoring thresholds. Zero values are replaced by the
// defaults below, so a zero Config is usable in tests.
type Config struct {
	ContinueThreshold float64       // below this the conversation terminates (default 40)
	LowTokenBudget    int           // budget considered scarce (default 500)
	MinTimeThreshold  time.Duration // available time considered scarce (default 60s)
	LargeStatusGap    int           // rank distance granting only the minimal bonus (default 3)
	FatigueSaturation int           // fatigue at which the penalty maxes out (default 10)
}

func (c Config) withDefaults() Config {
	if c.ContinueThreshold == 0 {
		c.ContinueThreshold = 40
	}
	if c.LowTokenBudget == 0 {
		c.LowTokenBudget = 500
	}
	if c.MinTimeThreshold == 0 {
		c.MinTimeThreshold = 60 * time.Second
	}
	if c.LargeStatusGap == 0 {
		c.LargeStatusGap = 3
	}
	if c.FatigueSaturation == 0 {
		c.FatigueSaturation = 10
	}
	return c
}

// Scorer computes continue scores. Safe for concurrent use.
type Scorer struct {
	cfg Config
}

// New returns a Scorer with defaults applied for zero config fields.
func New(cfg Config) *Scorer {
	return &Scorer{cfg: cfg.withDefaults()}
}

// Threshold returns the configured continue threshold.
func (s *Scorer) Threshold() float64 { return s.cfg.ContinueThreshold }

// Input is one turn to score: the listener decides whether to keep going.
// Speaker and Relationship are optional (neutral when absent).
type Input struct {
	Speaker      *model.Persona
	Listener     *model.Persona
	State        model.InteractionState // listener's social budget
	Context      *model.ConversationContext
	Relationship *model.Relationship
	Turn         string // the proposed turn's text
}

// Breakdown is the per-component contribution of a score.
type Breakdown struct {
	Time     float64 `json:"time"`
	Topic    float64 `json:"topic"`
	Social   float64 `json:"social"`
	Resource float64 `json:"resource"`
	Fatigue  float64 `json:"fatigue"` // negative
	History  float64 `json:"history"` // signed
}

// Result is a scored turn.
type Result struct {
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
	Continue  bool      `json:"continue"`
}

// Score rates one turn in [0, 100].
func (s *Scorer) Score(in Input) Result {
	b := Breakdown{
		Time:     s.timeScore(in),
		Topic:    s.topicScore(in),
		Social:   s.socialScore(in),
		Resource: s.resourceScore(in),
		Fatigue:  -s.fatiguePenalty(in.State.Fatigue),
		History:  s.historyModifier(in.Context),
	}
	total := b.Time + b.Topic + b.Social + b.Resource + b.Fatigue + b.History
	total = min(max(total, 0), 100)
	return Result{
		Score:     total,
		Breakdown: b,
		Continue:  total >= s.cfg.ContinueThreshold,
	}
}

// timeScore converts remaining available time into points. The divisor is
// the priority's decay rate in seconds per point.
func (s *Scorer) timeScore(in Input) float64 {
	secs := in.State.AvailableTime.Seconds()
	if secs <= 0 {
		return 0
	}
	var priority model.Priority
	if in.Context != nil {
		priority = in.Context.Priority
	}
	divisor := casualDivisor
	switch priority {
	case model.PriorityUrgent:
		divisor = urgentDivisor
	case model.PriorityImportant:
		divisor = importantDivisor
	}
	return min(secs/divisor, maxTimeScore)
}

// topicScore is the listener's mean interest in the turn's detected topics.
func (s *Scorer) topicScore(in Input) float64 {
	if in.Listener == nil {
		return maxTopicScore / 2
	}
	detected := topics.Detect(in.Turn)
	return topics.MeanInterest(in.Listener.TopicPreferences, detected) * maxTopicScore
}

// socialScore blends relationship compatibility with a status bonus.
func (s *Scorer) socialScore(in Input) float64 {
	compat := 0.5 // neutral for unknown pairs
	if in.Relationship != nil {
		compat = (in.Relationship.Compatibility() + 1) / 2
		compat = min(max(compat, 0), 1)
	}
	return compat*maxSocialScore + s.statusBonus(in.Speaker, in.Listener)
}

// statusBonus rewards rank proximity: peers talk freely, near-peers almost
// as freely, and a large gap still grants a token bonus.
func (s *Scorer) statusBonus(speaker, listener *model.Persona) float64 {
	if speaker == nil || listener == nil {
		return 4
	}
	switch gap := model.RankDistance(speaker.Rank, listener.Rank); {
	case gap == 0:
		return 8
	case gap == 1:
		return 6
	case gap >= s.cfg.LargeStatusGap:
		return 2
	default:
		return 4
	}
}

// resourceScore is gated by the scarcest of energy, token budget, and time.
func (s *Scorer) resourceScore(in Input) float64 {
	energy := in.State.SocialEnergy / 100.0

	budget := 1.0
	if in.Context != nil {
		budget = float64(in.Context.TokenBudget) / float64(2*s.cfg.LowTokenBudget)
	}

	timeLeft := in.State.AvailableTime.Seconds() / s.cfg.MinTimeThreshold.Seconds()

	scarcest := min(energy, budget, timeLeft)
	scarcest = min(max(scarcest, 0), 1)
	return scarcest * maxResourceScore
}

// fatiguePenalty grows linearly with fatigue until saturation.
func (s *Scorer) fatiguePenalty(fatigue int) float64 {
	if fatigue <= 0 {
		return 0
	}
	frac := float64(fatigue) / float64(s.cfg.FatigueSaturation)
	return min(frac, 1) * maxFatiguePen
}

// historyModifier nudges the score by how the conversation has been going:
// the mean of the trailing scores, offset from neutral 50 and scaled to ±15.
func (s *Scorer) historyModifier(ctx *model.ConversationContext) float64 {
	if ctx == nil || len(ctx.ScoreHistory) == 0 {
		return 0
	}
	recent := ctx.RecentScores(historyWindow)
	var sum float64
	for _, v := range recent {
		sum += v
	}
	mean := sum / float64(len(recent))
	return (mean - 50) / 50 * maxHistoryMod
}

// Satisfying reports whether a terminated conversation ended well: the mean
// of its score history is at least neutral.
func Satisfying(history []float64) bool {
	if len(history) == 0 {
		return true
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	return sum/float64(len(history)) >= 50
}

// Cooldown scales the base cooldown by how the conversation ended: a
// satisfying termination halves it, an unsatisfying one doubles it.
func Cooldown(base time.Duration, satisfying bool) time.Duration {
	if satisfying {
		return base / 2
	}
	return base * 2
}
