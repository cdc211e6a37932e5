// Package importance scores how much a fresh memory is worth keeping.
// Importance (0.0-1.0) drives retention: decay lowers it over time and the
// pruner evicts low scores first.
package importance

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/service/topics"
)

// Weights are the signal weights. They must sum to 1.0 within tolerance;
// New rejects anything else so a misconfigured scorer never starts.
type Weights struct {
	Content      float64
	Engagement   float64
	Persona      float64
	Temporal     float64
	Relationship float64
	Recency      float64
}

// Sum returns the total of all weights.
func (w Weights) Sum() float64 {
	return w.Content + w.Engagement + w.Persona + w.Temporal + w.Relationship + w.Recency
}

// WeightTolerance is how far from 1.0 the weight sum may drift.
const WeightTolerance = 0.01

// Config bounds fresh scores. Decay may later push importance below ClipMin,
// down to the absolute attribute floor; the clip applies to new writes only.
type Config struct {
	Weights Weights
	ClipMin float64 // default 0.51
	ClipMax float64 // default 0.80
}

// Scorer computes initial importance. Pure and deterministic given Input;
// no I/O, safe for concurrent use.
type Scorer struct {
	cfg Config
}

// New validates the weight sum and returns a Scorer.
func New(cfg Config) (*Scorer, error) {
	if math.Abs(cfg.Weights.Sum()-1.0) > WeightTolerance {
		return nil, fmt.Errorf("importance: weights must sum to 1.0 (±%.2f), got %.4f", WeightTolerance, cfg.Weights.Sum())
	}
	if cfg.ClipMin >= cfg.ClipMax {
		return nil, fmt.Errorf("importance: clip window [%.2f, %.2f] is empty", cfg.ClipMin, cfg.ClipMax)
	}
	return &Scorer{cfg: cfg}, nil
}

// Input carries everything a score depends on. Persona, Context, and
// Relationship are optional; missing inputs fall back to neutral signals.
type Input struct {
	Content      string
	Persona      *model.Persona
	Context      *model.ConversationContext
	Relationship *model.Relationship
	Now          time.Time
	PrevMemoryAt time.Time // zero means the persona has no earlier memory
}

// Signals is the per-component breakdown, each in [0,1] before weighting.
type Signals struct {
	Content      float64 `json:"content"`
	Engagement   float64 `json:"engagement"`
	Persona      float64 `json:"persona"`
	Temporal     float64 `json:"temporal"`
	Relationship float64 `json:"relationship"`
	Recency      float64 `json:"recency"`
}

// Result is a scored draft.
type Result struct {
	Importance float64 `json:"importance"`
	Signals    Signals `json:"signals"`
}

// Score computes the clipped importance for a memory draft.
//
// Signals:
//   - content: intrinsic salience of the text (length, proper nouns,
//     numerals, affect words, novelty phrases, filler penalty).
//   - engagement: the turn's continue score mapped 0-100 → 0-1.
//   - persona: highest topic preference matching the detected topics.
//   - temporal: off-hours creation plus distance from the previous memory.
//   - relationship: pair compatibility mapped [-1,1] → [0,1].
//   - recency: always 1.0 at creation; decay drives it down later.
func (s *Scorer) Score(in Input) Result {
	sig := Signals{
		Content:      contentSignal(in.Content),
		Engagement:   engagementSignal(in.Context),
		Persona:      personaSignal(in.Persona, in.Content),
		Temporal:     temporalSignal(in.Now, in.PrevMemoryAt),
		Relationship: relationshipSignal(in.Relationship),
		Recency:      1.0,
	}

	w := s.cfg.Weights
	total := sig.Content*w.Content +
		sig.Engagement*w.Engagement +
		sig.Persona*w.Persona +
		sig.Temporal*w.Temporal +
		sig.Relationship*w.Relationship +
		sig.Recency*w.Recency

	return Result{
		Importance: min(max(total, s.cfg.ClipMin), s.cfg.ClipMax),
		Signals:    sig,
	}
}

// affectWords are explicit emotional markers. "never" and "always" count:
// absolutes signal that the speaker cares.
var affectWords = map[string]struct{}{
	"emergency": {}, "love": {}, "hate": {}, "never": {}, "always": {},
	"death": {}, "afraid": {}, "furious": {}, "wonderful": {},
	"terrible": {}, "danger": {}, "betrayed": {}, "promise": {},
}

// noveltyWords mark first encounters and discoveries.
var noveltyWords = map[string]struct{}{
	"new": {}, "first": {}, "discovered": {}, "secret": {},
	"unprecedented": {}, "unheard": {},
}

// fillerPhrases dilute salience. Matched against the padded token string so
// multi-word phrases respect word boundaries.
var fillerPhrases = []string{
	"you know", "i mean", "sort of", "kind of", "by the way",
	"anyway", "um", "uh", "like i said",
}

// contentSignal rates the intrinsic salience of the text, in [0,1].
//
// Factors:
//   - Base 0.2 for any non-empty content.
//   - Length: up to 0.2, proportional until 25 words.
//   - Proper noun present: 0.15.
//   - Numeral present: 0.10.
//   - Affect word present: 0.10.
//   - Novelty word present: 0.10.
//   - Each filler phrase: -0.10.
func contentSignal(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	score := 0.2

	words := strings.Fields(text)
	score += min(float64(len(words))/25.0, 1.0) * 0.2

	if hasProperNoun(words) {
		score += 0.15
	}
	if hasNumeral(words) {
		score += 0.10
	}

	toks := topics.Tokenize(text)
	padded := " " + strings.Join(toks, " ") + " "

	if containsAny(toks, affectWords) {
		score += 0.10
	}
	if containsAny(toks, noveltyWords) {
		score += 0.10
	}
	for _, phrase := range fillerPhrases {
		if strings.Contains(padded, " "+phrase+" ") {
			score -= 0.10
		}
	}

	return min(max(score, 0), 1)
}

func containsAny(toks []string, set map[string]struct{}) bool {
	for _, t := range toks {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// hasProperNoun reports a capitalized word after the sentence start.
func hasProperNoun(words []string) bool {
	for i, w := range words {
		if i == 0 {
			continue
		}
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r)
		})
		runes := []rune(trimmed)
		if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
			continue
		}
		rest := runes[1:]
		lower := true
		for _, r := range rest {
			if !unicode.IsLower(r) {
				lower = false
				break
			}
		}
		if lower {
			return true
		}
	}
	return false
}

func hasNumeral(words []string) bool {
	for _, w := range words {
		for _, r := range w {
			if unicode.IsDigit(r) {
				return true
			}
		}
	}
	return false
}

// engagementSignal maps the turn's continue score to [0,1]. Without a
// conversation context the signal is neutral.
func engagementSignal(ctx *model.ConversationContext) float64 {
	if ctx == nil {
		return 0.5
	}
	return min(max(ctx.ContinueScore/100.0, 0), 1)
}

// personaSignal is the owner's strongest interest in any detected topic.
func personaSignal(p *model.Persona, content string) float64 {
	if p == nil {
		return 0
	}
	return topics.MaxInterest(p.TopicPreferences, topics.Detect(content))
}

// temporalSignal rewards memories created at unusual times: half for
// off-hours (22:00-06:00), half for distance from the persona's previous
// memory, saturating at a day. A first memory counts as maximally distant.
func temporalSignal(now, prev time.Time) float64 {
	var score float64
	h := now.Hour()
	if h < 6 || h >= 22 {
		score += 0.5
	}
	if prev.IsZero() {
		score += 0.5
	} else if gap := now.Sub(prev).Hours(); gap > 0 {
		score += 0.5 * min(gap/24.0, 1.0)
	}
	return score
}

// relationshipSignal maps pair compatibility [-1,1] to [0,1]; unknown pairs
// are neutral.
func relationshipSignal(rel *model.Relationship) float64 {
	if rel == nil {
		return 0.5
	}
	return min(max((rel.Compatibility()+1)/2, 0), 1)
}

// positiveWords and negativeWords drive valence estimation for stored turns.
var positiveWords = map[string]struct{}{
	"love": {}, "wonderful": {}, "happy": {}, "joy": {}, "beautiful": {},
	"friend": {}, "safe": {}, "promise": {}, "delighted": {}, "grateful": {},
}

var negativeWords = map[string]struct{}{
	"hate": {}, "terrible": {}, "afraid": {}, "death": {}, "danger": {},
	"furious": {}, "betrayed": {}, "enemy": {}, "sorrow": {}, "cursed": {},
}

// Valence estimates emotional direction of text in [-1,1]: the balance of
// positive and negative affect words, 0 when neither appears.
func Valence(text string) float64 {
	var pos, neg int
	for _, t := range topics.Tokenize(text) {
		if _, ok := positiveWords[t]; ok {
			pos++
		}
		if _, ok := negativeWords[t]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}
