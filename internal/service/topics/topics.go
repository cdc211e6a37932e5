// Package topics detects conversation topics from free text.
//
// Detection is a keyword lexicon, not a model: personas declare interest in
// coarse topic tags (magic: 80) and both scoring paths need the same cheap,
// deterministic mapping from text to those tags.
package topics

import (
	"sort"
	"strings"
	"unicode"
)

// lexicon maps a topic tag to the keywords that signal it. A keyword may
// appear under several topics; detection then reports all of them.
var lexicon = map[string][]string{
	"magic": {
		"spell", "spellbook", "wizard", "sorcery", "enchant", "enchanted",
		"rune", "ritual", "potion", "arcane", "mana", "curse", "glyph",
		"incantation", "wand",
	},
	"combat": {
		"sword", "battle", "fight", "duel", "war", "siege", "arrow",
		"shield", "blade", "armor", "ambush",
	},
	"trade": {
		"gold", "coin", "merchant", "price", "trade", "market", "barter",
		"caravan", "wares", "debt",
	},
	"politics": {
		"king", "queen", "council", "law", "noble", "royal", "treaty",
		"crown", "decree", "throne", "court",
	},
	"nature": {
		"forest", "river", "mountain", "herb", "beast", "dragon", "wolf",
		"garden", "storm", "harvest",
	},
	"lore": {
		"history", "legend", "prophecy", "scroll", "tome", "library",
		"ancient", "myth", "riddle", "relic",
	},
	"social": {
		"friend", "family", "festival", "tavern", "dance", "gossip",
		"wedding", "feast", "rumor",
	},
	"travel": {
		"journey", "road", "map", "voyage", "pass", "inn", "travel",
		"expedition", "harbor",
	},
	"craft": {
		"forge", "smith", "weave", "carve", "brew", "craft", "workshop",
		"anvil", "loom",
	},
	"religion": {
		"temple", "god", "goddess", "prayer", "shrine", "blessing",
		"priest", "omen",
	},
}

// keywordIndex inverts the lexicon for single-pass lookup.
var keywordIndex = func() map[string][]string {
	idx := make(map[string][]string)
	for topic, words := range lexicon {
		for _, w := range words {
			idx[w] = append(idx[w], topic)
		}
	}
	return idx
}()

// Tokenize lowercases text and splits it into alphanumeric tokens.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Detect returns the sorted set of topic tags whose keywords occur in text.
func Detect(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		for _, topic := range keywordIndex[tok] {
			seen[topic] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MaxInterest returns the highest preference the persona holds for any of
// the detected topics, normalized to [0,1]. Topics the persona has no stated
// preference for do not count; no match at all yields 0.
func MaxInterest(prefs map[string]int, detected []string) float64 {
	best := 0
	for _, t := range detected {
		if v, ok := prefs[t]; ok && v > best {
			best = v
		}
	}
	if best < 0 {
		best = 0
	}
	if best > 100 {
		best = 100
	}
	return float64(best) / 100.0
}

// neutralInterest stands in for topics a persona has no opinion on: neither
// attraction nor aversion.
const neutralInterest = 50

// MeanInterest averages the listener's preferences over the detected topics,
// normalized to [0,1]. Unknown topics count as neutral, and so does a turn
// with no detectable topic — small talk should not tank a conversation.
func MeanInterest(prefs map[string]int, detected []string) float64 {
	if len(detected) == 0 {
		return float64(neutralInterest) / 100.0
	}
	sum := 0
	for _, t := range detected {
		v, ok := prefs[t]
		if !ok {
			v = neutralInterest
		}
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		sum += v
	}
	return float64(sum) / float64(len(detected)) / 100.0
}
