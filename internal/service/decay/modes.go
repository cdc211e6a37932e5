// Package decay ages memories on a schedule so stale, untouched knowledge
// loses importance and eventually becomes prunable. The math lives here;
// worker.go owns scheduling and batching.
package decay

import (
	"math"
	"time"

	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/model"
)

// Policy holds the decay parameters. All fields mirror config knobs.
type Policy struct {
	Mode                 string
	HalfLifeDays         float64 // exponential
	LinearRate           float64 // linear
	MaxDays              float64 // logarithmic saturation point
	ZeroAccessMultiplier float64 // access_based penalty for never-read memories
	HighAccessThreshold  int     // access_based discount cutoff
	ProtectedImportance  float64 // importance at or above this never decays
	AccessProtectionDays int     // recently accessed memories are untouched
	Floor                float64 // importance never decays below this
}

// factor returns the fraction of importance lost at the given age, in [0,1].
func (p Policy) factor(mem model.Memory, ageDays float64) float64 {
	switch p.Mode {
	case config.DecayModeLinear:
		return min(ageDays*p.LinearRate, 0.8)
	case config.DecayModeExponential:
		return 1 - math.Pow(0.5, ageDays/p.HalfLifeDays)
	case config.DecayModeLogarithmic:
		return min(math.Log(1+ageDays)/math.Log(1+p.MaxDays), 0.8)
	case config.DecayModeAccessBased:
		f := min(1-math.Pow(0.7, ageDays/30.0), 0.6)
		if mem.AccessCount == 0 {
			f = min(f*p.ZeroAccessMultiplier, 1.0)
		} else if mem.AccessCount >= p.HighAccessThreshold {
			f /= 2
		}
		return f
	default: // none
		return 0
	}
}

// round3 keeps stored importances at three decimals so repeated cycles
// converge instead of accumulating float noise.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Apply returns the memory's post-decay importance and whether it changed.
// Protections run before any decay math; results are floored and rounded.
func (p Policy) Apply(mem model.Memory, ageDays float64, now time.Time) (float64, bool) {
	if mem.Importance >= p.ProtectedImportance {
		return mem.Importance, false
	}
	if mem.LastAccessed != nil {
		cutoff := now.AddDate(0, 0, -p.AccessProtectionDays)
		if mem.LastAccessed.After(cutoff) {
			return mem.Importance, false
		}
	}

	f := p.factor(mem, ageDays)
	if f <= 0 {
		return mem.Importance, false
	}
	next := round3(max(mem.Importance*(1-f), p.Floor))
	if next >= mem.Importance {
		return mem.Importance, false
	}
	return next, true
}
