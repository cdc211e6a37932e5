// Package persona holds the in-process view of the cast: read-only persona
// and relationship snapshots refreshed from a Source, plus the volatile
// interaction state (energy, fatigue, cooldowns) that sessions mutate.
//
// The registry and the memory collections are the only shared mutable state
// in the process; everything here is guarded by a single RWMutex.
package persona

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/kioku/internal/model"
)

// ErrNotFound is returned when a persona id is unknown to the registry.
var ErrNotFound = errors.New("persona: not found")

// Energy regeneration while idle: one point per minute, capped at 100, and
// one fatigue point shed per five idle minutes. Applied lazily on read so no
// background ticker is needed per persona.
const (
	energyPerMinute    = 1.0
	fatigueRecoveryGap = 5 * time.Minute
	maxEnergy          = 100.0
)

// defaultAvailableTime seeds fresh interaction states; sessions overwrite it
// per conversation.
const defaultAvailableTime = 30 * time.Minute

type stateEntry struct {
	state   model.InteractionState
	touched time.Time
}

// Registry is the persona snapshot plus interaction states.
type Registry struct {
	source  Source
	logger  *slog.Logger
	nowFn   func() time.Time

	mu       sync.RWMutex
	personas map[string]model.Persona
	rels     map[string]model.Relationship
	states   map[string]*stateEntry
}

// NewRegistry creates an empty registry; call Load before serving requests.
func NewRegistry(source Source, logger *slog.Logger) *Registry {
	return &Registry{
		source:   source,
		logger:   logger,
		nowFn:    time.Now,
		personas: make(map[string]model.Persona),
		rels:     make(map[string]model.Relationship),
		states:   make(map[string]*stateEntry),
	}
}

// WithClock replaces the time source for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.nowFn = now
	return r
}

// Load replaces the persona and relationship snapshot from the source.
// Interaction states survive a reload; states for removed personas are
// dropped.
func (r *Registry) Load(ctx context.Context) error {
	personas, err := r.source.LoadPersonas(ctx)
	if err != nil {
		return err
	}
	rels, err := r.source.LoadRelationships(ctx)
	if err != nil {
		return err
	}

	pm := make(map[string]model.Persona, len(personas))
	for _, p := range personas {
		pm[p.ID] = p
	}
	rm := make(map[string]model.Relationship, len(rels))
	for _, rel := range rels {
		rm[model.PairKey(rel.PersonaA, rel.PersonaB)] = rel
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.personas = pm
	r.rels = rm
	for id := range r.states {
		if _, ok := pm[id]; !ok {
			delete(r.states, id)
		}
	}
	return nil
}

// Start runs the refresh loop until ctx is cancelled. Refresh failures are
// logged and the previous snapshot stays in place.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := r.Load(opCtx); err != nil {
				r.logger.Warn("persona: refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// Get returns one persona by id.
func (r *Registry) Get(id string) (model.Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[id]
	if !ok {
		return model.Persona{}, ErrNotFound
	}
	return p, nil
}

// Has reports whether a persona id is known.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.personas[id]
	return ok
}

// List returns all personas sorted by id.
func (r *Registry) List() []model.Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all persona ids sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.personas))
	for id := range r.personas {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Relationship returns the relationship between an unordered pair, or false
// when none is recorded.
func (r *Registry) Relationship(a, b string) (model.Relationship, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rel, ok := r.rels[model.PairKey(a, b)]
	return rel, ok
}

// State returns the persona's interaction state with idle regeneration
// applied. Unknown personas get a fresh full-energy state.
func (r *Registry) State(id string) model.InteractionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regenLocked(id).state
}

// UpdateState applies fn to the persona's interaction state under the lock,
// after idle regeneration. Used by the session layer to burn energy, add
// fatigue, and set cooldowns.
func (r *Registry) UpdateState(id string, fn func(*model.InteractionState)) model.InteractionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.regenLocked(id)
	fn(&e.state)
	if e.state.SocialEnergy > maxEnergy {
		e.state.SocialEnergy = maxEnergy
	}
	if e.state.SocialEnergy < 0 {
		e.state.SocialEnergy = 0
	}
	if e.state.Fatigue < 0 {
		e.state.Fatigue = 0
	}
	return e.state
}

// regenLocked fetches or creates the state entry and applies idle recovery
// since the last touch. Caller holds the write lock.
func (r *Registry) regenLocked(id string) *stateEntry {
	now := r.nowFn()
	e, ok := r.states[id]
	if !ok {
		e = &stateEntry{
			state: model.InteractionState{
				SocialEnergy:  maxEnergy,
				AvailableTime: defaultAvailableTime,
			},
			touched: now,
		}
		r.states[id] = e
		return e
	}

	idle := now.Sub(e.touched)
	if idle > 0 {
		e.state.SocialEnergy = min(e.state.SocialEnergy+idle.Minutes()*energyPerMinute, maxEnergy)
		if shed := int(idle / fatigueRecoveryGap); shed > 0 {
			e.state.Fatigue = max(e.state.Fatigue-shed, 0)
		}
	}
	e.touched = now
	return e
}

// Count returns the number of known personas.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.personas)
}
