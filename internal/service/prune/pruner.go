// Package prune evicts low-value memories when a persona's collection grows
// past its target. Eviction ranks the whole collection, then protective
// filters run over the ranked candidates; the filters come last so score
// tuning can never override safety.
package prune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/telemetry"
)

// Policy errors surfaced as PRUNE_IN_PROGRESS at the RPC boundary.
var (
	ErrPruneInProgress = errors.New("prune: already in progress for persona")
	ErrRecentlyPruned  = errors.New("prune: persona pruned within the minimum interval")
)

// minPruneInterval is the shortest gap between non-forced prunes of one
// persona. Force bypasses it.
const minPruneInterval = time.Hour

// reportHistory bounds the retained run reports.
const reportHistory = 50

// MemoryStore is the slice of the memory manager the pruner needs.
type MemoryStore interface {
	Scan(ctx context.Context, personaID string) ([]model.Memory, error)
	Delete(ctx context.Context, personaID string, ids []string) error
	Count(ctx context.Context, personaID string) (int, error)
}

// Config carries the pruning policy knobs.
type Config struct {
	Threshold             int     // collection size that marks a persona over capacity
	Target                int     // soft target size after pruning
	Strategy              string  // one of the config.Prune* strategies
	MaxImportanceToDelete float64 // safety: importance at or above this is kept
	HighAccessThreshold   int     // safety: access count at or above this is kept
	ZeroAccessGraceDays   int     // safety: unaccessed memories younger than this are kept
	RecentMemoryDays      float64 // age score 1.0 at or below
	AncientMemoryDays     float64 // age score 0.1 at or above
	WeightImportance      float64
	WeightAccess          float64
	WeightAge             float64
	BatchSize             int
	MaxPrunePercent       float64 // hard cap on deletions per invocation
	InterBatchPause       time.Duration
}

// FromConfig maps the application configuration onto the pruning policy.
func FromConfig(c config.Config) Config {
	return Config{
		Threshold:             c.PruningThreshold,
		Target:                c.TargetMemories,
		Strategy:              c.PruneStrategy,
		MaxImportanceToDelete: c.MaxImportanceToDelete,
		HighAccessThreshold:   c.HighAccessThreshold,
		ZeroAccessGraceDays:   c.ZeroAccessGraceDays,
		RecentMemoryDays:      c.RecentMemoryDays,
		AncientMemoryDays:     c.AncientMemoryDays,
		WeightImportance:      c.PruneWeightImportance,
		WeightAccess:          c.PruneWeightAccess,
		WeightAge:             c.PruneWeightAge,
		BatchSize:             c.PruneBatchSize,
		MaxPrunePercent:       c.MaxPrunePercent,
		InterBatchPause:       c.PruneInterBatchPause,
	}
}

// Pruner runs the eviction procedure. One invocation per persona at a time;
// concurrent requests get ErrPruneInProgress rather than queueing.
type Pruner struct {
	store  MemoryStore
	gate   *Gate
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time

	mu         sync.Mutex
	inFlight   map[string]bool
	states     map[string]model.PruneState
	lastPruned map[string]time.Time
	reports    []model.PruneReport

	runs    atomic.Int64
	deleted atomic.Int64
	errs    atomic.Int64
}

// New wires a pruner sharing the maintenance gate with the decay worker.
func New(store MemoryStore, gate *Gate, cfg Config, logger *slog.Logger) *Pruner {
	p := &Pruner{
		store:      store,
		gate:       gate,
		cfg:        cfg,
		logger:     logger,
		nowFn:      func() time.Time { return time.Now().UTC() },
		inFlight:   make(map[string]bool),
		states:     make(map[string]model.PruneState),
		lastPruned: make(map[string]time.Time),
	}
	p.registerMetrics()
	return p
}

// WithClock replaces the time source for tests.
func (p *Pruner) WithClock(now func() time.Time) *Pruner {
	p.nowFn = now
	return p
}

// Gate exposes the shared maintenance gate for the decay worker.
func (p *Pruner) Gate() *Gate { return p.gate }

// State returns the persona's current position in the pruning state machine.
func (p *Pruner) State(personaID string) model.PruneState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[personaID]; ok {
		return s
	}
	return model.PruneIdle
}

func (p *Pruner) setState(personaID string, s model.PruneState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == model.PruneIdle {
		delete(p.states, personaID)
		return
	}
	p.states[personaID] = s
}

// Prune runs one eviction pass over the persona's collection. force bypasses
// both the in-progress guard's queueing (it still never runs concurrently)
// and the minimum interval between runs. Deletions are committed batch by
// batch; an error aborts the rest of the run without rollback.
func (p *Pruner) Prune(ctx context.Context, personaID string, force bool) (model.PruneReport, error) {
	p.mu.Lock()
	if p.inFlight[personaID] && !force {
		p.mu.Unlock()
		return model.PruneReport{}, fmt.Errorf("%w: %s", ErrPruneInProgress, personaID)
	}
	p.inFlight[personaID] = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, personaID)
		p.mu.Unlock()
	}()

	// Waiting on the gate makes a mid-cycle decay worker yield at its next
	// batch boundary.
	if err := p.gate.Enter(ctx, personaID); err != nil {
		return model.PruneReport{}, err
	}
	defer p.gate.Leave(personaID)
	defer p.setState(personaID, model.PruneIdle)

	now := p.nowFn()
	if !force {
		p.mu.Lock()
		last, ok := p.lastPruned[personaID]
		p.mu.Unlock()
		if ok && now.Sub(last) < minPruneInterval {
			return model.PruneReport{}, fmt.Errorf("%w: %s", ErrRecentlyPruned, personaID)
		}
	}

	report := model.PruneReport{
		PersonaID: personaID,
		Strategy:  p.cfg.Strategy,
		Forced:    force,
		StartedAt: now,
	}
	p.runs.Add(1)

	err := p.run(ctx, personaID, now, &report)
	report.Duration = time.Since(now)
	if err != nil {
		report.Err = err.Error()
		p.errs.Add(1)
	}

	p.mu.Lock()
	p.lastPruned[personaID] = now
	p.reports = append(p.reports, report)
	if len(p.reports) > reportHistory {
		p.reports = p.reports[len(p.reports)-reportHistory:]
	}
	p.mu.Unlock()

	if err != nil {
		return report, err
	}
	p.logger.Info("prune: completed",
		"persona_id", personaID,
		"deleted", report.Deleted,
		"kept_protected", report.ProtectedKept,
		"strategy", report.Strategy,
		"duration", report.Duration)
	return report, nil
}

func (p *Pruner) run(ctx context.Context, personaID string, now time.Time, report *model.PruneReport) error {
	p.setState(personaID, model.PruneChecking)
	mems, err := p.store.Scan(ctx, personaID)
	if err != nil {
		return fmt.Errorf("prune: scan: %w", err)
	}
	report.TotalBefore = len(mems)
	if len(mems) <= p.cfg.Target {
		return nil
	}

	p.setState(personaID, model.PruneScoring)
	ranked := p.rank(mems, now)

	p.setState(personaID, model.PruneSelecting)
	sel := p.selectCandidates(ranked, now, report)

	p.setState(personaID, model.PruneDeleting)
	var cutSum float64
	for _, mem := range sel {
		cutSum += mem.Importance
	}
	if len(sel) > 0 {
		report.MeanImportanceCut = cutSum / float64(len(sel))
	}
	keepMeans(mems, sel, report)

	ids := make([]string, len(sel))
	for i, mem := range sel {
		ids[i] = mem.ID
	}
	for start := 0; start < len(ids); start += p.cfg.BatchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.InterBatchPause):
			}
		}
		end := min(start+p.cfg.BatchSize, len(ids))
		if err := p.store.Delete(ctx, personaID, ids[start:end]); err != nil {
			report.Deleted = start
			p.deleted.Add(int64(start))
			return fmt.Errorf("prune: delete batch: %w", err)
		}
	}
	report.Deleted = len(ids)
	p.deleted.Add(int64(len(ids)))
	return nil
}

// rank orders the collection by eviction score ascending: the cheapest
// memories to lose come first.
func (p *Pruner) rank(mems []model.Memory, now time.Time) []model.Memory {
	ranked := make([]model.Memory, len(mems))
	copy(ranked, mems)
	sort.SliceStable(ranked, func(i, j int) bool {
		return p.evictionScore(ranked[i], now) < p.evictionScore(ranked[j], now)
	})
	return ranked
}

// selectCandidates takes the overage from the cheap end of the ranking, then
// drops protected entries and applies the deletion cap. Updates the
// candidate/protection counts on the report.
func (p *Pruner) selectCandidates(ranked []model.Memory, now time.Time, report *model.PruneReport) []model.Memory {
	overage := len(ranked) - p.cfg.Target
	if overage <= 0 {
		return nil
	}
	candidates := ranked[:overage]
	report.Candidates = len(candidates)

	kept := 0
	sel := make([]model.Memory, 0, len(candidates))
	for _, mem := range candidates {
		if p.protected(mem, now) {
			kept++
			continue
		}
		sel = append(sel, mem)
	}
	report.ProtectedKept = kept

	maxDelete := int(p.cfg.MaxPrunePercent * float64(len(ranked)))
	if len(sel) > maxDelete {
		sel = sel[:maxDelete]
		report.CapApplied = true
	}
	return sel
}

// protected reports whether a safety filter keeps the memory regardless of
// its eviction rank.
func (p *Pruner) protected(mem model.Memory, now time.Time) bool {
	if mem.Importance >= p.cfg.MaxImportanceToDelete {
		return true
	}
	if mem.AccessCount >= p.cfg.HighAccessThreshold {
		return true
	}
	if mem.AccessCount == 0 && mem.AgeDays(now) < float64(p.cfg.ZeroAccessGraceDays) {
		return true
	}
	return false
}

// evictionScore rates a memory for retention; lower scores are pruned first.
// lru and fifo use timestamps directly so ascending order is oldest-first.
func (p *Pruner) evictionScore(mem model.Memory, now time.Time) float64 {
	switch p.cfg.Strategy {
	case config.PruneImportanceOnly:
		return mem.Importance * p.cfg.WeightImportance
	case config.PruneImportanceAccess:
		return mem.Importance*p.cfg.WeightImportance + p.accessScore(mem)
	case config.PruneLRU:
		if mem.LastAccessed != nil {
			return float64(mem.LastAccessed.UnixNano())
		}
		return float64(mem.CreatedAt.UnixNano())
	case config.PruneFIFO:
		return float64(mem.CreatedAt.UnixNano())
	default: // importance_access_age
		return mem.Importance*p.cfg.WeightImportance + p.accessScore(mem) + p.ageScore(mem, now)*p.cfg.WeightAge
	}
}

func (p *Pruner) accessScore(mem model.Memory) float64 {
	return min(float64(mem.AccessCount)/10.0, 1.0) * p.cfg.WeightAccess
}

// ageScore is 1.0 for recent memories, 0.1 for ancient ones, and linear in
// between.
func (p *Pruner) ageScore(mem model.Memory, now time.Time) float64 {
	age := mem.AgeDays(now)
	switch {
	case age <= p.cfg.RecentMemoryDays:
		return 1.0
	case age >= p.cfg.AncientMemoryDays:
		return 0.1
	default:
		span := p.cfg.AncientMemoryDays - p.cfg.RecentMemoryDays
		return 1.0 - (age-p.cfg.RecentMemoryDays)/span*0.9
	}
}

// keepMeans fills in the mean importance of survivors.
func keepMeans(all, cut []model.Memory, report *model.PruneReport) {
	cutIDs := make(map[string]struct{}, len(cut))
	for _, mem := range cut {
		cutIDs[mem.ID] = struct{}{}
	}
	var sum float64
	n := 0
	for _, mem := range all {
		if _, gone := cutIDs[mem.ID]; gone {
			continue
		}
		sum += mem.Importance
		n++
	}
	if n > 0 {
		report.MeanImportanceKept = sum / float64(n)
	}
}

// Recommendations computes what a prune would do without deleting anything.
func (p *Pruner) Recommendations(ctx context.Context, personaID string) (model.PruneRecommendation, error) {
	mems, err := p.store.Scan(ctx, personaID)
	if err != nil {
		return model.PruneRecommendation{}, fmt.Errorf("prune: scan: %w", err)
	}

	rec := model.PruneRecommendation{
		PersonaID:     personaID,
		Total:         len(mems),
		Target:        p.cfg.Target,
		OverThreshold: len(mems) >= p.cfg.Threshold,
		Strategy:      p.cfg.Strategy,
	}
	if len(mems) <= p.cfg.Target {
		return rec, nil
	}

	now := p.nowFn()
	var report model.PruneReport
	sel := p.selectCandidates(p.rank(mems, now), now, &report)
	rec.Candidates = report.Candidates
	rec.ProtectedKept = report.ProtectedKept
	rec.WouldDelete = len(sel)

	var cutSum float64
	for _, mem := range sel {
		cutSum += mem.Importance
	}
	if len(sel) > 0 {
		rec.MeanImportanceCut = cutSum / float64(len(sel))
	}
	keepMeans(mems, sel, &report)
	rec.MeanImportanceKept = report.MeanImportanceKept
	return rec, nil
}

// OverThreshold reports whether the persona's collection warrants a prune.
func (p *Pruner) OverThreshold(ctx context.Context, personaID string) (bool, error) {
	n, err := p.store.Count(ctx, personaID)
	if err != nil {
		return false, err
	}
	return n >= p.cfg.Threshold, nil
}

// StatsSnapshot returns aggregate pruning activity for system reporting.
func (p *Pruner) StatsSnapshot() model.PruneStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := model.PruneStats{
		Runs:    p.runs.Load(),
		Deleted: p.deleted.Load(),
		Errors:  p.errs.Load(),
	}
	if len(p.states) > 0 {
		stats.States = make(map[string]model.PruneState, len(p.states))
		for id, s := range p.states {
			stats.States[id] = s
			stats.InFlight = append(stats.InFlight, id)
		}
		sort.Strings(stats.InFlight)
	}
	if len(p.lastPruned) > 0 {
		stats.PerPersona = make(map[string]time.Time, len(p.lastPruned))
		for id, at := range p.lastPruned {
			stats.PerPersona[id] = at
		}
	}
	stats.LastReports = append(stats.LastReports, p.reports...)
	return stats
}

func (p *Pruner) registerMetrics() {
	meter := telemetry.Meter("kioku/prune")
	_, _ = meter.Int64ObservableCounter("kioku.prune.runs",
		metric.WithDescription("Prune invocations since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.runs.Load())
			return nil
		}))
	_, _ = meter.Int64ObservableCounter("kioku.prune.deleted",
		metric.WithDescription("Memories pruned since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.deleted.Load())
			return nil
		}))
	_, _ = meter.Int64ObservableCounter("kioku.prune.errors",
		metric.WithDescription("Failed prune invocations since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.errs.Load())
			return nil
		}))
}
