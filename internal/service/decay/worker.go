package decay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kioku/internal/config"
	"github.com/ashita-ai/kioku/internal/model"
	"github.com/ashita-ai/kioku/internal/service/memory"
	"github.com/ashita-ai/kioku/internal/service/prune"
	"github.com/ashita-ai/kioku/internal/telemetry"
)

// reportHistory bounds the retained cycle reports.
const reportHistory = 50

// autoPruneLowCount is how many low-importance memories a persona must carry
// before a cycle triggers an automatic prune.
const autoPruneLowCount = 50

// MemorySource is the slice of the memory manager the worker needs.
type MemorySource interface {
	PersonaCollections(ctx context.Context) ([]string, error)
	Scan(ctx context.Context, personaID string) ([]model.Memory, error)
	UpdateImportance(ctx context.Context, personaID string, pairs []memory.ImportancePair) error
}

// Config drives the worker's schedule and batching on top of the Policy.
type Config struct {
	Policy              Policy
	Interval            time.Duration
	MaxPersonasPerCycle int
	MaxMemoriesPerBatch int
	AutoPruneThreshold  int
	AutoPruneImportance float64
	InterBatchPause     time.Duration
}

// FromConfig maps the application configuration onto the worker settings.
func FromConfig(c config.Config) Config {
	return Config{
		Policy: Policy{
			Mode:                 c.DecayMode,
			HalfLifeDays:         c.DecayHalfLifeDays,
			LinearRate:           c.DecayLinearRate,
			MaxDays:              c.DecayMaxDays,
			ZeroAccessMultiplier: c.ZeroAccessMultiplier,
			HighAccessThreshold:  c.HighAccessThreshold,
			ProtectedImportance:  c.ProtectedImportance,
			AccessProtectionDays: c.AccessProtectionDays,
			Floor:                c.MinImportanceFloor,
		},
		Interval:            c.DecayInterval,
		MaxPersonasPerCycle: c.MaxPersonasPerCycle,
		MaxMemoriesPerBatch: c.MaxMemoriesPerBatch,
		AutoPruneThreshold:  c.AutoPruneThreshold,
		AutoPruneImportance: c.AutoPruneImportance,
		InterBatchPause:     c.DecayInterBatchPause,
	}
}

// Worker ages memories on the configured interval. One instance per process;
// Start is idempotent and the worker never overlaps its own cycles.
type Worker struct {
	source MemorySource
	pruner *prune.Pruner
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time

	running    atomic.Bool
	cancelLoop context.CancelFunc
	drainCtx   context.Context
	done       chan struct{}

	mu          sync.Mutex
	lastDecayed map[string]time.Time
	reports     []model.DecayReport

	cycles  atomic.Int64
	updates atomic.Int64
}

// NewWorker wires the worker; the pruner supplies the per-persona gate and
// the auto-prune path.
func NewWorker(source MemorySource, pruner *prune.Pruner, cfg Config, logger *slog.Logger) *Worker {
	w := &Worker{
		source:      source,
		pruner:      pruner,
		cfg:         cfg,
		logger:      logger,
		nowFn:       func() time.Time { return time.Now().UTC() },
		done:        make(chan struct{}),
		lastDecayed: make(map[string]time.Time),
	}
	w.registerMetrics()
	return w
}

// WithClock replaces the time source for tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.nowFn = now
	return w
}

// Start launches the cycle loop. A second call is a no-op.
func (w *Worker) Start(ctx context.Context) {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.loop(loopCtx)
}

// Drain stops the loop and waits for an in-flight cycle, bounded by ctx.
// An in-flight cycle finishes its current batch under ctx rather than
// aborting the write mid-batch.
func (w *Worker) Drain(ctx context.Context) {
	if !w.running.Load() {
		return
	}
	w.drainCtx = ctx
	w.cancelLoop()
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("decay: drain timed out with a cycle in flight")
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunCycle(ctx)
		}
	}
}

// RunCycle performs one full decay pass. Exposed so operators (and tests)
// can force a cycle without waiting for the ticker.
func (w *Worker) RunCycle(ctx context.Context) model.DecayReport {
	start := w.nowFn()
	report := model.DecayReport{
		StartedAt: start,
		Mode:      w.cfg.Policy.Mode,
	}

	personas, err := w.source.PersonaCollections(ctx)
	if err != nil {
		w.logger.Error("decay: enumerate personas", "error", err)
		report.Errors++
		w.finishCycle(&report, start)
		return report
	}

	for _, personaID := range w.pickPersonas(personas) {
		if ctx.Err() != nil {
			break
		}
		if !w.pruner.Gate().TryEnter(personaID) {
			report.PersonasSkipped++
			continue
		}
		wantPrune, err := w.decayPersona(ctx, personaID, start, &report)
		w.pruner.Gate().Leave(personaID)
		if err != nil {
			w.logger.Warn("decay: persona failed", "persona_id", personaID, "error", err)
			report.Errors++
			continue
		}
		report.PersonasScanned++
		w.mu.Lock()
		w.lastDecayed[personaID] = start
		w.mu.Unlock()

		// The gate must be free before pruning starts.
		if wantPrune {
			report.PrunesTriggered++
			w.triggerPrune(ctx, personaID)
		}
	}

	w.finishCycle(&report, start)
	return report
}

func (w *Worker) finishCycle(report *model.DecayReport, start time.Time) {
	report.Duration = time.Since(start)
	w.cycles.Add(1)
	w.updates.Add(int64(report.MemoriesDecayed))

	w.mu.Lock()
	w.reports = append(w.reports, *report)
	if len(w.reports) > reportHistory {
		w.reports = w.reports[len(w.reports)-reportHistory:]
	}
	w.mu.Unlock()

	w.logger.Info("decay: cycle complete",
		"mode", report.Mode,
		"personas", report.PersonasScanned,
		"skipped", report.PersonasSkipped,
		"decayed", report.MemoriesDecayed,
		"protected", report.Protected,
		"prunes", report.PrunesTriggered,
		"errors", report.Errors,
		"duration", report.Duration)
}

// pickPersonas orders candidates by least-recently-decayed (never-decayed
// first) and truncates to the per-cycle budget.
func (w *Worker) pickPersonas(personas []string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	sorted := make([]string, len(personas))
	copy(sorted, personas)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := w.lastDecayed[sorted[i]], w.lastDecayed[sorted[j]]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return sorted[i] < sorted[j]
	})
	if len(sorted) > w.cfg.MaxPersonasPerCycle {
		sorted = sorted[:w.cfg.MaxPersonasPerCycle]
	}
	return sorted
}

// decayPersona scans one collection and writes back reduced importances in
// batches. Yields between batches when cancelled or when a pruner is waiting
// on this persona's gate. Caller holds the gate; the returned flag asks the
// caller to trigger an auto prune after releasing it.
func (w *Worker) decayPersona(ctx context.Context, personaID string, now time.Time, report *model.DecayReport) (bool, error) {
	mems, err := w.source.Scan(ctx, personaID)
	if err != nil {
		return false, err
	}
	report.MemoriesSeen += len(mems)

	var pairs []memory.ImportancePair
	lowCount := 0
	for _, mem := range mems {
		next, changed := w.cfg.Policy.Apply(mem, mem.AgeDays(now), now)
		if !changed {
			if mem.Importance >= w.cfg.Policy.ProtectedImportance {
				report.Protected++
			}
			if mem.Importance <= w.cfg.AutoPruneImportance {
				lowCount++
			}
			continue
		}
		if next <= w.cfg.AutoPruneImportance {
			lowCount++
		}
		pairs = append(pairs, memory.ImportancePair{ID: mem.ID, Importance: next})
	}

	yielded := false
	for start := 0; start < len(pairs); start += w.cfg.MaxMemoriesPerBatch {
		if start > 0 {
			if w.pruner.Gate().Contended(personaID) {
				w.logger.Debug("decay: yielding to waiting pruner", "persona_id", personaID)
				yielded = true
				break
			}
			select {
			case <-ctx.Done():
				yielded = true
			case <-time.After(w.cfg.InterBatchPause):
			}
			if yielded {
				break
			}
		}
		end := min(start+w.cfg.MaxMemoriesPerBatch, len(pairs))
		if err := w.source.UpdateImportance(w.writeCtx(ctx), personaID, pairs[start:end]); err != nil {
			return false, err
		}
		report.MemoriesDecayed += end - start
	}

	wantPrune := !yielded && len(mems) >= w.cfg.AutoPruneThreshold && lowCount > autoPruneLowCount
	return wantPrune, nil
}

// writeCtx returns ctx while the loop is live. Once draining, the batch
// write in flight switches to the drain context so it can land within the
// drain bound instead of failing on the cancelled loop context.
func (w *Worker) writeCtx(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	if dc := w.drainCtx; dc != nil {
		return dc
	}
	return ctx
}

// triggerPrune runs an automatic prune once the worker has released the
// persona's gate. Policy refusals (recent prune, already in flight) are
// expected and logged at debug.
func (w *Worker) triggerPrune(ctx context.Context, personaID string) {
	if _, err := w.pruner.Prune(ctx, personaID, false); err != nil {
		w.logger.Debug("decay: auto prune declined", "persona_id", personaID, "error", err)
	}
}

// Reports returns the retained cycle reports, oldest first.
func (w *Worker) Reports() []model.DecayReport {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.DecayReport, len(w.reports))
	copy(out, w.reports)
	return out
}

// Cycles returns the number of completed cycles since startup.
func (w *Worker) Cycles() int64 { return w.cycles.Load() }

// Updates returns the number of importance reductions written since startup.
func (w *Worker) Updates() int64 { return w.updates.Load() }

func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("kioku/decay")
	_, _ = meter.Int64ObservableCounter("kioku.decay.cycles",
		metric.WithDescription("Decay cycles completed since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.cycles.Load())
			return nil
		}))
	_, _ = meter.Int64ObservableCounter("kioku.decay.updates",
		metric.WithDescription("Importance reductions written since startup"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.updates.Load())
			return nil
		}))
}
