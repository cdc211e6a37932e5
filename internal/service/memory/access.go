package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kioku/internal/telemetry"
	"github.com/ashita-ai/kioku/internal/vectorstore"
)

// maxPendingBumps caps the buffer so a flood of searches cannot grow it
// without bound. Bumps beyond the cap are dropped; access tracking is
// best-effort by contract.
const maxPendingBumps = 10_000

type pendingBump struct {
	// count is the absolute access count to write: the count observed at
	// search time plus every bump queued since.
	count int
	last  time.Time
}

// accessBuffer batches access bumps (access_count + last_accessed) and
// flushes them to the vector store from a single worker, keeping read paths
// off the write lock. Flush failures drop the batch: a lost bump only delays
// the access-based protections by one search.
type accessBuffer struct {
	store    vectorstore.Store
	logger   *slog.Logger
	maxSize  int
	interval time.Duration

	mu      sync.Mutex
	pending map[string]map[string]pendingBump // persona id → memory id → bump

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
}

func newAccessBuffer(store vectorstore.Store, logger *slog.Logger, maxSize int, interval time.Duration) *accessBuffer {
	return &accessBuffer{
		store:    store,
		logger:   logger,
		maxSize:  maxSize,
		interval: interval,
		pending:  make(map[string]map[string]pendingBump),
		flushCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// start begins the flush loop; drain stops it.
func (b *accessBuffer) start(ctx context.Context) {
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// drain stops the loop and performs a final flush bounded by ctx.
func (b *accessBuffer) drain(ctx context.Context) {
	if b.cancelLoop == nil {
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("memory: access buffer drain timed out")
	}
}

// enqueue records one access to each memory. observedCounts carries the
// access count seen at read time, keyed by memory id.
func (b *accessBuffer) enqueue(personaID string, observedCounts map[string]int, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	col := b.pending[personaID]
	if col == nil {
		col = make(map[string]pendingBump)
		b.pending[personaID] = col
	}

	total := b.sizeLocked()
	for id, seen := range observedCounts {
		if p, ok := col[id]; ok {
			p.count++
			p.last = at
			col[id] = p
			continue
		}
		if total >= maxPendingBumps {
			continue // best-effort: drop under pressure
		}
		col[id] = pendingBump{count: seen + 1, last: at}
		total++
	}

	if total >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *accessBuffer) sizeLocked() int {
	n := 0
	for _, col := range b.pending {
		n += len(col)
	}
	return n
}

func (b *accessBuffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final := b.drainCtx
			if final == nil {
				var cancel context.CancelFunc
				final, cancel = context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
			}
			b.flush(final)
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

// flush writes all pending bumps. A bump on a deleted id is a no-op inside
// the store, so flushing never races with the pruner incorrectly.
func (b *accessBuffer) flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]map[string]pendingBump)
	b.mu.Unlock()

	for personaID, col := range batch {
		if len(col) == 0 {
			continue
		}
		updates := make([]vectorstore.MetadataUpdate, 0, len(col))
		for id, p := range col {
			count := p.count
			last := p.last
			updates = append(updates, vectorstore.MetadataUpdate{
				ID:           id,
				AccessCount:  &count,
				LastAccessed: &last,
			})
		}
		if err := b.store.SetMetadata(ctx, personaID, updates); err != nil {
			b.logger.Debug("memory: access bump flush dropped",
				"persona_id", personaID, "count", len(updates), "error", err)
		}
	}
}

func (b *accessBuffer) registerMetrics() {
	meter := telemetry.Meter("kioku/memory")
	_, _ = meter.Int64ObservableGauge("kioku.memory.access_buffer.depth",
		metric.WithDescription("Pending access bumps awaiting flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			b.mu.Lock()
			n := b.sizeLocked()
			b.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}
