package middleware

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kitchenpulse/internal/domain/models"
	domrepo "kitchenpulse/internal/domain/repository"
	"kitchenpulse/pkg/logger"
)

// OutboxPipeline sits between the estimation core and its sinks. The core
// enqueues without blocking; a background loop batches changes, coalesces
// repeated updates of the same order or restaurant and flushes them to the
// snapshot store, the event publisher and the audit sink with backoff.
type OutboxPipeline struct {
	store   domrepo.SnapshotStore
	pub     domrepo.EventPublisher
	audit   domrepo.AuditSink
	metrics domrepo.Metrics
	log     *logger.Logger

	bufSize       int
	batchSize     int
	flushInterval time.Duration
	maxAttempts   int
	backoffMin    time.Duration
	backoffMax    time.Duration

	ch      chan outboxItem
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	started bool
	stopped bool
	dropped atomic.Uint64
}

type outboxItem struct {
	order *models.Order
	rush  *models.RushIndex
	audit *models.AuditEntry
}

type OutboxOption func(*OutboxPipeline)

// WithBufferSize sets the queue size between the core and the flush loop.
func WithBufferSize(n int) OutboxOption {
	return func(p *OutboxPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithBatch sets the flush batch size and interval.
func WithBatch(size int, interval time.Duration) OutboxOption {
	return func(p *OutboxPipeline) {
		if size > 0 {
			p.batchSize = size
		}
		if interval > 0 {
			p.flushInterval = interval
		}
	}
}

// WithRetry sets flush attempts and backoff range.
func WithRetry(attempts int, min, max time.Duration) OutboxOption {
	return func(p *OutboxPipeline) {
		if attempts > 0 {
			p.maxAttempts = attempts
		}
		p.backoffMin = min
		p.backoffMax = max
	}
}

func WithSnapshotStore(s domrepo.SnapshotStore) OutboxOption {
	return func(p *OutboxPipeline) { p.store = s }
}

func WithEventPublisher(pub domrepo.EventPublisher) OutboxOption {
	return func(p *OutboxPipeline) { p.pub = pub }
}

func WithAuditSink(a domrepo.AuditSink) OutboxOption {
	return func(p *OutboxPipeline) { p.audit = a }
}

func WithPipelineLogger(l *logger.Logger) OutboxOption {
	return func(p *OutboxPipeline) { p.log = l }
}

// NewOutboxPipeline creates a pipeline. Sinks left nil are skipped.
func NewOutboxPipeline(metrics domrepo.Metrics, opts ...OutboxOption) *OutboxPipeline {
	p := &OutboxPipeline{
		metrics:       metrics,
		bufSize:       10000,
		batchSize:     500,
		flushInterval: time.Second,
		maxAttempts:   3,
		backoffMin:    50 * time.Millisecond,
		backoffMax:    2 * time.Second,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Nop()
	}
	p.ch = make(chan outboxItem, p.bufSize)
	return p
}

func (p *OutboxPipeline) OrderChanged(o *models.Order) {
	p.enqueue(outboxItem{order: o})
}

func (p *OutboxPipeline) RushChanged(idx models.RushIndex) {
	p.enqueue(outboxItem{rush: &idx})
}

func (p *OutboxPipeline) Audited(e models.AuditEntry) {
	p.enqueue(outboxItem{audit: &e})
}

// Dropped counts items discarded because the buffer was full.
func (p *OutboxPipeline) Dropped() uint64 { return p.dropped.Load() }

func (p *OutboxPipeline) enqueue(it outboxItem) {
	select {
	case p.ch <- it:
		if p.metrics != nil {
			p.metrics.RecordLatency("outbox_buffer_depth", float64(len(p.ch)))
		}
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.RecordError("outbox_buffer_full")
		}
	}
}

// Start launches the flush loop.
func (p *OutboxPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.run(ctx)
}

// Stop stops the loop after flushing what is already queued.
func (p *OutboxPipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	select {
	case <-p.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *OutboxPipeline) run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	b := newOutboxBatch()
	for {
		select {
		case it := <-p.ch:
			b.add(it)
			if b.size() >= p.batchSize {
				p.flush(ctx, b)
				b = newOutboxBatch()
			}
		case <-ticker.C:
			if b.size() > 0 {
				p.flush(ctx, b)
				b = newOutboxBatch()
			}
		case <-p.stopCh:
			for {
				select {
				case it := <-p.ch:
					b.add(it)
				default:
					if b.size() > 0 {
						// the caller's ctx may already be cancelled at shutdown
						fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
						p.flush(fctx, b)
						cancel()
					}
					return
				}
			}
		}
	}
}

// flush writes one batch, retrying each sink independently.
func (p *OutboxPipeline) flush(ctx context.Context, b *outboxBatch) {
	start := time.Now()
	orders, estimates, rush := b.orders(), b.estimates(), b.rushIndexes()

	if p.store != nil {
		p.attempt(ctx, "snapshot_orders", func() error { return p.store.SaveOrders(ctx, orders) })
		p.attempt(ctx, "snapshot_rush", func() error { return p.store.SaveRushIndexes(ctx, rush) })
	}
	if p.pub != nil {
		p.attempt(ctx, "publish_estimates", func() error { return p.pub.PublishEstimates(ctx, estimates) })
		p.attempt(ctx, "publish_rush", func() error { return p.pub.PublishRushIndexes(ctx, rush) })
	}
	if p.audit != nil && len(b.audit) > 0 {
		p.attempt(ctx, "audit", func() error { return p.audit.RecordBatch(ctx, b.audit) })
	}
	if p.metrics != nil {
		p.metrics.RecordLatency("outbox_flush", time.Since(start).Seconds())
	}
}

func (p *OutboxPipeline) attempt(ctx context.Context, sink string, fn func() error) {
	backoff := p.backoffMin
	var err error
	for i := 1; i <= p.maxAttempts; i++ {
		if err = fn(); err == nil {
			return
		}
		if p.metrics != nil {
			p.metrics.RecordError("outbox_" + sink)
		}
		if i == p.maxAttempts || errors.Is(err, context.Canceled) {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			i = p.maxAttempts
		}
		if backoff *= 2; backoff > p.backoffMax {
			backoff = p.backoffMax
		}
	}
	p.log.Error("outbox flush failed", logger.String("sink", sink), logger.Error(err))
}

// outboxBatch coalesces updates: only the newest snapshot of each order and
// the highest version of each rush index are kept; audit entries are kept in
// arrival order.
type outboxBatch struct {
	order map[string]*models.Order
	rush  map[string]models.RushIndex
	audit []models.AuditEntry
}

func newOutboxBatch() *outboxBatch {
	return &outboxBatch{order: make(map[string]*models.Order), rush: make(map[string]models.RushIndex)}
}

func (b *outboxBatch) add(it outboxItem) {
	switch {
	case it.order != nil:
		b.order[it.order.ID] = it.order
	case it.rush != nil:
		if cur, ok := b.rush[it.rush.RestaurantID]; !ok || cur.Version < it.rush.Version {
			b.rush[it.rush.RestaurantID] = *it.rush
		}
	case it.audit != nil:
		b.audit = append(b.audit, *it.audit)
	}
}

func (b *outboxBatch) size() int { return len(b.order) + len(b.rush) + len(b.audit) }

func (b *outboxBatch) orders() []*models.Order {
	out := make([]*models.Order, 0, len(b.order))
	for _, o := range b.order {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *outboxBatch) estimates() []models.OrderEstimate {
	orders := b.orders()
	out := make([]models.OrderEstimate, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.Estimate())
	}
	return out
}

func (b *outboxBatch) rushIndexes() []models.RushIndex {
	out := make([]models.RushIndex, 0, len(b.rush))
	for _, r := range b.rush {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RestaurantID < out[j].RestaurantID })
	return out
}

var _ domrepo.Outbox = (*OutboxPipeline)(nil)
