package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/domain/repository"
	"kitchenpulse/pkg/logger"
)

// ServiceConfig groups the knobs of the estimation core.
type ServiceConfig struct {
	Estimator      EstimatorConfig
	Aggregator     AggregatorConfig
	LockTimeout    time.Duration
	AbandonTimeout time.Duration
	SweepInterval  time.Duration
	Retention      time.Duration
	TombstoneTTL   time.Duration // purged ids reject late signals until retirement + TombstoneTTL
}

const defaultTombstoneTTL = 24 * time.Hour

// SweepResult reports one maintenance pass.
type SweepResult struct {
	Abandoned  int
	Purged     int
	Forgotten  int
	Recomputed int
	Pruned     int
}

// EstimationService is the entry point of the core: it accepts signals,
// answers estimate and rush queries and manages rush subscriptions.
type EstimationService struct {
	cfg       ServiceConfig
	clock     func() time.Time
	bus       *SignalBus
	estimator *OrderEstimator
	agg       *RushAggregator
	outbox    repository.Outbox
	metrics   repository.Metrics
	log       *logger.Logger

	mu        sync.Mutex
	closed    bool
	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

type Option func(*EstimationService)

func WithClock(clock func() time.Time) Option {
	return func(s *EstimationService) { s.clock = clock }
}

func WithOutbox(o repository.Outbox) Option {
	return func(s *EstimationService) { s.outbox = o }
}

func WithMetrics(m repository.Metrics) Option {
	return func(s *EstimationService) { s.metrics = m }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *EstimationService) { s.log = l }
}

func NewEstimationService(cfg ServiceConfig, opts ...Option) *EstimationService {
	s := &EstimationService{cfg: cfg, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.outbox == nil {
		s.outbox = noopOutbox{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if cfg.Aggregator.LockTimeout == 0 {
		cfg.Aggregator.LockTimeout = cfg.LockTimeout
	}
	if s.cfg.TombstoneTTL <= 0 {
		s.cfg.TombstoneTTL = defaultTombstoneTTL
	}
	s.estimator = NewOrderEstimator(cfg.Estimator, s.clock)
	s.agg = NewRushAggregator(cfg.Aggregator, s.clock, s.outbox, s.metrics)
	s.bus = NewSignalBus(cfg.LockTimeout, s.handle)
	return s
}

// Submit applies one signal. Rejections are returned as *models.EventError
// and never affect other orders.
func (s *EstimationService) Submit(ctx context.Context, ev models.SignalEvent) error {
	start := time.Now()
	err := s.bus.Submit(ctx, ev)
	s.metrics.RecordLatency("submit", time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = models.ErrorCode(err)
		s.metrics.RecordError(result)
	}
	s.metrics.RecordSignal(string(ev.Kind), result)
	return err
}

// handle runs under the order lock.
func (s *EstimationService) handle(ctx context.Context, ev models.SignalEvent) error {
	tr, err := s.estimator.Apply(ev)
	if tr.Order != nil {
		s.outbox.OrderChanged(tr.Order)
		s.outbox.Audited(tr.Audit)
	}
	if err != nil {
		s.log.Warn("signal rejected",
			logger.String("order_id", ev.OrderID),
			logger.String("kind", string(ev.Kind)),
			logger.Error(err))
		return err
	}

	o := tr.Order
	if len(tr.NewBiasReasons) > 0 {
		for _, r := range tr.NewBiasReasons {
			s.metrics.RecordBias(r)
		}
		s.log.Info("ready mark flagged",
			logger.String("order_id", o.ID),
			logger.String("restaurant_id", o.RestaurantID),
			logger.Strings("reasons", o.BiasReasons))
	}
	if o.Anomaly != "" && tr.Retired {
		s.log.Info("order anomaly",
			logger.String("order_id", o.ID),
			logger.String("anomaly", o.Anomaly))
	}

	switch {
	case tr.Entered:
		s.track(ctx, o)
	case tr.Retired:
		s.retire(ctx, o)
	}
	return nil
}

// The order transition is already committed when these run, so a contended
// restaurant lock is logged rather than returned; the next recompute catches up.
func (s *EstimationService) track(ctx context.Context, o *models.Order) {
	if _, err := s.agg.Track(ctx, o.RestaurantID, o.ID, o.Source); err != nil {
		s.log.Warn("rush recompute deferred",
			logger.String("restaurant_id", o.RestaurantID),
			logger.Error(err))
	}
}

func (s *EstimationService) retire(ctx context.Context, o *models.Order) {
	if _, err := s.agg.Retire(ctx, o.RestaurantID, o.ID); err != nil {
		s.log.Warn("rush recompute deferred",
			logger.String("restaurant_id", o.RestaurantID),
			logger.Error(err))
	}
}

// GetOrderEstimate returns the current estimate for an order.
func (s *EstimationService) GetOrderEstimate(orderID string) (models.OrderEstimate, error) {
	o, ok := s.estimator.Get(orderID)
	if !ok {
		return models.OrderEstimate{}, fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
	}
	return o.Estimate(), nil
}

// GetOrderAudit returns up to limit of the most recent audit entries.
func (s *EstimationService) GetOrderAudit(orderID string, limit int) ([]models.AuditEntry, error) {
	o, ok := s.estimator.Get(orderID)
	if !ok {
		return nil, fmt.Errorf("%w: order %s", models.ErrNotFound, orderID)
	}
	entries := o.Audit
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]models.AuditEntry(nil), entries...), nil
}

// GetRushIndex returns the restaurant's current rush index. Unknown
// restaurants report the zero state.
func (s *EstimationService) GetRushIndex(restaurantID string) models.RushIndex {
	return s.agg.Get(restaurantID)
}

// Subscribe follows rush index changes for a restaurant.
func (s *EstimationService) Subscribe(restaurantID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, models.ErrServiceClosed
	}
	return s.agg.Subscribe(restaurantID), nil
}

// Unsubscribe is equivalent to sub.Close.
func (s *EstimationService) Unsubscribe(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// Restore reloads persisted orders and rebuilds the active sets.
func (s *EstimationService) Restore(ctx context.Context, orders []*models.Order) (int, error) {
	active := s.estimator.Restore(orders)
	var errs []error
	for _, o := range active {
		if _, err := s.agg.Track(ctx, o.RestaurantID, o.ID, o.Source); err != nil {
			errs = append(errs, err)
		}
	}
	return len(active), errors.Join(errs...)
}

// Sweep abandons idle orders, purges expired ones and catches up deferred
// rush recomputes.
func (s *EstimationService) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.clock()

	for _, id := range s.estimator.Inactive(now, s.cfg.AbandonTimeout) {
		err := s.bus.WithOrderLock(ctx, id, func() error {
			tr, ok := s.estimator.Abandon(id, now, s.cfg.AbandonTimeout)
			if !ok {
				return nil
			}
			res.Abandoned++
			s.outbox.OrderChanged(tr.Order)
			s.outbox.Audited(tr.Audit)
			s.metrics.RecordSignal(string(models.KindSweep), models.AnomalyAbandoned)
			s.log.Info("order abandoned",
				logger.String("order_id", id),
				logger.String("restaurant_id", tr.Order.RestaurantID),
				logger.String("last_status", string(tr.From)))
			s.retire(ctx, tr.Order)
			return nil
		})
		if err != nil {
			s.log.Warn("abandon skipped", logger.String("order_id", id), logger.Error(err))
		}
	}

	for _, id := range s.estimator.Expired(now, s.cfg.Retention) {
		_ = s.bus.WithOrderLock(ctx, id, func() error {
			if s.estimator.Purge(id, now, s.cfg.Retention) {
				res.Purged++
			}
			return nil
		})
	}

	res.Forgotten = s.estimator.ForgetTombstones(now, s.cfg.TombstoneTTL)
	res.Recomputed = s.agg.RecomputeDirty(ctx)
	res.Pruned = s.agg.Prune()
	return res
}

// Start launches the periodic sweeper.
func (s *EstimationService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.stopSweep != nil || s.cfg.SweepInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stopSweep = cancel
	s.sweepDone = make(chan struct{})

	go func() {
		defer close(s.sweepDone)
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				res := s.Sweep(ctx)
				if res.Abandoned > 0 || res.Purged > 0 {
					s.log.Debug("sweep",
						logger.Int("abandoned", res.Abandoned),
						logger.Int("purged", res.Purged),
					logger.Int("restaurants", s.agg.Restaurants()),
						logger.Int("orders", s.estimator.Len()))
				}
			}
		}
	}()
}

// Shutdown stops accepting signals, drains in-flight ones, stops the sweeper
// and closes every subscription.
func (s *EstimationService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop, done := s.stopSweep, s.sweepDone
	s.mu.Unlock()

	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	err := s.bus.Close(ctx)
	s.agg.Close()
	return err
}

// Orders returns snapshots of every order held in memory.
func (s *EstimationService) Orders() []*models.Order {
	s.estimator.mu.RLock()
	defer s.estimator.mu.RUnlock()
	out := make([]*models.Order, 0, len(s.estimator.orders))
	for _, o := range s.estimator.orders {
		out = append(out, o)
	}
	return out
}
