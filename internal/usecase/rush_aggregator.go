package usecase

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/domain/repository"
	"kitchenpulse/pkg/keylock"
)

// AggregatorConfig holds rush weights and status thresholds.
type AggregatorConfig struct {
	DefaultWeights    map[models.Source]float64
	RestaurantWeights map[string]map[models.Source]float64
	ModerateThreshold int
	HighThreshold     int
	LockTimeout       time.Duration
	SubscriberBuffer  int
}

// RushAggregator maintains the active order set of every restaurant and
// publishes a rush index whenever its value changes.
//
// Membership changes never block: they land in the window under a short
// mutex and mark it dirty. Recomputation runs under the restaurant's keyed
// lock and loops until no change slipped in, so a membership change is never
// lost even if its own recompute times out.
type RushAggregator struct {
	cfg     AggregatorConfig
	clock   func() time.Time
	locks   *keylock.Locker
	outbox  repository.Outbox
	metrics repository.Metrics

	mu      sync.RWMutex
	windows map[string]*restaurantWindow
	nextSub atomic.Uint64
}

type restaurantWindow struct {
	id      string
	weights map[models.Source]float64

	memMu  sync.Mutex
	active map[string]models.Source
	dirty  bool

	published atomic.Pointer[models.RushIndex]

	subMu sync.Mutex
	subs  map[uint64]*Subscription
}

func NewRushAggregator(cfg AggregatorConfig, clock func() time.Time, outbox repository.Outbox, metrics repository.Metrics) *RushAggregator {
	if clock == nil {
		clock = time.Now
	}
	if outbox == nil {
		outbox = noopOutbox{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &RushAggregator{
		cfg:     cfg,
		clock:   clock,
		locks:   keylock.New(),
		outbox:  outbox,
		metrics: metrics,
		windows: make(map[string]*restaurantWindow),
	}
}

// WeightsFor returns the source weights that apply to a restaurant.
func (a *RushAggregator) WeightsFor(restaurantID string) map[models.Source]float64 {
	if w, ok := a.cfg.RestaurantWeights[restaurantID]; ok {
		return w
	}
	return a.cfg.DefaultWeights
}

func (a *RushAggregator) window(restaurantID string, create bool) *restaurantWindow {
	a.mu.RLock()
	w, ok := a.windows[restaurantID]
	a.mu.RUnlock()
	if ok || !create {
		return w
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok = a.windows[restaurantID]; ok {
		return w
	}
	w = &restaurantWindow{
		id:      restaurantID,
		weights: a.WeightsFor(restaurantID),
		active:  make(map[string]models.Source),
		subs:    make(map[uint64]*Subscription),
	}
	a.windows[restaurantID] = w
	return w
}

// attach runs fn on the restaurant's window, creating it if needed. fn runs
// under the registry read lock so Prune cannot detach the window meanwhile.
func (a *RushAggregator) attach(restaurantID string, fn func(w *restaurantWindow)) *restaurantWindow {
	for {
		a.mu.RLock()
		if w, ok := a.windows[restaurantID]; ok {
			fn(w)
			a.mu.RUnlock()
			return w
		}
		a.mu.RUnlock()
		a.window(restaurantID, true)
	}
}

// Track adds an order to the restaurant's active set.
func (a *RushAggregator) Track(ctx context.Context, restaurantID, orderID string, source models.Source) (models.RushIndex, error) {
	w := a.attach(restaurantID, func(w *restaurantWindow) {
		w.memMu.Lock()
		w.active[orderID] = source
		w.dirty = true
		w.memMu.Unlock()
	})
	return a.recompute(ctx, w)
}

// Retire removes an order from the restaurant's active set.
func (a *RushAggregator) Retire(ctx context.Context, restaurantID, orderID string) (models.RushIndex, error) {
	w := a.window(restaurantID, false)
	if w == nil {
		return a.Get(restaurantID), nil
	}
	w.memMu.Lock()
	if _, ok := w.active[orderID]; ok {
		delete(w.active, orderID)
		w.dirty = true
	}
	w.memMu.Unlock()
	return a.recompute(ctx, w)
}

// Recompute republishes the restaurant's index if its value changed.
func (a *RushAggregator) Recompute(ctx context.Context, restaurantID string) (models.RushIndex, error) {
	w := a.window(restaurantID, false)
	if w == nil {
		return a.Get(restaurantID), nil
	}
	return a.recompute(ctx, w)
}

// RecomputeDirty catches up windows whose last recompute did not run.
func (a *RushAggregator) RecomputeDirty(ctx context.Context) int {
	a.mu.RLock()
	var dirty []*restaurantWindow
	for _, w := range a.windows {
		w.memMu.Lock()
		if w.dirty {
			dirty = append(dirty, w)
		}
		w.memMu.Unlock()
	}
	a.mu.RUnlock()

	n := 0
	for _, w := range dirty {
		if _, err := a.recompute(ctx, w); err == nil {
			n++
		}
	}
	return n
}

func (a *RushAggregator) recompute(ctx context.Context, w *restaurantWindow) (models.RushIndex, error) {
	unlock, err := lockWithTimeout(ctx, a.locks, w.id, a.cfg.LockTimeout, "restaurant")
	if err != nil {
		return a.Get(w.id), err
	}
	defer unlock()

	var idx models.RushIndex
	for {
		w.memMu.Lock()
		counts := make(map[models.Source]int, len(models.AllSources))
		for _, src := range w.active {
			counts[src]++
		}
		w.dirty = false
		w.memMu.Unlock()

		idx = a.publish(w, counts)

		w.memMu.Lock()
		again := w.dirty
		w.memMu.Unlock()
		if !again {
			return idx, nil
		}
	}
}

// publish must run under the restaurant lock.
func (a *RushAggregator) publish(w *restaurantWindow, counts map[models.Source]int) models.RushIndex {
	next := ComputeRushIndex(w.id, counts, w.weights, a.cfg.ModerateThreshold, a.cfg.HighThreshold)
	prev := w.published.Load()
	if prev != nil && prev.SameValue(next) {
		return prev.Clone()
	}
	if prev == nil && next.SameValue(models.ZeroRushIndex(w.id, w.weights)) {
		return next
	}
	if prev != nil {
		next.Version = prev.Version + 1
	} else {
		next.Version = 1
	}
	next.UpdatedAt = a.clock()
	w.published.Store(&next)

	a.metrics.RecordRushIndex(w.id, next.Index)
	a.outbox.RushChanged(next.Clone())

	w.subMu.Lock()
	for _, s := range w.subs {
		s.deliver(next.Clone())
	}
	w.subMu.Unlock()
	return next.Clone()
}

// Get returns the last published index, or the zero state.
func (a *RushAggregator) Get(restaurantID string) models.RushIndex {
	if w := a.window(restaurantID, false); w != nil {
		return w.snapshot()
	}
	return models.ZeroRushIndex(restaurantID, a.WeightsFor(restaurantID))
}

func (w *restaurantWindow) snapshot() models.RushIndex {
	if p := w.published.Load(); p != nil {
		return p.Clone()
	}
	return models.ZeroRushIndex(w.id, w.weights)
}

// Subscribe registers a subscriber. The current snapshot is delivered first.
func (a *RushAggregator) Subscribe(restaurantID string) *Subscription {
	id := a.nextSub.Add(1)
	var sub *Subscription
	a.attach(restaurantID, func(w *restaurantWindow) {
		sub = newSubscription(id, restaurantID, a.cfg.SubscriberBuffer, func() {
			w.subMu.Lock()
			delete(w.subs, id)
			w.subMu.Unlock()
		})
		// the snapshot is delivered under subMu so it cannot overtake a newer publish
		w.subMu.Lock()
		w.subs[id] = sub
		sub.deliver(w.snapshot())
		w.subMu.Unlock()
	})
	return sub
}

// Prune forgets restaurants with no active orders, no subscribers and no
// pending recompute whose last published index is empty. It returns the
// number of restaurants dropped.
func (a *RushAggregator) Prune() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, w := range a.windows {
		if w.idle() {
			delete(a.windows, id)
			n++
		}
	}
	return n
}

// Restaurants returns the number of restaurants currently tracked.
func (a *RushAggregator) Restaurants() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.windows)
}

func (w *restaurantWindow) idle() bool {
	w.memMu.Lock()
	busy := len(w.active) > 0 || w.dirty
	w.memMu.Unlock()
	if busy {
		return false
	}
	w.subMu.Lock()
	subs := len(w.subs)
	w.subMu.Unlock()
	if subs > 0 {
		return false
	}
	p := w.published.Load()
	return p == nil || p.TotalActive == 0
}

// Subscribers returns the number of live subscriptions for a restaurant.
func (a *RushAggregator) Subscribers(restaurantID string) int {
	w := a.window(restaurantID, false)
	if w == nil {
		return 0
	}
	w.subMu.Lock()
	defer w.subMu.Unlock()
	return len(w.subs)
}

// Active returns the ids of the orders counted for a restaurant.
func (a *RushAggregator) Active(restaurantID string) []string {
	w := a.window(restaurantID, false)
	if w == nil {
		return nil
	}
	w.memMu.Lock()
	ids := make([]string, 0, len(w.active))
	for id := range w.active {
		ids = append(ids, id)
	}
	w.memMu.Unlock()
	sort.Strings(ids)
	return ids
}

// Close terminates every subscription.
func (a *RushAggregator) Close() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, w := range a.windows {
		w.subMu.Lock()
		for id, s := range w.subs {
			s.terminate()
			delete(w.subs, id)
		}
		w.subMu.Unlock()
	}
}

// ComputeRushIndex derives the index from active counts per source. Each
// source contributes its share of the active volume scaled by its weight;
// the sum is rounded and clamped to 0..100.
func ComputeRushIndex(restaurantID string, counts map[models.Source]int, weights map[models.Source]float64, moderate, high int) models.RushIndex {
	total := 0
	for _, s := range models.AllSources {
		total += counts[s]
	}

	by := make(map[models.Source]models.SourceVolume, len(models.AllSources))
	var score float64
	for _, s := range models.AllSources {
		v := models.SourceVolume{Active: counts[s], Weight: weights[s]}
		if total > 0 {
			v.VolumePct = float64(counts[s]) / float64(total) * 100
		}
		score += v.VolumePct * v.Weight
		by[s] = v
	}

	index := int(math.Round(score))
	if index < 0 {
		index = 0
	}
	if index > 100 {
		index = 100
	}
	return models.RushIndex{
		RestaurantID: restaurantID,
		Index:        index,
		Status:       RushStatusFor(index, moderate, high),
		TotalActive:  total,
		BySource:     by,
	}
}

// RushStatusFor maps an index onto its band; thresholds are exclusive.
func RushStatusFor(index, moderate, high int) models.RushStatus {
	switch {
	case index > high:
		return models.RushHigh
	case index > moderate:
		return models.RushModerate
	default:
		return models.RushLow
	}
}
