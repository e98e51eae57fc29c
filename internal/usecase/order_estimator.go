package usecase

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"kitchenpulse/internal/domain/models"
)

const maxAuditEntries = 128

// EstimatorConfig tunes the bias-correction algorithm.
type EstimatorConfig struct {
	ProximityBiasWindow      time.Duration
	CorrectionFactor         float64
	ProximityThresholdMeters float64
}

// Transition describes what one signal did to an order.
type Transition struct {
	Order           *models.Order
	From            models.OrderStatus
	To              models.OrderStatus
	Entered         bool // joined the active set
	Retired         bool // left the active set
	EstimateChanged bool
	NewBiasReasons  []string // reasons this signal added
	Audit           models.AuditEntry
}

// OrderEstimator owns the per-order state machine. Callers must serialize
// Apply, Abandon and Purge per order id; reads are safe at any time because
// published orders are never mutated, each change installs a new copy.
type OrderEstimator struct {
	cfg   EstimatorConfig
	clock func() time.Time

	mu     sync.RWMutex
	orders map[string]*models.Order
	// purged order ids and when they retired
	tombstones map[string]time.Time
}

func NewOrderEstimator(cfg EstimatorConfig, clock func() time.Time) *OrderEstimator {
	if clock == nil {
		clock = time.Now
	}
	return &OrderEstimator{
		cfg:        cfg,
		clock:      clock,
		orders:     make(map[string]*models.Order),
		tombstones: make(map[string]time.Time),
	}
}

// Get returns the current snapshot of an order.
func (e *OrderEstimator) Get(id string) (*models.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	return o, ok
}

// Len returns the number of orders held in memory.
func (e *OrderEstimator) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.orders)
}

func (e *OrderEstimator) put(o *models.Order) {
	e.mu.Lock()
	e.orders[o.ID] = o
	e.mu.Unlock()
}

// Apply runs one signal through the state machine.
func (e *OrderEstimator) Apply(ev models.SignalEvent) (Transition, error) {
	now := e.clock()
	cur, exists := e.Get(ev.OrderID)
	if !exists && e.purged(ev.OrderID) {
		return Transition{}, models.NewEventError(ev, models.ErrTerminalState)
	}

	if ev.Kind == models.KindOrderPlaced {
		if exists {
			if cur.IsTerminal() {
				return e.reject(cur, ev, now, models.ErrTerminalState, "")
			}
			return e.reject(cur, ev, now, models.ErrDuplicateOrder, "")
		}
		o := &models.Order{
			ID:             ev.OrderID,
			RestaurantID:   ev.RestaurantID,
			Source:         ev.Payload.Source,
			PlacedAt:       ev.Timestamp,
			Status:         models.StatusPlaced,
			LastActivityAt: now,
		}
		tr := Transition{To: models.StatusPlaced, Entered: true}
		return e.commit(o, ev, now, tr, models.AuditApplied, "source="+string(o.Source)), nil
	}

	if !exists {
		return Transition{}, models.NewEventError(ev, models.ErrUnknownOrder)
	}
	if cur.IsTerminal() {
		return e.reject(cur, ev, now, models.ErrTerminalState, string(cur.Status))
	}
	if ev.RestaurantID != "" && ev.RestaurantID != cur.RestaurantID {
		return e.reject(cur, ev, now, models.ErrInvalidEvent, "restaurant mismatch: "+ev.RestaurantID)
	}
	if ev.Timestamp.Before(cur.PlacedAt) {
		return e.reject(cur, ev, now, models.ErrStaleEvent, "event precedes placement")
	}

	o := cur.Clone()
	o.LastActivityAt = now
	tr := Transition{From: cur.Status}

	switch ev.Kind {
	case models.KindKdsStageUpdated:
		return e.applyStage(cur, o, ev, now, tr)
	case models.KindRiderProximityDetected:
		return e.applyProximity(cur, o, ev, now, tr)
	case models.KindManualReadyMarked:
		if o.ManualReadyAt != nil {
			return e.reject(cur, ev, now, models.ErrDuplicateMark, "already marked at "+o.ManualReadyAt.Format(time.RFC3339))
		}
		t := ev.Timestamp
		o.ManualReadyAt = &t
		o.KdsStageAtMark = o.KdsStage
		o.Status = models.StatusManuallyMarked
		e.correct(o)
		return e.commit(o, ev, now, tr, auditOutcome(o), correctionDetail(o)), nil
	case models.KindOrderPickedUp:
		t := ev.Timestamp
		o.PickedUpAt = &t
		o.RetiredAt = &now
		tr.Retired = true
		if !o.IsReady() {
			// no ready signal was ever trustworthy
			o.CorrectedReadyAt = &t
			o.BiasDetected = true
			o.BiasReasons = []string{models.BiasReasonNoReadyMark}
			o.Anomaly = models.AnomalyPickupBeforeReady
			o.Status = models.StatusBiasFlagged
			return e.commit(o, ev, now, tr, models.AuditAnomaly, models.AnomalyPickupBeforeReady), nil
		}
		o.Status = models.StatusPickedUp
		return e.commit(o, ev, now, tr, models.AuditApplied, ""), nil
	}
	return e.reject(cur, ev, now, models.ErrInvalidEvent, "unsupported kind")
}

func (e *OrderEstimator) applyStage(cur, o *models.Order, ev models.SignalEvent, now time.Time, tr Transition) (Transition, error) {
	st := ev.Payload.Stage
	if st < models.KdsNone || st > models.KdsReady {
		return e.reject(cur, ev, now, models.ErrInvalidEvent, fmt.Sprintf("stage %d", int(st)))
	}
	if st < o.KdsStage {
		return e.reject(cur, ev, now, models.ErrInvalidStageTransition, o.KdsStage.String()+" -> "+st.String())
	}
	if st == o.KdsStage {
		return e.commit(o, ev, now, tr, models.AuditNoop, "stage unchanged: "+st.String()), nil
	}
	detail := o.KdsStage.String() + " -> " + st.String()
	o.KdsStage = st
	if o.Status == models.StatusPlaced && st >= models.KdsStarted {
		o.Status = models.StatusPreparing
	}
	return e.commit(o, ev, now, tr, models.AuditApplied, detail), nil
}

func (e *OrderEstimator) applyProximity(cur, o *models.Order, ev models.SignalEvent, now time.Time, tr Transition) (Transition, error) {
	if d := ev.Payload.DistanceMeters; d != nil && *d > e.cfg.ProximityThresholdMeters {
		return e.commit(o, ev, now, tr, models.AuditNoop, fmt.Sprintf("outside threshold: %.0fm", *d)), nil
	}
	if o.RiderProximityAt != nil {
		return e.commit(o, ev, now, tr, models.AuditNoop, "proximity already recorded"), nil
	}
	t := ev.Timestamp
	o.RiderProximityAt = &t
	if o.ManualReadyAt != nil {
		// proximity reported after the mark was submitted
		e.correct(o)
		return e.commit(o, ev, now, tr, auditOutcome(o), correctionDetail(o)), nil
	}
	return e.commit(o, ev, now, tr, models.AuditApplied, ""), nil
}

// correct resolves a marked order into Validated or BiasFlagged.
func (e *OrderEstimator) correct(o *models.Order) {
	corrected, reasons := Correct(o.PlacedAt, *o.ManualReadyAt, o.RiderProximityAt, o.KdsStageAtMark, e.cfg)
	o.CorrectedReadyAt = &corrected
	o.BiasDetected = len(reasons) > 0
	o.BiasReasons = reasons
	if o.BiasDetected {
		o.Status = models.StatusBiasFlagged
	} else {
		o.Status = models.StatusValidated
	}
}

// Correct computes the corrected ready time for a manual mark. A rider
// proximity reading inside the bias window before the mark stretches the
// elapsed prep time by the correction factor; a kitchen display that had not
// reached ready at mark time only flags the mark. The result never precedes
// placedAt.
func Correct(placedAt, markedAt time.Time, proximityAt *time.Time, stageAtMark models.KdsStage, cfg EstimatorConfig) (time.Time, []string) {
	corrected := markedAt
	var reasons []string

	if proximityAt != nil && proximityAt.Before(markedAt) && markedAt.Sub(*proximityAt) <= cfg.ProximityBiasWindow {
		reasons = append(reasons, models.BiasReasonProximity)
		elapsed := markedAt.Sub(placedAt)
		corrected = placedAt.Add(time.Duration(float64(elapsed) * cfg.CorrectionFactor))
	}
	if stageAtMark < models.KdsReady {
		reasons = append(reasons, models.BiasReasonKdsMismatch)
	}
	if corrected.Before(placedAt) {
		corrected = placedAt
	}
	return corrected, reasons
}

// Inactive lists non-terminal orders idle for longer than timeout.
func (e *OrderEstimator) Inactive(now time.Time, timeout time.Duration) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for id, o := range e.orders {
		if !o.IsTerminal() && now.Sub(o.LastActivityAt) > timeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Abandon retires an idle order. It re-checks inactivity so a signal that
// arrived after Inactive listed the order keeps it alive.
func (e *OrderEstimator) Abandon(id string, now time.Time, timeout time.Duration) (Transition, bool) {
	cur, ok := e.Get(id)
	if !ok || cur.IsTerminal() || now.Sub(cur.LastActivityAt) <= timeout {
		return Transition{}, false
	}
	o := cur.Clone()
	o.Status = models.StatusAbandoned
	o.RetiredAt = &now
	o.Anomaly = models.AnomalyAbandoned
	tr := Transition{From: cur.Status, Retired: true}
	ev := models.SignalEvent{OrderID: id, RestaurantID: o.RestaurantID, Kind: models.KindSweep, Timestamp: now}
	detail := fmt.Sprintf("idle since %s", cur.LastActivityAt.Format(time.RFC3339))
	return e.commit(o, ev, now, tr, models.AuditAnomaly, detail), true
}

// Expired lists terminal orders retired longer than retention ago.
func (e *OrderEstimator) Expired(now time.Time, retention time.Duration) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ids []string
	for id, o := range e.orders {
		if o.RetiredAt != nil && now.Sub(*o.RetiredAt) > retention {
			ids = append(ids, id)
		}
	}
	return ids
}

// Purge drops a retired order from memory, leaving a tombstone so late
// signals for it are still rejected as terminal.
func (e *OrderEstimator) Purge(id string, now time.Time, retention time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.RetiredAt == nil || now.Sub(*o.RetiredAt) <= retention {
		return false
	}
	delete(e.orders, id)
	e.tombstones[id] = *o.RetiredAt
	return true
}

// ForgetTombstones drops tombstones of orders retired more than ttl ago.
func (e *OrderEstimator) ForgetTombstones(now time.Time, ttl time.Duration) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, retired := range e.tombstones {
		if now.Sub(retired) > ttl {
			delete(e.tombstones, id)
			n++
		}
	}
	return n
}

// Tombstones returns the number of purged ids still remembered.
func (e *OrderEstimator) Tombstones() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tombstones)
}

func (e *OrderEstimator) purged(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tombstones[id]
	return ok
}

// Restore installs previously persisted orders and returns the ones still active.
func (e *OrderEstimator) Restore(orders []*models.Order) []*models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var active []*models.Order
	for _, o := range orders {
		if o == nil || o.ID == "" {
			continue
		}
		e.orders[o.ID] = o
		delete(e.tombstones, o.ID)
		if !o.IsTerminal() {
			active = append(active, o)
		}
	}
	return active
}

func (e *OrderEstimator) commit(o *models.Order, ev models.SignalEvent, now time.Time, tr Transition, outcome, detail string) Transition {
	entry := models.AuditEntry{
		OrderID:      o.ID,
		RestaurantID: o.RestaurantID,
		At:           now,
		EventAt:      ev.Timestamp,
		Kind:         ev.Kind,
		Outcome:      outcome,
		Detail:       detail,
	}
	appendAudit(o, entry)

	prev, _ := e.Get(o.ID)
	e.put(o)

	tr.Order = o
	tr.To = o.Status
	tr.Audit = entry
	tr.EstimateChanged = prev == nil || estimateChanged(prev, o)
	tr.NewBiasReasons = addedReasons(prev, o)
	return tr
}

func addedReasons(prev, o *models.Order) []string {
	var added []string
	for _, r := range o.BiasReasons {
		if prev == nil || !slices.Contains(prev.BiasReasons, r) {
			added = append(added, r)
		}
	}
	return added
}

func (e *OrderEstimator) reject(cur *models.Order, ev models.SignalEvent, now time.Time, cause error, detail string) (Transition, error) {
	err := models.NewEventError(ev, cause)
	o := cur.Clone()
	entry := models.AuditEntry{
		OrderID:      o.ID,
		RestaurantID: o.RestaurantID,
		At:           now,
		EventAt:      ev.Timestamp,
		Kind:         ev.Kind,
		Outcome:      models.AuditRejected,
		Detail:       detail,
		Error:        models.ErrorCode(cause),
	}
	appendAudit(o, entry)
	e.put(o)
	return Transition{Order: o, From: o.Status, To: o.Status, Audit: entry}, err
}

func appendAudit(o *models.Order, entry models.AuditEntry) {
	o.Audit = append(o.Audit, entry)
	if n := len(o.Audit); n > maxAuditEntries {
		o.Audit = append([]models.AuditEntry(nil), o.Audit[n-maxAuditEntries:]...)
	}
}

func estimateChanged(a, b *models.Order) bool {
	if a.Status != b.Status || a.BiasDetected != b.BiasDetected {
		return true
	}
	switch {
	case a.CorrectedReadyAt == nil && b.CorrectedReadyAt == nil:
		return false
	case a.CorrectedReadyAt == nil || b.CorrectedReadyAt == nil:
		return true
	default:
		return !a.CorrectedReadyAt.Equal(*b.CorrectedReadyAt)
	}
}

func auditOutcome(o *models.Order) string {
	if o.BiasDetected {
		return models.AuditCorrected
	}
	return models.AuditApplied
}

func correctionDetail(o *models.Order) string {
	if o.CorrectedReadyAt == nil {
		return ""
	}
	return fmt.Sprintf("status=%s corrected=%s reasons=%v", o.Status, o.CorrectedReadyAt.Format(time.RFC3339), o.BiasReasons)
}
