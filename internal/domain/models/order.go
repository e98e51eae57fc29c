package models

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies the channel an order came from. It selects the
// aggregation bucket in the rush index.
type Source string

const (
	SourceZomato     Source = "zomato"
	SourceInStore    Source = "in-store"
	SourceCompetitor Source = "competitor"
)

// AllSources lists sources in a stable order for aggregation and output.
var AllSources = []Source{SourceZomato, SourceCompetitor, SourceInStore}

// IsValid reports whether s is a known source.
func (s Source) IsValid() bool {
	switch s {
	case SourceZomato, SourceInStore, SourceCompetitor:
		return true
	default:
		return false
	}
}

// ParseSource normalizes raw input ("In-Store", "instore") into a Source.
func ParseSource(s string) (Source, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "instore" || v == "in_store" {
		v = string(SourceInStore)
	}
	src := Source(v)
	if !src.IsValid() {
		return "", fmt.Errorf("unknown source %q", s)
	}
	return src, nil
}

// KdsStage is the kitchen display preparation stage. Stages are ordered and
// only move forward.
type KdsStage int

const (
	KdsNone KdsStage = iota
	KdsStarted
	KdsPlating
	KdsReady
)

var kdsStageNames = [...]string{"none", "started", "plating", "ready"}

func (s KdsStage) String() string {
	if s < KdsNone || s > KdsReady {
		return fmt.Sprintf("KdsStage(%d)", int(s))
	}
	return kdsStageNames[s]
}

// ParseKdsStage parses the lowercase stage name.
func ParseKdsStage(s string) (KdsStage, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, name := range kdsStageNames {
		if name == v {
			return KdsStage(i), nil
		}
	}
	return KdsNone, fmt.Errorf("unknown kds stage %q", s)
}

func (s KdsStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *KdsStage) UnmarshalText(b []byte) error {
	v, err := ParseKdsStage(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPlaced         OrderStatus = "Placed"
	StatusPreparing      OrderStatus = "Preparing"
	StatusManuallyMarked OrderStatus = "ManuallyMarked"
	StatusValidated      OrderStatus = "Validated"
	StatusBiasFlagged    OrderStatus = "BiasFlagged"
	StatusPickedUp       OrderStatus = "PickedUp"
	StatusAbandoned      OrderStatus = "Abandoned"
)

// Anomaly codes recorded on orders.
const (
	AnomalyPickupBeforeReady = "pickup_before_ready"
	AnomalyAbandoned         = "abandoned"
)

// Bias reasons attached to a correction.
const (
	BiasReasonProximity   = "rider_proximity"
	BiasReasonKdsMismatch = "kds_not_ready"
	BiasReasonNoReadyMark = "no_ready_mark"
)

// Order is the per-order record mutated only by the estimator.
type Order struct {
	ID               string       `json:"id"`
	RestaurantID     string       `json:"restaurant_id"`
	Source           Source       `json:"source"`
	PlacedAt         time.Time    `json:"placed_at"`
	ManualReadyAt    *time.Time   `json:"manual_ready_at,omitempty"`
	KdsStage         KdsStage     `json:"kds_stage"`
	KdsStageAtMark   KdsStage     `json:"kds_stage_at_mark"`
	RiderProximityAt *time.Time   `json:"rider_proximity_at,omitempty"`
	CorrectedReadyAt *time.Time   `json:"corrected_ready_at,omitempty"`
	BiasDetected     bool         `json:"bias_detected"`
	BiasReasons      []string     `json:"bias_reasons,omitempty"`
	Status           OrderStatus  `json:"status"`
	PickedUpAt       *time.Time   `json:"picked_up_at,omitempty"`
	RetiredAt        *time.Time   `json:"retired_at,omitempty"`
	Anomaly          string       `json:"anomaly,omitempty"`
	LastActivityAt   time.Time    `json:"last_activity_at"`
	Audit            []AuditEntry `json:"audit,omitempty"`
}

// IsTerminal reports whether the order no longer accepts signals. An order
// picked up before any ready mark keeps status BiasFlagged but is retired.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusPickedUp || o.Status == StatusAbandoned || o.RetiredAt != nil
}

// IsReady reports whether the order is in one of the ready sub-states.
func (o *Order) IsReady() bool {
	return o.Status == StatusValidated || o.Status == StatusBiasFlagged
}

// Clone returns a deep copy safe to hand out of the critical section.
func (o *Order) Clone() *Order {
	c := *o
	c.ManualReadyAt = cloneTime(o.ManualReadyAt)
	c.RiderProximityAt = cloneTime(o.RiderProximityAt)
	c.CorrectedReadyAt = cloneTime(o.CorrectedReadyAt)
	c.PickedUpAt = cloneTime(o.PickedUpAt)
	c.RetiredAt = cloneTime(o.RetiredAt)
	if o.BiasReasons != nil {
		c.BiasReasons = append([]string(nil), o.BiasReasons...)
	}
	if o.Audit != nil {
		c.Audit = append([]AuditEntry(nil), o.Audit...)
	}
	return &c
}

// Estimate projects the order into the read model served to callers.
func (o *Order) Estimate() OrderEstimate {
	return OrderEstimate{
		OrderID:          o.ID,
		RestaurantID:     o.RestaurantID,
		Source:           o.Source,
		PlacedAt:         o.PlacedAt,
		ManualReadyAt:    cloneTime(o.ManualReadyAt),
		CorrectedReadyAt: cloneTime(o.CorrectedReadyAt),
		BiasDetected:     o.BiasDetected,
		BiasReasons:      append([]string(nil), o.BiasReasons...),
		KdsStage:         o.KdsStage,
		Status:           o.Status,
		Anomaly:          o.Anomaly,
	}
}

// OrderEstimate is the corrected kitchen-ready estimate for one order.
type OrderEstimate struct {
	OrderID          string      `json:"order_id"`
	RestaurantID     string      `json:"restaurant_id"`
	Source           Source      `json:"source"`
	PlacedAt         time.Time   `json:"placed_at"`
	ManualReadyAt    *time.Time  `json:"manual_ready_at,omitempty"`
	CorrectedReadyAt *time.Time  `json:"corrected_ready_at"`
	BiasDetected     bool        `json:"bias_detected"`
	BiasReasons      []string    `json:"bias_reasons,omitempty"`
	KdsStage         KdsStage    `json:"kds_stage"`
	Status           OrderStatus `json:"status"`
	Anomaly          string      `json:"anomaly,omitempty"`
}

// AuditEntry records one signal outcome against an order.
type AuditEntry struct {
	OrderID      string     `json:"order_id"`
	RestaurantID string     `json:"restaurant_id"`
	At           time.Time  `json:"at"`
	EventAt      time.Time  `json:"event_at"`
	Kind         SignalKind `json:"kind"`
	Outcome      string     `json:"outcome"`
	Detail       string     `json:"detail,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Audit outcomes.
const (
	AuditApplied   = "applied"
	AuditNoop      = "noop"
	AuditRejected  = "rejected"
	AuditCorrected = "corrected"
	AuditAnomaly   = "anomaly"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
