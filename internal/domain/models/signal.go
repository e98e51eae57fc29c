package models

import (
	"fmt"
	"time"
)

// SignalKind enumerates the events accepted by the signal bus.
type SignalKind string

const (
	KindOrderPlaced            SignalKind = "OrderPlaced"
	KindManualReadyMarked      SignalKind = "ManualReadyMarked"
	KindKdsStageUpdated        SignalKind = "KdsStageUpdated"
	KindRiderProximityDetected SignalKind = "RiderProximityDetected"
	KindOrderPickedUp          SignalKind = "OrderPickedUp"
)

// KindSweep is used for audit entries produced by the abandonment sweep.
const KindSweep SignalKind = "AbandonSweep"

// IsValid reports whether k is one of the submit-able kinds.
func (k SignalKind) IsValid() bool {
	switch k {
	case KindOrderPlaced, KindManualReadyMarked, KindKdsStageUpdated,
		KindRiderProximityDetected, KindOrderPickedUp:
		return true
	default:
		return false
	}
}

// SignalPayload carries kind-specific data. Only the field relevant to the
// event kind is read.
type SignalPayload struct {
	Source         Source   `json:"source,omitempty"`
	Stage          KdsStage `json:"stage,omitempty"`
	DistanceMeters *float64 `json:"distance_m,omitempty"`
}

// SignalEvent is a timestamped signal for one order.
type SignalEvent struct {
	OrderID      string        `json:"order_id"`
	RestaurantID string        `json:"restaurant_id"`
	Kind         SignalKind    `json:"kind"`
	Timestamp    time.Time     `json:"timestamp"`
	Payload      SignalPayload `json:"payload"`
}

// Validate checks the envelope; kind-specific checks happen in the estimator.
func (e SignalEvent) Validate() error {
	if e.OrderID == "" {
		return fmt.Errorf("%w: order_id is required", ErrInvalidEvent)
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}
	if e.Kind == KindOrderPlaced {
		if e.RestaurantID == "" {
			return fmt.Errorf("%w: restaurant_id is required for %s", ErrInvalidEvent, e.Kind)
		}
		if !e.Payload.Source.IsValid() {
			return fmt.Errorf("%w: unknown source %q", ErrInvalidEvent, e.Payload.Source)
		}
	}
	return nil
}
