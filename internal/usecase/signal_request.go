package usecase

import (
	"fmt"
	"time"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/pkg/util"
)

// SignalFromRequest builds a SignalEvent from transport input. Client
// timestamps are honoured only when trusted; otherwise the event is stamped
// with now.
func SignalFromRequest(req models.SignalRequest, now time.Time, trustTimestamps bool) (models.SignalEvent, error) {
	ev := models.SignalEvent{
		OrderID:      req.OrderID,
		RestaurantID: req.RestaurantID,
		Kind:         models.SignalKind(req.Kind),
		Timestamp:    now,
	}
	if trustTimestamps && req.Timestamp != "" {
		ts, ok := util.ParseTime(req.Timestamp)
		if !ok {
			return ev, fmt.Errorf("%w: bad timestamp %q", models.ErrInvalidEvent, req.Timestamp)
		}
		ev.Timestamp = ts
	}

	switch ev.Kind {
	case models.KindOrderPlaced:
		src, err := models.ParseSource(req.Source)
		if err != nil {
			return ev, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
		}
		ev.Payload.Source = src
	case models.KindKdsStageUpdated:
		st, err := models.ParseKdsStage(req.Stage)
		if err != nil {
			return ev, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
		}
		ev.Payload.Stage = st
	case models.KindRiderProximityDetected:
		ev.Payload.DistanceMeters = req.DistanceMeters
	}
	return ev, ev.Validate()
}
