package models

// Requests for the estimation HTTP endpoints.

type SignalRequest struct {
	OrderID        string   `json:"order_id" validate:"required,max=128"`
	RestaurantID   string   `json:"restaurant_id" validate:"omitempty,max=128"`
	Kind           string   `json:"kind" validate:"required,oneof=OrderPlaced ManualReadyMarked KdsStageUpdated RiderProximityDetected OrderPickedUp"`
	Timestamp      string   `json:"timestamp"`
	Source         string   `json:"source" validate:"omitempty,max=32"`
	Stage          string   `json:"stage" validate:"omitempty,max=32"`
	DistanceMeters *float64 `json:"distance_m" validate:"omitempty,gte=0"`
}

type OrderRequest struct {
	OrderID string `param:"id" validate:"required"`
}

type RushRequest struct {
	RestaurantID string `param:"id" validate:"required"`
}

type AuditRequest struct {
	OrderID string `param:"id" validate:"required"`
	Limit   int    `query:"limit" default:"50" validate:"gte=1,lte=128"`
}
