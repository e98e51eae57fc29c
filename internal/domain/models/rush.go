package models

import "time"

// RushStatus is the congestion band derived from the rush index.
type RushStatus string

const (
	RushLow      RushStatus = "Low"
	RushModerate RushStatus = "Moderate"
	RushHigh     RushStatus = "High"
)

// SourceVolume is the per-source contribution to a rush index.
type SourceVolume struct {
	Active    int     `json:"active"`
	VolumePct float64 `json:"volume_pct"`
	Weight    float64 `json:"weight"`
}

// RushIndex is a published congestion snapshot for one restaurant.
type RushIndex struct {
	RestaurantID string                  `json:"restaurant_id"`
	Index        int                     `json:"index"`
	Status       RushStatus              `json:"status"`
	TotalActive  int                     `json:"total_active"`
	BySource     map[Source]SourceVolume `json:"by_source"`
	Version      uint64                  `json:"version"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// ZeroRushIndex is the state of a restaurant with no active orders.
func ZeroRushIndex(restaurantID string, weights map[Source]float64) RushIndex {
	by := make(map[Source]SourceVolume, len(AllSources))
	for _, s := range AllSources {
		by[s] = SourceVolume{Weight: weights[s]}
	}
	return RushIndex{RestaurantID: restaurantID, Status: RushLow, BySource: by}
}

// SameValue reports whether two snapshots publish the same congestion value.
func (r RushIndex) SameValue(o RushIndex) bool {
	if r.Index != o.Index || r.Status != o.Status || r.TotalActive != o.TotalActive {
		return false
	}
	for _, s := range AllSources {
		if r.BySource[s].Active != o.BySource[s].Active {
			return false
		}
	}
	return true
}

// Clone deep-copies the per-source map.
func (r RushIndex) Clone() RushIndex {
	c := r
	c.BySource = make(map[Source]SourceVolume, len(r.BySource))
	for k, v := range r.BySource {
		c.BySource[k] = v
	}
	return c
}
