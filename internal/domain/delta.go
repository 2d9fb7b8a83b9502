package domain

type DeltaStatus string

const (
	DeltaComplete   DeltaStatus = "complete"
	DeltaIncomplete DeltaStatus = "incomplete"
)

// Incomplete reasons.
const (
	IncompleteNoBaseline   = "no_baseline"
	IncompleteNoEvent      = "no_event"
	IncompleteZeroBaseline = "zero_baseline"
)

type RoomTypeDelta struct {
	RoomType      string   `json:"room_type"`
	EventPrice    *float64 `json:"event_price,omitempty"`
	BaselinePrice *float64 `json:"baseline_price,omitempty"`
	Ratio         *float64 `json:"delta_ratio,omitempty"`
}

// HotelPriceDelta is one row of an event-vs-baseline comparison.
// Ratio is nil whenever Status is incomplete.
type HotelPriceDelta struct {
	HotelID       string          `json:"hotel_id"`
	Name          string          `json:"name"`
	DistanceKm    *float64        `json:"distance_km,omitempty"`
	WalkMinutes   *int            `json:"walk_minutes,omitempty"`
	EventPrice    *float64        `json:"event_price,omitempty"`
	BaselinePrice *float64        `json:"baseline_price,omitempty"`
	Ratio         *float64        `json:"delta_ratio,omitempty"`
	Status        DeltaStatus     `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	RoomTypes     []RoomTypeDelta `json:"room_types,omitempty"`
}

type DistanceBucket struct {
	MinKm             float64  `json:"min_km"`
	MaxKm             *float64 `json:"max_km,omitempty"` // nil = open-ended
	Hotels            int      `json:"hotels"`
	MedianRatio       *float64 `json:"median_ratio,omitempty"`
	WeightedMeanRatio *float64 `json:"weighted_mean_ratio,omitempty"`
}

type Trend struct {
	Hotels   int      `json:"hotels"`
	Spearman *float64 `json:"spearman,omitempty"`
}
