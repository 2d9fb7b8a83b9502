package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunState string

const (
	RunPending         RunState = "pending"
	RunRunning         RunState = "running"
	RunCompleted       RunState = "completed"
	RunPartiallyFailed RunState = "partially_failed"
)

// Failure kinds recorded per unit.
const (
	FailFetchTransient = "fetch_transient"
	FailFetchPermanent = "fetch_permanent"
	FailStoreIO        = "store_io"
)

// Unit is one (area, stay date) fetch.
type Unit struct {
	Area     Area
	StayDate time.Time
	Nights   int
}

func (u Unit) CheckOut() time.Time { return u.StayDate.AddDate(0, 0, u.Nights) }

type UnitFailure struct {
	Unit   Unit
	Kind   string
	Reason string
}

type RunStats struct {
	UnitsAttempted   int
	UnitsSucceeded   int
	UnitsFailed      int
	UnitsSkipped     int
	RecordsInserted  int
	RecordsDuplicate int
	RecordsRejected  int
	HotelAnomalies   int
	FailuresByKind   map[string]int
	RejectionsByWhy  map[string]int
}

type Run struct {
	ID         uuid.UUID
	Area       Area
	State      RunState
	Cancelled  bool
	StartedAt  time.Time
	FinishedAt time.Time
	Stats      RunStats
	Failures   []UnitFailure
}

func NewRun(area Area) *Run {
	return &Run{
		ID:    uuid.New(),
		Area:  area,
		State: RunPending,
		Stats: RunStats{
			FailuresByKind:  map[string]int{},
			RejectionsByWhy: map[string]int{},
		},
	}
}
