package domain

import (
	"context"
	"iter"
	"time"
)

type HotelStore interface {
	// Write paths
	UpsertHotel(ctx context.Context, h Hotel) (id string, anomaly bool, err error)
	InsertObservation(ctx context.Context, o Observation) (inserted bool, err error)
	SaveRun(ctx context.Context, r *Run) error
	Ping(ctx context.Context) error

	ObservationReader
}

type ObservationReader interface {
	QueryByDateRange(ctx context.Context, start, end time.Time) ([]Observation, error)
	QueryByHotel(ctx context.Context, hotelID string) ([]Observation, error)
	ObservationsInWindow(ctx context.Context, w Window, area string) ([]Observation, error)
	ListHotels(ctx context.Context, area string) ([]Hotel, error)
	GetHotel(ctx context.Context, id string) (Hotel, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, area Area, checkIn, checkOut time.Time) (RawResponse, error)
}

type ListingParser interface {
	Parse(raw RawResponse, stayDate time.Time) iter.Seq[ParseOutcome]
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}
