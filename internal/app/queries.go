package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hotelprice/internal/analysis"
	"hotelprice/internal/domain"
	"hotelprice/internal/venue"
)

// CompareQuery selects a comparison of the venue's event window against one
// of its baselines. Empty Baseline means the default one.
type CompareQuery struct {
	Baseline   string
	Area       string
	LatestOnly bool
}

// AnalysisService is the read side: cached comparisons plus raw series.
type AnalysisService struct {
	engine   *analysis.Engine
	store    domain.ObservationReader
	cache    domain.Cache // optional
	venue    venue.Reference
	cacheTTL time.Duration
}

func NewAnalysisService(store domain.ObservationReader, c domain.Cache, ref venue.Reference, ttl time.Duration) *AnalysisService {
	return &AnalysisService{
		engine:   analysis.NewEngine(store, ref),
		store:    store,
		cache:    c,
		venue:    ref,
		cacheTTL: ttl,
	}
}

func (s *AnalysisService) Venue() venue.Reference { return s.venue }

func (s *AnalysisService) Compare(ctx context.Context, q CompareQuery) ([]domain.HotelPriceDelta, error) {
	baseline, err := s.venue.Baseline(q.Baseline)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuery, err)
	}
	key := compareKey(s.venue.Event, baseline, q.Area, q.LatestOnly)

	var out []domain.HotelPriceDelta
	if s.cache != nil {
		if ok, _ := s.cache.Get(ctx, key, &out); ok {
			return out, nil
		}
	}
	out, err = s.engine.Compare(ctx, s.venue.Event, baseline, q.Area, analysis.Options{LatestOnly: q.LatestOnly})
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, out)
	return out, nil
}

// CompareBuckets summarises a comparison by distance band. Nil edges use
// analysis.DefaultEdgesKm.
func (s *AnalysisService) CompareBuckets(ctx context.Context, q CompareQuery, edgesKm []float64) ([]domain.DistanceBucket, domain.Trend, error) {
	ds, err := s.Compare(ctx, q)
	if err != nil {
		return nil, domain.Trend{}, err
	}
	if len(edgesKm) == 0 {
		edgesKm = analysis.DefaultEdgesKm
	}
	return analysis.Buckets(ds, edgesKm), analysis.Trend(ds), nil
}

// HotelObservations returns the hotel and its full price history.
func (s *AnalysisService) HotelObservations(ctx context.Context, id string) (domain.Hotel, []domain.Observation, error) {
	h, err := s.store.GetHotel(ctx, id)
	if err != nil {
		return domain.Hotel{}, nil, err
	}
	key := hotelSeriesKey(id)
	var series []domain.Observation
	if s.cache != nil {
		if ok, _ := s.cache.Get(ctx, key, &series); ok {
			return h, series, nil
		}
	}
	series, err = s.store.QueryByHotel(ctx, id)
	if err != nil {
		return domain.Hotel{}, nil, err
	}
	s.put(ctx, key, series)
	return h, series, nil
}

// Observations is not cached: ranges are arbitrary and rarely repeated.
func (s *AnalysisService) Observations(ctx context.Context, from, to time.Time) ([]domain.Observation, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range %s..%s is inverted", ErrBadQuery, from.Format(domain.DateLayout), to.Format(domain.DateLayout))
	}
	return s.store.QueryByDateRange(ctx, from, to)
}

func (s *AnalysisService) put(ctx context.Context, key string, v any) {
	if s.cache == nil {
		return
	}
	// optional size guard
	if b, _ := json.Marshal(v); len(b) < 1_000_000 {
		_ = s.cache.Set(ctx, key, v, int(s.cacheTTL.Seconds()))
	}
}
