package app_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hotelprice/internal/app"
	"hotelprice/internal/domain"
	"hotelprice/internal/venue"
)

var keiyo = domain.Area{Large: "japan", Middle: "tiba", Small: "keiyo"}

func days(ss ...string) []time.Time {
	out := make([]time.Time, 0, len(ss))
	for _, s := range ss {
		d, _ := domain.ParseDay(s)
		out = append(out, d)
	}
	return out
}

func fivePlan() app.RunPlan {
	return app.RunPlan{
		Area:      keiyo,
		StayDates: days("2026-09-12", "2026-09-13", "2026-09-19", "2026-09-20", "2026-09-21"),
		Nights:    1,
	}
}

func newCollector(f domain.Fetcher, p domain.ListingParser, s domain.HotelStore, c domain.Cache) *app.Collector {
	return app.NewCollector(f, p, s, c, venue.TokyoGameShow2026, time.Second)
}

var collectedAt = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

func TestCollector_AllUnitsSucceed(t *testing.T) {
	store := newFakeStore()
	c := newCollector(&fakeFetcher{}, &fakeParser{hotels: []string{"a", "b"}, collected: collectedAt}, store, nil)

	run, err := c.Run(context.Background(), fivePlan())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.State != domain.RunCompleted {
		t.Fatalf("state = %s, want completed", run.State)
	}
	if run.Stats.UnitsAttempted != 5 || run.Stats.UnitsSucceeded != 5 || run.Stats.RecordsInserted != 10 {
		t.Fatalf("unexpected stats: %+v", run.Stats)
	}
	if len(store.runs) != 1 || store.runs[0].ID != run.ID {
		t.Fatalf("run summary not saved")
	}
	h := store.hotels["a"]
	if h.DistanceKm == nil || *h.DistanceKm > 1 {
		t.Fatalf("distance not derived from venue: %+v", h.DistanceKm)
	}
	if h.Area != keiyo.String() {
		t.Fatalf("area = %q", h.Area)
	}
}

func TestCollector_PermanentFailureIsContained(t *testing.T) {
	store := newFakeStore()
	f := &fakeFetcher{errs: map[string]error{
		"2026-09-19": &domain.FetchFailure{Kind: domain.Permanent, Status: 404, Attempts: 1, Err: errors.New("not found")},
	}}
	c := newCollector(f, &fakeParser{hotels: []string{"a", "b"}, collected: collectedAt}, store, nil)

	run, err := c.Run(context.Background(), fivePlan())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.State != domain.RunPartiallyFailed {
		t.Fatalf("state = %s, want partially_failed", run.State)
	}
	if run.Stats.UnitsFailed != 1 || run.Stats.UnitsSucceeded != 4 {
		t.Fatalf("unexpected stats: %+v", run.Stats)
	}
	if run.Stats.FailuresByKind[domain.FailFetchPermanent] != 1 {
		t.Fatalf("failures by kind: %v", run.Stats.FailuresByKind)
	}
	if len(f.calls) != 5 {
		t.Fatalf("run stopped early: %v", f.calls)
	}
	if run.Stats.RecordsInserted != 8 || len(store.obs) != 8 {
		t.Fatalf("want 8 observations from units 1,2,4,5; got %d", len(store.obs))
	}
	for _, o := range store.obs {
		if o.StayDate.Format(domain.DateLayout) == "2026-09-19" {
			t.Fatalf("observation from failed unit: %+v", o)
		}
	}
	if len(run.Failures) != 1 || run.Failures[0].Kind != domain.FailFetchPermanent {
		t.Fatalf("failures: %+v", run.Failures)
	}
}

func TestCollector_TransientExhaustionKind(t *testing.T) {
	f := &fakeFetcher{errs: map[string]error{
		"2026-09-12": &domain.FetchFailure{Kind: domain.Transient, Status: 503, Attempts: 4, Err: errors.New("unavailable")},
	}}
	c := newCollector(f, &fakeParser{hotels: []string{"a"}, collected: collectedAt}, newFakeStore(), nil)

	run, _ := c.Run(context.Background(), fivePlan())
	if run.Stats.FailuresByKind[domain.FailFetchTransient] != 1 {
		t.Fatalf("failures by kind: %v", run.Stats.FailuresByKind)
	}
}

func TestCollector_StoreRetriedOnce(t *testing.T) {
	store := newFakeStore()
	store.failInsert["a"] = 1
	c := newCollector(&fakeFetcher{}, &fakeParser{hotels: []string{"a"}, collected: collectedAt}, store, nil)

	plan := app.RunPlan{Area: keiyo, StayDates: days("2026-09-19")}
	run, _ := c.Run(context.Background(), plan)
	if run.State != domain.RunCompleted || run.Stats.RecordsInserted != 1 {
		t.Fatalf("single store error should be absorbed: %s %+v", run.State, run.Stats)
	}
	if store.insertCalls != 2 {
		t.Fatalf("insert calls = %d, want 2", store.insertCalls)
	}
}

func TestCollector_StoreFailsTwice(t *testing.T) {
	store := newFakeStore()
	store.failInsert["a"] = 2
	c := newCollector(&fakeFetcher{}, &fakeParser{hotels: []string{"a", "b"}, collected: collectedAt}, store, nil)

	plan := app.RunPlan{Area: keiyo, StayDates: days("2026-09-19", "2026-09-20")}
	run, _ := c.Run(context.Background(), plan)
	if run.State != domain.RunPartiallyFailed {
		t.Fatalf("state = %s", run.State)
	}
	if run.Stats.FailuresByKind[domain.FailStoreIO] != 1 || run.Stats.UnitsFailed != 1 {
		t.Fatalf("stats: %+v", run.Stats)
	}
	// b in unit 1 and both hotels in unit 2 still land
	if run.Stats.RecordsInserted != 3 {
		t.Fatalf("inserted = %d, want 3", run.Stats.RecordsInserted)
	}
}

func TestCollector_DuplicatesAndRejections(t *testing.T) {
	store := newFakeStore()
	p := &fakeParser{hotels: []string{"a"}, rejections: 2, collected: collectedAt}
	c := newCollector(&fakeFetcher{}, p, store, nil)
	plan := app.RunPlan{Area: keiyo, StayDates: days("2026-09-19")}

	if _, err := c.Run(context.Background(), plan); err != nil {
		t.Fatal(err)
	}
	// a restarted run on the same day must not double count
	run, _ := c.Run(context.Background(), plan)
	if run.Stats.RecordsInserted != 0 || run.Stats.RecordsDuplicate != 1 {
		t.Fatalf("stats: %+v", run.Stats)
	}
	if run.Stats.RecordsRejected != 2 || run.Stats.RejectionsByWhy[domain.RejectMissingPrice] != 2 {
		t.Fatalf("rejections: %+v", run.Stats)
	}
	if len(store.obs) != 1 {
		t.Fatalf("rows = %d, want 1", len(store.obs))
	}
}

func TestCollector_SummaryLogsRejectionReasons(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	p := &fakeParser{hotels: []string{"a"}, rejections: 3, collected: collectedAt}
	c := newCollector(&fakeFetcher{}, p, newFakeStore(), nil)
	if _, err := c.Run(context.Background(), app.RunPlan{Area: keiyo, StayDates: days("2026-09-19")}); err != nil {
		t.Fatal(err)
	}

	var summary string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "collection run finished") {
			summary = line
		}
	}
	if !strings.Contains(summary, `"rejections_by_reason":{"missing_price":3}`) {
		t.Fatalf("summary line lacks rejection reasons: %s", summary)
	}
}

func TestCollector_AnomaliesCounted(t *testing.T) {
	store := newFakeStore()
	store.anomalyFor["a"] = true
	c := newCollector(&fakeFetcher{}, &fakeParser{hotels: []string{"a"}, collected: collectedAt}, store, nil)

	run, _ := c.Run(context.Background(), app.RunPlan{Area: keiyo, StayDates: days("2026-09-19")})
	if run.Stats.HotelAnomalies != 1 || run.State != domain.RunCompleted {
		t.Fatalf("anomaly should be counted, not fail the unit: %s %+v", run.State, run.Stats)
	}
}

func TestCollector_CancelStopsAtUnitBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newFakeStore()
	f := &fakeFetcher{onCall: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	c := newCollector(f, &fakeParser{hotels: []string{"a"}, collected: collectedAt}, store, nil)

	run, err := c.Run(ctx, fivePlan())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !run.Cancelled || run.State != domain.RunPartiallyFailed {
		t.Fatalf("state = %s cancelled = %v", run.State, run.Cancelled)
	}
	if run.Stats.UnitsSucceeded != 2 || run.Stats.UnitsSkipped != 3 {
		t.Fatalf("in-flight unit should finish, rest skipped: %+v", run.Stats)
	}
	if len(store.obs) != 2 {
		t.Fatalf("rows = %d, want 2", len(store.obs))
	}
	if len(store.runs) != 1 {
		t.Fatalf("cancelled run summary not saved")
	}
}

func TestCollector_StoreUnreachableIsSetupFailure(t *testing.T) {
	store := newFakeStore()
	store.pingErr = domain.ErrStoreUnavailable
	f := &fakeFetcher{}
	c := newCollector(f, &fakeParser{}, store, nil)

	run, err := c.Run(context.Background(), fivePlan())
	if !errors.Is(err, domain.ErrStoreUnavailable) || run != nil {
		t.Fatalf("want setup failure, got run=%v err=%v", run, err)
	}
	if len(f.calls) != 0 {
		t.Fatalf("fetched despite unreachable store")
	}
}

func TestCollector_EmptyPlanCompletes(t *testing.T) {
	c := newCollector(&fakeFetcher{}, &fakeParser{}, newFakeStore(), nil)
	run, err := c.Run(context.Background(), app.RunPlan{Area: keiyo})
	if err != nil || run.State != domain.RunCompleted {
		t.Fatalf("state = %v err = %v", run, err)
	}
}

func TestCollector_InvalidatesCaches(t *testing.T) {
	cache := &fakeCache{}
	c := newCollector(&fakeFetcher{}, &fakeParser{hotels: []string{"a"}, collected: collectedAt}, newFakeStore(), cache)

	if _, err := c.Run(context.Background(), app.RunPlan{Area: keiyo, StayDates: days("2026-09-19")}); err != nil {
		t.Fatal(err)
	}
	var series, compare bool
	for _, k := range cache.dels {
		if k == "observations:hotel:a" {
			series = true
		}
		if strings.HasPrefix(k, "compare:") && strings.Contains(k, keiyo.String()) {
			compare = true
		}
	}
	if !series || !compare {
		t.Fatalf("dels = %v", cache.dels)
	}
}
