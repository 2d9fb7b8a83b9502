package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hotelprice/internal/adapters/observability"
	"hotelprice/internal/domain"
	"hotelprice/internal/venue"
)

const defaultUnitTimeout = 5 * time.Minute

// RunPlan is the work of one collection pass: every stay date in one area.
type RunPlan struct {
	Area      domain.Area
	StayDates []time.Time
	Nights    int
}

func (p RunPlan) Units() []domain.Unit {
	nights := p.Nights
	if nights <= 0 {
		nights = 1
	}
	out := make([]domain.Unit, 0, len(p.StayDates))
	for _, d := range p.StayDates {
		out = append(out, domain.Unit{Area: p.Area, StayDate: domain.Day(d), Nights: nights})
	}
	return out
}

// Collector drives fetch, parse and store over a plan, one unit at a time.
// It is the only writer of observations.
type Collector struct {
	fetch       domain.Fetcher
	parse       domain.ListingParser
	store       domain.HotelStore
	cache       domain.Cache // optional
	venue       venue.Reference
	unitTimeout time.Duration
	now         func() time.Time
}

func NewCollector(f domain.Fetcher, p domain.ListingParser, s domain.HotelStore, c domain.Cache, ref venue.Reference, unitTimeout time.Duration) *Collector {
	if unitTimeout <= 0 {
		unitTimeout = defaultUnitTimeout
	}
	return &Collector{fetch: f, parse: p, store: s, cache: c, venue: ref, unitTimeout: unitTimeout, now: time.Now}
}

// Run executes the plan. Unit failures never abort the run; they end it
// PartiallyFailed. The only error returned is a store that is unreachable
// before any work starts. Cancelling ctx stops the run at the next unit
// boundary; the unit in flight finishes first.
func (c *Collector) Run(ctx context.Context, plan RunPlan) (*domain.Run, error) {
	run := domain.NewRun(plan.Area)
	lg := log.With().Str("run", run.ID.String()).Str("area", plan.Area.String()).Logger()

	if err := c.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("collection run %s: %w", run.ID, err)
	}

	// a 429 escalation belongs to the run that saw it
	if t, ok := c.fetch.(interface{ ResetThrottle() }); ok {
		t.ResetThrottle()
	}

	units := plan.Units()
	run.State = domain.RunRunning
	run.StartedAt = c.now().UTC()
	lg.Info().Int("units", len(units)).Msg("collection run started")

	touched := map[string]struct{}{}
	for i, u := range units {
		if ctx.Err() != nil {
			run.Cancelled = true
			run.Stats.UnitsSkipped = len(units) - i
			lg.Warn().Int("skipped", run.Stats.UnitsSkipped).Msg("collection run cancelled")
			break
		}
		c.runUnit(ctx, run, u, touched, lg)
	}

	run.FinishedAt = c.now().UTC()
	run.State = domain.RunCompleted
	if run.Stats.UnitsFailed > 0 || run.Stats.UnitsSkipped > 0 {
		run.State = domain.RunPartiallyFailed
	}

	// bookkeeping outlives a cancelled caller
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.store.SaveRun(bctx, run); err != nil {
		lg.Error().Err(err).Msg("save run summary failed")
	}
	c.invalidate(bctx, plan.Area, touched)

	st := run.Stats
	lg.Info().
		Str("state", string(run.State)).
		Bool("cancelled", run.Cancelled).
		Int("units_attempted", st.UnitsAttempted).
		Int("units_succeeded", st.UnitsSucceeded).
		Int("units_failed", st.UnitsFailed).
		Int("records_inserted", st.RecordsInserted).
		Int("records_duplicate", st.RecordsDuplicate).
		Int("records_rejected", st.RecordsRejected).
		Int("hotel_anomalies", st.HotelAnomalies).
		Interface("failures_by_kind", st.FailuresByKind).
		Interface("rejections_by_reason", st.RejectionsByWhy).
		Dur("took", run.FinishedAt.Sub(run.StartedAt)).
		Msg("collection run finished")
	return run, nil
}

func (c *Collector) runUnit(ctx context.Context, run *domain.Run, u domain.Unit, touched map[string]struct{}, lg zerolog.Logger) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.unitTimeout)
	defer cancel()

	day := u.StayDate.Format(domain.DateLayout)
	run.Stats.UnitsAttempted++

	raw, err := c.fetch.Fetch(uctx, u.Area, u.StayDate, u.CheckOut())
	if err != nil {
		kind := domain.FailFetchTransient
		if domain.IsPermanent(err) {
			kind = domain.FailFetchPermanent
		}
		c.fail(run, u, kind, err)
		lg.Warn().Err(err).Str("stay_date", day).Str("kind", kind).Msg("unit fetch failed")
		return
	}

	var storeErr error
	listings := 0
	for out := range c.parse.Parse(raw, u.StayDate) {
		if !out.Ok() {
			run.Stats.RecordsRejected++
			run.Stats.RejectionsByWhy[out.Rejection.Reason]++
			observability.ObserveRecord("rejected")
			lg.Debug().Str("stay_date", day).Str("reason", out.Rejection.Reason).Str("detail", out.Rejection.Detail).Msg("listing rejected")
			continue
		}
		listings++
		if err := c.storeListing(uctx, run, u, *out.Listing, touched, lg); err != nil && storeErr == nil {
			storeErr = err
		}
	}

	if storeErr != nil {
		c.fail(run, u, domain.FailStoreIO, storeErr)
		lg.Error().Err(storeErr).Str("stay_date", day).Msg("unit store write failed")
		return
	}
	run.Stats.UnitsSucceeded++
	observability.ObserveUnit("ok")
	ev := lg.Info()
	if listings == 0 {
		ev = lg.Warn()
	}
	ev.Str("stay_date", day).Int("listings", listings).Msg("unit done")
}

// storeListing persists one listing: hotel first, then its observation.
func (c *Collector) storeListing(ctx context.Context, run *domain.Run, u domain.Unit, l domain.Listing, touched map[string]struct{}, lg zerolog.Logger) error {
	h := l.Hotel
	if h.Area == "" {
		h.Area = u.Area.String()
	}
	if h.DistanceKm == nil {
		h.DistanceKm = c.venue.DistanceFrom(h)
	}

	var (
		id      string
		anomaly bool
	)
	err := retryOnce(func() (err error) {
		id, anomaly, err = c.store.UpsertHotel(ctx, h)
		return err
	}, lg)
	if err != nil {
		return fmt.Errorf("upsert hotel %s: %w", h.ID, err)
	}
	touched[id] = struct{}{}
	if anomaly {
		run.Stats.HotelAnomalies++
		observability.ObserveRecord("anomaly")
	}

	o := l.Observation
	o.HotelID = id
	var inserted bool
	err = retryOnce(func() (err error) {
		inserted, err = c.store.InsertObservation(ctx, o)
		return err
	}, lg)
	if err != nil {
		return fmt.Errorf("insert observation %s: %w", id, err)
	}
	if inserted {
		run.Stats.RecordsInserted++
		observability.ObserveRecord("inserted")
	} else {
		run.Stats.RecordsDuplicate++
		observability.ObserveRecord("duplicate")
	}
	return nil
}

func retryOnce(op func() error, lg zerolog.Logger) error {
	err := op()
	if err == nil {
		return nil
	}
	lg.Warn().Err(err).Msg("store write failed; retrying once")
	return op()
}

func (c *Collector) fail(run *domain.Run, u domain.Unit, kind string, err error) {
	run.Stats.UnitsFailed++
	run.Stats.FailuresByKind[kind]++
	run.Failures = append(run.Failures, domain.UnitFailure{Unit: u, Kind: kind, Reason: err.Error()})
	observability.ObserveUnit(kind)
}

// invalidate drops cached comparisons for the venue's windows and the series
// of every hotel written in this run.
func (c *Collector) invalidate(ctx context.Context, area domain.Area, touched map[string]struct{}) {
	if c.cache == nil {
		return
	}
	for _, a := range []string{area.String(), ""} {
		for _, b := range c.venue.Baselines {
			for _, latest := range []bool{false, true} {
				_ = c.cache.Del(ctx, compareKey(c.venue.Event, b, a, latest))
			}
		}
	}
	for id := range touched {
		_ = c.cache.Del(ctx, hotelSeriesKey(id))
	}
}
