// Package analysis turns stored observations into event-vs-baseline price
// comparisons around a venue.
package analysis

import (
	"cmp"
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"hotelprice/internal/domain"
	"hotelprice/internal/venue"
)

type Options struct {
	// LatestOnly keeps just the most recent collection of each
	// (hotel, stay date, room type) instead of the whole history.
	LatestOnly bool
}

type Engine struct {
	store domain.ObservationReader
	venue venue.Reference
}

func NewEngine(store domain.ObservationReader, ref venue.Reference) *Engine {
	return &Engine{store: store, venue: ref}
}

// Compare loads both windows and the area's hotels, then computes one delta
// row per hotel seen in either window, nearest hotels first.
func (e *Engine) Compare(ctx context.Context, event, baseline domain.Window, area string, opts Options) ([]domain.HotelPriceDelta, error) {
	if event.To.Before(event.From) || baseline.To.Before(baseline.From) {
		return nil, fmt.Errorf("compare: inverted window (event %s, baseline %s)", event, baseline)
	}

	var (
		evObs, blObs []domain.Observation
		hotels       []domain.Hotel
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		evObs, err = e.store.ObservationsInWindow(gctx, event, area)
		return err
	})
	g.Go(func() (err error) {
		blObs, err = e.store.ObservationsInWindow(gctx, baseline, area)
		return err
	})
	g.Go(func() (err error) {
		hotels, err = e.store.ListHotels(gctx, area)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compare %s vs %s: %w", event, baseline, err)
	}

	byID := make(map[string]domain.Hotel, len(hotels))
	for _, h := range hotels {
		if h.DistanceKm == nil {
			h.DistanceKm = e.venue.DistanceFrom(h)
		}
		byID[h.ID] = h
	}
	return Deltas(byID, evObs, blObs, opts), nil
}

type roomPrices map[string][]int64 // room type -> prices

func group(obs []domain.Observation, opts Options) map[string]roomPrices {
	if opts.LatestOnly {
		obs = latest(obs)
	}
	out := map[string]roomPrices{}
	for _, o := range obs {
		if !o.Available {
			continue
		}
		rp, ok := out[o.HotelID]
		if !ok {
			rp = roomPrices{}
			out[o.HotelID] = rp
		}
		rp[o.RoomType] = append(rp[o.RoomType], o.PriceJPY)
	}
	return out
}

// latest keeps the newest collection per (hotel, stay date, room type).
func latest(obs []domain.Observation) []domain.Observation {
	type k struct{ hotel, stay, room string }
	newest := map[k]domain.Observation{}
	var order []k
	for _, o := range obs {
		key := k{o.HotelID, o.StayDate.Format(domain.DateLayout), o.RoomType}
		cur, seen := newest[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || o.CollectedAt.After(cur.CollectedAt) {
			newest[key] = o
		}
	}
	out := make([]domain.Observation, 0, len(order))
	for _, key := range order {
		out = append(out, newest[key])
	}
	return out
}

// Deltas is the pure part of Compare. Hotels missing from byID still get a
// row, keyed by id only.
func Deltas(byID map[string]domain.Hotel, event, baseline []domain.Observation, opts Options) []domain.HotelPriceDelta {
	ev, bl := group(event, opts), group(baseline, opts)

	ids := map[string]struct{}{}
	for id := range ev {
		ids[id] = struct{}{}
	}
	for id := range bl {
		ids[id] = struct{}{}
	}

	out := make([]domain.HotelPriceDelta, 0, len(ids))
	for id := range ids {
		h := byID[id]
		d := hotelDelta(ev[id], bl[id])
		d.HotelID = id
		d.Name = h.Name
		d.DistanceKm = h.DistanceKm
		d.WalkMinutes = h.WalkMinutes
		out = append(out, d)
	}
	sortByDistance(out)
	return out
}

func hotelDelta(ev, bl roomPrices) domain.HotelPriceDelta {
	var d domain.HotelPriceDelta

	rooms := map[string]struct{}{}
	for r := range ev {
		rooms[r] = struct{}{}
	}
	for r := range bl {
		rooms[r] = struct{}{}
	}
	names := make([]string, 0, len(rooms))
	for r := range rooms {
		names = append(names, r)
	}
	sort.Strings(names)

	var evAll, blAll, evCommon, blCommon []float64
	for _, r := range names {
		rd := domain.RoomTypeDelta{RoomType: r}
		em, eok := medianPrices(ev[r])
		bm, bok := medianPrices(bl[r])
		if eok {
			rd.EventPrice = ptr(em)
			evAll = append(evAll, em)
		}
		if bok {
			rd.BaselinePrice = ptr(bm)
			blAll = append(blAll, bm)
		}
		if eok && bok {
			evCommon = append(evCommon, em)
			blCommon = append(blCommon, bm)
			if bm > 0 {
				rd.Ratio = ptr(em / bm)
			}
		}
		d.RoomTypes = append(d.RoomTypes, rd)
	}

	// like-for-like when the windows share a room type
	evSet, blSet := evAll, blAll
	if len(evCommon) > 0 {
		evSet, blSet = evCommon, blCommon
	}
	evPrice, eok := median(evSet)
	blPrice, bok := median(blSet)
	if eok {
		d.EventPrice = ptr(evPrice)
	}
	if bok {
		d.BaselinePrice = ptr(blPrice)
	}

	switch {
	case !bok:
		d.Status, d.Reason = domain.DeltaIncomplete, domain.IncompleteNoBaseline
	case !eok:
		d.Status, d.Reason = domain.DeltaIncomplete, domain.IncompleteNoEvent
	case blPrice == 0:
		d.Status, d.Reason = domain.DeltaIncomplete, domain.IncompleteZeroBaseline
	default:
		d.Status = domain.DeltaComplete
		d.Ratio = ptr(evPrice / blPrice)
	}
	return d
}

// sortByDistance orders nearest first. Rows without a distance follow,
// ordered by walking minutes when the listing had them; ties by id.
func sortByDistance(ds []domain.HotelPriceDelta) {
	sort.SliceStable(ds, func(i, j int) bool {
		if c := cmpKnown(ds[i].DistanceKm, ds[j].DistanceKm); c != 0 {
			return c < 0
		}
		if ds[i].DistanceKm == nil {
			if c := cmpKnown(ds[i].WalkMinutes, ds[j].WalkMinutes); c != 0 {
				return c < 0
			}
		}
		return ds[i].HotelID < ds[j].HotelID
	})
}

// cmpKnown compares two optional values, placing nil after any value.
func cmpKnown[T int | float64](a, b *T) int {
	switch {
	case a != nil && b != nil:
		return cmp.Compare(*a, *b)
	case a != nil:
		return -1
	case b != nil:
		return 1
	}
	return 0
}
