package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sort"
	"time"

	"hotelprice/internal/domain"
)

// ---- fakes ----

type fakeStore struct {
	pingErr     error
	hotels      map[string]domain.Hotel
	obs         map[domain.Key]domain.Observation
	runs        []*domain.Run
	failInsert  map[string]int // hotel id -> remaining failures
	anomalyFor  map[string]bool
	upsertCalls int
	insertCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hotels:     map[string]domain.Hotel{},
		obs:        map[domain.Key]domain.Observation{},
		failInsert: map[string]int{},
		anomalyFor: map[string]bool{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) UpsertHotel(_ context.Context, h domain.Hotel) (string, bool, error) {
	f.upsertCalls++
	if _, ok := f.hotels[h.ID]; !ok {
		f.hotels[h.ID] = h
	}
	return h.ID, f.anomalyFor[h.ID], nil
}

func (f *fakeStore) InsertObservation(_ context.Context, o domain.Observation) (bool, error) {
	f.insertCalls++
	if f.failInsert[o.HotelID] > 0 {
		f.failInsert[o.HotelID]--
		return false, errors.New("lock wait timeout")
	}
	k := o.Key()
	if _, dup := f.obs[k]; dup {
		return false, nil
	}
	f.obs[k] = o
	return true, nil
}

func (f *fakeStore) SaveRun(_ context.Context, r *domain.Run) error {
	f.runs = append(f.runs, r)
	return nil
}

func (f *fakeStore) all() []domain.Observation {
	out := make([]domain.Observation, 0, len(f.obs))
	for _, o := range f.obs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StayDate.Equal(out[j].StayDate) {
			return out[i].StayDate.Before(out[j].StayDate)
		}
		if !out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].CollectedAt.Before(out[j].CollectedAt)
		}
		return out[i].HotelID < out[j].HotelID
	})
	return out
}

func (f *fakeStore) QueryByDateRange(_ context.Context, start, end time.Time) ([]domain.Observation, error) {
	var out []domain.Observation
	w := domain.Window{From: start, To: end}
	for _, o := range f.all() {
		if w.Contains(o.StayDate) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) QueryByHotel(_ context.Context, id string) ([]domain.Observation, error) {
	var out []domain.Observation
	for _, o := range f.all() {
		if o.HotelID == id {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) ObservationsInWindow(ctx context.Context, w domain.Window, _ string) ([]domain.Observation, error) {
	return f.QueryByDateRange(ctx, w.From, w.To)
}

func (f *fakeStore) ListHotels(context.Context, string) ([]domain.Hotel, error) {
	out := make([]domain.Hotel, 0, len(f.hotels))
	for _, h := range f.hotels {
		out = append(out, h)
	}
	return out, nil
}

func (f *fakeStore) GetHotel(_ context.Context, id string) (domain.Hotel, error) {
	h, ok := f.hotels[id]
	if !ok {
		return domain.Hotel{}, domain.ErrNotFound
	}
	return h, nil
}

// fakeFetcher fails the stay dates listed in errs and answers every other
// one with the date as body.
type fakeFetcher struct {
	errs   map[string]error
	calls  []string
	onCall func(n int)
}

func (f *fakeFetcher) Fetch(_ context.Context, area domain.Area, in, out time.Time) (domain.RawResponse, error) {
	d := in.Format(domain.DateLayout)
	f.calls = append(f.calls, d)
	if f.onCall != nil {
		f.onCall(len(f.calls))
	}
	if err := f.errs[d]; err != nil {
		return domain.RawResponse{}, err
	}
	return domain.RawResponse{Status: 200, Body: []byte(d), Area: area, CheckIn: in, CheckOut: out}, nil
}

// fakeParser yields two listings per response plus any extra rejections.
type fakeParser struct {
	hotels     []string
	rejections int
	collected  time.Time
}

func (p *fakeParser) Parse(raw domain.RawResponse, stay time.Time) iter.Seq[domain.ParseOutcome] {
	return func(yield func(domain.ParseOutcome) bool) {
		for _, id := range p.hotels {
			lat, lon := 35.65, 140.04
			l := domain.Listing{
				Hotel: domain.Hotel{ID: id, Name: "Hotel " + id, Lat: &lat, Lon: &lon},
				Observation: domain.Observation{
					HotelID: id, StayDate: stay, Nights: 1, RoomType: domain.RoomTypeLowest,
					PriceJPY: 12000, Currency: domain.CurrencyJPY, CollectedAt: p.collected, Available: true,
				},
			}
			if !yield(domain.Accepted(l)) {
				return
			}
		}
		for i := 0; i < p.rejections; i++ {
			if !yield(domain.Rejected(domain.RejectMissingPrice, "no price")) {
				return
			}
		}
	}
}

// fakeCache round-trips through JSON like the redis adapter does.
type fakeCache struct {
	store map[string][]byte
	dels  []string
	gets  int
}

func (c *fakeCache) Get(_ context.Context, key string, dst any) (bool, error) {
	c.gets++
	b, ok := c.store[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (c *fakeCache) Set(_ context.Context, key string, v any, _ int) error {
	if c.store == nil {
		c.store = map[string][]byte{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.store[key] = b
	return nil
}

func (c *fakeCache) Del(_ context.Context, key string) error {
	c.dels = append(c.dels, key)
	delete(c.store, key)
	return nil
}
