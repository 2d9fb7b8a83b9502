// Package venue holds the fixed event venue and the date windows compared
// against each other.
package venue

import (
	"fmt"
	"sort"
	"time"

	"hotelprice/internal/domain"
)

type Reference struct {
	Name      string
	Lat, Lon  float64
	Event     domain.Window
	Baselines []domain.Window // first entry is the default baseline
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

// TokyoGameShow2026 is Makuhari Messe during the TGS 2026 public days, with
// the same weekday spans one week before and after as baselines.
var TokyoGameShow2026 = Reference{
	Name: "Makuhari Messe",
	Lat:  35.64806,
	Lon:  140.03472,
	Event: domain.Window{
		Name: "event", From: day(2026, time.September, 19), To: day(2026, time.September, 21),
	},
	Baselines: []domain.Window{
		{Name: "week_before", From: day(2026, time.September, 12), To: day(2026, time.September, 14)},
		{Name: "week_after", From: day(2026, time.September, 26), To: day(2026, time.September, 28)},
	},
}

func (r Reference) Coords() domain.Coords { return domain.Coords{Lat: r.Lat, Lon: r.Lon} }

// Baseline returns the named baseline, or the default one for "".
func (r Reference) Baseline(name string) (domain.Window, error) {
	if len(r.Baselines) == 0 {
		return domain.Window{}, fmt.Errorf("venue %s has no baseline windows", r.Name)
	}
	if name == "" {
		return r.Baselines[0], nil
	}
	for _, b := range r.Baselines {
		if b.Name == name {
			return b, nil
		}
	}
	return domain.Window{}, fmt.Errorf("unknown baseline %q", name)
}

// StayDates is every date the collector should cover: the event window and
// all baselines, sorted and de-duplicated.
func (r Reference) StayDates() []time.Time {
	seen := map[time.Time]bool{}
	var out []time.Time
	windows := append([]domain.Window{r.Event}, r.Baselines...)
	for _, w := range windows {
		for _, d := range w.Days() {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// DistanceFrom returns the hotel's distance to the venue, or nil when the
// hotel has no coordinates.
func (r Reference) DistanceFrom(h domain.Hotel) *float64 {
	c, ok := h.Coords()
	if !ok {
		return nil
	}
	d := DistanceKm(r.Coords(), c)
	return &d
}
