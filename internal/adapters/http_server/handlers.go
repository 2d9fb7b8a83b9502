package httpserver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"hotelprice/internal/app"
	"hotelprice/internal/domain"
)

type Handlers struct {
	Q *app.AnalysisService
	// Health reports whether the store is reachable; nil means always healthy.
	Health func(ctx context.Context) error
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", h.health)
	s.mux.Get("/v1/compare", h.compare)
	s.mux.Get("/v1/compare/buckets", h.compareBuckets)
	s.mux.Get("/v1/hotels/{id}/observations", h.hotelObservations)
	s.mux.Get("/v1/observations", h.observations)
}

// ---- response views ----

type windowView struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

func viewWindow(w domain.Window) windowView {
	return windowView{Name: w.Name, From: w.From.Format(domain.DateLayout), To: w.To.Format(domain.DateLayout)}
}

type venueView struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

type compareResponse struct {
	Venue    venueView                `json:"venue"`
	Event    windowView               `json:"event"`
	Baseline windowView               `json:"baseline"`
	Hotels   []domain.HotelPriceDelta `json:"hotels"`
}

type bucketsResponse struct {
	Venue    venueView               `json:"venue"`
	Event    windowView              `json:"event"`
	Baseline windowView              `json:"baseline"`
	Buckets  []domain.DistanceBucket `json:"buckets"`
	Trend    domain.Trend            `json:"trend"`
}

type hotelView struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Area         string   `json:"area,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	DistanceKm   *float64 `json:"distance_km,omitempty"`
	Rating       *float64 `json:"rating,omitempty"`
	ReviewCount  *int     `json:"review_count,omitempty"`
	AccessInfo   *string  `json:"access_info,omitempty"`
	WalkMinutes  *int     `json:"walk_minutes,omitempty"`
	CoordAnomaly bool     `json:"coord_anomaly"`
}

type observationView struct {
	HotelID     string    `json:"hotel_id"`
	StayDate    string    `json:"stay_date"`
	Nights      int       `json:"nights"`
	RoomType    string    `json:"room_type"`
	PriceJPY    int64     `json:"price_jpy"`
	Currency    string    `json:"currency"`
	CollectedAt time.Time `json:"collected_at"`
	Available   bool      `json:"available"`
}

func viewObservations(in []domain.Observation) []observationView {
	out := make([]observationView, 0, len(in))
	for _, o := range in {
		out = append(out, observationView{
			HotelID: o.HotelID, StayDate: o.StayDate.Format(domain.DateLayout), Nights: o.Nights,
			RoomType: o.RoomType, PriceJPY: o.PriceJPY, Currency: o.Currency,
			CollectedAt: o.CollectedAt, Available: o.Available,
		})
	}
	return out
}

// ---- helpers ----

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrBadQuery):
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		writeProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "store unavailable")
	default:
		log.Error().Err(err).Msg("request failed")
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	// If client already has this version, short-circuit.
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("failed to write body")
	}
}

func compareQuery(r *http.Request) (app.CompareQuery, error) {
	q := r.URL.Query()
	cq := app.CompareQuery{Baseline: q.Get("baseline"), Area: q.Get("area")}
	if ls := q.Get("latest"); ls != "" {
		b, err := strconv.ParseBool(ls)
		if err != nil {
			return cq, errors.New("latest must be a boolean")
		}
		cq.LatestOnly = b
	}
	return cq, nil
}

// ---- handlers ----

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Service Unavailable", "store unreachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) compare(w http.ResponseWriter, r *http.Request) {
	cq, err := compareQuery(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error())
		return
	}
	ds, err := h.Q.Compare(r.Context(), cq)
	if err != nil {
		writeError(w, err)
		return
	}
	v := h.Q.Venue()
	baseline, _ := v.Baseline(cq.Baseline)
	if ds == nil {
		ds = []domain.HotelPriceDelta{}
	}
	writeJSON(w, r, compareResponse{
		Venue:    venueView{Name: v.Name, Lat: v.Lat, Lon: v.Lon},
		Event:    viewWindow(v.Event),
		Baseline: viewWindow(baseline),
		Hotels:   ds,
	})
}

func (h *Handlers) compareBuckets(w http.ResponseWriter, r *http.Request) {
	cq, err := compareQuery(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error())
		return
	}
	var edges []float64
	if es := r.URL.Query().Get("edges"); es != "" {
		for _, part := range strings.Split(es, ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil || f <= 0 {
				writeProblem(w, http.StatusBadRequest, "Invalid edges", "edges must be positive kilometre values separated by commas")
				return
			}
			edges = append(edges, f)
		}
	}
	bs, trend, err := h.Q.CompareBuckets(r.Context(), cq, edges)
	if err != nil {
		writeError(w, err)
		return
	}
	v := h.Q.Venue()
	baseline, _ := v.Baseline(cq.Baseline)
	writeJSON(w, r, bucketsResponse{
		Venue:    venueView{Name: v.Name, Lat: v.Lat, Lon: v.Lon},
		Event:    viewWindow(v.Event),
		Baseline: viewWindow(baseline),
		Buckets:  bs,
		Trend:    trend,
	})
}

func (h *Handlers) hotelObservations(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", "id is required")
		return
	}
	hotel, series, err := h.Q.HotelObservations(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, struct {
		Hotel        hotelView         `json:"hotel"`
		Observations []observationView `json:"observations"`
	}{
		Hotel: hotelView{
			ID: hotel.ID, Name: hotel.Name, Area: hotel.Area, Lat: hotel.Lat, Lon: hotel.Lon,
			DistanceKm: hotel.DistanceKm, Rating: hotel.Rating, ReviewCount: hotel.ReviewCount,
			AccessInfo: hotel.AccessInfo, WalkMinutes: hotel.WalkMinutes, CoordAnomaly: hotel.CoordAnomaly,
		},
		Observations: viewObservations(series),
	})
}

func (h *Handlers) observations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := domain.ParseDay(q.Get("from"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid from", "from must be YYYY-MM-DD")
		return
	}
	to, err := domain.ParseDay(q.Get("to"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid to", "to must be YYYY-MM-DD")
		return
	}
	out, err := h.Q.Observations(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, r, struct {
		From         string            `json:"from"`
		To           string            `json:"to"`
		Observations []observationView `json:"observations"`
	}{from.Format(domain.DateLayout), to.Format(domain.DateLayout), viewObservations(out)})
}
