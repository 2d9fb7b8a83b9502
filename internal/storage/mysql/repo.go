package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"hotelprice/internal/domain"
)

func valStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
func valInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
func valF64(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

type Repo struct{ db *sqlx.DB }

func New(db *sql.DB) *Repo { return &Repo{db: sqlx.NewDb(db, "mysql")} }

func (r *Repo) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// UpsertHotel inserts unseen hotels and refreshes mutable attributes of known
// ones. A coordinate pair that disagrees with the stored one is recorded as an
// anomaly and otherwise ignored.
func (r *Repo) UpsertHotel(ctx context.Context, h domain.Hotel) (string, bool, error) {
	if h.ID == "" {
		return "", false, errors.New("upsert hotel: empty id")
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("upsert hotel %s: begin: %w", h.ID, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var lat, lon sql.NullFloat64
	err = tx.QueryRowxContext(ctx, selectHotelCoordsForUpdateSQL, h.ID).Scan(&lat, &lon)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, insertHotelSQL,
			h.ID, h.Name, h.Area,
			valF64(h.Lat), valF64(h.Lon), valF64(h.DistanceKm),
			valF64(h.Rating), valInt(h.ReviewCount), valStr(h.AccessInfo), valInt(h.WalkMinutes),
		); err != nil {
			return "", false, fmt.Errorf("insert hotel %s: %w", h.ID, err)
		}
		return h.ID, false, commit(tx, h.ID)

	case err != nil:
		return "", false, fmt.Errorf("lock hotel %s: %w", h.ID, err)
	}

	anomaly := false
	newLat, newLon, newDist := h.Lat, h.Lon, h.DistanceKm
	if lat.Valid && lon.Valid {
		// stored pair wins; never pass new coordinates through
		newLat, newLon, newDist = nil, nil, nil
		if c, ok := h.Coords(); ok && !domain.SameCoords(c, domain.Coords{Lat: lat.Float64, Lon: lon.Float64}) {
			anomaly = true
			if _, err := tx.ExecContext(ctx, insertAnomalySQL, h.ID, "coords_changed", c.Lat, c.Lon); err != nil {
				return "", false, fmt.Errorf("record anomaly %s: %w", h.ID, err)
			}
			log.Warn().
				Str("hotel", h.ID).
				Float64("stored_lat", lat.Float64).Float64("stored_lon", lon.Float64).
				Float64("seen_lat", c.Lat).Float64("seen_lon", c.Lon).
				Msg("hotel coordinates changed; keeping first recorded pair")
		}
	}

	if _, err := tx.ExecContext(ctx, updateHotelSQL,
		h.Name, h.Area,
		valF64(newLat), valF64(newLon), valF64(newDist),
		valF64(h.Rating), valInt(h.ReviewCount), valStr(h.AccessInfo), valInt(h.WalkMinutes),
		anomaly,
		h.ID,
	); err != nil {
		return "", false, fmt.Errorf("update hotel %s: %w", h.ID, err)
	}
	return h.ID, anomaly, commit(tx, h.ID)
}

func commit(tx *sqlx.Tx, id string) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert hotel %s: commit: %w", id, err)
	}
	return nil
}

// InsertObservation is idempotent on the observation identity key; inserted
// is false when the row already existed.
func (r *Repo) InsertObservation(ctx context.Context, o domain.Observation) (bool, error) {
	if err := validObservation(o); err != nil {
		return false, err
	}
	currency := o.Currency
	if currency == "" {
		currency = domain.CurrencyJPY
	}
	nights := o.Nights
	if nights <= 0 {
		nights = 1
	}
	k := o.Key()
	res, err := r.db.ExecContext(ctx, insertObservationSQL,
		k.HotelID,
		k.StayDate,
		nights,
		k.RoomType,
		o.PriceJPY,
		currency,
		o.CollectedAt.UTC(),
		k.CollectedDay,
		o.Available,
	)
	if err != nil {
		return false, fmt.Errorf("insert observation %s/%s/%s: %w", k.HotelID, k.StayDate, k.RoomType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func validObservation(o domain.Observation) error {
	switch {
	case o.HotelID == "":
		return errors.New("observation: empty hotel id")
	case o.StayDate.IsZero():
		return errors.New("observation: missing stay date")
	case o.RoomType == "":
		return errors.New("observation: empty room type")
	case o.PriceJPY < 0:
		return fmt.Errorf("observation: negative price %d", o.PriceJPY)
	case o.CollectedAt.IsZero():
		return errors.New("observation: missing collection time")
	}
	return nil
}

type observationRow struct {
	HotelID     string    `db:"hotel_id"`
	StayDate    time.Time `db:"stay_date"`
	Nights      int       `db:"nights"`
	RoomType    string    `db:"room_type"`
	PriceJPY    int64     `db:"price_jpy"`
	Currency    string    `db:"currency"`
	CollectedAt time.Time `db:"collected_at"`
	Available   bool      `db:"available"`
}

func (row observationRow) toDomain() domain.Observation {
	return domain.Observation{
		HotelID:     row.HotelID,
		StayDate:    domain.Day(row.StayDate),
		Nights:      row.Nights,
		RoomType:    row.RoomType,
		PriceJPY:    row.PriceJPY,
		Currency:    row.Currency,
		CollectedAt: row.CollectedAt.UTC(),
		Available:   row.Available,
	}
}

func (r *Repo) selectObservations(ctx context.Context, f observationFilter) ([]domain.Observation, error) {
	q, args := observationsQuery(f)
	var rows []observationRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Observation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *Repo) QueryByDateRange(ctx context.Context, start, end time.Time) ([]domain.Observation, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("date range %s..%s is inverted", start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	}
	return r.selectObservations(ctx, observationFilter{from: domain.Day(start), to: domain.Day(end)})
}

// QueryByHotel returns the hotel's full time series, ordered by stay date then
// collection time.
func (r *Repo) QueryByHotel(ctx context.Context, hotelID string) ([]domain.Observation, error) {
	return r.selectObservations(ctx, observationFilter{hotelID: hotelID})
}

// ObservationsInWindow returns the available observations for stay dates in w,
// limited to hotels in area when area is non-empty.
func (r *Repo) ObservationsInWindow(ctx context.Context, w domain.Window, area string) ([]domain.Observation, error) {
	return r.selectObservations(ctx, observationFilter{
		area:          area,
		from:          domain.Day(w.From),
		to:            domain.Day(w.To),
		availableOnly: true,
	})
}

type hotelRow struct {
	ID           string          `db:"id"`
	Name         string          `db:"name"`
	Area         string          `db:"area"`
	Lat          sql.NullFloat64 `db:"lat"`
	Lon          sql.NullFloat64 `db:"lon"`
	DistanceKm   sql.NullFloat64 `db:"distance_km"`
	Rating       sql.NullFloat64 `db:"rating"`
	ReviewCount  sql.NullInt64   `db:"review_count"`
	AccessInfo   sql.NullString  `db:"access_info"`
	WalkMinutes  sql.NullInt64   `db:"walk_minutes"`
	CoordAnomaly bool            `db:"coord_anomaly"`
}

func nf(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	f := n.Float64
	return &f
}

func ni(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	i := int(n.Int64)
	return &i
}

func (row hotelRow) toDomain() domain.Hotel {
	h := domain.Hotel{
		ID:           row.ID,
		Name:         row.Name,
		Area:         row.Area,
		Lat:          nf(row.Lat),
		Lon:          nf(row.Lon),
		DistanceKm:   nf(row.DistanceKm),
		Rating:       nf(row.Rating),
		ReviewCount:  ni(row.ReviewCount),
		WalkMinutes:  ni(row.WalkMinutes),
		CoordAnomaly: row.CoordAnomaly,
	}
	if row.AccessInfo.Valid && strings.TrimSpace(row.AccessInfo.String) != "" {
		a := row.AccessInfo.String
		h.AccessInfo = &a
	}
	return h
}

func (r *Repo) GetHotel(ctx context.Context, id string) (domain.Hotel, error) {
	var row hotelRow
	if err := r.db.GetContext(ctx, &row, getHotelSQL, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Hotel{}, domain.ErrNotFound
		}
		return domain.Hotel{}, err
	}
	return row.toDomain(), nil
}

func (r *Repo) ListHotels(ctx context.Context, area string) ([]domain.Hotel, error) {
	var rows []hotelRow
	if err := r.db.SelectContext(ctx, &rows, listHotelsSQL, area, area); err != nil {
		return nil, err
	}
	out := make([]domain.Hotel, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// SaveRun writes the run summary and replaces its failure list.
func (r *Repo) SaveRun(ctx context.Context, run *domain.Run) error {
	kinds, _ := json.Marshal(run.Stats.FailuresByKind)
	rejections, _ := json.Marshal(run.Stats.RejectionsByWhy)
	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, upsertRunSQL,
		run.ID.String(), run.Area.String(), string(run.State), run.Cancelled,
		run.StartedAt.UTC(), finished,
		run.Stats.UnitsAttempted, run.Stats.UnitsSucceeded, run.Stats.UnitsFailed, run.Stats.UnitsSkipped,
		run.Stats.RecordsInserted, run.Stats.RecordsDuplicate, run.Stats.RecordsRejected, run.Stats.HotelAnomalies,
		string(kinds), string(rejections),
	); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	if _, err := tx.ExecContext(ctx, deleteRunFailuresSQL, run.ID.String()); err != nil {
		return fmt.Errorf("save run %s failures: %w", run.ID, err)
	}
	if len(run.Failures) > 0 {
		values := make([]string, 0, len(run.Failures))
		args := make([]any, 0, len(run.Failures)*5)
		for _, f := range run.Failures {
			values = append(values, "(?,?,?,?,?)")
			args = append(args, run.ID.String(), f.Unit.Area.String(), f.Unit.StayDate.Format(domain.DateLayout), f.Kind, clip(f.Reason, maxReasonBytes))
		}
		if _, err := tx.ExecContext(ctx, insertRunFailuresPrefix+strings.Join(values, ","), args...); err != nil {
			return fmt.Errorf("save run %s failures: %w", run.ID, err)
		}
	}
	return tx.Commit()
}

const maxReasonBytes = 1024

// clip cuts s to at most n bytes without splitting a UTF-8 sequence and
// replaces any invalid bytes already present.
func clip(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
