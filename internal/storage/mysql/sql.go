package mysql

import (
	"time"

	"github.com/huandu/go-sqlbuilder"

	"hotelprice/internal/domain"
)

// Locks the hotel row so a concurrent upsert of the same id serializes and
// readers never see a half-written hotel.
const selectHotelCoordsForUpdateSQL = `
SELECT lat, lon FROM hotels WHERE id = ? FOR UPDATE
`

const insertHotelSQL = `
INSERT INTO hotels
  (id, name, area, lat, lon, distance_km, rating, review_count, access_info, walk_minutes)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// Coordinates and distance only fill in when still NULL: the first recorded
// pair is immutable. Other attributes take the newest non-NULL value.
const updateHotelSQL = `
UPDATE hotels SET
  name          = COALESCE(NULLIF(?, ''), name),
  area          = COALESCE(NULLIF(?, ''), area),
  lat           = COALESCE(lat, ?),
  lon           = COALESCE(lon, ?),
  distance_km   = COALESCE(distance_km, ?),
  rating        = COALESCE(?, rating),
  review_count  = COALESCE(?, review_count),
  access_info   = COALESCE(?, access_info),
  walk_minutes  = COALESCE(?, walk_minutes),
  coord_anomaly = coord_anomaly OR ?
WHERE id = ?
`

const insertAnomalySQL = `
INSERT INTO hotel_anomalies (hotel_id, kind, lat, lon)
VALUES (?, ?, ?, ?)
`

// Duplicate identity keys turn into a no-op update, reported as 0 rows affected.
const insertObservationSQL = `
INSERT INTO observations
  (hotel_id, stay_date, nights, room_type, price_jpy, currency, collected_at, collected_day, available)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE id = id
`

const upsertRunSQL = `
INSERT INTO collection_runs
  (id, area, state, cancelled, started_at, finished_at,
   units_attempted, units_succeeded, units_failed, units_skipped,
   records_inserted, records_duplicate, records_rejected, hotel_anomalies, failures_by_kind,
   rejections_by_reason)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  state             = VALUES(state),
  cancelled         = VALUES(cancelled),
  finished_at       = VALUES(finished_at),
  units_attempted   = VALUES(units_attempted),
  units_succeeded   = VALUES(units_succeeded),
  units_failed      = VALUES(units_failed),
  units_skipped     = VALUES(units_skipped),
  records_inserted  = VALUES(records_inserted),
  records_duplicate = VALUES(records_duplicate),
  records_rejected  = VALUES(records_rejected),
  hotel_anomalies   = VALUES(hotel_anomalies),
  failures_by_kind  = VALUES(failures_by_kind),
  rejections_by_reason = VALUES(rejections_by_reason)
`

const deleteRunFailuresSQL = `DELETE FROM collection_failures WHERE run_id = ?`

const insertRunFailuresPrefix = "INSERT INTO collection_failures (run_id, area, stay_date, kind, reason) VALUES "

// -----------------------------------------------------------------------------
// READ QUERIES
// -----------------------------------------------------------------------------

const hotelColumns = `
  id, name, area, lat, lon, distance_km, rating, review_count, access_info, walk_minutes, coord_anomaly
`

const getHotelSQL = `SELECT` + hotelColumns + `FROM hotels WHERE id = ?`

const listHotelsSQL = `SELECT` + hotelColumns + `FROM hotels WHERE (? = '' OR area = ?) ORDER BY id`

var observationColumns = []string{
	"o.hotel_id", "o.stay_date", "o.nights", "o.room_type", "o.price_jpy",
	"o.currency", "o.collected_at", "o.available",
}

type observationFilter struct {
	hotelID       string
	area          string
	from, to      time.Time
	availableOnly bool
}

// observationsQuery builds the one observation SELECT every read path shares.
// Rows come back ordered by stay date, then collection time.
func observationsQuery(f observationFilter) (string, []any) {
	sb := sqlbuilder.MySQL.NewSelectBuilder()
	sb.Select(observationColumns...).From("observations o")
	if f.area != "" {
		sb.Join("hotels h", "h.id = o.hotel_id")
		sb.Where(sb.Equal("h.area", f.area))
	}
	if f.hotelID != "" {
		sb.Where(sb.Equal("o.hotel_id", f.hotelID))
	}
	if !f.from.IsZero() || !f.to.IsZero() {
		sb.Where(sb.Between("o.stay_date", f.from.Format(domain.DateLayout), f.to.Format(domain.DateLayout)))
	}
	if f.availableOnly {
		sb.Where(sb.Equal("o.available", true))
	}
	sb.OrderBy("o.stay_date", "o.collected_at", "o.hotel_id", "o.room_type").Asc()
	return sb.Build()
}
