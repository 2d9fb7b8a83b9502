package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hotelprice/internal/domain"
)

func pf(f float64) *float64 { return &f }

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func day(s string) time.Time {
	d, _ := domain.ParseDay(s)
	return d
}

func TestUpsertHotel_InsertsUnseenHotel(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT lat, lon FROM hotels WHERE id = ? FOR UPDATE")).
		WithArgs("123").
		WillReturnRows(sqlmock.NewRows([]string{"lat", "lon"}))
	mock.ExpectExec("INSERT INTO hotels").
		WithArgs("123", "Hotel A", "japan:tiba:keiyo", 35.65, 140.04, sqlmock.AnyArg(), nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, anomaly, err := repo.UpsertHotel(context.Background(), domain.Hotel{
		ID: "123", Name: "Hotel A", Area: "japan:tiba:keiyo",
		Lat: pf(35.65), Lon: pf(140.04), DistanceKm: pf(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, "123", id)
	assert.False(t, anomaly)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertHotel_ConflictingCoordsKeepFirstPair(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("123").
		WillReturnRows(sqlmock.NewRows([]string{"lat", "lon"}).AddRow(35.65, 140.04))
	mock.ExpectExec("INSERT INTO hotel_anomalies").
		WithArgs("123", "coords_changed", 35.70, 140.10).
		WillReturnResult(sqlmock.NewResult(1, 1))
	// new coordinates must not reach the UPDATE
	mock.ExpectExec("UPDATE hotels SET").
		WithArgs("Hotel A", "", nil, nil, nil, 4.2, nil, nil, nil, true, "123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, anomaly, err := repo.UpsertHotel(context.Background(), domain.Hotel{
		ID: "123", Name: "Hotel A", Lat: pf(35.70), Lon: pf(140.10), Rating: pf(4.2),
	})
	require.NoError(t, err)
	assert.True(t, anomaly)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertHotel_SameCoordsIsNotAnomaly(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"lat", "lon"}).AddRow(35.65, 140.04))
	mock.ExpectExec("UPDATE hotels SET").
		WithArgs("Hotel A", "", nil, nil, nil, nil, nil, nil, nil, false, "123").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	_, anomaly, err := repo.UpsertHotel(context.Background(), domain.Hotel{
		ID: "123", Name: "Hotel A", Lat: pf(35.65), Lon: pf(140.04),
	})
	require.NoError(t, err)
	assert.False(t, anomaly)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertHotel_StoredNullCoordsAreFilled(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"lat", "lon"}).AddRow(nil, nil))
	mock.ExpectExec("UPDATE hotels SET").
		WithArgs("Hotel A", "", 35.65, 140.04, 1.5, nil, nil, nil, nil, false, "123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, anomaly, err := repo.UpsertHotel(context.Background(), domain.Hotel{
		ID: "123", Name: "Hotel A", Lat: pf(35.65), Lon: pf(140.04), DistanceKm: pf(1.5),
	})
	require.NoError(t, err)
	assert.False(t, anomaly)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertHotel_RollsBackOnError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WillReturnError(errors.New("deadlock"))
	mock.ExpectRollback()

	_, _, err := repo.UpsertHotel(context.Background(), domain.Hotel{ID: "123", Name: "x"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertObservation_DuplicateIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)
	collected := time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)
	o := domain.Observation{
		HotelID: "123", StayDate: day("2026-09-19"), Nights: 1, RoomType: "Twin",
		PriceJPY: 15000, CollectedAt: collected, Available: true,
	}

	mock.ExpectExec("ON DUPLICATE KEY UPDATE id = id").
		WithArgs("123", "2026-09-19", 1, "Twin", int64(15000), "JPY", collected, "2026-09-01", true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("ON DUPLICATE KEY UPDATE id = id").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.InsertObservation(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertObservation(context.Background(), o)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertObservation_UsesIdentityKey(t *testing.T) {
	repo, mock := newMockRepo(t)
	jst := time.FixedZone("JST", 9*3600)
	// 08:00 in Tokyo is still the previous UTC day
	collected := time.Date(2026, 9, 2, 8, 0, 0, 0, jst)
	o := domain.Observation{
		HotelID: "123", StayDate: day("2026-09-19"), Nights: 1, RoomType: "Twin",
		PriceJPY: 15000, CollectedAt: collected, Available: true,
	}
	k := o.Key()
	require.Equal(t, "2026-09-01", k.CollectedDay)

	mock.ExpectExec("ON DUPLICATE KEY UPDATE id = id").
		WithArgs(k.HotelID, k.StayDate, 1, k.RoomType, int64(15000), "JPY", collected.UTC(), k.CollectedDay, true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := repo.InsertObservation(context.Background(), o)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertObservation_RejectsInvalid(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()
	cases := map[string]domain.Observation{
		"no hotel":     {StayDate: now, RoomType: "a", CollectedAt: now},
		"no room type": {HotelID: "1", StayDate: now, CollectedAt: now},
		"negative":     {HotelID: "1", StayDate: now, RoomType: "a", PriceJPY: -1, CollectedAt: now},
		"no collected": {HotelID: "1", StayDate: now, RoomType: "a"},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := repo.InsertObservation(context.Background(), o)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObservationsQuery_Shape(t *testing.T) {
	q, args := observationsQuery(observationFilter{
		area:          "japan:tiba:keiyo",
		from:          day("2026-09-19"),
		to:            day("2026-09-21"),
		availableOnly: true,
	})
	assert.Contains(t, q, "JOIN hotels h ON h.id = o.hotel_id")
	assert.Contains(t, q, "o.stay_date BETWEEN ? AND ?")
	assert.Contains(t, q, "ORDER BY o.stay_date, o.collected_at, o.hotel_id, o.room_type ASC")
	assert.Equal(t, []any{"japan:tiba:keiyo", "2026-09-19", "2026-09-21", true}, args)

	q, args = observationsQuery(observationFilter{hotelID: "123"})
	assert.NotContains(t, q, "JOIN")
	assert.NotContains(t, q, "BETWEEN")
	assert.Equal(t, []any{"123"}, args)
}

func TestObservationsInWindow_ScansRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	c1 := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	c2 := c1.Add(24 * time.Hour)

	cols := []string{"hotel_id", "stay_date", "nights", "room_type", "price_jpy", "currency", "collected_at", "available"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY o.stay_date, o.collected_at")).
		WithArgs("japan:tiba:keiyo", "2026-09-19", "2026-09-21", true).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("123", day("2026-09-19"), 1, "Twin", 18000, "JPY", c1, true).
			AddRow("123", day("2026-09-19"), 1, "Twin", 19000, "JPY", c2, true))

	got, err := repo.ObservationsInWindow(context.Background(), domain.Window{
		Name: "event", From: day("2026-09-19"), To: day("2026-09-21"),
	}, "japan:tiba:keiyo")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(18000), got[0].PriceJPY)
	assert.True(t, got[0].CollectedAt.Before(got[1].CollectedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryByDateRange_Inverted(t *testing.T) {
	repo, _ := newMockRepo(t)
	_, err := repo.QueryByDateRange(context.Background(), day("2026-09-21"), day("2026-09-19"))
	assert.Error(t, err)
}

func TestGetHotel_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("FROM hotels WHERE id = ?").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetHotel(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSaveRun_WritesFailures(t *testing.T) {
	repo, mock := newMockRepo(t)
	area, _ := domain.ParseArea("japan:tiba:keiyo")
	run := domain.NewRun(area)
	run.State = domain.RunPartiallyFailed
	run.StartedAt = time.Now()
	run.FinishedAt = run.StartedAt.Add(time.Minute)
	run.Stats.UnitsFailed = 1
	run.Stats.FailuresByKind[domain.FailFetchPermanent] = 1
	run.Failures = []domain.UnitFailure{{
		Unit: domain.Unit{Area: area, StayDate: day("2026-09-20"), Nights: 1},
		Kind: domain.FailFetchPermanent, Reason: "status 404",
	}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO collection_runs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM collection_failures").WithArgs(run.ID.String()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO collection_failures").
		WithArgs(run.ID.String(), "japan:tiba:keiyo", "2026-09-20", domain.FailFetchPermanent, "status 404").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// utf8Reason matches a failure reason that is valid UTF-8 and fits the column.
type utf8Reason struct{ prefix string }

func (a utf8Reason) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && utf8.ValidString(s) && len(s) <= maxReasonBytes && strings.HasPrefix(s, a.prefix)
}

func TestSaveRun_MultibyteReasonCutOnRuneBoundary(t *testing.T) {
	repo, mock := newMockRepo(t)
	area, _ := domain.ParseArea("japan:tiba:keiyo")
	run := domain.NewRun(area)
	run.State = domain.RunPartiallyFailed
	run.StartedAt = time.Now()
	run.Stats.RejectionsByWhy[domain.RejectMissingPrice] = 2
	// two ASCII bytes shift the 3-byte runes off the 1024 boundary
	reason := "xy" + strings.Repeat("ページが見つかりません", 60)
	run.Failures = []domain.UnitFailure{{
		Unit: domain.Unit{Area: area, StayDate: day("2026-09-26"), Nights: 1},
		Kind: domain.FailFetchPermanent, Reason: reason,
	}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO collection_runs").
		WithArgs(run.ID.String(), "japan:tiba:keiyo", string(domain.RunPartiallyFailed), false,
			sqlmock.AnyArg(), nil, 0, 0, 0, 0, 0, 0, 0, 0, "{}", `{"missing_price":2}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM collection_failures").WithArgs(run.ID.String()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO collection_failures").
		WithArgs(run.ID.String(), "japan:tiba:keiyo", "2026-09-26", domain.FailFetchPermanent, utf8Reason{prefix: "xyページ"}).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveRun(context.Background(), run))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 10))
	assert.Equal(t, "ab", clip("abc", 2))
	// "é" is two bytes; cutting inside it drops the whole rune
	assert.Equal(t, "a", clip("aé", 2))
	assert.Equal(t, "a\uFFFDb", clip("a\xffb", 10))

	long := "xy" + strings.Repeat("円", 400)
	got := clip(long, 1024)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 1022, len(got))
}

func TestPing_WrapsUnavailable(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	err := repo.Ping(context.Background())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
