package domain

import "time"

const CurrencyJPY = "JPY"

// RoomTypeLowest labels the cheapest-plan row produced from search result cards.
const RoomTypeLowest = "lowest"

type Observation struct {
	HotelID     string
	StayDate    time.Time // calendar date, UTC midnight
	Nights      int
	RoomType    string
	PriceJPY    int64
	Currency    string
	CollectedAt time.Time
	Available   bool
}

// Key is the natural identity of an observation.
type Key struct {
	HotelID      string
	StayDate     string
	RoomType     string
	CollectedDay string
}

func (o Observation) Key() Key {
	return Key{
		HotelID:      o.HotelID,
		StayDate:     o.StayDate.UTC().Format(DateLayout),
		RoomType:     o.RoomType,
		CollectedDay: o.CollectedAt.UTC().Format(DateLayout),
	}
}

const DateLayout = "2006-01-02"

// Day truncates t to its UTC calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// Window is an inclusive range of stay dates.
type Window struct {
	Name string
	From time.Time
	To   time.Time
}

func (w Window) Contains(d time.Time) bool {
	d = Day(d)
	return !d.Before(Day(w.From)) && !d.After(Day(w.To))
}

// Days lists every stay date in the window.
func (w Window) Days() []time.Time {
	var out []time.Time
	for d := Day(w.From); !d.After(Day(w.To)); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

func (w Window) String() string {
	return Day(w.From).Format(DateLayout) + ".." + Day(w.To).Format(DateLayout)
}

// RawResponse is one upstream page, still opaque to everything except the parser.
type RawResponse struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
	Area        Area
	CheckIn     time.Time
	CheckOut    time.Time
	FetchedAt   time.Time
}

// Listing is a parsed hotel and the price quote seen for it.
type Listing struct {
	Hotel       Hotel
	Observation Observation
}

// Rejection reasons.
const (
	RejectMissingIdentity = "missing_identity"
	RejectMissingPrice    = "missing_price"
	RejectMalformedPrice  = "malformed_price"
	RejectMissingRoomType = "missing_room_type"
	RejectUndecodableBody = "undecodable_body"
)

type Rejection struct {
	Reason string
	Detail string
}

// ParseOutcome holds exactly one of Listing or Rejection.
type ParseOutcome struct {
	Listing   *Listing
	Rejection *Rejection
}

func Accepted(l Listing) ParseOutcome { return ParseOutcome{Listing: &l} }

func Rejected(reason, detail string) ParseOutcome {
	return ParseOutcome{Rejection: &Rejection{Reason: reason, Detail: detail}}
}

func (o ParseOutcome) Ok() bool { return o.Listing != nil }
