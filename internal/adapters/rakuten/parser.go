package rakuten

import (
	"bytes"
	"iter"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hotelprice/internal/domain"
)

// Parser turns one upstream page into listings. It keeps no state between
// calls, so iterating the returned sequence twice parses the page twice.
type Parser struct{}

func NewParser() Parser { return Parser{} }

func (Parser) Parse(raw domain.RawResponse, stayDate time.Time) iter.Seq[domain.ParseOutcome] {
	if isJSON(raw) {
		return parseJSON(raw, stayDate)
	}
	return parseHTML(raw, stayDate)
}

func isJSON(raw domain.RawResponse) bool {
	if strings.Contains(strings.ToLower(raw.ContentType), "json") {
		return true
	}
	b := bytes.TrimSpace(raw.Body)
	return len(b) > 0 && (b[0] == '{' || b[0] == '[')
}

// base fills the fields every observation from this page shares.
func base(raw domain.RawResponse, stayDate time.Time) domain.Observation {
	nights := 1
	if !raw.CheckIn.IsZero() && raw.CheckOut.After(raw.CheckIn) {
		nights = int(raw.CheckOut.Sub(raw.CheckIn).Hours() / 24)
	}
	return domain.Observation{
		StayDate:    domain.Day(stayDate),
		Nights:      nights,
		Currency:    domain.CurrencyJPY,
		CollectedAt: raw.FetchedAt.UTC(),
		Available:   true,
	}
}

// resolveIdentity applies the identity rule: a source id, or name + coordinates.
func resolveIdentity(h *domain.Hotel) bool {
	h.ID = strings.TrimSpace(h.ID)
	h.Name = strings.TrimSpace(h.Name)
	if h.ID != "" {
		return true
	}
	c, ok := h.Coords()
	if h.Name == "" || !ok {
		return false
	}
	h.ID = domain.DerivedHotelID(h.Name, c)
	return true
}

/********** numbers **********/

var priceNoise = strings.NewReplacer(",", "", "，", "", "円", "", "¥", "", "￥", "", " ", "", "\u00a0", "", "〜", "", "~", "")

var digitsOnly = regexp.MustCompile(`^\d+$`)

// parsePrice normalizes upstream price values to whole yen.
// ok=false with present=true means the value was there but malformed.
func parsePrice(v any) (price int64, present, ok bool) {
	switch x := v.(type) {
	case nil:
		return 0, false, false
	case float64:
		if x < 0 || x != math.Trunc(x) || x > 1<<53 {
			return 0, true, false
		}
		return int64(x), true, true
	case int:
		if x < 0 {
			return 0, true, false
		}
		return int64(x), true, true
	case int64:
		if x < 0 {
			return 0, true, false
		}
		return x, true, true
	case string:
		s := priceNoise.Replace(strings.TrimSpace(x))
		if s == "" {
			return 0, false, false
		}
		if !digitsOnly.MatchString(s) {
			return 0, true, false
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, true, false
		}
		return n, true, true
	}
	return 0, true, false
}

// parseFloat accepts finite numbers only; "NaN" and "Inf" strings are dropped.
func parseFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(x, ",", ""))
		if s == "" {
			return nil
		}
		var err error
		if f, err = strconv.ParseFloat(s, 64); err != nil {
			return nil
		}
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func parseInt(v any) *int {
	if f := parseFloat(v); f != nil && *f == math.Trunc(*f) {
		n := int(*f)
		return &n
	}
	return nil
}

// validCoords drops out-of-range pairs and the (0,0) placeholder.
func validCoords(lat, lon *float64) (*float64, *float64) {
	if lat == nil || lon == nil {
		return nil, nil
	}
	if *lat < -90 || *lat > 90 || *lon < -180 || *lon > 180 || (*lat == 0 && *lon == 0) {
		return nil, nil
	}
	return lat, lon
}

var walkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`徒歩(\d+)分`),
	regexp.MustCompile(`歩(\d+)分`),
	regexp.MustCompile(`(\d+)分.*駅`),
}

// walkMinutes pulls "徒歩5分" style travel times out of access text.
func walkMinutes(access string) *int {
	for _, re := range walkPatterns {
		if m := re.FindStringSubmatch(access); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return &n
			}
		}
	}
	return nil
}

func ptrStr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
