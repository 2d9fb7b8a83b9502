package rakuten

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"hotelprice/internal/domain"
)

const (
	defaultHTMLBase = "https://search.travel.rakuten.co.jp/ds/vacant/searchVacant"
	defaultAPIBase  = "https://app.rakuten.co.jp/services/api/Travel/VacantHotelSearch/20170426"
)

func defaultBase(kind string) string {
	if kind == KindAPI {
		return defaultAPIBase
	}
	return defaultHTMLBase
}

func buildURL(o Options, area domain.Area, checkIn, checkOut time.Time) (string, error) {
	base, err := url.Parse(o.BaseURL)
	if err != nil {
		return o.BaseURL, fmt.Errorf("base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return o.BaseURL, fmt.Errorf("base url %q: unsupported scheme", o.BaseURL)
	}
	if !checkOut.After(checkIn) {
		return o.BaseURL, fmt.Errorf("check-out %s not after check-in %s",
			checkOut.Format(domain.DateLayout), checkIn.Format(domain.DateLayout))
	}

	var q url.Values
	if o.Kind == KindAPI {
		q = apiParams(o, area, checkIn, checkOut)
	} else {
		q = searchParams(area, checkIn, checkOut)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// searchParams mirrors the public vacancy search form: one room, one adult,
// 30 results sorted by hotel.
func searchParams(area domain.Area, in, out time.Time) url.Values {
	q := url.Values{}
	q.Set("f_dai", area.Large)
	q.Set("f_chu", area.Middle)
	q.Set("f_shou", area.Small)
	q.Set("f_hyoji", "30")
	q.Set("f_page", "1")
	q.Set("f_sort", "hotel")
	q.Set("f_heya_su", "1")
	q.Set("f_otona_su", "1")
	for _, k := range []string{"f_s1", "f_s2", "f_y1", "f_y2", "f_y3", "f_y4", "f_kin2"} {
		q.Set(k, "0")
	}
	q.Set("f_cd", "03")
	q.Set("f_nen1", strconv.Itoa(in.Year()))
	q.Set("f_tuki1", strconv.Itoa(int(in.Month())))
	q.Set("f_hi1", strconv.Itoa(in.Day()))
	q.Set("f_nen2", strconv.Itoa(out.Year()))
	q.Set("f_tuki2", strconv.Itoa(int(out.Month())))
	q.Set("f_hi2", strconv.Itoa(out.Day()))
	return q
}

func apiParams(o Options, area domain.Area, in, out time.Time) url.Values {
	q := url.Values{}
	if o.AppID != "" {
		q.Set("applicationId", o.AppID)
	}
	q.Set("format", "json")
	q.Set("largeClassCode", area.Large)
	q.Set("middleClassCode", area.Middle)
	q.Set("smallClassCode", area.Small)
	q.Set("checkinDate", in.Format(domain.DateLayout))
	q.Set("checkoutDate", out.Format(domain.DateLayout))
	q.Set("adultNum", "1")
	q.Set("roomNum", "1")
	q.Set("datumType", "1") // WGS84 degrees
	q.Set("hits", "30")
	q.Set("page", "1")
	return q
}
