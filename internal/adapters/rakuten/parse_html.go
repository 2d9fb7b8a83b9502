package rakuten

import (
	"bytes"
	"fmt"
	"iter"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"hotelprice/internal/domain"
)

// Selectors for the vacancy search result list.
const (
	selCard    = "li.htl-list-card"
	selName    = "h2.hotel-list__title-text a"
	selRating  = "p.cstmrEvl strong"
	selReviews = "p.cstmrEvl"
	selAccess  = "p.htlAccess span"
	selPrice   = "span.ndPrice strong"

	attrHotelNo = "data-map-modal-hotel-no"
)

var (
	latAttrs = []string{"data-map-modal-lat", "data-lat", "data-latitude"}
	lonAttrs = []string{"data-map-modal-lng", "data-lng", "data-longitude"}

	reviewCountRe = regexp.MustCompile(`(\d+)件`)
)

func parseHTML(raw domain.RawResponse, stayDate time.Time) iter.Seq[domain.ParseOutcome] {
	return func(yield func(domain.ParseOutcome) bool) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
		if err != nil {
			yield(domain.Rejected(domain.RejectUndecodableBody, err.Error()))
			return
		}
		doc.Find(selCard).EachWithBreak(func(_ int, card *goquery.Selection) bool {
			return yield(parseCard(raw, stayDate, card))
		})
	}
}

func firstAttr(s *goquery.Selection, names []string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseCard yields one "lowest" row per hotel: the cheapest plan shown on the card.
func parseCard(raw domain.RawResponse, stayDate time.Time, card *goquery.Selection) domain.ParseOutcome {
	h := domain.Hotel{
		ID:   card.AttrOr(attrHotelNo, ""),
		Name: card.Find(selName).First().Text(),
		Area: raw.Area.String(),
	}
	h.Lat, h.Lon = validCoords(parseFloat(firstAttr(card, latAttrs)), parseFloat(firstAttr(card, lonAttrs)))
	if !resolveIdentity(&h) {
		return domain.Rejected(domain.RejectMissingIdentity, fmt.Sprintf("card name=%q", strings.TrimSpace(h.Name)))
	}

	if r := card.Find(selRating).First(); r.Length() > 0 {
		h.Rating = parseFloat(r.Text())
	}
	if m := reviewCountRe.FindStringSubmatch(strings.ReplaceAll(card.Find(selReviews).First().Text(), ",", "")); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			h.ReviewCount = &n
		}
	}
	if a := ptrStr(card.Find(selAccess).First().Text()); a != nil {
		h.AccessInfo = a
		h.WalkMinutes = walkMinutes(*a)
	}

	var (
		lowest    int64 = -1
		malformed string
	)
	card.Find(selPrice).Each(func(_ int, p *goquery.Selection) {
		price, present, ok := parsePrice(p.Text())
		switch {
		case ok:
			if lowest < 0 || price < lowest {
				lowest = price
			}
		case present:
			malformed = strings.TrimSpace(p.Text())
		}
	})
	if lowest < 0 {
		if malformed != "" {
			return domain.Rejected(domain.RejectMalformedPrice, fmt.Sprintf("hotel %s: %q", h.ID, malformed))
		}
		return domain.Rejected(domain.RejectMissingPrice, "hotel "+h.ID)
	}

	o := base(raw, stayDate)
	o.HotelID = h.ID
	o.RoomType = domain.RoomTypeLowest
	o.PriceJPY = lowest
	return domain.Accepted(domain.Listing{Hotel: h, Observation: o})
}
