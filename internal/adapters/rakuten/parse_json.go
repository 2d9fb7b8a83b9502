package rakuten

import (
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"

	"hotelprice/internal/domain"
)

/********** alias registries (single source of truth) **********/

var hotelAliases = map[string][]string{
	"id":        {"hotelNo", "hotel_no", "hotelId", "hotel_id", "id"},
	"name":      {"hotelName", "hotel_name", "name"},
	"lat":       {"latitude", "lat"},
	"lon":       {"longitude", "lon", "lng"},
	"rating":    {"reviewAverage", "review_average", "rating"},
	"reviews":   {"reviewCount", "review_count"},
	"access":    {"access", "access_info", "nearestStation"},
	"min_price": {"hotelMinCharge", "min_charge", "min_price"},
}

var roomAliases = map[string][]string{
	"room_type": {"roomName", "room_name", "roomClass", "room_class", "roomType", "room_type", "planName", "plan_name"},
	"price":     {"total", "rakutenCharge", "charge", "price", "amount"},
}

// compiled jmespath "a || b || c" expressions, one per alias key
var (
	hotelExpr = compileAliases(hotelAliases)
	roomExpr  = compileAliases(roomAliases)

	recordsExpr   = jmespath.MustCompile("hotels || items || results")
	basicExpr     = jmespath.MustCompile("[?hotelBasicInfo] | [0].hotelBasicInfo")
	roomInfoExpr  = jmespath.MustCompile("[?roomInfo].roomInfo")
	roomBasicExpr = jmespath.MustCompile("[?roomBasicInfo] | [0].roomBasicInfo")
	chargeExpr    = jmespath.MustCompile("[?dailyCharge] | [0].dailyCharge")
	flatRoomsExpr = jmespath.MustCompile("rooms || plans || roomInfo")
)

func compileAliases(aliases map[string][]string) map[string]*jmespath.JMESPath {
	out := make(map[string]*jmespath.JMESPath, len(aliases))
	for k, paths := range aliases {
		quoted := make([]string, len(paths))
		for i, p := range paths {
			quoted[i] = strconv.Quote(p)
		}
		out[k] = jmespath.MustCompile(strings.Join(quoted, " || "))
	}
	return out
}

func search(e *jmespath.JMESPath, data any) any {
	if data == nil {
		return nil
	}
	v, err := e.Search(data)
	if err != nil {
		return nil
	}
	return v
}

func str(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	}
	return ""
}

type room struct {
	label     string
	price     any
	available *bool
}

func parseJSON(raw domain.RawResponse, stayDate time.Time) iter.Seq[domain.ParseOutcome] {
	return func(yield func(domain.ParseOutcome) bool) {
		var data any
		if err := json.Unmarshal(raw.Body, &data); err != nil {
			yield(domain.Rejected(domain.RejectUndecodableBody, err.Error()))
			return
		}
		records, _ := search(recordsExpr, data).([]any)
		if arr, ok := data.([]any); ok && records == nil {
			records = arr
		}
		for _, rec := range records {
			for _, out := range parseJSONHotel(raw, stayDate, rec) {
				if !yield(out) {
					return
				}
			}
		}
	}
}

// parseJSONHotel handles both the nested API shape
// ({"hotel":[{"hotelBasicInfo":…},{"roomInfo":[…]}]}) and flat objects.
func parseJSONHotel(raw domain.RawResponse, stayDate time.Time, rec any) []domain.ParseOutcome {
	var basic any
	var rooms []room

	obj, _ := rec.(map[string]any)
	if nested, ok := obj["hotel"].([]any); ok {
		basic = search(basicExpr, nested)
		infos, _ := search(roomInfoExpr, nested).([]any)
		for _, ri := range infos {
			rb := search(roomBasicExpr, ri)
			dc := search(chargeExpr, ri)
			rooms = append(rooms, room{label: str(search(roomExpr["room_type"], rb)), price: search(roomExpr["price"], dc)})
		}
	} else {
		basic = obj
		flat, _ := search(flatRoomsExpr, obj).([]any)
		for _, r := range flat {
			rm := room{label: str(search(roomExpr["room_type"], r)), price: search(roomExpr["price"], r)}
			if m, ok := r.(map[string]any); ok {
				for _, k := range []string{"available", "vacant"} {
					if b, ok := m[k].(bool); ok {
						rm.available = &b
					}
				}
			}
			rooms = append(rooms, rm)
		}
	}
	if basic == nil {
		return []domain.ParseOutcome{domain.Rejected(domain.RejectMissingIdentity, "record without hotel info")}
	}

	h := domain.Hotel{
		ID:          str(search(hotelExpr["id"], basic)),
		Name:        str(search(hotelExpr["name"], basic)),
		Area:        raw.Area.String(),
		Rating:      parseFloat(search(hotelExpr["rating"], basic)),
		ReviewCount: parseInt(search(hotelExpr["reviews"], basic)),
		AccessInfo:  ptrStr(str(search(hotelExpr["access"], basic))),
	}
	h.Lat, h.Lon = validCoords(parseFloat(search(hotelExpr["lat"], basic)), parseFloat(search(hotelExpr["lon"], basic)))
	if h.AccessInfo != nil {
		h.WalkMinutes = walkMinutes(*h.AccessInfo)
	}
	if !resolveIdentity(&h) {
		return []domain.ParseOutcome{domain.Rejected(domain.RejectMissingIdentity, fmt.Sprintf("name=%q", h.Name))}
	}

	// no room breakdown: fall back to the hotel's minimum charge
	if len(rooms) == 0 {
		rooms = []room{{label: domain.RoomTypeLowest, price: search(hotelExpr["min_price"], basic)}}
	}

	var out []domain.ParseOutcome
	cheapest := map[string]int{} // label -> index in out
	for _, rm := range rooms {
		if rm.label == "" {
			out = append(out, domain.Rejected(domain.RejectMissingRoomType, "hotel "+h.ID))
			continue
		}
		price, present, ok := parsePrice(rm.price)
		if !present {
			out = append(out, domain.Rejected(domain.RejectMissingPrice, "hotel "+h.ID+" room "+rm.label))
			continue
		}
		if !ok {
			out = append(out, domain.Rejected(domain.RejectMalformedPrice, fmt.Sprintf("hotel %s room %s: %v", h.ID, rm.label, rm.price)))
			continue
		}

		o := base(raw, stayDate)
		o.HotelID = h.ID
		o.RoomType = rm.label
		o.PriceJPY = price
		if rm.available != nil {
			o.Available = *rm.available
		}

		// several plans share a room type; keep the cheapest so the identity key stays unique
		if i, seen := cheapest[rm.label]; seen {
			if price < out[i].Listing.Observation.PriceJPY {
				out[i] = domain.Accepted(domain.Listing{Hotel: h, Observation: o})
			}
			continue
		}
		cheapest[rm.label] = len(out)
		out = append(out, domain.Accepted(domain.Listing{Hotel: h, Observation: o}))
	}
	return out
}
