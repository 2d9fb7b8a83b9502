package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

type Hotel struct {
	ID          string
	Name        string
	Area        string
	Lat, Lon    *float64
	DistanceKm  *float64 // derived from venue, cached on upsert
	Rating      *float64
	ReviewCount *int
	AccessInfo  *string
	WalkMinutes *int

	CoordAnomaly bool // set by the store, never by callers
}

type Coords struct{ Lat, Lon float64 }

func (h Hotel) Coords() (Coords, bool) {
	if h.Lat == nil || h.Lon == nil {
		return Coords{}, false
	}
	return Coords{Lat: *h.Lat, Lon: *h.Lon}, true
}

// coordEpsilon is roughly 10cm at Tokyo's latitude; anything below is float noise.
const coordEpsilon = 1e-6

func SameCoords(a, b Coords) bool {
	return math.Abs(a.Lat-b.Lat) < coordEpsilon && math.Abs(a.Lon-b.Lon) < coordEpsilon
}

// DerivedHotelID builds a stable identifier for listings that carry no source id.
func DerivedHotelID(name string, c Coords) string {
	key := fmt.Sprintf("%s|%.6f|%.6f", strings.TrimSpace(name), c.Lat, c.Lon)
	sum := sha1.Sum([]byte(key))
	return "h-" + hex.EncodeToString(sum[:])[:16]
}
