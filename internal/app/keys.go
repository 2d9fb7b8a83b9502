package app

import (
	"fmt"

	"hotelprice/internal/domain"
)

func compareKey(event, baseline domain.Window, area string, latestOnly bool) string {
	return fmt.Sprintf("compare:%s:%s:%s:%t", event, baseline, area, latestOnly)
}

func hotelSeriesKey(id string) string { return "observations:hotel:" + id }
