package domain

import (
	"fmt"
	"strings"
)

// Area is Rakuten Travel's three-level region code, e.g. japan:tiba:keiyo.
type Area struct {
	Large  string
	Middle string
	Small  string
}

func ParseArea(s string) (Area, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Area{}, fmt.Errorf("area %q: want large:middle:small", s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Area{}, fmt.Errorf("area %q: empty segment", s)
		}
	}
	return Area{Large: parts[0], Middle: parts[1], Small: parts[2]}, nil
}

func (a Area) String() string { return a.Large + ":" + a.Middle + ":" + a.Small }
