package app

import "errors"

// ErrBadQuery marks caller mistakes (unknown baseline, inverted range).
var ErrBadQuery = errors.New("bad query")
