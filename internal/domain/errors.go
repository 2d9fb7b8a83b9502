package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

type FailureKind int

const (
	Transient FailureKind = iota + 1
	Permanent
)

func (k FailureKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// FetchFailure is returned by the fetch client once it has given up on a request.
type FetchFailure struct {
	Kind     FailureKind
	Status   int // 0 when no response was received
	Attempts int
	URL      string
	Err      error
}

func (f *FetchFailure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("fetch %s (%s, status %d, %d attempts): %v", f.URL, f.Kind, f.Status, f.Attempts, f.Err)
	}
	return fmt.Sprintf("fetch %s (%s, %d attempts): %v", f.URL, f.Kind, f.Attempts, f.Err)
}

func (f *FetchFailure) Unwrap() error { return f.Err }

func IsPermanent(err error) bool {
	var ff *FetchFailure
	return errors.As(err, &ff) && ff.Kind == Permanent
}
