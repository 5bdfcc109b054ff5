package ingest

import (
	"errors"
	"sync/atomic"
)

// Stats counts connection and report outcomes for the operator view.
type Stats struct {
	Accepted        atomic.Uint64
	Denied          atomic.Uint64
	RateLimited     atomic.Uint64
	Timeouts        atomic.Uint64
	Oversize        atomic.Uint64
	Malformed       atomic.Uint64
	AuthFailures    atomic.Uint64
	MissingFields   atomic.Uint64
	PersistFailures atomic.Uint64
	Ingested        atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Accepted        uint64
	Denied          uint64
	RateLimited     uint64
	Timeouts        uint64
	Oversize        uint64
	Malformed       uint64
	AuthFailures    uint64
	MissingFields   uint64
	PersistFailures uint64
	Ingested        uint64
}

// Snapshot copies the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Accepted:        s.Accepted.Load(),
		Denied:          s.Denied.Load(),
		RateLimited:     s.RateLimited.Load(),
		Timeouts:        s.Timeouts.Load(),
		Oversize:        s.Oversize.Load(),
		Malformed:       s.Malformed.Load(),
		AuthFailures:    s.AuthFailures.Load(),
		MissingFields:   s.MissingFields.Load(),
		PersistFailures: s.PersistFailures.Load(),
		Ingested:        s.Ingested.Load(),
	}
}

// count records the outcome of one report.
func (s *Stats) count(err error) {
	switch {
	case err == nil:
		s.Ingested.Add(1)
	case errors.Is(err, ErrAuth):
		s.AuthFailures.Add(1)
	case errors.Is(err, ErrMissingField):
		s.MissingFields.Add(1)
	case errors.Is(err, ErrOversize):
		s.Oversize.Add(1)
	case errors.Is(err, ErrPersist):
		s.PersistFailures.Add(1)
	default:
		s.Malformed.Add(1)
	}
}
