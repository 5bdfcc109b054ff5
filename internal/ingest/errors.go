package ingest

import "errors"

// Rejection kinds. Every error returned by Ingest wraps one of these.
var (
	ErrMalformed    = errors.New("malformed report")
	ErrOversize     = errors.New("report exceeds buffer limit")
	ErrAuth         = errors.New("authentication failed")
	ErrMissingField = errors.New("missing required field")
	ErrPersist      = errors.New("persisting report failed")
)
