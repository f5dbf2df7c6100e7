package store

import "errors"

// ErrNotFound is returned when a lookup by ID finds no row. Callers in
// higher-level packages wrap this in their own domain-specific sentinel
// where one is warranted (e.g. jobboard's NotFound).
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when a mutating operation exhausts its bounded
// retry budget against a contended or failing store.
var ErrUnavailable = errors.New("store unavailable")

// ErrDuplicateResponse is returned when a second response message is
// submitted for a correlation ID that already has one.
var ErrDuplicateResponse = errors.New("response already submitted for correlation id")
