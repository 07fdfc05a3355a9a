package store

import "errors"

// Sentinel errors returned by lookup-style operations that do not need the
// full Outcome vocabulary.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrInvalidInput = errors.New("store: invalid input")
)
