package repository

import "errors"

// ErrNotFound is returned when a lookup matches no row, or when a
// conditional update (activate, close) finds the row no longer in the
// required state.
var ErrNotFound = errors.New("record not found")
