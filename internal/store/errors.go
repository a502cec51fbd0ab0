package store

import "errors"

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("record not found")

// ErrValidation marks writes rejected by the validation gate. These are
// permanent: the caller must fix the record, not retry it.
var ErrValidation = errors.New("validation rejected")
