package store

import "errors"

var (
	ErrEntryNotFound  = errors.New("queue entry not found")
	ErrDuplicateEntry = errors.New("queue entry already exists")
	ErrInvalidStatus  = errors.New("invalid stored status")
)
