package domain

import "errors"

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned on unique constraint violations.
	ErrDuplicate = errors.New("duplicate record")
	// ErrStale is returned when a conditional update matched no row because
	// another writer got there first.
	ErrStale = errors.New("record changed concurrently")
)
