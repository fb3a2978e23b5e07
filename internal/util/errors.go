package util

import "errors"

// Internal errors; packages wrap them into storeerr codes at their boundary.
var (
	// Storage errors
	ErrPageNotFound    = errors.New("page not found")
	ErrPageFull        = errors.New("page is full")
	ErrInvalidPageID   = errors.New("invalid page ID")
	ErrDiskReadFailed  = errors.New("disk read failed")
	ErrDiskWriteFailed = errors.New("disk write failed")
	ErrKeyNotFound     = errors.New("key not found")
	ErrEntryTooLarge   = errors.New("entry too large for page")
	ErrNotSorted       = errors.New("bulk load input is not sorted")

	// Database errors
	ErrDatabaseClosed  = errors.New("database is closed")
	ErrDatabaseCorrupt = errors.New("database is corrupt")
	ErrDatabaseLocked  = errors.New("data directory is locked by another process")

	// WAL errors
	ErrWALCorrupt = errors.New("WAL is corrupt")
	ErrWALClosed  = errors.New("WAL is closed")
)
