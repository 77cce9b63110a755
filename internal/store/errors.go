package store

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an optimistic version check fails or a
	// record is no longer in the state the caller expected.
	ErrConflict = errors.New("store: conflict")

	// ErrDuplicate is returned when a uniqueness constraint rejects an insert.
	ErrDuplicate = errors.New("store: duplicate")
)

// SQLite primary result codes.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return 0
}

// isRetriable reports whether err is transient lock contention from another
// process holding the database.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	switch sqliteCode(err) {
	case sqliteBusy, sqliteLocked:
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if sqliteCode(err) == sqliteConstraint && strings.Contains(msg, "UNIQUE") {
		return true
	}
	return strings.Contains(msg, "UNIQUE constraint failed")
}
