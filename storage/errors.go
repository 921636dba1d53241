package storage

import "errors"

var (
	// ErrRecordNotFound is returned when a record is not found.
	ErrRecordNotFound = errors.New("record not found")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection.
	ErrDatabaseClosed = errors.New("database is closed")
)
