package sqlite3

import (
	"errors"
	"fmt"

	lib "modernc.org/sqlite/lib"
)

// define all package level errors here

var (
	// ErrClosed is returned by every guarded operation invoked after the
	// database handle was closed (or before it was ever opened).
	ErrClosed = errors.New("sqlite3: database is closed")

	// ErrStmtFinalized is returned by statement operations invoked after
	// Finalize.
	ErrStmtFinalized = errors.New("sqlite3: statement is finalized")

	// ErrBackupFinished is returned by Backup.Step once the session has
	// been released by Finish.
	ErrBackupFinished = errors.New("sqlite3: backup session finished")
)

// Result codes mirrored from the native engine. Only the values a caller is
// likely to branch on are re-exported; Error.Code carries the raw native
// value in all cases.
const (
	SQLITE_OK         = lib.SQLITE_OK
	SQLITE_ERROR      = lib.SQLITE_ERROR
	SQLITE_INTERNAL   = lib.SQLITE_INTERNAL
	SQLITE_PERM       = lib.SQLITE_PERM
	SQLITE_ABORT      = lib.SQLITE_ABORT
	SQLITE_BUSY       = lib.SQLITE_BUSY
	SQLITE_LOCKED     = lib.SQLITE_LOCKED
	SQLITE_NOMEM      = lib.SQLITE_NOMEM
	SQLITE_READONLY   = lib.SQLITE_READONLY
	SQLITE_INTERRUPT  = lib.SQLITE_INTERRUPT
	SQLITE_IOERR      = lib.SQLITE_IOERR
	SQLITE_CORRUPT    = lib.SQLITE_CORRUPT
	SQLITE_FULL       = lib.SQLITE_FULL
	SQLITE_CANTOPEN   = lib.SQLITE_CANTOPEN
	SQLITE_MISUSE     = lib.SQLITE_MISUSE
	SQLITE_AUTH       = lib.SQLITE_AUTH
	SQLITE_RANGE      = lib.SQLITE_RANGE
	SQLITE_NOTADB     = lib.SQLITE_NOTADB
	SQLITE_CONSTRAINT = lib.SQLITE_CONSTRAINT
	SQLITE_ROW        = lib.SQLITE_ROW
	SQLITE_DONE       = lib.SQLITE_DONE
)

// Error wraps a non-success native status code together with the engine's
// error message for the failing connection.
type Error struct {
	msg  string
	code int
}

// Error implements the error interface.
func (e *Error) Error() string { return e.msg }

// Code returns the native result code that produced this error.
func (e *Error) Code() int { return e.code }

// ConversionError reports a host value that has no native representation.
// It is produced by the host-to-native half of the value bridge, for example
// when a user-defined function returns an unsupported type.
type ConversionError struct {
	// Type names the offending Go type, as formatted by %T.
	Type string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("sqlite3: cannot convert %s to a native value", e.Type)
}

// InternalError reports a native value tag this binding does not recognize.
// It indicates an engine/binding mismatch and is never expected in correct
// operation.
type InternalError struct {
	// Tag is the unrecognized native datatype code.
	Tag int
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("sqlite3: unknown native value type %d", e.Tag)
}
