package sqlite3

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
	"unsafe"

	"modernc.org/libc"
	types "modernc.org/libc/sys/types"
	lib "modernc.org/sqlite/lib"
)

// native pointer width; pointer slots and argv walks depend on it
const ptrSize = unsafe.Sizeof(uintptr(0))

// flags for the non-UTF16 open path
const defaultOpenFlags = lib.SQLITE_OPEN_READWRITE | lib.SQLITE_OPEN_CREATE

// Helpers

func malloc(tls *libc.TLS, n int) (uintptr, error) {
	if p := libc.Xmalloc(tls, types.Size_t(n)); p != 0 {
		return p, nil
	}
	return 0, fmt.Errorf("sqlite3: cannot allocate %d bytes of memory", n)
}

// goBytes copies n bytes of native memory at p into fresh Go memory.
// A zero pointer or length yields an empty, non-nil slice.
func goBytes(p uintptr, n int) []byte {
	v := make([]byte, n)
	if p != 0 && n > 0 {
		copy(v, (*libc.RawMem)(unsafe.Pointer(p))[:n:n])
	}
	return v
}

/**
errstr translates a native status code into *Error, folding in the
connection's own error message when it adds detail. db may be zero.
*/
func errstr(tls *libc.TLS, db uintptr, rc int32) error {
	str := libc.GoString(lib.Xsqlite3_errstr(tls, rc))
	var msg string
	if db != 0 {
		msg = libc.GoString(lib.Xsqlite3_errmsg(tls, db))
	}
	var busy string
	if rc == lib.SQLITE_BUSY {
		busy = " (SQLITE_BUSY)"
	}
	if msg == "" || msg == str {
		return &Error{msg: fmt.Sprintf("sqlite3: %s (%v)%s", str, rc, busy), code: int(rc)}
	}
	return &Error{msg: fmt.Sprintf("sqlite3: %s: %s (%v)%s", str, msg, rc, busy), code: int(rc)}
}

// Go wrappers over the transpiled C engine

/**
Open a database file through the v2 interface. On failure the half-opened
native handle is closed and only the error escapes.
*/
func sqlite3_open_v2(tls *libc.TLS, path string, vfsName string, flags int32) (uintptr, error) {
	var p, s, vfs uintptr

	defer func() {
		for _, q := range []uintptr{p, s, vfs} {
			if q != 0 {
				libc.Xfree(tls, q)
			}
		}
	}()

	p, err := malloc(tls, int(ptrSize))
	if err != nil {
		return 0, err
	}
	if s, err = libc.CString(path); err != nil {
		return 0, err
	}
	if vfsName != "" {
		if vfs, err = libc.CString(vfsName); err != nil {
			return 0, err
		}
	}
	if rc := lib.Xsqlite3_open_v2(tls, s, p, flags, vfs); rc != lib.SQLITE_OK {
		db := *(*uintptr)(unsafe.Pointer(p))
		err = errstr(tls, db, rc)
		if db != 0 {
			lib.Xsqlite3_close(tls, db)
		}
		return 0, err
	}
	return *(*uintptr)(unsafe.Pointer(p)), nil
}

/**
Open a database file through the UTF-16 entry point. The path is re-encoded
to UTF-16 in native byte order with a terminating NUL pair. Databases
created this way default to UTF-16 text encoding.
*/
func sqlite3_open16(tls *libc.TLS, path string) (uintptr, error) {
	codes := utf16.Encode([]rune(path))
	buf := make([]byte, (len(codes)+1)*2)
	for i, c := range codes {
		binary.NativeEndian.PutUint16(buf[i*2:], c)
	}

	var p, z uintptr
	defer func() {
		if p != 0 {
			libc.Xfree(tls, p)
		}
		if z != 0 {
			libc.Xfree(tls, z)
		}
	}()

	p, err := malloc(tls, int(ptrSize))
	if err != nil {
		return 0, err
	}
	if z, err = malloc(tls, len(buf)); err != nil {
		return 0, err
	}
	copy((*libc.RawMem)(unsafe.Pointer(z))[:len(buf):len(buf)], buf)

	if rc := lib.Xsqlite3_open16(tls, z, p); rc != lib.SQLITE_OK {
		db := *(*uintptr)(unsafe.Pointer(p))
		err = errstr(tls, db, rc)
		if db != 0 {
			lib.Xsqlite3_close(tls, db)
		}
		return 0, err
	}
	return *(*uintptr)(unsafe.Pointer(p)), nil
}

/** Close the native handle. Fails with SQLITE_BUSY while statements or backups are live */
func sqlite3_close(tls *libc.TLS, db uintptr) error {
	if rc := lib.Xsqlite3_close(tls, db); rc != lib.SQLITE_OK {
		return errstr(tls, db, rc)
	}
	return nil
}

/** Text of the most recent error on this connection */
func sqlite3_errmsg(tls *libc.TLS, db uintptr) string {
	return libc.GoString(lib.Xsqlite3_errmsg(tls, db))
}

/** Numeric code of the most recent error on this connection */
func sqlite3_errcode(tls *libc.TLS, db uintptr) int {
	return int(lib.Xsqlite3_errcode(tls, db))
}

/** Ask the engine to abort any long-running call on this connection */
func sqlite3_interrupt(tls *libc.TLS, db uintptr) {
	lib.Xsqlite3_interrupt(tls, db)
}

/** Rows changed by the most recent statement */
func sqlite3_changes(tls *libc.TLS, db uintptr) int {
	return int(lib.Xsqlite3_changes(tls, db))
}

/** Rows changed since the connection opened */
func sqlite3_total_changes(tls *libc.TLS, db uintptr) int {
	return int(lib.Xsqlite3_total_changes(tls, db))
}

/** Rowid of the most recent successful INSERT */
func sqlite3_last_insert_rowid(tls *libc.TLS, db uintptr) int64 {
	return lib.Xsqlite3_last_insert_rowid(tls, db)
}

/** Install the engine's built-in busy handler with the given timeout */
func sqlite3_busy_timeout(tls *libc.TLS, db uintptr, ms int) error {
	if rc := lib.Xsqlite3_busy_timeout(tls, db, int32(ms)); rc != lib.SQLITE_OK {
		return errstr(tls, db, rc)
	}
	return nil
}

/** Filename backing the given schema, empty for temporary and in-memory databases */
func sqlite3_db_filename(tls *libc.TLS, db uintptr, schema string) (string, error) {
	z, err := libc.CString(schema)
	if err != nil {
		return "", err
	}
	defer libc.Xfree(tls, z)
	return libc.GoString(lib.Xsqlite3_db_filename(tls, db, z)), nil
}

/** Report whether sql is one or more complete statements. Needs no connection */
func sqlite3_complete(sql string) (bool, error) {
	tls := libc.NewTLS()
	defer tls.Close()
	z, err := libc.CString(sql)
	if err != nil {
		return false, err
	}
	defer libc.Xfree(tls, z)
	return lib.Xsqlite3_complete(tls, z) != 0, nil
}

/** Walk the connection's list of compiled statements. Zero starts the walk */
func sqlite3_next_stmt(tls *libc.TLS, db uintptr, pstmt uintptr) uintptr {
	return lib.Xsqlite3_next_stmt(tls, db, pstmt)
}

/**
Compile the first statement of sql. tail returns any SQL text left after
the compiled statement. pstmt is zero when sql held nothing to compile,
as for whitespace or a lone comment.
*/
func sqlite3_prepare_v2(tls *libc.TLS, db uintptr, sql string) (pstmt uintptr, tail string, err error) {
	zSQL, err := libc.CString(sql)
	if err != nil {
		return 0, "", err
	}
	defer libc.Xfree(tls, zSQL)

	var ppstmt, pptail uintptr
	defer func() {
		if ppstmt != 0 {
			libc.Xfree(tls, ppstmt)
		}
		if pptail != 0 {
			libc.Xfree(tls, pptail)
		}
	}()

	if ppstmt, err = malloc(tls, int(ptrSize)); err != nil {
		return 0, "", err
	}
	if pptail, err = malloc(tls, int(ptrSize)); err != nil {
		return 0, "", err
	}
	if rc := lib.Xsqlite3_prepare_v2(tls, db, zSQL, -1, ppstmt, pptail); rc != lib.SQLITE_OK {
		return 0, "", errstr(tls, db, rc)
	}
	tail = libc.GoString(*(*uintptr)(unsafe.Pointer(pptail)))
	return *(*uintptr)(unsafe.Pointer(ppstmt)), tail, nil
}

/** Advance a compiled statement. Only SQLITE_ROW and SQLITE_DONE are non-errors */
func sqlite3_step(tls *libc.TLS, db uintptr, pstmt uintptr) (int32, error) {
	switch rc := lib.Xsqlite3_step(tls, pstmt); rc {
	case lib.SQLITE_ROW, lib.SQLITE_DONE:
		return rc, nil
	default:
		return rc, errstr(tls, db, rc)
	}
}

/** Rewind a compiled statement so it can run again. Bindings are kept */
func sqlite3_reset(tls *libc.TLS, db uintptr, pstmt uintptr) error {
	if rc := lib.Xsqlite3_reset(tls, pstmt); rc != lib.SQLITE_OK {
		return errstr(tls, db, rc)
	}
	return nil
}

/** Destroy a compiled statement */
func sqlite3_finalize(tls *libc.TLS, db uintptr, pstmt uintptr) error {
	if rc := lib.Xsqlite3_finalize(tls, pstmt); rc != lib.SQLITE_OK {
		return errstr(tls, db, rc)
	}
	return nil
}

/** Number of result columns of a compiled statement */
func sqlite3_column_count(tls *libc.TLS, pstmt uintptr) int {
	return int(lib.Xsqlite3_column_count(tls, pstmt))
}

/** Name of result column i (0-based) */
func sqlite3_column_name(tls *libc.TLS, pstmt uintptr, i int) string {
	return libc.GoString(lib.Xsqlite3_column_name(tls, pstmt, int32(i)))
}

/** Declared type of result column i, empty when the column has none */
func sqlite3_column_decltype(tls *libc.TLS, pstmt uintptr, i int) string {
	return libc.GoString(lib.Xsqlite3_column_decltype(tls, pstmt, int32(i)))
}

/** Native type tag of result column i of the current row */
func sqlite3_column_type(tls *libc.TLS, pstmt uintptr, i int) int32 {
	return lib.Xsqlite3_column_type(tls, pstmt, int32(i))
}

/** Number of SQL parameters of a compiled statement */
func sqlite3_bind_parameter_count(tls *libc.TLS, pstmt uintptr) int {
	return int(lib.Xsqlite3_bind_parameter_count(tls, pstmt))
}

/** 1-based position of the named SQL parameter, zero when absent */
func sqlite3_bind_parameter_index(tls *libc.TLS, pstmt uintptr, name string) int {
	z, err := libc.CString(name)
	if err != nil {
		return 0
	}
	defer libc.Xfree(tls, z)
	return int(lib.Xsqlite3_bind_parameter_index(tls, pstmt, z))
}
