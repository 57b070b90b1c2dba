package sqlite3

import (
	"fmt"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/sqlite/lib"
)

const valPtrSize = unsafe.Sizeof(&lib.Sqlite3_value{})

// Bridging between engine values and host values. Every text and blob
// read is length-aware, so embedded NUL bytes round-trip intact.

// functionArgs bridges the native argument vector of a SQL function call
// into host values.
func functionArgs(tls *libc.TLS, argc int32, argv uintptr) ([]any, error) {
	args := make([]any, argc)
	for i := int32(0); i < argc; i++ {
		valPtr := *(*uintptr)(unsafe.Pointer(argv + uintptr(i)*valPtrSize))
		v, err := valueToHost(tls, valPtr)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// valueToHost maps one protected sqlite3_value to its host form. The
// mapping is total over the engine's five type tags; anything else is
// an *InternalError.
func valueToHost(tls *libc.TLS, valPtr uintptr) (any, error) {
	switch tag := lib.Xsqlite3_value_type(tls, valPtr); tag {
	case lib.SQLITE_INTEGER:
		return lib.Xsqlite3_value_int64(tls, valPtr), nil
	case lib.SQLITE_FLOAT:
		return lib.Xsqlite3_value_double(tls, valPtr), nil
	case lib.SQLITE_TEXT:
		p := lib.Xsqlite3_value_text(tls, valPtr)
		n := int(lib.Xsqlite3_value_bytes(tls, valPtr))
		return string(goBytes(p, n)), nil
	case lib.SQLITE_BLOB:
		p := lib.Xsqlite3_value_blob(tls, valPtr)
		n := int(lib.Xsqlite3_value_bytes(tls, valPtr))
		return goBytes(p, n), nil
	case lib.SQLITE_NULL:
		return nil, nil
	default:
		return nil, &InternalError{Tag: int(tag)}
	}
}

// resultValue bridges one host value into the result slot of a SQL
// function call. The accepted host domain is nil, int, int64, float64,
// bool, string and []byte; anything else fails with *ConversionError.
func resultValue(tls *libc.TLS, ctx uintptr, v any) error {
	switch x := v.(type) {
	case nil:
		lib.Xsqlite3_result_null(tls, ctx)
	case int:
		lib.Xsqlite3_result_int64(tls, ctx, int64(x))
	case int64:
		lib.Xsqlite3_result_int64(tls, ctx, x)
	case float64:
		lib.Xsqlite3_result_double(tls, ctx, x)
	case bool:
		lib.Xsqlite3_result_int(tls, ctx, libc.Bool32(x))
	case string:
		cstr, err := libc.CString(x)
		if err != nil {
			return err
		}
		defer libc.Xfree(tls, cstr)
		lib.Xsqlite3_result_text(tls, ctx, cstr, int32(len(x)), lib.SQLITE_TRANSIENT)
	case []byte:
		size := int32(len(x))
		if size == 0 {
			lib.Xsqlite3_result_zeroblob(tls, ctx, 0)
			return nil
		}
		p, err := malloc(tls, len(x))
		if err != nil {
			return err
		}
		defer libc.Xfree(tls, p)
		copy((*libc.RawMem)(unsafe.Pointer(p))[:size:size], x)
		lib.Xsqlite3_result_blob(tls, ctx, p, size, lib.SQLITE_TRANSIENT)
	default:
		return &ConversionError{Type: fmt.Sprintf("%T", v)}
	}
	return nil
}

// columnValue bridges result column i (0-based) of the current row into
// a host value.
func columnValue(tls *libc.TLS, pstmt uintptr, i int) (any, error) {
	switch tag := lib.Xsqlite3_column_type(tls, pstmt, int32(i)); tag {
	case lib.SQLITE_INTEGER:
		return lib.Xsqlite3_column_int64(tls, pstmt, int32(i)), nil
	case lib.SQLITE_FLOAT:
		return lib.Xsqlite3_column_double(tls, pstmt, int32(i)), nil
	case lib.SQLITE_TEXT:
		p := lib.Xsqlite3_column_text(tls, pstmt, int32(i))
		n := int(lib.Xsqlite3_column_bytes(tls, pstmt, int32(i)))
		return string(goBytes(p, n)), nil
	case lib.SQLITE_BLOB:
		p := lib.Xsqlite3_column_blob(tls, pstmt, int32(i))
		n := int(lib.Xsqlite3_column_bytes(tls, pstmt, int32(i)))
		return goBytes(p, n), nil
	case lib.SQLITE_NULL:
		return nil, nil
	default:
		return nil, &InternalError{Tag: int(tag)}
	}
}

// bindValue bridges one host value onto parameter idx1 (1-based) of a
// compiled statement. Text and blob bindings allocate native memory that
// must outlive the binding; the allocation is returned so the owner can
// free it once the statement is finalized.
func bindValue(tls *libc.TLS, db uintptr, pstmt uintptr, idx1 int, v any) (uintptr, error) {
	switch x := v.(type) {
	case nil:
		if rc := lib.Xsqlite3_bind_null(tls, pstmt, int32(idx1)); rc != lib.SQLITE_OK {
			return 0, errstr(tls, db, rc)
		}
	case int:
		if rc := lib.Xsqlite3_bind_int64(tls, pstmt, int32(idx1), int64(x)); rc != lib.SQLITE_OK {
			return 0, errstr(tls, db, rc)
		}
	case int64:
		if rc := lib.Xsqlite3_bind_int64(tls, pstmt, int32(idx1), x); rc != lib.SQLITE_OK {
			return 0, errstr(tls, db, rc)
		}
	case float64:
		if rc := lib.Xsqlite3_bind_double(tls, pstmt, int32(idx1), x); rc != lib.SQLITE_OK {
			return 0, errstr(tls, db, rc)
		}
	case bool:
		if rc := lib.Xsqlite3_bind_int(tls, pstmt, int32(idx1), libc.Bool32(x)); rc != lib.SQLITE_OK {
			return 0, errstr(tls, db, rc)
		}
	case string:
		p, err := libc.CString(x)
		if err != nil {
			return 0, err
		}
		if rc := lib.Xsqlite3_bind_text(tls, pstmt, int32(idx1), p, int32(len(x)), 0); rc != lib.SQLITE_OK {
			libc.Xfree(tls, p)
			return 0, errstr(tls, db, rc)
		}
		return p, nil
	case []byte:
		if len(x) == 0 {
			if rc := lib.Xsqlite3_bind_zeroblob(tls, pstmt, int32(idx1), 0); rc != lib.SQLITE_OK {
				return 0, errstr(tls, db, rc)
			}
			return 0, nil
		}
		p, err := malloc(tls, len(x))
		if err != nil {
			return 0, err
		}
		copy((*libc.RawMem)(unsafe.Pointer(p))[:len(x):len(x)], x)
		if rc := lib.Xsqlite3_bind_blob(tls, pstmt, int32(idx1), p, int32(len(x)), 0); rc != lib.SQLITE_OK {
			libc.Xfree(tls, p)
			return 0, errstr(tls, db, rc)
		}
		return p, nil
	default:
		return 0, &ConversionError{Type: fmt.Sprintf("%T", v)}
	}
	return 0, nil
}
