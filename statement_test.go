package sqlite3

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestPrepareAndStepRows(t *testing.T) {
	db := openMemoryDB(t)
	execSQL(t, db, "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, val REAL, data BLOB, n)")
	execSQL(t, db, "INSERT INTO t VALUES (1, 'alice', 3.14, x'010203', NULL)")

	stmt, err := db.Prepare("SELECT id, name, val, data, n FROM t")
	if err != nil {
		t.Fatalf("prepare select failed: %v", err)
	}
	defer stmt.Finalize()

	if got := stmt.ColumnCount(); got != 5 {
		t.Fatalf("expected 5 columns, got %d", got)
	}
	wantNames := []string{"id", "name", "val", "data", "n"}
	for i, want := range wantNames {
		if got := stmt.ColumnName(i); got != want {
			t.Fatalf("column %d: expected name %q, got %q", i, want, got)
		}
	}
	if got := stmt.ColumnDecltype(0); got != "INTEGER" {
		t.Fatalf("expected decltype INTEGER, got %q", got)
	}
	if got := stmt.ColumnDecltype(1); got != "TEXT" {
		t.Fatalf("expected decltype TEXT, got %q", got)
	}

	row, err := stmt.Step()
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if !row {
		t.Fatalf("expected a row")
	}

	if v, _ := stmt.ColumnValue(0); v != int64(1) {
		t.Fatalf("id expected int64 1, got %T %v", v, v)
	}
	if v, _ := stmt.ColumnValue(1); v != "alice" {
		t.Fatalf("name expected alice, got %T %v", v, v)
	}
	if v, _ := stmt.ColumnValue(2); v != 3.14 {
		t.Fatalf("val expected 3.14, got %T %v", v, v)
	}
	v, err := stmt.ColumnValue(3)
	if err != nil {
		t.Fatalf("column value failed: %v", err)
	}
	if b, ok := v.([]byte); !ok || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("data expected [1 2 3], got %T %v", v, v)
	}
	if v, _ := stmt.ColumnValue(4); v != nil {
		t.Fatalf("n expected nil, got %T %v", v, v)
	}

	// next step runs the statement out
	row, err = stmt.Step()
	if err != nil {
		t.Fatalf("second step failed: %v", err)
	}
	if row {
		t.Fatalf("expected no more rows")
	}
}

func TestPrepareSyntaxError(t *testing.T) {
	db := openMemoryDB(t)
	_, err := db.Prepare("SELECT FROM WHERE")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if se.Code() != SQLITE_ERROR {
		t.Fatalf("expected SQLITE_ERROR, got %d", se.Code())
	}
}

func TestStatementTail(t *testing.T) {
	db := openMemoryDB(t)
	stmt, err := db.Prepare("SELECT 1; SELECT 2;")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer stmt.Finalize()
	if !strings.Contains(stmt.Tail(), "SELECT 2") {
		t.Fatalf("expected tail to hold the second statement, got %q", stmt.Tail())
	}
}

func TestEmptyStatement(t *testing.T) {
	db := openMemoryDB(t)
	for _, sql := range []string{"   ", "-- just a comment"} {
		stmt, err := db.Prepare(sql)
		if err != nil {
			t.Fatalf("prepare %q failed: %v", sql, err)
		}
		if !stmt.Empty() {
			t.Fatalf("expected %q to compile to an empty statement", sql)
		}
		row, err := stmt.Step()
		if err != nil {
			t.Fatalf("step empty statement failed: %v", err)
		}
		if row {
			t.Fatalf("empty statement produced a row")
		}
		if err := stmt.Finalize(); err != nil {
			t.Fatalf("finalize empty statement failed: %v", err)
		}
	}
}

func TestBindPositional(t *testing.T) {
	db := openMemoryDB(t)
	execSQL(t, db, "CREATE TABLE t (a, b, c, d, e, f)")

	stmt, err := db.Prepare("INSERT INTO t VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		t.Fatalf("prepare insert failed: %v", err)
	}
	if err := stmt.Bind(int64(42), "hello", 2.5, []byte{9, 8}, nil, true); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if _, err := stmt.Step(); err != nil {
		t.Fatalf("step insert failed: %v", err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatalf("finalize insert failed: %v", err)
	}

	stmt, err = db.Prepare("SELECT a, b, c, d, e, f FROM t")
	if err != nil {
		t.Fatalf("prepare select failed: %v", err)
	}
	defer stmt.Finalize()
	if row, err := stmt.Step(); err != nil || !row {
		t.Fatalf("step select failed: row=%v err=%v", row, err)
	}
	if v, _ := stmt.ColumnValue(0); v != int64(42) {
		t.Fatalf("a expected 42, got %T %v", v, v)
	}
	if v, _ := stmt.ColumnValue(1); v != "hello" {
		t.Fatalf("b expected hello, got %T %v", v, v)
	}
	if v, _ := stmt.ColumnValue(2); v != 2.5 {
		t.Fatalf("c expected 2.5, got %T %v", v, v)
	}
	v, _ := stmt.ColumnValue(3)
	if b, ok := v.([]byte); !ok || !bytes.Equal(b, []byte{9, 8}) {
		t.Fatalf("d expected [9 8], got %T %v", v, v)
	}
	if v, _ := stmt.ColumnValue(4); v != nil {
		t.Fatalf("e expected nil, got %T %v", v, v)
	}
	// bool binds as integer
	if v, _ := stmt.ColumnValue(5); v != int64(1) {
		t.Fatalf("f expected 1, got %T %v", v, v)
	}
}

func TestBindNamed(t *testing.T) {
	db := openMemoryDB(t)
	stmt, err := db.Prepare("SELECT :x + @y + $z")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer stmt.Finalize()

	for name, val := range map[string]int64{"x": 1, "y": 2, "z": 4} {
		pos := stmt.ParamIndex(name)
		if pos <= 0 {
			t.Fatalf("expected position > 0 for %q, got %d", name, pos)
		}
		if err := stmt.BindAt(pos, val); err != nil {
			t.Fatalf("bind %q failed: %v", name, err)
		}
	}
	if got := stmt.ParamCount(); got != 3 {
		t.Fatalf("expected 3 parameters, got %d", got)
	}
	if pos := stmt.ParamIndex("missing"); pos != 0 {
		t.Fatalf("expected 0 for unknown name, got %d", pos)
	}

	row, err := stmt.Step()
	if err != nil || !row {
		t.Fatalf("step failed: row=%v err=%v", row, err)
	}
	if v, _ := stmt.ColumnValue(0); v != int64(7) {
		t.Fatalf("expected 7, got %T %v", v, v)
	}
}

func TestBindConversionError(t *testing.T) {
	db := openMemoryDB(t)
	stmt, err := db.Prepare("SELECT ?")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer stmt.Finalize()

	err = stmt.Bind(struct{ X int }{1})
	if err == nil {
		t.Fatalf("expected conversion error, got nil")
	}
	var ce *ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConversionError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "struct") {
		t.Fatalf("expected the type name in the message, got %q", err.Error())
	}
}

func TestStatementReset(t *testing.T) {
	db := openMemoryDB(t)
	execSQL(t, db, "CREATE TABLE z (i INTEGER)")
	execSQL(t, db, "INSERT INTO z VALUES (1), (2)")

	stmt, err := db.Prepare("SELECT i FROM z ORDER BY i")
	if err != nil {
		t.Fatalf("prepare select failed: %v", err)
	}
	defer stmt.Finalize()

	// Step first row
	row, err := stmt.Step()
	if err != nil || !row {
		t.Fatalf("first step expected a row, got row=%v err=%v", row, err)
	}
	if v, _ := stmt.ColumnValue(0); v != int64(1) {
		t.Fatalf("expected first row 1, got %v", v)
	}

	// Reset and step again; should start from the first row again
	if err := stmt.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	row, err = stmt.Step()
	if err != nil || !row {
		t.Fatalf("after reset, expected a row, got row=%v err=%v", row, err)
	}
	if v, _ := stmt.ColumnValue(0); v != int64(1) {
		t.Fatalf("expected first row 1 after reset, got %v", v)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	db := openMemoryDB(t)
	stmt, err := db.Prepare("SELECT 1")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatalf("second finalize should be a no-op, got %v", err)
	}

	if _, err := stmt.Step(); !errors.Is(err, ErrStmtFinalized) {
		t.Fatalf("step after finalize: expected ErrStmtFinalized, got %v", err)
	}
	if err := stmt.BindAt(1, 1); !errors.Is(err, ErrStmtFinalized) {
		t.Fatalf("bind after finalize: expected ErrStmtFinalized, got %v", err)
	}
	if err := stmt.Reset(); !errors.Is(err, ErrStmtFinalized) {
		t.Fatalf("reset after finalize: expected ErrStmtFinalized, got %v", err)
	}
}

func TestBindEmbeddedNul(t *testing.T) {
	db := openMemoryDB(t)
	execSQL(t, db, "CREATE TABLE t (s TEXT, b BLOB)")

	want := "a\x00b"
	stmt, err := db.Prepare("INSERT INTO t VALUES (?, ?)")
	if err != nil {
		t.Fatalf("prepare insert failed: %v", err)
	}
	if err := stmt.Bind(want, []byte(want)); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if _, err := stmt.Step(); err != nil {
		t.Fatalf("step insert failed: %v", err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatalf("finalize insert failed: %v", err)
	}

	// length() on text stops at the first NUL, so measure the blob
	stmt, err = db.Prepare("SELECT s, length(b), b FROM t")
	if err != nil {
		t.Fatalf("prepare select failed: %v", err)
	}
	defer stmt.Finalize()
	if row, err := stmt.Step(); err != nil || !row {
		t.Fatalf("step select failed: row=%v err=%v", row, err)
	}
	if v, _ := stmt.ColumnValue(0); v != want {
		t.Fatalf("text with embedded NUL came back as %q", v)
	}
	if v, _ := stmt.ColumnValue(1); v != int64(3) {
		t.Fatalf("expected 3 stored bytes, got %v", v)
	}
	v, _ := stmt.ColumnValue(2)
	if b, ok := v.([]byte); !ok || !bytes.Equal(b, []byte(want)) {
		t.Fatalf("blob with embedded NUL came back as %v", v)
	}
}

func TestBindZeroLengthBlob(t *testing.T) {
	db := openMemoryDB(t)
	execSQL(t, db, "CREATE TABLE t (b BLOB)")

	stmt, err := db.Prepare("INSERT INTO t VALUES (?)")
	if err != nil {
		t.Fatalf("prepare insert failed: %v", err)
	}
	if err := stmt.Bind([]byte{}); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	if _, err := stmt.Step(); err != nil {
		t.Fatalf("step insert failed: %v", err)
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatalf("finalize insert failed: %v", err)
	}

	v := queryValue(t, db, "SELECT b FROM t")
	b, ok := v.([]byte)
	if !ok {
		t.Fatalf("expected a blob, got %T %v", v, v)
	}
	if len(b) != 0 {
		t.Fatalf("expected zero-length blob, got %d bytes", len(b))
	}
}

func TestBindOutOfRange(t *testing.T) {
	db := openMemoryDB(t)
	stmt, err := db.Prepare("SELECT ?")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	defer stmt.Finalize()
	if err := stmt.BindAt(5, 1); err == nil {
		t.Fatalf("expected range error binding position 5 of 1")
	}
}
