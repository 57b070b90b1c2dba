package sqlite3

import (
	"errors"
	"path"
	"strings"
	"testing"
)

// helper to open an in-memory database
func openMemoryDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// helper to run a statement to completion
func execSQL(t *testing.T, db *Database, sql string) {
	t.Helper()
	stmt, err := db.Prepare(sql)
	if err != nil {
		t.Fatalf("prepare %q failed: %v", sql, err)
	}
	for {
		row, err := stmt.Step()
		if err != nil {
			_ = stmt.Finalize()
			t.Fatalf("step %q failed: %v", sql, err)
		}
		if !row {
			break
		}
	}
	if err := stmt.Finalize(); err != nil {
		t.Fatalf("finalize %q failed: %v", sql, err)
	}
}

// helper to fetch the first column of the first row
func queryValue(t *testing.T, db *Database, sql string) any {
	t.Helper()
	stmt, err := db.Prepare(sql)
	if err != nil {
		t.Fatalf("prepare %q failed: %v", sql, err)
	}
	defer stmt.Finalize()
	row, err := stmt.Step()
	if err != nil {
		t.Fatalf("step %q failed: %v", sql, err)
	}
	if !row {
		t.Fatalf("expected a row from %q", sql)
	}
	v, err := stmt.ColumnValue(0)
	if err != nil {
		t.Fatalf("column value failed: %v", err)
	}
	return v
}

func TestOpenAndClose(t *testing.T) {
	db, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if db.Closed() {
		t.Fatalf("expected open handle to report Closed() == false")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !db.Closed() {
		t.Fatalf("expected closed handle to report Closed() == true")
	}
	// closing again is a no-op
	if err := db.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatalf("expected error opening empty path, got nil")
	}
}

func TestOpenFileDatabase(t *testing.T) {
	dbPath := path.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	execSQL(t, db, "CREATE TABLE t (x INTEGER)")
	execSQL(t, db, "INSERT INTO t VALUES (7)")
	if v := queryValue(t, db, "SELECT x FROM t"); v != int64(7) {
		t.Fatalf("expected 7, got %v", v)
	}

	name, err := db.Filename()
	if err != nil {
		t.Fatalf("filename failed: %v", err)
	}
	if !strings.HasSuffix(name, "test.db") {
		t.Fatalf("expected filename ending in test.db, got %q", name)
	}
}

func TestFilenameMemoryDB(t *testing.T) {
	db := openMemoryDB(t)
	name, err := db.Filename()
	if err != nil {
		t.Fatalf("filename failed: %v", err)
	}
	if name != "" {
		t.Fatalf("expected empty filename for :memory:, got %q", name)
	}
}

func TestOpenWith(t *testing.T) {
	var inside *Database
	err := OpenWith(":memory:", nil, func(db *Database) error {
		inside = db
		execSQL(t, db, "CREATE TABLE t (x)")
		return nil
	})
	if err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	if !inside.Closed() {
		t.Fatalf("expected handle to be closed after OpenWith returns")
	}

	// an error from the block comes back out
	want := errors.New("boom")
	err = OpenWith(":memory:", nil, func(db *Database) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected block error, got %v", err)
	}
}

func TestCloseWithLiveStatement(t *testing.T) {
	db := openMemoryDB(t)
	execSQL(t, db, "CREATE TABLE t (x)")

	stmt, err := db.Prepare("SELECT x FROM t")
	if err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	err = db.Close()
	if err == nil {
		t.Fatalf("expected close to fail with a live statement")
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if se.Code() != SQLITE_BUSY {
		t.Fatalf("expected SQLITE_BUSY, got %d", se.Code())
	}
	// the handle stays open and usable
	if db.Closed() {
		t.Fatalf("handle should still be open after failed close")
	}
	if v := queryValue(t, db, "SELECT 42"); v != int64(42) {
		t.Fatalf("expected handle to stay usable, got %v", v)
	}

	if err := stmt.Finalize(); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close after finalize failed: %v", err)
	}
}

func TestClosedGuards(t *testing.T) {
	db := openMemoryDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	tests := []struct {
		name string
		op   func(*Database) error
	}{
		{"Prepare", func(d *Database) error { _, err := d.Prepare("SELECT 1"); return err }},
		{"TotalChanges", func(d *Database) error { _, err := d.TotalChanges(); return err }},
		{"Changes", func(d *Database) error { _, err := d.Changes(); return err }},
		{"LastInsertRowID", func(d *Database) error { _, err := d.LastInsertRowID(); return err }},
		{"Interrupt", func(d *Database) error { return d.Interrupt() }},
		{"ErrMsg", func(d *Database) error { _, err := d.ErrMsg(); return err }},
		{"ErrCode", func(d *Database) error { _, err := d.ErrCode(); return err }},
		{"SetBusyTimeout", func(d *Database) error { return d.SetBusyTimeout(100) }},
		{"Encoding", func(d *Database) error { _, err := d.Encoding(); return err }},
		{"Filename", func(d *Database) error { _, err := d.Filename(); return err }},
		{"SetTrace", func(d *Database) error { return d.SetTrace(func(string) {}) }},
		{"SetBusyHandler", func(d *Database) error { return d.SetBusyHandler(func(int) bool { return false }) }},
		{"SetAuthorizer", func(d *Database) error {
			return d.SetAuthorizer(func(AuthAction, string, string, string, string) AuthResult { return AUTH_OK })
		}},
		{"CreateFunction", func(d *Database) error {
			return d.CreateFunction("f", ScalarFunc(0, func([]any) (any, error) { return nil, nil }))
		}},
	}
	for _, tt := range tests {
		if err := tt.op(db); !errors.Is(err, ErrClosed) {
			t.Fatalf("%s on closed handle: expected ErrClosed, got %v", tt.name, err)
		}
	}
}

func TestChangesCounters(t *testing.T) {
	db := openMemoryDB(t)
	execSQL(t, db, "CREATE TABLE t (x)")
	execSQL(t, db, "INSERT INTO t VALUES (1), (2)")

	n, err := db.Changes()
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 changes, got %d", n)
	}

	execSQL(t, db, "INSERT INTO t VALUES (3)")
	n, err = db.Changes()
	if err != nil {
		t.Fatalf("changes failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 change, got %d", n)
	}

	total, err := db.TotalChanges()
	if err != nil {
		t.Fatalf("total changes failed: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 total changes, got %d", total)
	}
}

func TestLastInsertRowID(t *testing.T) {
	db := openMemoryDB(t)
	execSQL(t, db, "CREATE TABLE t (id INTEGER PRIMARY KEY, x)")
	execSQL(t, db, "INSERT INTO t (x) VALUES ('a')")

	id, err := db.LastInsertRowID()
	if err != nil {
		t.Fatalf("last insert rowid failed: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected rowid 1, got %d", id)
	}
	execSQL(t, db, "INSERT INTO t (x) VALUES ('b')")
	id, err = db.LastInsertRowID()
	if err != nil {
		t.Fatalf("last insert rowid failed: %v", err)
	}
	if id != 2 {
		t.Fatalf("expected rowid 2, got %d", id)
	}
}

func TestErrMsgAndErrCode(t *testing.T) {
	db := openMemoryDB(t)

	_, err := db.Prepare("SELECT FROM WHERE")
	if err == nil {
		t.Fatalf("expected syntax error, got nil")
	}

	msg, err := db.ErrMsg()
	if err != nil {
		t.Fatalf("errmsg failed: %v", err)
	}
	if msg == "" {
		t.Fatalf("expected a non-empty error message")
	}
	code, err := db.ErrCode()
	if err != nil {
		t.Fatalf("errcode failed: %v", err)
	}
	if code != SQLITE_ERROR {
		t.Fatalf("expected SQLITE_ERROR, got %d", code)
	}
}

func TestEncodingDefault(t *testing.T) {
	db := openMemoryDB(t)
	enc, err := db.Encoding()
	if err != nil {
		t.Fatalf("encoding failed: %v", err)
	}
	if enc != "UTF-8" {
		t.Fatalf("expected UTF-8, got %q", enc)
	}
	// the value is cached; a second read agrees
	enc2, err := db.Encoding()
	if err != nil {
		t.Fatalf("second encoding read failed: %v", err)
	}
	if enc2 != enc {
		t.Fatalf("cached encoding mismatch: %q vs %q", enc, enc2)
	}
}

func TestOpenUTF16(t *testing.T) {
	db, err := Open(":memory:", &OpenOptions{UTF16: true})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	execSQL(t, db, "CREATE TABLE t (x TEXT)")
	execSQL(t, db, "INSERT INTO t VALUES ('héllo')")
	if v := queryValue(t, db, "SELECT x FROM t"); v != "héllo" {
		t.Fatalf("expected héllo, got %v", v)
	}

	enc, err := db.Encoding()
	if err != nil {
		t.Fatalf("encoding failed: %v", err)
	}
	if !strings.HasPrefix(enc, "UTF-16") {
		t.Fatalf("expected a UTF-16 encoding, got %q", enc)
	}
}

func TestOptionsEcho(t *testing.T) {
	db, err := Open(":memory:", &OpenOptions{ResultsAsHash: true, TypeTranslation: true})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	opts := db.Options()
	if !opts.ResultsAsHash || !opts.TypeTranslation {
		t.Fatalf("expected options to round-trip, got %+v", opts)
	}
}

func TestInterrupt(t *testing.T) {
	db := openMemoryDB(t)
	if err := db.Interrupt(); err != nil {
		t.Fatalf("interrupt failed: %v", err)
	}
}

func TestComplete(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"SELECT 1;", true},
		{"SELECT 1", false},
		{";", true},
		{"CREATE TABLE t (x); -- trailing comment", true},
		{"INSERT INTO t VALUES ('a;b')", false},
	}
	for _, tt := range tests {
		got, err := Complete(tt.sql)
		if err != nil {
			t.Fatalf("complete %q failed: %v", tt.sql, err)
		}
		if got != tt.want {
			t.Fatalf("complete %q: expected %v, got %v", tt.sql, tt.want, got)
		}
	}
}

func TestSetupLogLevel(t *testing.T) {
	if err := Setup(Config{LogLevel: "debug"}); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := Setup(Config{LogLevel: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown log level")
	}
	// back to defaults for the other tests
	if err := Setup(Config{}); err != nil {
		t.Fatalf("reset setup failed: %v", err)
	}
}

func TestSetBusyTimeout(t *testing.T) {
	db := openMemoryDB(t)
	if err := db.SetBusyTimeout(250); err != nil {
		t.Fatalf("set busy timeout failed: %v", err)
	}
	if err := db.SetBusyTimeout(0); err != nil {
		t.Fatalf("disable busy timeout failed: %v", err)
	}
}
