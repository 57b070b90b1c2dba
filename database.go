package sqlite3

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"modernc.org/libc"
)

// OpenOptions configures Open. The zero value opens read-write-create
// with the engine's defaults.
type OpenOptions struct {
	// UTF16 opens through the UTF-16 entry point; databases created that
	// way default to UTF-16 text encoding. VFS is ignored on this path.
	UTF16 bool
	// VFS names the operating-system interface module to open with;
	// empty selects the engine default.
	VFS string
	// ResultsAsHash and TypeTranslation are stored for row-translation
	// layers built on top of this package; nothing here reads them.
	ResultsAsHash   bool
	TypeTranslation bool
}

// Database owns one native connection. A handle belongs to one logical
// owner at a time and carries no lock of its own; the hook registries and
// the database/sql adapter do their own locking.
type Database struct {
	db  uintptr
	tls *libc.TLS

	// live statements, drained ahead of the connection at teardown
	stmts map[*Stmt]struct{}

	// installed hook IDs, zero when the slot is inert
	traceID uintptr
	busyID  uintptr
	authID  uintptr

	// SQL functions registered on this handle, keyed by name. The
	// registry entry retains the callable for as long as the
	// registration lives.
	udfs map[string]udfReg

	opts     OpenOptions
	encoding string
}

// udfReg locates one function registration's retained callable.
type udfReg struct {
	id        uintptr
	aggregate bool
}

// Open opens or creates the database file at path. A nil opts means
// defaults. The returned handle carries a runtime finalizer, so a handle
// that goes out of scope without Close still releases its connection;
// relying on that forfeits error reporting, which then happens through
// the Setup logger.
func Open(path string, opts *OpenOptions) (*Database, error) {
	if path == "" {
		return nil, errors.New("sqlite3: path is empty")
	}
	var o OpenOptions
	if opts != nil {
		o = *opts
	}

	tls := libc.NewTLS()
	var (
		db  uintptr
		err error
	)
	if o.UTF16 {
		db, err = sqlite3_open16(tls, path)
	} else {
		db, err = sqlite3_open_v2(tls, path, o.VFS, defaultOpenFlags)
	}
	if err != nil {
		tls.Close()
		return nil, err
	}

	d := &Database{
		db:    db,
		tls:   tls,
		stmts: make(map[*Stmt]struct{}),
		udfs:  make(map[string]udfReg),
		opts:  o,
	}
	runtime.SetFinalizer(d, (*Database).finalize)
	return d, nil
}

// OpenWith opens the database, hands it to fn and closes it when fn
// returns. fn's error and the close error both count; they combine when
// both happen.
func OpenWith(path string, opts *OpenOptions, fn func(*Database) error) error {
	d, err := Open(path, opts)
	if err != nil {
		return err
	}
	var result *multierror.Error
	if err := fn(d); err != nil {
		result = multierror.Append(result, err)
	}
	if err := d.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Closed reports whether the native connection has been released.
func (d *Database) Closed() bool { return d.db == 0 }

// Close releases the native connection. Closing an already-closed handle
// returns nil. When the engine refuses to close, typically because
// prepared statements are still live or a backup is running, the handle
// stays fully usable and the error is returned so the caller can finalize
// the stragglers and try again.
func (d *Database) Close() error {
	if d.Closed() {
		return nil
	}
	if err := sqlite3_close(d.tls, d.db); err != nil {
		return err
	}
	d.release()
	return nil
}

// release drops everything a closed handle no longer owns. The native
// registrations died with the connection; this clears their Go side so
// retained callables become collectable, then shuts the calling context.
func (d *Database) release() {
	d.db = 0
	if d.traceID != 0 {
		xTraceHooks.drop(d.traceID)
		d.traceID = 0
	}
	if d.busyID != 0 {
		xBusyHandlers.drop(d.busyID)
		d.busyID = 0
	}
	if d.authID != 0 {
		xAuthorizers.drop(d.authID)
		d.authID = 0
	}
	for name, reg := range d.udfs {
		dropUDF(reg)
		delete(d.udfs, name)
	}
	d.stmts = make(map[*Stmt]struct{})
	runtime.SetFinalizer(d, nil)
	d.tls.Close()
	d.tls = nil
}

func dropUDF(reg udfReg) {
	if reg.aggregate {
		xAggregators.drop(reg.id)
	} else {
		xScalars.drop(reg.id)
	}
}

// finalize is the runtime fallback for handles dropped without Close. It
// finalizes every tracked statement, sweeps the engine's own statement
// list for stragglers prepared behind the package's back, then closes.
// Failures are logged and swallowed; a finalizer has no caller to report
// to.
func (d *Database) finalize() {
	if d.Closed() {
		return
	}
	var result *multierror.Error
	for s := range d.stmts {
		if err := s.Finalize(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for pstmt := sqlite3_next_stmt(d.tls, d.db, 0); pstmt != 0; pstmt = sqlite3_next_stmt(d.tls, d.db, 0) {
		if err := sqlite3_finalize(d.tls, d.db, pstmt); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := sqlite3_close(d.tls, d.db); err != nil {
		result = multierror.Append(result, err)
	} else {
		d.release()
	}
	if err := result.ErrorOrNil(); err != nil {
		logf(LOG_LEVEL_WARN, "finalizer", "implicit close: %v", err)
	}
}

func (d *Database) forgetStmt(s *Stmt) {
	delete(d.stmts, s)
}

// Hook setters. Each slot holds at most one hook; installing replaces,
// nil removes. The native registration always changes before the
// previously retained callable is released.

// SetTrace installs fn to observe each statement this connection runs.
func (d *Database) SetTrace(fn TraceHook) error {
	if d.Closed() {
		return ErrClosed
	}
	if fn == nil {
		if err := sqlite3_trace_v2(d.tls, d.db, 0, 0, 0); err != nil {
			return err
		}
		if d.traceID != 0 {
			xTraceHooks.drop(d.traceID)
			d.traceID = 0
		}
		return nil
	}
	id := xTraceHooks.put(fn)
	if err := sqlite3_trace_v2(d.tls, d.db, traceStmtMask, cFuncPointer(traceTrampoline), id); err != nil {
		xTraceHooks.drop(id)
		return err
	}
	if d.traceID != 0 {
		xTraceHooks.drop(d.traceID)
	}
	d.traceID = id
	return nil
}

// SetBusyHandler installs fn to arbitrate lock contention. Removing the
// handler restores immediate SQLITE_BUSY failures.
func (d *Database) SetBusyHandler(fn BusyHandler) error {
	if d.Closed() {
		return ErrClosed
	}
	if fn == nil {
		if err := sqlite3_busy_handler(d.tls, d.db, 0, 0); err != nil {
			return err
		}
		if d.busyID != 0 {
			xBusyHandlers.drop(d.busyID)
			d.busyID = 0
		}
		return nil
	}
	id := xBusyHandlers.put(fn)
	if err := sqlite3_busy_handler(d.tls, d.db, cFuncPointer(busyTrampoline), id); err != nil {
		xBusyHandlers.drop(id)
		return err
	}
	if d.busyID != 0 {
		xBusyHandlers.drop(d.busyID)
	}
	d.busyID = id
	return nil
}

// SetAuthorizer installs fn to vet operations as SQL is compiled.
func (d *Database) SetAuthorizer(fn Authorizer) error {
	if d.Closed() {
		return ErrClosed
	}
	if fn == nil {
		if err := sqlite3_set_authorizer(d.tls, d.db, 0, 0); err != nil {
			return err
		}
		if d.authID != 0 {
			xAuthorizers.drop(d.authID)
			d.authID = 0
		}
		return nil
	}
	id := xAuthorizers.put(fn)
	if err := sqlite3_set_authorizer(d.tls, d.db, cFuncPointer(authorizerTrampoline), id); err != nil {
		xAuthorizers.drop(id)
		return err
	}
	if d.authID != 0 {
		xAuthorizers.drop(d.authID)
	}
	d.authID = id
	return nil
}

// CreateFunction registers fn as a scalar SQL function under name with
// fn's declared arity. Re-registering a name replaces the previous
// function and releases its retained callable.
func (d *Database) CreateFunction(name string, fn ScalarFunction) error {
	if d.Closed() {
		return ErrClosed
	}
	if fn == nil {
		return errors.New("sqlite3: scalar function is nil")
	}
	id := xScalars.put(fn)
	if err := sqlite3_create_function(d.tls, d.db, name, fn.Arity(), id, cFuncPointer(funcTrampoline), 0, 0); err != nil {
		xScalars.drop(id)
		return err
	}
	d.rememberUDF(name, udfReg{id: id})
	return nil
}

// CreateAggregator registers agg as an aggregate SQL function under name
// with agg's declared arity. agg.Step sees every input row and agg.Final
// produces each group's result; the handle retains agg until the name is
// replaced or the handle closes.
func (d *Database) CreateAggregator(name string, agg Aggregator) error {
	if d.Closed() {
		return ErrClosed
	}
	if agg == nil {
		return errors.New("sqlite3: aggregator is nil")
	}
	id := xAggregators.put(agg)
	if err := sqlite3_create_function(d.tls, d.db, name, agg.Arity(), id, 0, cFuncPointer(stepTrampoline), cFuncPointer(finalTrampoline)); err != nil {
		xAggregators.drop(id)
		return err
	}
	d.rememberUDF(name, udfReg{id: id, aggregate: true})
	return nil
}

func (d *Database) rememberUDF(name string, reg udfReg) {
	if old, ok := d.udfs[name]; ok {
		dropUDF(old)
	}
	d.udfs[name] = reg
}

// Facade over per-connection engine state. Everything here fails with
// ErrClosed once the handle is closed.

// TotalChanges reports rows changed since the connection opened.
func (d *Database) TotalChanges() (int, error) {
	if d.Closed() {
		return 0, ErrClosed
	}
	return sqlite3_total_changes(d.tls, d.db), nil
}

// Changes reports rows changed by the most recent statement.
func (d *Database) Changes() (int, error) {
	if d.Closed() {
		return 0, ErrClosed
	}
	return sqlite3_changes(d.tls, d.db), nil
}

// LastInsertRowID reports the rowid of the most recent successful INSERT.
func (d *Database) LastInsertRowID() (int64, error) {
	if d.Closed() {
		return 0, ErrClosed
	}
	return sqlite3_last_insert_rowid(d.tls, d.db), nil
}

// Interrupt asks the engine to abort whatever this connection is running.
func (d *Database) Interrupt() error {
	if d.Closed() {
		return ErrClosed
	}
	sqlite3_interrupt(d.tls, d.db)
	return nil
}

// ErrMsg returns the text of the connection's most recent error.
func (d *Database) ErrMsg() (string, error) {
	if d.Closed() {
		return "", ErrClosed
	}
	return sqlite3_errmsg(d.tls, d.db), nil
}

// ErrCode returns the code of the connection's most recent error.
func (d *Database) ErrCode() (int, error) {
	if d.Closed() {
		return 0, ErrClosed
	}
	return sqlite3_errcode(d.tls, d.db), nil
}

// SetBusyTimeout installs the engine's built-in busy handler with the
// given timeout in milliseconds. It supersedes any handler installed
// with SetBusyHandler; zero disables waiting altogether.
func (d *Database) SetBusyTimeout(ms int) error {
	if d.Closed() {
		return ErrClosed
	}
	return sqlite3_busy_timeout(d.tls, d.db, ms)
}

// Encoding reports the database's text encoding via PRAGMA encoding. The
// encoding cannot change once the database stores data, so the first
// answer is cached.
func (d *Database) Encoding() (string, error) {
	if d.Closed() {
		return "", ErrClosed
	}
	if d.encoding != "" {
		return d.encoding, nil
	}
	stmt, err := d.Prepare("PRAGMA encoding")
	if err != nil {
		return "", err
	}
	defer stmt.Finalize()
	row, err := stmt.Step()
	if err != nil {
		return "", err
	}
	if !row {
		return "", fmt.Errorf("sqlite3: PRAGMA encoding returned no row")
	}
	v, err := stmt.ColumnValue(0)
	if err != nil {
		return "", err
	}
	enc, _ := v.(string)
	d.encoding = enc
	return enc, nil
}

// Filename reports the file backing the "main" database, or "" for
// in-memory and temporary databases.
func (d *Database) Filename() (string, error) {
	if d.Closed() {
		return "", ErrClosed
	}
	return sqlite3_db_filename(d.tls, d.db, "main")
}

// Options echoes the OpenOptions the handle was opened with.
func (d *Database) Options() OpenOptions { return d.opts }

// Complete reports whether sql parses as one or more complete SQL
// statements, the check interactive shells run before submitting a
// buffer. It needs no connection and works regardless of handle state.
func Complete(sql string) (bool, error) {
	return sqlite3_complete(sql)
}
