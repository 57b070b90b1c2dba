package sqlite3

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"
)

// define all package level driver errors here
var (
	ErrStmtClosed = errors.New("sqlite3: statement closed")
	ErrConnClosed = errors.New("sqlite3: connection closed")
	ErrTxDone     = errors.New("sqlite3: transaction done")
)

// DefaultBusyTimeout is applied to new driver connections that do not
// configure one, in milliseconds.
const DefaultBusyTimeout = 5000

// define all package level driver structs here

type sqliteDriver struct{}

type driverConn struct {
	db *Database

	mu          sync.Mutex
	closed      bool
	busyTimeout int // current busy timeout in milliseconds
}

type driverStmt struct {
	conn      *driverConn
	sql       string
	numInputs int
	closed    bool
}

type driverRows struct {
	conn      *driverConn
	stmt      *Stmt
	columns   []string
	decltypes []string

	closed bool
}

type driverResult struct {
	lastInsertID int64
	rowsAffected int64
}

type driverTx struct {
	conn *driverConn
	done bool
}

type driverConfig struct {
	path        string
	vfs         string
	busyTimeout int
}

// register driver
func init() {
	sql.Register("sqlite3go", &sqliteDriver{})
}

// Implement sql.Driver methods
func (d *sqliteDriver) Open(dsn string) (driver.Conn, error) {
	cfg, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return openDriverConn(cfg)
}

func openDriverConn(cfg driverConfig) (driver.Conn, error) {
	db, err := Open(cfg.path, &OpenOptions{VFS: cfg.vfs})
	if err != nil {
		return nil, err
	}
	// A zero timeout means nothing was configured and the default
	// applies; a negative one means the DSN or connector disabled it.
	timeout := cfg.busyTimeout
	if timeout == 0 {
		timeout = DefaultBusyTimeout
	} else if timeout < 0 {
		timeout = 0
	}
	if timeout > 0 {
		if err := db.SetBusyTimeout(timeout); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &driverConn{db: db, busyTimeout: timeout}, nil
}

// --- driver.Conn and friends ---

// Ensure driverConn implements required interfaces.
var (
	_ driver.Conn               = (*driverConn)(nil)
	_ driver.ConnPrepareContext = (*driverConn)(nil)
	_ driver.ExecerContext      = (*driverConn)(nil)
	_ driver.QueryerContext     = (*driverConn)(nil)
	_ driver.Pinger             = (*driverConn)(nil)
	_ driver.ConnBeginTx        = (*driverConn)(nil)
)

func (c *driverConn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *driverConn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// compile now so a syntax error surfaces from Prepare, then count
	// inputs and drop the statement; exec and query recompile
	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	num := stmt.ParamCount()
	_ = stmt.Finalize()

	return &driverStmt{
		conn:      c,
		sql:       query,
		numInputs: num,
	}, nil
}

func (c *driverConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.db.Close()
	if err != nil {
		// the handle's finalizer reclaims the connection later
		logf(LOG_LEVEL_WARN, "driver", "connection close: %v", err)
	}
	return err
}

func (c *driverConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *driverConn) BeginTx(ctx context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := c.ExecContext(ctx, "BEGIN", nil); err != nil {
		return nil, err
	}
	return &driverTx{conn: c}, nil
}

func (c *driverConn) Ping(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	rows, err := c.QueryContext(ctx, "SELECT 1", nil)
	if err != nil {
		return err
	}
	return rows.Close()
}

func (c *driverConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	// Multi-statement support for the Exec family
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		totalAffected int64
		lastInsert    int64
	)
	rest := query
	first := true
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if strings.TrimSpace(rest) == "" {
			break
		}
		stmt, err := c.db.Prepare(rest)
		if err != nil {
			return nil, err
		}
		rest = stmt.Tail()
		if stmt.Empty() {
			_ = stmt.Finalize()
			continue
		}

		// Bind only for the first statement
		if first && len(args) > 0 {
			if err := bindNamedArgs(stmt, args); err != nil {
				_ = stmt.Finalize()
				return nil, err
			}
		}
		err = stepAll(ctx, stmt)
		ferr := stmt.Finalize()
		if err != nil {
			return nil, err
		}
		if ferr != nil {
			return nil, ferr
		}

		affected, err := c.db.Changes()
		if err != nil {
			return nil, err
		}
		totalAffected += int64(affected)
		lastInsert, err = c.db.LastInsertRowID()
		if err != nil {
			return nil, err
		}
		first = false
		// continue with the rest of the query string
	}
	return &driverResult{
		lastInsertID: lastInsert,
		rowsAffected: totalAffected,
	}, nil
}

func (c *driverConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// Only single-statement queries supported here
	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := bindNamedArgs(stmt, args); err != nil {
			_ = stmt.Finalize()
			return nil, err
		}
	}
	// Return the rows wrapper without stepping; the cursor sits before
	// the first row
	return &driverRows{
		conn: c,
		stmt: stmt,
	}, nil
}

func (c *driverConn) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.db == nil || c.db.Closed() {
		return ErrConnClosed
	}
	return nil
}

// SetBusyTimeout sets the busy timeout for this connection in
// milliseconds. Pass 0 to disable waiting (immediate SQLITE_BUSY on
// contention). Reach it through sql.Conn.Raw.
func (c *driverConn) SetBusyTimeout(timeoutMs int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if timeoutMs < 0 {
		timeoutMs = 0
	}
	if err := c.db.SetBusyTimeout(timeoutMs); err != nil {
		return err
	}
	c.busyTimeout = timeoutMs
	return nil
}

// GetBusyTimeout returns the current busy timeout in milliseconds.
// Returns 0 when waiting is disabled.
func (c *driverConn) GetBusyTimeout() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyTimeout
}

// --- Connector Pattern ---

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithBusyTimeout sets the busy timeout in milliseconds.
// Use 0 to disable the busy handler, -1 to use the default (5000ms).
func WithBusyTimeout(ms int) ConnectorOption {
	return func(c *Connector) {
		c.busyTimeout = ms
	}
}

// WithVFS names the operating-system interface module connections open
// with, overriding any vfs parameter in the DSN.
func WithVFS(name string) ConnectorOption {
	return func(c *Connector) {
		c.vfs = name
	}
}

// Connector implements driver.Connector for programmatic configuration.
type Connector struct {
	dsn         string
	busyTimeout int // -1 = use default, 0 = disabled, >0 = custom
	vfs         string
}

// NewConnector creates a new Connector with the given DSN and options.
// By default connections use DefaultBusyTimeout.
func NewConnector(dsn string, opts ...ConnectorOption) (*Connector, error) {
	c := &Connector{
		dsn:         dsn,
		busyTimeout: -1, // -1 means use default
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	cfg, err := parseDSN(c.dsn)
	if err != nil {
		return nil, err
	}
	// Override the busy timeout from the connector if set. An explicit
	// connector 0 means disabled, signalled to openDriverConn as -1.
	if c.busyTimeout >= 0 {
		if c.busyTimeout == 0 {
			cfg.busyTimeout = -1
		} else {
			cfg.busyTimeout = c.busyTimeout
		}
	}
	if c.vfs != "" {
		cfg.vfs = c.vfs
	}
	return openDriverConn(cfg)
}

// Driver implements driver.Connector.
func (c *Connector) Driver() driver.Driver {
	return &sqliteDriver{}
}

// Ensure Connector implements driver.Connector
var _ driver.Connector = (*Connector)(nil)

// --- driver.Stmt and friends ---

// Ensure driverStmt implements required interfaces.
var (
	_ driver.Stmt             = (*driverStmt)(nil)
	_ driver.StmtExecContext  = (*driverStmt)(nil)
	_ driver.StmtQueryContext = (*driverStmt)(nil)
)

func (s *driverStmt) Close() error {
	s.closed = true
	return nil
}

func (s *driverStmt) NumInput() int {
	return s.numInputs
}

func (s *driverStmt) Exec(args []driver.Value) (driver.Result, error) {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return s.ExecContext(context.Background(), named)
}

func (s *driverStmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	if s.closed {
		return nil, ErrStmtClosed
	}
	return s.conn.ExecContext(ctx, s.sql, args)
}

func (s *driverStmt) Query(args []driver.Value) (driver.Rows, error) {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return s.QueryContext(context.Background(), named)
}

func (s *driverStmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	if s.closed {
		return nil, ErrStmtClosed
	}
	return s.conn.QueryContext(ctx, s.sql, args)
}

// --- driver.Rows ---

// Ensure driverRows implements the required interface.
var _ driver.Rows = (*driverRows)(nil)

func (r *driverRows) Columns() []string {
	if r.columns != nil {
		return r.columns
	}
	n := r.stmt.ColumnCount()
	names := make([]string, n)
	decltypes := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = r.stmt.ColumnName(i)
		decltypes[i] = r.stmt.ColumnDecltype(i)
	}
	r.columns = names
	r.decltypes = decltypes
	return r.columns
}

func (r *driverRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.stmt.Finalize()
}

func (r *driverRows) Next(dest []driver.Value) error {
	if r.closed {
		return io.EOF
	}
	// Ensure decltypes are populated
	_ = r.Columns()

	row, err := r.stmt.Step()
	if err != nil {
		return err
	}
	if !row {
		return io.EOF
	}
	n := r.stmt.ColumnCount()
	if len(dest) != n {
		return fmt.Errorf("sqlite3: expected %d dests, got %d", n, len(dest))
	}
	for i := 0; i < n; i++ {
		v, err := r.stmt.ColumnValue(i)
		if err != nil {
			return err
		}
		// Re-materialize time values for columns declared as such
		if text, ok := v.(string); ok && i < len(r.decltypes) && isTimeColumn(r.decltypes[i]) {
			if t, err := parseTimeString(text); err == nil {
				dest[i] = t
				continue
			}
		}
		dest[i] = v
	}
	return nil
}

// --- driver.Result ---

var _ driver.Result = (*driverResult)(nil)

func (r *driverResult) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

func (r *driverResult) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- driver.Tx ---

var _ driver.Tx = (*driverTx)(nil)

func (tx *driverTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	_, err := tx.conn.ExecContext(context.Background(), "COMMIT", nil)
	tx.done = true
	return err
}

func (tx *driverTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	_, err := tx.conn.ExecContext(context.Background(), "ROLLBACK", nil)
	tx.done = true
	return err
}

// Helpers

/// parseDSN supports format: <path>[?vfs=<string>&_busy_timeout=<int>]
func parseDSN(dsn string) (driverConfig, error) {
	cfg := driverConfig{path: dsn}
	qMark := strings.IndexByte(dsn, '?')
	if qMark >= 0 {
		cfg.path = dsn[:qMark]
		vals, err := url.ParseQuery(dsn[qMark+1:])
		if err != nil {
			return driverConfig{}, err
		}
		if v := vals.Get("vfs"); v != "" {
			cfg.vfs = v
		}
		if v := vals.Get("_busy_timeout"); v != "" {
			var timeout int
			if _, err := fmt.Sscanf(v, "%d", &timeout); err == nil {
				cfg.busyTimeout = timeout
			}
		}
	}
	return cfg, nil
}

// stepAll runs a statement to completion, honoring ctx between rows.
func stepAll(ctx context.Context, stmt *Stmt) error {
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		row, err := stmt.Step()
		if err != nil {
			return err
		}
		if !row {
			return nil
		}
	}
}

// bindNamedArgs binds ordered and named values onto a statement. Named
// values resolve through ParamIndex, the rest bind at their ordinal
// position (1-based).
func bindNamedArgs(stmt *Stmt, args []driver.NamedValue) error {
	hasNamed := false
	for _, nv := range args {
		if nv.Name != "" {
			hasNamed = true
			break
		}
	}
	if !hasNamed {
		if want := stmt.ParamCount(); len(args) != want {
			return fmt.Errorf("sqlite3: got %d args, want %d", len(args), want)
		}
	}
	for idx, nv := range args {
		pos := idx + 1
		if nv.Name != "" {
			np := stmt.ParamIndex(nv.Name)
			if np <= 0 {
				return fmt.Errorf("sqlite3: unknown named parameter %q", nv.Name)
			}
			pos = np
		} else if nv.Ordinal > 0 {
			pos = nv.Ordinal
		}
		if err := bindDriverValue(stmt, pos, nv.Value); err != nil {
			return err
		}
	}
	return nil
}

// bindDriverValue widens driver values onto the host-to-native bridge.
// time.Time binds as RFC3339Nano text; reads turn it back through the
// column's declared type.
func bindDriverValue(stmt *Stmt, pos int, v any) error {
	switch x := v.(type) {
	case time.Time:
		return stmt.BindAt(pos, x.Format(time.RFC3339Nano))
	case int8:
		return stmt.BindAt(pos, int64(x))
	case int16:
		return stmt.BindAt(pos, int64(x))
	case int32:
		return stmt.BindAt(pos, int64(x))
	case uint8:
		return stmt.BindAt(pos, int64(x))
	case uint16:
		return stmt.BindAt(pos, int64(x))
	case uint32:
		return stmt.BindAt(pos, int64(x))
	case float32:
		return stmt.BindAt(pos, float64(x))
	default:
		// nil, int, int64, float64, bool, string and []byte pass
		// through; anything else fails in the bridge
		return stmt.BindAt(pos, v)
	}
}

// isTimeColumn reports whether a declared column type marks a time
// value. Only exact TIMESTAMP, DATETIME and DATE declarations qualify.
func isTimeColumn(decltype string) bool {
	if decltype == "" {
		return false
	}
	upper := strings.ToUpper(decltype)
	return upper == "TIMESTAMP" || upper == "DATETIME" || upper == "DATE"
}

// timestampFormats are the layouts accepted when reading a time column,
// densest first.
var timestampFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseTimeString attempts to parse a string as a time.Time value.
func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSuffix(s, "Z")
	for _, format := range timestampFormats {
		if t, err := time.ParseInLocation(format, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("sqlite3: cannot parse %q as time", s)
}
