package sqlite3

import (
	"modernc.org/libc"
)

// Stmt is one compiled statement owned by a Database. Statements left
// open keep the owner's Close failing until they are finalized.
type Stmt struct {
	owner     *Database
	pstmt     uintptr
	tail      string
	finalized bool

	// native memory backing text and blob bindings, freed at finalize
	allocs []uintptr
}

// Prepare compiles the first statement of sql. Tail on the returned
// statement holds whatever SQL followed it. SQL with nothing to compile,
// such as whitespace or a lone comment, yields a statement that is
// already done.
func (d *Database) Prepare(sql string) (*Stmt, error) {
	if d.Closed() {
		return nil, ErrClosed
	}
	pstmt, tail, err := sqlite3_prepare_v2(d.tls, d.db, sql)
	if err != nil {
		return nil, err
	}
	s := &Stmt{owner: d, pstmt: pstmt, tail: tail}
	if pstmt != 0 {
		d.stmts[s] = struct{}{}
	}
	return s, nil
}

// Tail returns the SQL text left over after the compiled statement.
func (s *Stmt) Tail() string { return s.tail }

// Empty reports whether the statement compiled to nothing, as happens
// for whitespace or a lone comment.
func (s *Stmt) Empty() bool { return s.pstmt == 0 }

// Bind assigns args to the statement's parameters in order, starting at
// parameter 1.
func (s *Stmt) Bind(args ...any) error {
	for i, v := range args {
		if err := s.BindAt(i+1, v); err != nil {
			return err
		}
	}
	return nil
}

// BindAt assigns v to the parameter at the 1-based position pos.
func (s *Stmt) BindAt(pos int, v any) error {
	if s.pstmt == 0 {
		return ErrStmtFinalized
	}
	p, err := bindValue(s.owner.tls, s.owner.db, s.pstmt, pos, v)
	if err != nil {
		return err
	}
	if p != 0 {
		s.allocs = append(s.allocs, p)
	}
	return nil
}

// ParamCount reports the number of SQL parameters in the statement.
func (s *Stmt) ParamCount() int {
	if s.pstmt == 0 {
		return 0
	}
	return sqlite3_bind_parameter_count(s.owner.tls, s.pstmt)
}

// ParamIndex resolves a named parameter to its 1-based position, trying
// the :, @ and $ prefixes in that order. Zero means no such parameter.
func (s *Stmt) ParamIndex(name string) int {
	if s.pstmt == 0 {
		return 0
	}
	for _, prefix := range []string{":", "@", "$"} {
		if i := sqlite3_bind_parameter_index(s.owner.tls, s.pstmt, prefix+name); i > 0 {
			return i
		}
	}
	return 0
}

// Step advances the statement one row. It reports true while a row is
// ready and false once the statement has run to completion. An empty
// statement is done from the start.
func (s *Stmt) Step() (bool, error) {
	if s.finalized {
		return false, ErrStmtFinalized
	}
	if s.pstmt == 0 {
		return false, nil
	}
	rc, err := sqlite3_step(s.owner.tls, s.owner.db, s.pstmt)
	if err != nil {
		return false, err
	}
	return rc == SQLITE_ROW, nil
}

// ColumnCount reports the number of result columns.
func (s *Stmt) ColumnCount() int {
	if s.pstmt == 0 {
		return 0
	}
	return sqlite3_column_count(s.owner.tls, s.pstmt)
}

// ColumnName returns the name of result column i (0-based).
func (s *Stmt) ColumnName(i int) string {
	if s.pstmt == 0 {
		return ""
	}
	return sqlite3_column_name(s.owner.tls, s.pstmt, i)
}

// ColumnDecltype returns the declared type of result column i, or ""
// when the column has none.
func (s *Stmt) ColumnDecltype(i int) string {
	if s.pstmt == 0 {
		return ""
	}
	return sqlite3_column_decltype(s.owner.tls, s.pstmt, i)
}

// ColumnValue reads result column i of the current row as a host value.
func (s *Stmt) ColumnValue(i int) (any, error) {
	if s.pstmt == 0 {
		return nil, ErrStmtFinalized
	}
	return columnValue(s.owner.tls, s.pstmt, i)
}

// Reset rewinds the statement so it can run again. Bindings are kept.
func (s *Stmt) Reset() error {
	if s.pstmt == 0 {
		return ErrStmtFinalized
	}
	return sqlite3_reset(s.owner.tls, s.owner.db, s.pstmt)
}

// Finalize destroys the statement and frees the native memory backing its
// bindings. Finalizing twice is harmless. The returned error reflects the
// statement's most recent evaluation; the statement is gone either way.
func (s *Stmt) Finalize() error {
	if s.pstmt == 0 {
		return nil
	}
	err := sqlite3_finalize(s.owner.tls, s.owner.db, s.pstmt)
	s.pstmt = 0
	s.finalized = true
	s.freeAllocs()
	s.owner.forgetStmt(s)
	return err
}

func (s *Stmt) freeAllocs() {
	for _, p := range s.allocs {
		libc.Xfree(s.owner.tls, p)
	}
	s.allocs = s.allocs[:0]
}
