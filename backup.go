package sqlite3

import (
	"fmt"

	"modernc.org/libc"
	lib "modernc.org/sqlite/lib"
)

// Backup is one synchronous backup session copying the "main" database
// of a source handle into the "main" database of a destination handle.
// While the session is live both handles refuse to Close.
type Backup struct {
	src *Database
	dst *Database

	pBackup uintptr
}

// NewBackup starts a backup session from src into dst. The destination's
// content is replaced page by page as the session steps.
func NewBackup(src, dst *Database) (*Backup, error) {
	if src.Closed() {
		return nil, fmt.Errorf("%w (backup source)", ErrClosed)
	}
	if dst.Closed() {
		return nil, fmt.Errorf("%w (backup destination)", ErrClosed)
	}
	pBackup, err := sqlite3_backup_init(dst.tls, dst.db, src.db)
	if err != nil {
		return nil, err
	}
	return &Backup{src: src, dst: dst, pBackup: pBackup}, nil
}

// Step copies up to nPages pages and reports whether pages remain. A
// negative nPages copies everything left in one call.
func (b *Backup) Step(nPages int) (bool, error) {
	if b.pBackup == 0 {
		return false, ErrBackupFinished
	}
	rc, err := sqlite3_backup_step(b.dst.tls, b.dst.db, b.pBackup, nPages)
	if err != nil {
		return false, err
	}
	return rc == SQLITE_OK, nil
}

// Remaining reports the pages left to copy as of the last Step.
func (b *Backup) Remaining() int {
	if b.pBackup == 0 {
		return 0
	}
	return int(lib.Xsqlite3_backup_remaining(b.dst.tls, b.pBackup))
}

// PageCount reports the source's total page count as of the last Step.
func (b *Backup) PageCount() int {
	if b.pBackup == 0 {
		return 0
	}
	return int(lib.Xsqlite3_backup_pagecount(b.dst.tls, b.pBackup))
}

// Finish releases the session and reports any error the session hit.
// Finishing twice is harmless.
func (b *Backup) Finish() error {
	if b.pBackup == 0 {
		return nil
	}
	err := sqlite3_backup_finish(b.dst.tls, b.dst.db, b.pBackup)
	b.pBackup = 0
	return err
}

// CopyTo copies this database's entire "main" contents into target in
// one synchronous pass. The target's error state after the session
// decides the outcome, covering a failed session start the same way as
// a failed copy.
func (d *Database) CopyTo(target *Database) error {
	if d.Closed() {
		return fmt.Errorf("%w (backup source)", ErrClosed)
	}
	if target.Closed() {
		return fmt.Errorf("%w (backup destination)", ErrClosed)
	}
	if b, err := NewBackup(d, target); err == nil {
		_, _ = b.Step(-1)
		_ = b.Finish()
	}
	if rc := sqlite3_errcode(target.tls, target.db); rc != SQLITE_OK {
		return errstr(target.tls, target.db, int32(rc))
	}
	return nil
}

// Go wrappers over the transpiled C engine

/**
Start a backup from the source handle's "main" database into the
destination handle's "main" database. A zero session means failure and
leaves the reason in the destination's error state.
*/
func sqlite3_backup_init(tls *libc.TLS, dstDb uintptr, srcDb uintptr) (uintptr, error) {
	zMain, err := libc.CString("main")
	if err != nil {
		return 0, err
	}
	defer libc.Xfree(tls, zMain)
	pBackup := lib.Xsqlite3_backup_init(tls, dstDb, zMain, srcDb, zMain)
	if pBackup == 0 {
		return 0, errstr(tls, dstDb, lib.Xsqlite3_errcode(tls, dstDb))
	}
	return pBackup, nil
}

/** Copy up to nPage pages. SQLITE_OK means more remain, SQLITE_DONE means finished */
func sqlite3_backup_step(tls *libc.TLS, dstDb uintptr, pBackup uintptr, nPage int) (int32, error) {
	switch rc := lib.Xsqlite3_backup_step(tls, pBackup, int32(nPage)); rc {
	case lib.SQLITE_OK, lib.SQLITE_DONE:
		return rc, nil
	default:
		return rc, errstr(tls, dstDb, rc)
	}
}

/** Release a backup session. The returned status reflects how the session went */
func sqlite3_backup_finish(tls *libc.TLS, dstDb uintptr, pBackup uintptr) error {
	if rc := lib.Xsqlite3_backup_finish(tls, pBackup); rc != lib.SQLITE_OK {
		return errstr(tls, dstDb, rc)
	}
	return nil
}
