// store/write.go

package store

import (
	"database/sql"
	"fmt"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/util"
)

// WriteSession is the single-writer transaction under which Puller ingests
// redo rows and Squash collapses an LSN range. Opening one acquires the
// pull-lock exclusively and begins a SQL transaction; nothing else may
// write to the store until Commit or Rollback releases both.
type WriteSession struct {
	session

	store  *Store
	tx     *sql.Tx
	locked bool
	nextLSN int64
	written int64 // highest LSN written in this session; 0 before the first write
}

// BeginWrite acquires the pull-lock and opens a write transaction. It
// returns ErrLockBusy without blocking if this Store already has an open
// WriteSession or another process already holds the lock, matching the original's "never queue behind a concurrent
// pull" behavior (original_source/bsync/src/cmd_pull.rs: try_lock_exclusive,
// not lock_exclusive).
func (s *Store) BeginWrite() (*WriteSession, error) {
	if s.lock.Locked() {
		return nil, ErrLockBusy
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquire pull-lock: %w", err)
	}
	if !ok {
		return nil, ErrLockBusy
	}

	tx, err := s.db.Begin()
	if err != nil {
		s.lock.Unlock()
		return nil, fmt.Errorf("store: begin write transaction: %w", err)
	}

	maxLSN, err := (&session{q: tx}).maxLSN()
	if err != nil {
		tx.Rollback()
		s.lock.Unlock()
		return nil, err
	}

	return &WriteSession{
		session: session{q: tx},
		store:   s,
		tx:      tx,
		locked:  true,
		nextLSN: maxLSN + 1,
	}, nil
}

// AppendRedo records that, as of a new LSN, block_id's content is hash. It
// returns the LSN assigned to this write. LSNs are allocated in-memory
// starting from max(lsn)+1 observed when the write session began, and are
// monotonically increasing for the lifetime of the session - safe because
// the pull-lock guarantees this is the only writer.
func (ws *WriteSession) AppendRedo(blockID int64, hash cas.Hash) (int64, error) {
	lsn := ws.nextLSN
	if _, err := ws.tx.Exec(
		"insert into redo_v1 (lsn, block_id, hash) values (?, ?, ?)",
		lsn, blockID, hash[:],
	); err != nil {
		return 0, fmt.Errorf("store: append redo: %w", err)
	}
	ws.nextLSN++
	ws.written = lsn
	return lsn, nil
}

// AppendRedoAt is AppendRedo with an explicit LSN, used by Squash to place
// redo rows at specific LSNs within a collapsed interval (e.g. forcing the
// last reinserted row to land exactly on the preserved end_lsn). lsn must
// be strictly greater than every LSN already written in this session.
func (ws *WriteSession) AppendRedoAt(lsn, blockID int64, hash cas.Hash) error {
	if lsn <= ws.written {
		return fmt.Errorf("store: append redo at %d: not monotonic (last written is %d)", lsn, ws.written)
	}
	if _, err := ws.tx.Exec(
		"insert into redo_v1 (lsn, block_id, hash) values (?, ?, ?)",
		lsn, blockID, hash[:],
	); err != nil {
		return fmt.Errorf("store: append redo at %d: %w", lsn, err)
	}
	ws.written = lsn
	if lsn >= ws.nextLSN {
		ws.nextLSN = lsn + 1
	}
	return nil
}

// LastLSN returns the LSN that will be assigned to the next AppendRedo
// call, minus one - i.e. the greater of the highest LSN in the store when
// the session began and the highest LSN written so far in this session.
func (ws *WriteSession) LastLSN() int64 {
	return ws.nextLSN - 1
}

// RecordConsistentPoint publishes lsn as a consistent point with the given
// image size. Callers must have already appended every redo row up to and
// including lsn. "insert or ignore" because an incremental pull that finds
// zero changed blocks republishes the same lsn as its previous consistent
// point - that is a legitimate no-op, not a conflict.
func (ws *WriteSession) RecordConsistentPoint(lsn, size int64, createdAtUnix int64) error {
	_, err := ws.tx.Exec(
		"insert or ignore into consistent_point_v1 (lsn, size, created_at) values (?, ?, ?)",
		lsn, size, createdAtUnix,
	)
	if err != nil {
		return fmt.Errorf("store: record consistent point: %w", err)
	}
	return nil
}

// DeleteRedoRange deletes every redo row with lsn in [fromLSN, toLSN), used
// by Squash to clear the collapsed interval before it reinserts the delta
// rows.
func (ws *WriteSession) DeleteRedoRange(fromLSN, toLSN int64) error {
	_, err := ws.tx.Exec("delete from redo_v1 where lsn >= ? and lsn < ?", fromLSN, toLSN)
	if err != nil {
		return fmt.Errorf("store: delete redo range: %w", err)
	}
	return nil
}

// DeleteConsistentPointsInRange deletes consistent points with lsn in
// [fromLSN, toLSN), used by Squash to drop the interior points being
// collapsed away.
func (ws *WriteSession) DeleteConsistentPointsInRange(fromLSN, toLSN int64) error {
	_, err := ws.tx.Exec("delete from consistent_point_v1 where lsn >= ? and lsn < ?", fromLSN, toLSN)
	if err != nil {
		return fmt.Errorf("store: delete consistent points in range: %w", err)
	}
	return nil
}

// GCUnreferencedCAS deletes every cas_v1 row whose hash is not referenced
// by any remaining redo_v1 row, mirroring
// original_source/bsync/src/db.rs's cas_gc(): a plain set-difference
// delete, relying on SQLite to plan the anti-join.
func (ws *WriteSession) GCUnreferencedCAS() (int64, error) {
	res, err := ws.tx.Exec("delete from cas_v1 where hash not in (select hash from redo_v1)")
	if err != nil {
		return 0, fmt.Errorf("store: gc unreferenced cas: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum runs SQLite's VACUUM outside the write transaction (VACUUM cannot
// run inside one), reclaiming space freed by GCUnreferencedCAS. Call it
// after Commit, still holding the pull-lock, to keep out other writers
// while the rebuild runs.
func (ws *WriteSession) Vacuum() error {
	if _, err := ws.store.db.Exec("vacuum"); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	return nil
}

// Commit commits the underlying transaction and releases the pull-lock.
func (ws *WriteSession) Commit() error {
	if !ws.locked {
		return nil
	}
	err := ws.tx.Commit()
	unlockErr := ws.store.lock.Unlock()
	ws.locked = false
	if err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	if unlockErr != nil {
		util.Log().Warnf("store: release pull-lock after commit: %v", unlockErr)
	}
	return nil
}

// Rollback aborts the underlying transaction and releases the pull-lock.
// It is safe to call after Commit; it then does nothing.
func (ws *WriteSession) Rollback() error {
	if !ws.locked {
		return nil
	}
	err := ws.tx.Rollback()
	unlockErr := ws.store.lock.Unlock()
	ws.locked = false
	if err != nil {
		return fmt.Errorf("store: rollback: %w", err)
	}
	if unlockErr != nil {
		util.Log().Warnf("store: release pull-lock after rollback: %v", unlockErr)
	}
	return nil
}

var _ cas.Backend = (*WriteSession)(nil)
