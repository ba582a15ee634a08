// store/session.go

package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/blkpull/blkpull/cas"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting session's
// queries run either directly against the connection (reads from Store)
// or inside a write transaction (WriteSession).
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// session implements the read/write SQL operations shared by Store
// (reads, outside any transaction) and WriteSession (reads and writes,
// inside one write transaction), so both embed it rather than duplicate
// the queries.
type session struct {
	q execer
}

func (s *session) HasCAS(hash cas.Hash) (bool, error) {
	var n int
	err := s.q.QueryRow("select 1 from cas_v1 where hash = ?", hash[:]).Scan(&n)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("store: has_cas: %w", err)
	default:
		return true, nil
	}
}

func (s *session) PutCAS(hash cas.Hash, codec cas.Codec, payload []byte) error {
	has, err := s.HasCAS(hash)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.q.Exec(
		"insert into cas_v1 (hash, codec, content) values (?, ?, ?)",
		hash[:], byte(codec), payload,
	)
	if err != nil {
		return fmt.Errorf("store: put_cas: %w", err)
	}
	return nil
}

func (s *session) GetCAS(hash cas.Hash) (cas.Codec, []byte, error) {
	var codec byte
	var content []byte
	err := s.q.QueryRow(
		"select codec, content from cas_v1 where hash = ?", hash[:],
	).Scan(&codec, &content)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil, fmt.Errorf("%w: %s", ErrDatabaseCorrupt, hash)
	case err != nil:
		return 0, nil, fmt.Errorf("store: get_cas: %w", err)
	default:
		return cas.Codec(codec), content, nil
	}
}

func (s *session) listConsistentPoints() ([]ConsistentPoint, error) {
	rows, err := s.q.Query("select lsn, size, created_at from consistent_point_v1 order by lsn asc")
	if err != nil {
		return nil, fmt.Errorf("store: list_consistent_points: %w", err)
	}
	defer rows.Close()

	var points []ConsistentPoint
	for rows.Next() {
		var lsn, size, createdAt int64
		if err := rows.Scan(&lsn, &size, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan consistent point: %w", err)
		}
		points = append(points, ConsistentPoint{
			LSN:       lsn,
			Size:      size,
			CreatedAt: time.Unix(createdAt, 0).UTC(),
		})
	}
	return points, rows.Err()
}

func (s *session) iterRedoUpTo(upToLSN int64, fn func(lsn, blockID int64, hash cas.Hash) error) error {
	rows, err := s.q.Query(
		"select lsn, block_id, hash from redo_v1 where lsn <= ? order by lsn asc",
		upToLSN,
	)
	if err != nil {
		return fmt.Errorf("store: iter_redo_upto: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var lsn, blockID int64
		var hashBytes []byte
		if err := rows.Scan(&lsn, &blockID, &hashBytes); err != nil {
			return fmt.Errorf("store: scan redo row: %w", err)
		}
		if err := fn(lsn, blockID, cas.NewHash(hashBytes)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// maxLSN returns the highest LSN ever allocated: the greater of the
// highest surviving redo row and the highest published consistent point.
// Consulting both, rather than redo_v1 alone, matters after a squash that
// leaves no redo row exactly at its preserved end_lsn (an empty delta) -
// without it, the next write session could allocate a fresh LSN at or
// below an already-published consistent point, letting a brand new write
// silently join a sealed historic projection.
func (s *session) maxLSN() (int64, error) {
	var redoMax, cpMax sql.NullInt64
	if err := s.q.QueryRow("select max(lsn) from redo_v1").Scan(&redoMax); err != nil {
		return 0, fmt.Errorf("store: max_lsn: %w", err)
	}
	if err := s.q.QueryRow("select max(lsn) from consistent_point_v1").Scan(&cpMax); err != nil {
		return 0, fmt.Errorf("store: max_lsn: %w", err)
	}
	highest := int64(0)
	if redoMax.Valid && redoMax.Int64 > highest {
		highest = redoMax.Int64
	}
	if cpMax.Valid && cpMax.Int64 > highest {
		highest = cpMax.Int64
	}
	return highest, nil
}
