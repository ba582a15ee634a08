// store/store.go

// Package store owns the backup database file: its schema migration, an
// exclusive pull-lock, and the transactional sessions that Puller, Replay,
// and Squash borrow to read and write CAS blocks, redo rows, and
// consistent points.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/util"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrLockBusy is returned when a write operation cannot acquire the
	// pull-lock because another process already holds it.
	ErrLockBusy = errors.New("store: pull-lock held by another process")
	// ErrLsnNotFound is returned when an LSN requested by replay, serve,
	// or squash does not name an existing consistent point.
	ErrLsnNotFound = errors.New("store: lsn is not a consistent point")
	// ErrDatabaseCorrupt is returned when a redo row references a hash
	// with no backing CAS row.
	ErrDatabaseCorrupt = errors.New("store: referenced hash has no cas row")
	// ErrRangeInvalid is returned by squash for a malformed LSN range.
	ErrRangeInvalid = errors.New("store: invalid lsn range")
)

// DefaultBlockSizeLog2 is log2 of the default block size (1 MiB).
const DefaultBlockSizeLog2 = 20

// ConsistentPoint is a publishable snapshot: "lsn is a consistent point;
// the image backed by it is exactly size bytes."
type ConsistentPoint struct {
	LSN       int64
	Size      int64
	CreatedAt time.Time
}

// Store owns the database connection and the pull-lock file for one
// backup store. Safe for concurrent use by readers (replay, serve); write
// operations (pull, squash) must go through BeginWrite, which serializes
// against other writers via the pull-lock.
type Store struct {
	session

	db            *sql.DB
	lock          *flock.Flock
	blockSizeLog2 uint
	instanceID    string
}

// Open opens or creates the database file at path. If create is false and
// the file does not already exist, Open returns an error. lockPath, if
// empty, defaults to path with a "-pull.lock" suffix (spec's "sibling lock
// file").
func Open(path string, create bool, lockPath string) (*Store, error) {
	if lockPath == "" {
		lockPath = path + "-pull.lock"
	}

	if !create {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("store: open %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite only supports one writer at a time; a single pooled
	// connection avoids SQLITE_BUSY churn across goroutines within this
	// process (the pull-lock handles cross-process exclusion).
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	if _, err := db.Exec("pragma journal_mode = wal"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set journal_mode: %w", err)
	}
	if _, err := db.Exec("pragma synchronous = full"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set synchronous: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", path, err)
	}

	blockSizeLog2, instanceID, err := loadOrInitConfig(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:            db,
		lock:          flock.New(lockPath),
		blockSizeLog2: blockSizeLog2,
		instanceID:    instanceID,
	}
	s.session = session{q: db}

	util.Log().Infof("opened database at %s with instance id %s, block size %d", path, instanceID, s.BlockSize())
	return s, nil
}

// Close releases the database connection. It does not release the
// pull-lock; callers must not Close a Store with an open WriteSession.
func (s *Store) Close() error {
	return s.db.Close()
}

// BlockSizeLog2 returns log2 of the fixed per-store block size.
func (s *Store) BlockSizeLog2() uint {
	return s.blockSizeLog2
}

// BlockSize returns the fixed per-store block size in bytes.
func (s *Store) BlockSize() int {
	return 1 << s.blockSizeLog2
}

// InstanceID returns the random identifier generated when this store was
// created, used to namespace the remote transmitter upload directory so
// that multiple stores pulling the same remote host don't collide.
func (s *Store) InstanceID() string {
	return s.instanceID
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return err
	}
	return nil
}

func loadOrInitConfig(db *sql.DB) (blockSizeLog2 uint, instanceID string, err error) {
	blockSizeLog2 = DefaultBlockSizeLog2

	row := db.QueryRow("select v from config_v1 where k = 'block_size_log2'")
	var v string
	switch err := row.Scan(&v); {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(
			"insert into config_v1 (k, v) values ('block_size_log2', ?)",
			fmt.Sprintf("%d", DefaultBlockSizeLog2),
		); err != nil {
			return 0, "", fmt.Errorf("store: init block_size_log2: %w", err)
		}
	case err != nil:
		return 0, "", fmt.Errorf("store: read block_size_log2: %w", err)
	default:
		if _, err := fmt.Sscanf(v, "%d", &blockSizeLog2); err != nil {
			return 0, "", fmt.Errorf("store: parse block_size_log2 %q: %w", v, err)
		}
	}

	row = db.QueryRow("select v from config_v1 where k = 'instance_id'")
	switch err := row.Scan(&instanceID); {
	case err == sql.ErrNoRows:
		instanceID, err = newInstanceID()
		if err != nil {
			return 0, "", err
		}
		if _, err := db.Exec(
			"insert into config_v1 (k, v) values ('instance_id', ?)", instanceID,
		); err != nil {
			return 0, "", fmt.Errorf("store: init instance_id: %w", err)
		}
	case err != nil:
		return 0, "", fmt.Errorf("store: read instance_id: %w", err)
	}

	return blockSizeLog2, instanceID, nil
}

// ListConsistentPoints returns every consistent point in ascending LSN
// order.
func (s *Store) ListConsistentPoints() ([]ConsistentPoint, error) {
	return s.session.listConsistentPoints()
}

// LatestConsistentPoint returns the highest-LSN consistent point, or ok ==
// false if the store has never completed a pull.
func (s *Store) LatestConsistentPoint() (cp ConsistentPoint, ok bool, err error) {
	points, err := s.ListConsistentPoints()
	if err != nil {
		return ConsistentPoint{}, false, err
	}
	if len(points) == 0 {
		return ConsistentPoint{}, false, nil
	}
	return points[len(points)-1], true, nil
}

// ConsistentPointAt returns the consistent point for lsn, or
// ErrLsnNotFound if lsn does not name one.
func (s *Store) ConsistentPointAt(lsn int64) (ConsistentPoint, error) {
	points, err := s.ListConsistentPoints()
	if err != nil {
		return ConsistentPoint{}, err
	}
	for _, cp := range points {
		if cp.LSN == lsn {
			return cp, nil
		}
	}
	return ConsistentPoint{}, ErrLsnNotFound
}

// IterRedoUpTo calls fn for every redo row with lsn <= upToLSN, in
// ascending LSN order. Replay's projection is built this way: a single
// indexed scan whose results are folded into an in-memory
// block_id -> hash map, keeping the maximum LSN per block_id.
func (s *Store) IterRedoUpTo(upToLSN int64, fn func(lsn, blockID int64, hash cas.Hash) error) error {
	return s.session.iterRedoUpTo(upToLSN, fn)
}

var _ cas.Backend = (*Store)(nil)
