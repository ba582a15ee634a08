// replay/projection.go

// Package replay reconstructs a point-in-time image from the redo log: a
// projection mapping block_id to content hash as of a consistent point,
// and random-access or sequential reads over it. This is the Go shape of
// original_source/bsync/src/db.rs's Snapshot plus
// original_source/blkredo/src/cmd_replay.rs's write_snapshot.
package replay

import (
	"fmt"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/store"
)

// Projection is the block_id -> hash map as of a given LSN: for every
// block_id that has ever appeared in the redo log up to that LSN, the hash
// from its most recent redo row.
type Projection struct {
	lsn       int64
	size      int64
	blockSize int
	blocks    map[int64]cas.Hash
}

// BuildProjection scans every redo row up to and including cp.LSN and
// keeps, for each block_id, the hash from the highest LSN seen - the same
// fold original_source/bsync/src/db.rs's snapshot() performs with its
// "INSERT OR REPLACE into a temp map" pattern, done here with a plain Go
// map since redo rows arrive already ordered by LSN.
func BuildProjection(s *store.Store, cp store.ConsistentPoint) (*Projection, error) {
	p := &Projection{
		lsn:       cp.LSN,
		size:      cp.Size,
		blockSize: s.BlockSize(),
		blocks:    make(map[int64]cas.Hash),
	}

	err := s.IterRedoUpTo(cp.LSN, func(lsn, blockID int64, hash cas.Hash) error {
		p.blocks[blockID] = hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay: build projection at lsn %d: %w", cp.LSN, err)
	}
	return p, nil
}

// LSN returns the consistent point this projection was built at.
func (p *Projection) LSN() int64 { return p.lsn }

// Size returns the image size in bytes as of this projection's consistent
// point.
func (p *Projection) Size() int64 { return p.size }

// BlockSize returns the fixed block size blocks are addressed in.
func (p *Projection) BlockSize() int { return p.blockSize }

// BlockCount is the number of blocks spanned by Size, rounding the final
// partial block up - every block, including the last, is stored zero-padded
// to a full block (see cas.ZeroBlock).
func (p *Projection) BlockCount() int64 {
	if p.size == 0 {
		return 0
	}
	return (p.size + int64(p.blockSize) - 1) / int64(p.blockSize)
}

// HashAt returns the hash of block_id as of this projection. A block_id
// with no redo row up to this LSN has never been written and is reported
// as the zero-block hash, not an error.
func (p *Projection) HashAt(blockID int64) cas.Hash {
	if h, ok := p.blocks[blockID]; ok {
		return h
	}
	return cas.ZeroBlockHash(p.blockSize)
}
