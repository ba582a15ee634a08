// squash/squash.go

// Package squash collapses an interval of LSNs between two retained
// consistent points down to its endpoints, then sweeps CAS rows no
// longer referenced by any surviving redo row. Grounded on
// original_source/bsync/src/cmd_squash.rs and db.rs's squash()/cas_gc().
package squash

import (
	"errors"
	"fmt"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/replay"
	"github.com/blkpull/blkpull/store"
	"github.com/blkpull/blkpull/util"
)

// ErrDataLossNotConfirmed is returned when Run is asked to perform a
// squash without explicit confirmation that the operator accepts the loss
// of intermediate consistent points.
var ErrDataLossNotConfirmed = errors.New("squash: confirm data loss to proceed")

// Options controls one squash invocation.
type Options struct {
	StartLSN int64
	EndLSN   int64
	// Confirmed must be true; it stands in for the CLI's --data-loss flag.
	Confirmed bool
	// Vacuum runs VACUUM after the CAS sweep, reclaiming space freed by it
	// (supplemented feature, see original_source/bsync/src/cmd_squash.rs).
	Vacuum bool
}

// Result reports what a successful squash did.
type Result struct {
	RedoRowsRewritten int
	CASRowsDeleted    int64
}

// Run performs one squash against s. StartLSN and EndLSN must both name
// existing consistent points with StartLSN < EndLSN.
func Run(s *store.Store, opts Options) (Result, error) {
	if !opts.Confirmed {
		return Result{}, ErrDataLossNotConfirmed
	}
	if opts.StartLSN >= opts.EndLSN {
		return Result{}, fmt.Errorf("%w: start_lsn %d must be less than end_lsn %d", store.ErrRangeInvalid, opts.StartLSN, opts.EndLSN)
	}

	startCP, err := s.ConsistentPointAt(opts.StartLSN)
	if err != nil {
		return Result{}, fmt.Errorf("squash: start_lsn %d: %w", opts.StartLSN, err)
	}
	endCP, err := s.ConsistentPointAt(opts.EndLSN)
	if err != nil {
		return Result{}, fmt.Errorf("squash: end_lsn %d: %w", opts.EndLSN, err)
	}

	// Step 1-2: project the interval's endpoint and keep only the blocks
	// whose latest write within (start_lsn, end_lsn] actually changed them -
	// a block whose most recent write is at or before start_lsn is already
	// represented by the surviving start_lsn state and needs no rewrite.
	delta, err := deltaSinceStart(s, startCP.LSN, endCP.LSN)
	if err != nil {
		return Result{}, err
	}

	ws, err := s.BeginWrite()
	if err != nil {
		return Result{}, err
	}
	committed := false
	defer func() {
		if !committed {
			ws.Rollback()
		}
	}()

	if err := ws.DeleteRedoRange(startCP.LSN+1, endCP.LSN+1); err != nil {
		return Result{}, err
	}
	// Delete every interior consistent point and end_lsn's own row too -
	// it is reinserted below unchanged (its LSN never moves) but the
	// delete-then-reinsert keeps this symmetric with the redo rewrite and
	// avoids a primary-key conflict on the reinsert.
	if err := ws.DeleteConsistentPointsInRange(startCP.LSN+1, endCP.LSN+1); err != nil {
		return Result{}, err
	}

	// Reinsert the delta at fresh LSNs within (start_lsn, end_lsn]. LSNs
	// need not be contiguous, only strictly increasing, so every row but
	// the last gets the next free LSN after start_lsn and the last row is
	// forced onto end_lsn exactly - this is what keeps the surviving
	// consistent point's LSN numerically stable without renumbering it.
	lsn := startCP.LSN + 1
	for i, d := range delta {
		if i == len(delta)-1 {
			lsn = endCP.LSN
		}
		if err := ws.AppendRedoAt(lsn, d.blockID, d.hash); err != nil {
			return Result{}, err
		}
		lsn++
	}

	if err := ws.RecordConsistentPoint(endCP.LSN, endCP.Size, endCP.CreatedAt.Unix()); err != nil {
		return Result{}, err
	}

	deleted, err := ws.GCUnreferencedCAS()
	if err != nil {
		return Result{}, err
	}

	if err := ws.Commit(); err != nil {
		return Result{}, err
	}
	committed = true

	if opts.Vacuum {
		ws2, err := s.BeginWrite()
		if err != nil {
			return Result{}, fmt.Errorf("squash: reacquire lock for vacuum: %w", err)
		}
		if err := ws2.Vacuum(); err != nil {
			ws2.Rollback()
			return Result{}, err
		}
		ws2.Commit()
	}

	util.Log().Infof("squash: collapsed lsn (%d, %d] into %d redo row(s), deleted %d orphaned cas row(s)",
		startCP.LSN, endCP.LSN, len(delta), deleted)

	return Result{RedoRowsRewritten: len(delta), CASRowsDeleted: deleted}, nil
}

type deltaEntry struct {
	blockID int64
	hash    cas.Hash
}

// deltaSinceStart returns, for every block_id whose latest write in
// (startLSN, endLSN] differs from its state at startLSN, that block's hash
// at endLSN - the set of redo rows that must be reinserted to preserve
// both endpoints' projections once the interior history is discarded.
func deltaSinceStart(s *store.Store, startLSN, endLSN int64) ([]deltaEntry, error) {
	startCP, err := s.ConsistentPointAt(startLSN)
	if err != nil {
		return nil, err
	}
	before, err := replay.BuildProjection(s, startCP)
	if err != nil {
		return nil, err
	}

	// lastWriteLSN tracks, for every block_id touched at all up to endLSN,
	// the LSN of its most recent write - needed to tell "changed within the
	// interval" apart from "last changed at or before startLSN".
	lastWriteLSN := make(map[int64]int64)
	endHash := make(map[int64]cas.Hash)
	err = s.IterRedoUpTo(endLSN, func(lsn, blockID int64, hash cas.Hash) error {
		lastWriteLSN[blockID] = lsn
		endHash[blockID] = hash
		return nil
	})
	if err != nil {
		return nil, err
	}

	var delta []deltaEntry
	for blockID, hash := range endHash {
		if lastWriteLSN[blockID] <= startLSN {
			continue
		}
		if hash == before.HashAt(blockID) {
			continue
		}
		delta = append(delta, deltaEntry{blockID: blockID, hash: hash})
	}
	return delta, nil
}
