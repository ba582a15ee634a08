// pull/ingest.go

package pull

import (
	"fmt"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/replay"
	"github.com/blkpull/blkpull/store"
	"github.com/blkpull/blkpull/xmit"
)

// ingestFull consumes (block_id, content) for every block of the image,
// in ascending block_id order, verifying the transmitter's claimed hash,
// deduplicating through the CAS, and appending one redo row per block -
// spec §4.6 step 4's full-mode path.
func ingestFull(ws *store.WriteSession, client *xmit.Client, blockCount int64, blockSize int) error {
	c := cas.New(ws, 0)

	for start := int64(0); start < blockCount; start += xmit.DataFetchBatchSize {
		end := start + xmit.DataFetchBatchSize
		if end > blockCount {
			end = blockCount
		}
		ids := make([]int64, 0, end-start)
		for id := start; id < end; id++ {
			ids = append(ids, id)
		}

		err := client.FetchContent(xmit.ContentRequest{BlockIDs: ids}, func(rec xmit.ContentRecord) error {
			return ingestOneBlock(ws, c, rec)
		})
		if err != nil {
			return fmt.Errorf("pull: full ingest batch [%d,%d): %w", start, end, err)
		}
	}
	return nil
}

func ingestOneBlock(ws *store.WriteSession, c *cas.CAS, rec xmit.ContentRecord) error {
	actual := cas.Sum(rec.Content)
	if actual != rec.Hash {
		return fmt.Errorf("%w: block %d: claimed %s, computed %s", ErrHashMismatch, rec.BlockID, rec.Hash, actual)
	}
	if _, err := c.Put(rec.Content); err != nil {
		return fmt.Errorf("pull: cas put block %d: %w", rec.BlockID, err)
	}
	if _, err := ws.AppendRedo(rec.BlockID, rec.Hash); err != nil {
		return fmt.Errorf("pull: append redo for block %d: %w", rec.BlockID, err)
	}
	return nil
}

// ingestIncremental runs the two-phase diff described in spec §4.6 step 4:
// phase 1 hashes every block against prev, phase 2 fetches content only
// for blocks that changed and whose new hash the CAS doesn't already
// have. Hash records arrive in ascending block_id order one batch at a
// time, so the "changed" list below is already in the order the format
// contract requires redo rows to be appended in; phase 2 only decides
// which of those blocks additionally need a content fetch before the
// hash can be trusted as backed by a CAS row.
func ingestIncremental(ws *store.WriteSession, client *xmit.Client, prev *replay.Projection, blockCount int64, blockSize int) error {
	c := cas.New(ws, 0)

	var changed []xmit.HashRecord
	var needsFetch []int64

	for start := int64(0); start < blockCount; start += xmit.DiffBatchSize {
		end := start + xmit.DiffBatchSize
		if end > blockCount {
			end = blockCount
		}

		err := client.HashRange(xmit.HashRequest{BlockID: start, Count: end - start}, func(rec xmit.HashRecord) error {
			if rec.Hash == prev.HashAt(rec.BlockID) {
				return nil
			}
			changed = append(changed, rec)
			has, err := c.Has(rec.Hash)
			if err != nil {
				return fmt.Errorf("pull: cas has for block %d: %w", rec.BlockID, err)
			}
			if !has {
				needsFetch = append(needsFetch, rec.BlockID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("pull: hash phase batch [%d,%d): %w", start, end, err)
		}
	}

	for i := 0; i < len(needsFetch); i += xmit.DataFetchBatchSize {
		batch := needsFetch[i:min(i+xmit.DataFetchBatchSize, len(needsFetch))]
		err := client.FetchContent(xmit.ContentRequest{BlockIDs: batch}, func(rec xmit.ContentRecord) error {
			actual := cas.Sum(rec.Content)
			if actual != rec.Hash {
				return fmt.Errorf("%w: block %d: claimed %s, computed %s", ErrHashMismatch, rec.BlockID, rec.Hash, actual)
			}
			_, err := c.Put(rec.Content)
			return err
		})
		if err != nil {
			return fmt.Errorf("pull: content phase batch starting at index %d: %w", i, err)
		}
	}

	// Every changed block's content is now in the CAS - either it was
	// already there (phase-1 reuse) or phase 2 just put it there. A
	// single pass in the phase-1 order gives the redo log the ascending
	// block_id ordering the format contract requires.
	for _, rec := range changed {
		if _, err := ws.AppendRedo(rec.BlockID, rec.Hash); err != nil {
			return fmt.Errorf("pull: append redo for block %d: %w", rec.BlockID, err)
		}
	}

	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
