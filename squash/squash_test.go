// squash/squash_test.go

package squash

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/replay"
	"github.com/blkpull/blkpull/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "backup.db"), true, "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// pull simulates one full pull's worth of writes: PutCAS + AppendRedo for
// every (blockID, content) pair, followed by one consistent point.
func pull(t *testing.T, s *store.Store, size int64, writes map[int64][]byte) int64 {
	t.Helper()
	ws, err := s.BeginWrite()
	require.NoError(t, err)

	var lsn int64
	for blockID, content := range writes {
		h := cas.Sum(content)
		require.NoError(t, ws.PutCAS(h, cas.CodecRaw, content))
		lsn, err = ws.AppendRedo(blockID, h)
		require.NoError(t, err)
	}
	require.NoError(t, ws.RecordConsistentPoint(lsn, size, 1700000000))
	require.NoError(t, ws.Commit())
	return lsn
}

func block(s *store.Store, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, s.BlockSize())
}

func replayHash(t *testing.T, s *store.Store, lsn, blockID int64) cas.Hash {
	t.Helper()
	cp, err := s.ConsistentPointAt(lsn)
	require.NoError(t, err)
	proj, err := replay.BuildProjection(s, cp)
	require.NoError(t, err)
	return proj.HashAt(blockID)
}

func TestSquashPreservesEndpointProjections(t *testing.T) {
	s := openTestStore(t)
	bs := int64(s.BlockSize())

	lsn1 := pull(t, s, 3*bs, map[int64][]byte{0: block(s, 0x01), 1: block(s, 0x02), 2: block(s, 0x03)})
	lsn2 := pull(t, s, 3*bs, map[int64][]byte{1: block(s, 0xAA)})
	lsn3 := pull(t, s, 3*bs, map[int64][]byte{1: block(s, 0xBB), 2: block(s, 0xCC)})

	beforeAt1 := replayHash(t, s, lsn1, 0)
	beforeAt3_1 := replayHash(t, s, lsn3, 1)
	beforeAt3_2 := replayHash(t, s, lsn3, 2)

	_, err := Run(s, Options{StartLSN: lsn1, EndLSN: lsn3, Confirmed: true})
	require.NoError(t, err)

	points, err := s.ListConsistentPoints()
	require.NoError(t, err)
	var lsns []int64
	for _, p := range points {
		lsns = append(lsns, p.LSN)
	}
	require.ElementsMatch(t, []int64{lsn1, lsn3}, lsns)
	require.NotContains(t, lsns, lsn2)

	require.Equal(t, beforeAt1, replayHash(t, s, lsn1, 0))
	require.Equal(t, beforeAt3_1, replayHash(t, s, lsn3, 1))
	require.Equal(t, beforeAt3_2, replayHash(t, s, lsn3, 2))
}

func TestSquashSweepsUnreferencedCAS(t *testing.T) {
	s := openTestStore(t)
	bs := int64(s.BlockSize())

	lsn1 := pull(t, s, bs, map[int64][]byte{0: block(s, 0x01)})
	pull(t, s, bs, map[int64][]byte{0: block(s, 0x02)}) // superseded entirely within the interval
	lsn3 := pull(t, s, bs, map[int64][]byte{0: block(s, 0x03)})

	res, err := Run(s, Options{StartLSN: lsn1, EndLSN: lsn3, Confirmed: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.CASRowsDeleted) // the 0x02 block is now orphaned

	_, _, err = s.GetCAS(cas.Sum(block(s, 0x02)))
	require.Error(t, err)

	_, _, err = s.GetCAS(cas.Sum(block(s, 0x01)))
	require.NoError(t, err)
}

func TestSquashRequiresConfirmation(t *testing.T) {
	s := openTestStore(t)
	bs := int64(s.BlockSize())
	lsn1 := pull(t, s, bs, map[int64][]byte{0: block(s, 0x01)})
	lsn2 := pull(t, s, bs, map[int64][]byte{0: block(s, 0x02)})

	_, err := Run(s, Options{StartLSN: lsn1, EndLSN: lsn2, Confirmed: false})
	require.ErrorIs(t, err, ErrDataLossNotConfirmed)
}

func TestSquashRejectsInvalidRange(t *testing.T) {
	s := openTestStore(t)
	bs := int64(s.BlockSize())
	lsn1 := pull(t, s, bs, map[int64][]byte{0: block(s, 0x01)})

	_, err := Run(s, Options{StartLSN: lsn1, EndLSN: lsn1, Confirmed: true})
	require.ErrorIs(t, err, store.ErrRangeInvalid)
}

func TestSquashThenFurtherPullAllocatesLSNsPastEnd(t *testing.T) {
	s := openTestStore(t)
	bs := int64(s.BlockSize())

	lsn1 := pull(t, s, bs, map[int64][]byte{0: block(s, 0x01)})
	pull(t, s, bs, map[int64][]byte{0: block(s, 0x02)})
	lsn3 := pull(t, s, bs, map[int64][]byte{0: block(s, 0x03)})

	_, err := Run(s, Options{StartLSN: lsn1, EndLSN: lsn3, Confirmed: true})
	require.NoError(t, err)

	lsn4 := pull(t, s, bs, map[int64][]byte{0: block(s, 0x04)})
	require.Greater(t, lsn4, lsn3)

	require.Equal(t, cas.Sum(block(s, 0x03)), replayHash(t, s, lsn3, 0))
	require.Equal(t, cas.Sum(block(s, 0x04)), replayHash(t, s, lsn4, 0))
}
