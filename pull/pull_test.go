// pull/pull_test.go

package pull

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/replay"
	"github.com/blkpull/blkpull/store"
	"github.com/blkpull/blkpull/xmit"
)

// fakeDevice stands in for the remote block device, the same role
// xmit's own test device plays for its package's tests.
type fakeDevice struct {
	data []byte
}

func (d *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *fakeDevice) Size() (int64, error) {
	return int64(len(d.data)), nil
}

// pipedClient wires an xmit.Client directly to xmit.Serve over an
// in-memory pipe, standing in for the SSH channel to a real transmitter.
func pipedClient(t *testing.T, dev xmit.Device, blockSize int) *xmit.Client {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- xmit.Serve(reqR, respW, dev, blockSize) }()
	t.Cleanup(func() {
		reqW.Close()
		<-done
	})

	return xmit.NewClient(respR, reqW)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "backup.db"), true, "")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func block(s *store.Store, fill byte) []byte {
	return bytes.Repeat([]byte{fill}, s.BlockSize())
}

func TestIngestFullPopulatesStoreInAscendingOrder(t *testing.T) {
	s := openTestStore(t)
	blockSize := s.BlockSize()
	dev := &fakeDevice{data: append(append([]byte{}, block(s, 0xAA)...), block(s, 0xBB)...)}
	client := pipedClient(t, dev, blockSize)

	ws, err := s.BeginWrite()
	require.NoError(t, err)

	require.NoError(t, ingestFull(ws, client, 2, blockSize))

	var seen []int64
	require.NoError(t, ws.RecordConsistentPoint(ws.LastLSN(), int64(2*blockSize), 1700000000))
	require.NoError(t, ws.Commit())

	cp, ok, err := s.LatestConsistentPoint()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.IterRedoUpTo(cp.LSN, func(lsn, blockID int64, hash cas.Hash) error {
		seen = append(seen, blockID)
		return nil
	}))
	require.Equal(t, []int64{0, 1}, seen)

	content, err := cas.New(s, 0).Get(cas.Sum(block(s, 0xAA)))
	require.NoError(t, err)
	require.Equal(t, block(s, 0xAA), content)
}

func TestIngestIncrementalSkipsUnchangedAndReusesCAS(t *testing.T) {
	s := openTestStore(t)
	blockSize := s.BlockSize()

	// Initial full pull: block 0 = 0xAA, block 1 = 0xBB.
	initialDev := &fakeDevice{data: append(append([]byte{}, block(s, 0xAA)...), block(s, 0xBB)...)}
	ws, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, ingestFull(ws, pipedClient(t, initialDev, blockSize), 2, blockSize))
	firstLSN := ws.LastLSN()
	require.NoError(t, ws.RecordConsistentPoint(firstLSN, int64(2*blockSize), 1700000000))
	require.NoError(t, ws.Commit())

	prevCP, err := s.ConsistentPointAt(firstLSN)
	require.NoError(t, err)
	prevProjection, err := replay.BuildProjection(s, prevCP)
	require.NoError(t, err)

	// Incremental pull: block 0 is unchanged (still 0xAA), block 1 changes
	// to brand-new content 0xCC (needs a fetch), and a third block is
	// introduced whose content reuses block 0's original content (0xAA),
	// already in the CAS - it should be recorded without a fetch.
	nextDev := &fakeDevice{data: bytes.Join([][]byte{
		block(s, 0xAA),
		block(s, 0xCC),
		block(s, 0xAA),
	}, nil)}
	client := pipedClient(t, nextDev, blockSize)

	ws2, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, ingestIncremental(ws2, client, prevProjection, 3, blockSize))
	secondLSN := ws2.LastLSN()
	require.NoError(t, ws2.RecordConsistentPoint(secondLSN, int64(3*blockSize), 1700000100))
	require.NoError(t, ws2.Commit())

	// Block 0 never got a new redo row (unchanged), so the projection at
	// secondLSN should show exactly two new writes (blocks 1 and 2).
	cp, err := s.ConsistentPointAt(secondLSN)
	require.NoError(t, err)
	proj, err := replay.BuildProjection(s, cp)
	require.NoError(t, err)
	require.Equal(t, cas.Sum(block(s, 0xAA)), proj.HashAt(0))
	require.Equal(t, cas.Sum(block(s, 0xCC)), proj.HashAt(1))
	require.Equal(t, cas.Sum(block(s, 0xAA)), proj.HashAt(2))

	var writtenBlocks []int64
	require.NoError(t, s.IterRedoUpTo(secondLSN, func(lsn, blockID int64, hash cas.Hash) error {
		if lsn > firstLSN {
			writtenBlocks = append(writtenBlocks, blockID)
		}
		return nil
	}))
	require.Equal(t, []int64{1, 2}, writtenBlocks)
}

// TestIngestIncrementalZeroDiffRepublishesSameLSN covers a pull where
// nothing on the remote changed: LastLSN after ingest equals the previous
// consistent point's LSN, and RecordConsistentPoint must tolerate
// republishing that same row rather than failing on the primary-key
// collision.
func TestIngestIncrementalZeroDiffRepublishesSameLSN(t *testing.T) {
	s := openTestStore(t)
	blockSize := s.BlockSize()

	dev := &fakeDevice{data: append(append([]byte{}, block(s, 0xAA)...), block(s, 0xBB)...)}
	ws, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, ingestFull(ws, pipedClient(t, dev, blockSize), 2, blockSize))
	firstLSN := ws.LastLSN()
	require.NoError(t, ws.RecordConsistentPoint(firstLSN, int64(2*blockSize), 1700000000))
	require.NoError(t, ws.Commit())

	prevCP, err := s.ConsistentPointAt(firstLSN)
	require.NoError(t, err)
	prevProjection, err := replay.BuildProjection(s, prevCP)
	require.NoError(t, err)

	// Same content as before: nothing changes, so ingestIncremental
	// appends no redo rows at all.
	ws2, err := s.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, ingestIncremental(ws2, pipedClient(t, dev, blockSize), prevProjection, 2, blockSize))

	secondLSN := ws2.LastLSN()
	require.Equal(t, firstLSN, secondLSN)

	require.NoError(t, ws2.RecordConsistentPoint(secondLSN, int64(2*blockSize), 1700000100))
	require.NoError(t, ws2.Commit())

	points, err := s.ListConsistentPoints()
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, firstLSN, points[0].LSN)
}
