// replay/replay_test.go

package replay

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "backup.db"), true, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeBlocks(t *testing.T, s *store.Store, size int64, blocks map[int64][]byte) store.ConsistentPoint {
	t.Helper()
	ws, err := s.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}

	var lsn int64
	for blockID, content := range blocks {
		h := cas.Sum(content)
		if err := ws.PutCAS(h, cas.CodecRaw, content); err != nil {
			t.Fatalf("PutCAS: %v", err)
		}
		lsn, err = ws.AppendRedo(blockID, h)
		if err != nil {
			t.Fatalf("AppendRedo: %v", err)
		}
	}
	if err := ws.RecordConsistentPoint(lsn, size, 1700000000); err != nil {
		t.Fatalf("RecordConsistentPoint: %v", err)
	}
	if err := ws.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	cp, err := s.ConsistentPointAt(lsn)
	if err != nil {
		t.Fatalf("ConsistentPointAt: %v", err)
	}
	return cp
}

func TestProjectionKeepsLatestHashPerBlock(t *testing.T) {
	s := openTestStore(t)

	ws, err := s.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	h1 := cas.Sum(bytes.Repeat([]byte{0x11}, s.BlockSize()))
	h2 := cas.Sum(bytes.Repeat([]byte{0x22}, s.BlockSize()))
	if err := ws.PutCAS(h1, cas.CodecRaw, bytes.Repeat([]byte{0x11}, s.BlockSize())); err != nil {
		t.Fatal(err)
	}
	if err := ws.PutCAS(h2, cas.CodecRaw, bytes.Repeat([]byte{0x22}, s.BlockSize())); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.AppendRedo(0, h1); err != nil {
		t.Fatal(err)
	}
	lsn, err := ws.AppendRedo(0, h2)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.RecordConsistentPoint(lsn, int64(s.BlockSize()), 1700000000); err != nil {
		t.Fatal(err)
	}
	if err := ws.Commit(); err != nil {
		t.Fatal(err)
	}

	cp, err := s.ConsistentPointAt(lsn)
	if err != nil {
		t.Fatal(err)
	}
	proj, err := BuildProjection(s, cp)
	if err != nil {
		t.Fatalf("BuildProjection: %v", err)
	}
	if got := proj.HashAt(0); got != h2 {
		t.Fatalf("HashAt(0) = %s, want the later write %s", got, h2)
	}
}

func TestImageReadAtUnwrittenBlockIsZero(t *testing.T) {
	s := openTestStore(t)
	content := bytes.Repeat([]byte{0xAB}, s.BlockSize())
	cp := writeBlocks(t, s, int64(2*s.BlockSize()), map[int64][]byte{0: content})

	proj, err := BuildProjection(s, cp)
	if err != nil {
		t.Fatalf("BuildProjection: %v", err)
	}
	c := cas.New(s, 0)
	img := NewImage(proj, c)

	buf := make([]byte, s.BlockSize())
	if _, err := img.ReadAt(buf, int64(s.BlockSize())); err != nil {
		t.Fatalf("ReadAt unwritten block: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, s.BlockSize())) {
		t.Fatal("expected unwritten block to read back as zero")
	}

	if _, err := img.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt written block: %v", err)
	}
	if !bytes.Equal(buf, content) {
		t.Fatal("expected written block to round-trip")
	}
}

func TestImageReadAtPastSizeIsEOF(t *testing.T) {
	s := openTestStore(t)
	cp := writeBlocks(t, s, int64(s.BlockSize()), map[int64][]byte{
		0: bytes.Repeat([]byte{0x01}, s.BlockSize()),
	})
	proj, err := BuildProjection(s, cp)
	if err != nil {
		t.Fatal(err)
	}
	img := NewImage(proj, cas.New(s, 0))

	buf := make([]byte, 16)
	if _, err := img.ReadAt(buf, cp.Size); err == nil {
		t.Fatal("expected EOF reading past the image size")
	}
}

func TestMaterializeWritesFullImage(t *testing.T) {
	s := openTestStore(t)
	block0 := bytes.Repeat([]byte{0x01}, s.BlockSize())
	size := int64(s.BlockSize()) + 100 // partial final block
	cp := writeBlocks(t, s, size, map[int64][]byte{0: block0})

	proj, err := BuildProjection(s, cp)
	if err != nil {
		t.Fatal(err)
	}
	img := NewImage(proj, cas.New(s, 0))

	out := filepath.Join(t.TempDir(), "image.raw")
	if err := img.Materialize(out); err != nil {
		t.Fatalf("Materialize: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if int64(len(data)) != size {
		t.Fatalf("materialized size = %d, want %d", len(data), size)
	}
	if !bytes.Equal(data[:s.BlockSize()], block0) {
		t.Fatal("first block did not round-trip")
	}
	for _, b := range data[s.BlockSize():] {
		if b != 0 {
			t.Fatal("expected the partial final block's tail to be zero")
		}
	}
}
