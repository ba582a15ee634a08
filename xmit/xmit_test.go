// xmit/xmit_test.go

package xmit

import (
	"bytes"
	"io"
	"testing"

	"github.com/blkpull/blkpull/cas"
)

const testBlockSize = 4096

type memDevice struct {
	data []byte
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *memDevice) Size() (int64, error) {
	return int64(len(d.data)), nil
}

func newTestDevice(blocks int) *memDevice {
	data := make([]byte, blocks*testBlockSize)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return &memDevice{data: data}
}

// pipePair wires a Client directly to Serve via in-memory pipes, standing
// in for the SSH channel that connects Puller to the remote transmitter.
func pipePair(dev Device, blockSize int) (*Client, func()) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Serve(reqR, respW, dev, blockSize)
	}()

	client := NewClient(respR, reqW)
	closeFn := func() {
		reqW.Close()
		<-done
	}
	return client, closeFn
}

func TestHashRangeMatchesDirectHash(t *testing.T) {
	dev := newTestDevice(4)
	client, closeFn := pipePair(dev, testBlockSize)
	defer closeFn()

	var got []HashRecord
	err := client.HashRange(HashRequest{BlockID: 0, Count: 4}, func(rec HashRecord) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("HashRange: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	for i, rec := range got {
		if rec.BlockID != int64(i) {
			t.Fatalf("record %d has block id %d", i, rec.BlockID)
		}
		want := cas.Sum(dev.data[i*testBlockSize : (i+1)*testBlockSize])
		if rec.Hash != want {
			t.Fatalf("record %d hash mismatch", i)
		}
	}
}

func TestFetchContentReturnsExactBlocks(t *testing.T) {
	dev := newTestDevice(8)
	client, closeFn := pipePair(dev, testBlockSize)
	defer closeFn()

	want := []int64{1, 3, 7}
	var got []ContentRecord
	err := client.FetchContent(ContentRequest{BlockIDs: want}, func(rec ContentRecord) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i, rec := range got {
		if rec.BlockID != want[i] {
			t.Fatalf("record %d has block id %d, want %d", i, rec.BlockID, want[i])
		}
		expect := dev.data[rec.BlockID*testBlockSize : (rec.BlockID+1)*testBlockSize]
		if !bytes.Equal(rec.Content, expect) {
			t.Fatalf("record %d content mismatch", i)
		}
	}
}

func TestReadBlockZeroPadsShortFinalBlock(t *testing.T) {
	dev := &memDevice{data: bytes.Repeat([]byte{0x42}, testBlockSize/2)}
	block, err := ReadBlock(dev, 0, testBlockSize)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(block) != testBlockSize {
		t.Fatalf("len = %d, want %d", len(block), testBlockSize)
	}
	for i, b := range block[testBlockSize/2:] {
		if b != 0 {
			t.Fatalf("byte %d of padding = %d, want 0", i, b)
		}
	}
}
