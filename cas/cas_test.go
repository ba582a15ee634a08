// cas/cas_test.go

package cas

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(NewMemoryBackend(), 16)

	content := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(content)

	hash, err := c.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if ok, err := c.Has(hash); err != nil || !ok {
		t.Fatalf("Has: got %v, %v, want true, nil", ok, err)
	}

	got, err := c.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("round trip mismatch")
	}
}

func TestPutDedup(t *testing.T) {
	backend := NewMemoryBackend()
	c := New(backend, 16)

	content := bytes.Repeat([]byte{0x42}, 4096)

	h1, err := c.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	h2, err := c.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ for identical content")
	}
	if backend.Len() != 1 {
		t.Fatalf("backend has %d rows, want 1 (dedup failed)", backend.Len())
	}
}

func TestZeroBlockIsOrdinaryEntry(t *testing.T) {
	c := New(NewMemoryBackend(), 16)
	blockSize := 1 << 20

	zero := ZeroBlock(blockSize)
	hash, err := c.Put(zero)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != ZeroBlockHash(blockSize) {
		t.Fatalf("zero block hash mismatch")
	}

	got, err := c.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, zero) {
		t.Fatalf("zero block content mismatch")
	}
}

func TestGetMissingHash(t *testing.T) {
	c := New(NewMemoryBackend(), 16)
	if _, err := c.Get(Sum([]byte("never written"))); err == nil {
		t.Fatalf("expected error for missing hash")
	}
}

func TestCompressionRoundTripsIncompressibleData(t *testing.T) {
	c := New(NewMemoryBackend(), 16)

	content := make([]byte, 128*1024)
	rand.New(rand.NewSource(2)).Read(content)

	hash, err := c.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := c.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("round trip mismatch for incompressible content")
	}
}
