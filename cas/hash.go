// cas/hash.go

// Package cas implements the content-addressable block layer described in
// the design: BLAKE3-keyed blocks, optional per-block compression, and an
// in-memory LRU read cache, all sitting on top of a pluggable Backend.
package cas

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashSize is the number of bytes in a block hash (BLAKE3-256).
const HashSize = 32

// Hash identifies a block by the BLAKE3 digest of its plaintext content.
type Hash [HashSize]byte

// NewHash copies a HashSize-length byte slice into a Hash. It panics if b
// is not exactly HashSize bytes long, since every caller reads hashes out
// of fixed-width storage or wire frames.
func NewHash(b []byte) (h Hash) {
	if len(b) != HashSize {
		panic("cas.NewHash: wrong length")
	}
	copy(h[:], b)
	return h
}

// Sum computes the BLAKE3 hash of content.
func Sum(content []byte) Hash {
	sum := blake3.Sum256(content)
	return NewHash(sum[:])
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value (all 32 bytes zero). A
// never-written block is represented by ZeroBlockHash, not by this value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ZeroBlock is the canonical content of a never-written block: blockSize
// bytes of zero. The final, logically-truncated block of an image is
// stored the same way, zero-padded to a full block.
func ZeroBlock(blockSize int) []byte {
	return make([]byte, blockSize)
}

// ZeroBlockHash is the BLAKE3 hash of ZeroBlock(blockSize). Replay and
// Puller both treat a block_id absent from a projection as having this
// hash, without a distinct sentinel value (see spec's Open Questions).
func ZeroBlockHash(blockSize int) Hash {
	return Sum(ZeroBlock(blockSize))
}
