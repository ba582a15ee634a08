// xmit/frame.go

// Package xmit implements the wire protocol spoken over the SSH pipe
// between Puller and the remote transmitter helper process: a sequence of
// magic-tagged, varint-length-prefixed frames, one per block. This is the
// same framing idiom as the teacher's storage/packidx.go (PackBlob /
// decodeOneBlob), generalized here to carry either a hash-only record or a
// hash-plus-compressed-content record instead of a fixed pack-file blob.
package xmit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blkpull/blkpull/cas"
)

// HashFrameMagic tags a hash-only record: one per block in the hashing
// phase of an incremental pull (spec's original_source/bsync/src/cmd_pull.rs
// DIFF_BATCH_SIZE phase).
var HashFrameMagic = [4]byte{'X', 'H', 'S', '1'}

// ContentFrameMagic tags a hash-plus-content record: used for every block
// in full mode, and for the selectively-fetched blocks in incremental mode
// (spec's DATA_FETCH_BATCH_SIZE phase).
var ContentFrameMagic = [4]byte{'X', 'C', 'T', '1'}

// EndFrameMagic terminates a stream of hash or content frames so the
// reader knows to stop without relying on the underlying pipe closing.
var EndFrameMagic = [4]byte{'X', 'E', 'N', 'D'}

// DiffBatchSize is the number of consecutive block IDs hashed per request
// in the hashing phase, matching original_source's DIFF_BATCH_SIZE.
const DiffBatchSize = 16384

// DataFetchBatchSize is the number of blocks whose content is fetched per
// request in the content-fetch phase, matching original_source's
// DATA_FETCH_BATCH_SIZE.
const DataFetchBatchSize = 256

// HashRecord is one line of the hashing-phase output: block blockID hashes
// to Hash on the remote device.
type HashRecord struct {
	BlockID int64
	Hash    cas.Hash
}

// ContentRecord is one line of the content-fetch output: block BlockID's
// plaintext content, as read directly from the remote device (not yet
// known to be new - Puller checks the CAS before storing it), plus the
// hash the transmitter computed over it. Puller recomputes the hash
// itself and compares, so a corrupted or truncated transfer is caught
// before anything is written to the CAS (spec's "verify
// BLAKE3(decompress(content)) == hash" step).
type ContentRecord struct {
	BlockID int64
	Hash    cas.Hash
	Content []byte
}

// WriteHashRecord writes one HashRecord frame to w.
func WriteHashRecord(w io.Writer, rec HashRecord) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], rec.BlockID)
	if _, err := w.Write(HashFrameMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(rec.Hash[:]); err != nil {
		return err
	}
	return nil
}

// ReadHashRecord reads one frame written by WriteHashRecord, or returns
// io.EOF if the next frame is the end-of-stream marker.
func ReadHashRecord(r *bufio.Reader) (HashRecord, error) {
	magic, err := readMagic(r)
	if err != nil {
		return HashRecord{}, err
	}
	if magic == EndFrameMagic {
		return HashRecord{}, io.EOF
	}
	if magic != HashFrameMagic {
		return HashRecord{}, fmt.Errorf("xmit: expected hash frame, got magic %v", magic)
	}

	blockID, err := binary.ReadVarint(r)
	if err != nil {
		return HashRecord{}, fmt.Errorf("xmit: read block id: %w", err)
	}
	var hash cas.Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return HashRecord{}, fmt.Errorf("xmit: read hash: %w", err)
	}
	return HashRecord{BlockID: blockID, Hash: hash}, nil
}

// WriteContentRecord writes one ContentRecord frame to w, snappy-compressing
// the payload (full mode's codec choice, spec §4.5; see cas.EncodeSnappy).
func WriteContentRecord(w io.Writer, rec ContentRecord) error {
	compressed := cas.EncodeSnappy(rec.Content)

	var buf [2 * binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], rec.BlockID)
	n += binary.PutVarint(buf[n:], int64(len(compressed)))

	if _, err := w.Write(ContentFrameMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write(buf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(rec.Hash[:]); err != nil {
		return err
	}
	if _, err := w.Write(compressed); err != nil {
		return err
	}
	return nil
}

// ReadContentRecord reads one frame written by WriteContentRecord, or
// returns io.EOF if the next frame is the end-of-stream marker.
func ReadContentRecord(r *bufio.Reader) (ContentRecord, error) {
	magic, err := readMagic(r)
	if err != nil {
		return ContentRecord{}, err
	}
	if magic == EndFrameMagic {
		return ContentRecord{}, io.EOF
	}
	if magic != ContentFrameMagic {
		return ContentRecord{}, fmt.Errorf("xmit: expected content frame, got magic %v", magic)
	}

	blockID, err := binary.ReadVarint(r)
	if err != nil {
		return ContentRecord{}, fmt.Errorf("xmit: read block id: %w", err)
	}
	length, err := binary.ReadVarint(r)
	if err != nil {
		return ContentRecord{}, fmt.Errorf("xmit: read content length: %w", err)
	}
	var hash cas.Hash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return ContentRecord{}, fmt.Errorf("xmit: read content hash: %w", err)
	}
	compressed := make([]byte, length)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return ContentRecord{}, fmt.Errorf("xmit: read content: %w", err)
	}
	content, err := cas.DecodeSnappy(compressed)
	if err != nil {
		return ContentRecord{}, fmt.Errorf("xmit: decompress content for block %d: %w", blockID, err)
	}
	return ContentRecord{BlockID: blockID, Hash: hash, Content: content}, nil
}

// WriteEndFrame terminates a stream of hash or content records.
func WriteEndFrame(w io.Writer) error {
	_, err := w.Write(EndFrameMagic[:])
	return err
}

func readMagic(r *bufio.Reader) ([4]byte, error) {
	var magic [4]byte
	_, err := io.ReadFull(r, magic[:])
	return magic, err
}
