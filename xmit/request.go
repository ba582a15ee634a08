// xmit/request.go

package xmit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Op selects what the transmitter does with a request: hash a contiguous
// run of blocks, or return the content of an explicit list of blocks.
// Full-mode pulls only ever use OpContent over the whole device;
// incremental-mode pulls use OpHash first, then OpContent for the block
// IDs that came back changed.
type Op byte

const (
	OpHash    Op = 1
	OpContent Op = 2
)

// HashRequest asks the transmitter to hash BlockID..BlockID+Count-1.
type HashRequest struct {
	BlockID int64
	Count   int64
}

// ContentRequest asks the transmitter to return the content of exactly
// these block IDs, in this order.
type ContentRequest struct {
	BlockIDs []int64
}

// WriteHashRequest writes a HashRequest frame, read back by the
// transmitter's request loop (cmd/blkxmit).
func WriteHashRequest(w io.Writer, req HashRequest) error {
	if _, err := w.Write([]byte{byte(OpHash)}); err != nil {
		return err
	}
	var buf [2 * binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], req.BlockID)
	n += binary.PutVarint(buf[n:], req.Count)
	_, err := w.Write(buf[:n])
	return err
}

// WriteContentRequest writes a ContentRequest frame.
func WriteContentRequest(w io.Writer, req ContentRequest) error {
	if _, err := w.Write([]byte{byte(OpContent)}); err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(lenBuf[:], int64(len(req.BlockIDs)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	for _, id := range req.BlockIDs {
		var buf [binary.MaxVarintLen64]byte
		n := binary.PutVarint(buf[:], id)
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// ReadRequest reads the next request frame from r, dispatching on its op
// byte. Exactly one of the returned pointers is non-nil.
func ReadRequest(r *bufio.Reader) (*HashRequest, *ContentRequest, error) {
	opByte, err := r.ReadByte()
	if err != nil {
		return nil, nil, err
	}

	switch Op(opByte) {
	case OpHash:
		blockID, err := binary.ReadVarint(r)
		if err != nil {
			return nil, nil, fmt.Errorf("xmit: read hash request block id: %w", err)
		}
		count, err := binary.ReadVarint(r)
		if err != nil {
			return nil, nil, fmt.Errorf("xmit: read hash request count: %w", err)
		}
		return &HashRequest{BlockID: blockID, Count: count}, nil, nil

	case OpContent:
		n, err := binary.ReadVarint(r)
		if err != nil {
			return nil, nil, fmt.Errorf("xmit: read content request count: %w", err)
		}
		ids := make([]int64, n)
		for i := range ids {
			id, err := binary.ReadVarint(r)
			if err != nil {
				return nil, nil, fmt.Errorf("xmit: read content request block id %d: %w", i, err)
			}
			ids[i] = id
		}
		return nil, &ContentRequest{BlockIDs: ids}, nil

	default:
		return nil, nil, fmt.Errorf("xmit: unknown request op byte %d", opByte)
	}
}
