// xmit/serve.go

package xmit

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/util"
)

// Device is the minimal random-access source the transmitter reads
// blocks from: the block device or image file named in the puller's
// handshake.
type Device interface {
	io.ReaderAt
	Size() (int64, error)
}

// FileDevice adapts an *os.File to Device.
type FileDevice struct {
	*os.File
}

func (d FileDevice) Size() (int64, error) {
	info, err := d.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Serve runs the transmitter side of the protocol: read requests from r
// until EOF, serve each against dev at the given block size, and write
// responses to w. This is the Go shape of
// original_source/blkxmit/src/main.rs's hash/dump ops, generalized from a
// one-shot CLI invocation into a request loop so a single SSH session can
// serve both the hashing and content-fetch phases of one pull.
func Serve(r io.Reader, w io.Writer, dev Device, blockSize int) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	for {
		hashReq, contentReq, err := ReadRequest(br)
		switch {
		case err == io.EOF:
			return bw.Flush()
		case err != nil:
			return err
		}

		switch {
		case hashReq != nil:
			if err := serveHashRequest(bw, dev, blockSize, *hashReq); err != nil {
				return err
			}
		case contentReq != nil:
			if err := serveContentRequest(bw, dev, blockSize, *contentReq); err != nil {
				return err
			}
		}
		if err := bw.Flush(); err != nil {
			return err
		}
	}
}

func serveHashRequest(w io.Writer, dev Device, blockSize int, req HashRequest) error {
	for i := int64(0); i < req.Count; i++ {
		blockID := req.BlockID + i
		block, err := ReadBlock(dev, blockID, blockSize)
		if err != nil {
			return fmt.Errorf("xmit: hash block %d: %w", blockID, err)
		}
		if err := WriteHashRecord(w, HashRecord{BlockID: blockID, Hash: cas.Sum(block)}); err != nil {
			return err
		}
	}
	return WriteEndFrame(w)
}

func serveContentRequest(w io.Writer, dev Device, blockSize int, req ContentRequest) error {
	for _, blockID := range req.BlockIDs {
		block, err := ReadBlock(dev, blockID, blockSize)
		if err != nil {
			return fmt.Errorf("xmit: read block %d: %w", blockID, err)
		}
		rec := ContentRecord{BlockID: blockID, Hash: cas.Sum(block), Content: block}
		if err := WriteContentRecord(w, rec); err != nil {
			return err
		}
	}
	return WriteEndFrame(w)
}

// ReadBlock reads block blockID from dev, zero-padding a short final read
// to a full block - original_source/blkxmit/src/main.rs's
// buf[read_len..].fill(0), generalized via util.AlignBlock.
func ReadBlock(dev Device, blockID int64, blockSize int) ([]byte, error) {
	buf := make([]byte, blockSize)
	n, err := dev.ReadAt(buf, blockID*int64(blockSize))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return util.AlignBlock(buf[:n], blockSize), nil
}
