// xmit/handshake.go

package xmit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// HandshakeMagic tags the startup exchange, distinct from the per-record
// magics so a puller talking to a stale or mismatched transmitter binary
// fails fast with ErrProtocolMismatch instead of misreading frames.
var HandshakeMagic = [4]byte{'X', 'M', 'I', 'T'}

// ProtocolVersion is bumped whenever the wire format changes
// incompatibly. The transmitter rejects any other version.
const ProtocolVersion = 1

// ErrProtocolMismatch is returned when the handshake magic or version
// does not match.
var ErrProtocolMismatch = fmt.Errorf("xmit: protocol mismatch")

// Mode names the kind of pull the puller is running. The transmitter
// does not act on it: it serves whatever hash and content requests the
// puller sends (see Serve), and the puller's requests produce the records
// described below.
type Mode byte

const (
	// ModeFull streams (block_id, hash, content) for every block.
	ModeFull Mode = 1
	// ModeIncremental streams (block_id, hash) for every block in phase 1,
	// then serves explicit content requests in phase 2.
	ModeIncremental Mode = 2
)

// Handshake is sent by the puller immediately after starting the
// transmitter process.
type Handshake struct {
	BlockSizeLog2 uint8
	Mode          Mode
	ImagePath     string
}

// WriteHandshake writes the puller's opening request.
func WriteHandshake(w io.Writer, h Handshake) error {
	if _, err := w.Write(HandshakeMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{ProtocolVersion, h.BlockSizeLog2, byte(h.Mode)}); err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(lenBuf[:], int64(len(h.ImagePath)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := io.WriteString(w, h.ImagePath)
	return err
}

// ReadHandshake reads and validates the opening request.
func ReadHandshake(r *bufio.Reader) (Handshake, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return Handshake{}, fmt.Errorf("xmit: read handshake magic: %w", err)
	}
	if magic != HandshakeMagic {
		return Handshake{}, fmt.Errorf("%w: bad magic %v", ErrProtocolMismatch, magic)
	}

	var fixed [3]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return Handshake{}, fmt.Errorf("xmit: read handshake fields: %w", err)
	}
	version, blockSizeLog2, mode := fixed[0], fixed[1], fixed[2]
	if version != ProtocolVersion {
		return Handshake{}, fmt.Errorf("%w: version %d, want %d", ErrProtocolMismatch, version, ProtocolVersion)
	}

	pathLen, err := binary.ReadVarint(r)
	if err != nil {
		return Handshake{}, fmt.Errorf("xmit: read image path length: %w", err)
	}
	pathBytes := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBytes); err != nil {
		return Handshake{}, fmt.Errorf("xmit: read image path: %w", err)
	}

	return Handshake{
		BlockSizeLog2: blockSizeLog2,
		Mode:          Mode(mode),
		ImagePath:     string(pathBytes),
	}, nil
}

// HandshakeReply is the transmitter's answer: the image size, rounded up
// to a whole number of blocks in storage but reported as the true
// logical size.
type HandshakeReply struct {
	Size int64
}

// WriteHandshakeReply writes the transmitter's reply.
func WriteHandshakeReply(w io.Writer, reply HandshakeReply) error {
	if _, err := w.Write(HandshakeMagic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{ProtocolVersion}); err != nil {
		return err
	}
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutVarint(buf[:], reply.Size)
	_, err := w.Write(buf[:n])
	return err
}

// ReadHandshakeReply reads the transmitter's reply.
func ReadHandshakeReply(r *bufio.Reader) (HandshakeReply, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return HandshakeReply{}, fmt.Errorf("xmit: read handshake reply magic: %w", err)
	}
	if magic != HandshakeMagic {
		return HandshakeReply{}, fmt.Errorf("%w: bad reply magic %v", ErrProtocolMismatch, magic)
	}

	version, err := r.ReadByte()
	if err != nil {
		return HandshakeReply{}, fmt.Errorf("xmit: read handshake reply version: %w", err)
	}
	if version != ProtocolVersion {
		return HandshakeReply{}, fmt.Errorf("%w: reply version %d, want %d", ErrProtocolMismatch, version, ProtocolVersion)
	}

	size, err := binary.ReadVarint(r)
	if err != nil {
		return HandshakeReply{}, fmt.Errorf("xmit: read handshake reply size: %w", err)
	}
	return HandshakeReply{Size: size}, nil
}
