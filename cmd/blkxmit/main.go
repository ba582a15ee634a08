// cmd/blkxmit/main.go

// blkxmit is the remote-side transmitter helper: blkpull uploads and
// starts one instance of this binary over SSH for each pull, and
// exchanges framed requests and responses with it over stdin/stdout per
// the xmit package's wire protocol. This is the Go shape of
// original_source/blkxmit/src/main.rs, generalized from a one-shot
// hash/dump CLI into a persistent request server driven by an opening
// handshake.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/blkpull/blkpull/xmit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "blkxmit: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	stdin := bufio.NewReader(os.Stdin)
	stdout := bufio.NewWriter(os.Stdout)

	handshake, err := xmit.ReadHandshake(stdin)
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}

	f, err := os.Open(handshake.ImagePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", handshake.ImagePath, err)
	}
	defer f.Close()

	dev := xmit.FileDevice{File: f}
	size, err := dev.Size()
	if err != nil {
		return fmt.Errorf("stat %s: %w", handshake.ImagePath, err)
	}

	if err := xmit.WriteHandshakeReply(stdout, xmit.HandshakeReply{Size: size}); err != nil {
		return fmt.Errorf("write handshake reply: %w", err)
	}
	if err := stdout.Flush(); err != nil {
		return err
	}

	blockSize := 1 << handshake.BlockSizeLog2
	return xmit.Serve(stdin, os.Stdout, dev, blockSize)
}
