// cmd/blkpull/embed.go

package main

import _ "embed"

// These are placeholders for the real cross-compiled blkxmit binaries; a
// release build overwrites dist/blkxmit-linux-<arch>
// with the actual binary for that GOARCH before this package is built.
// This mirrors original_source/bsync/src/blob.rs's ARCH_BLKXMIT map,
// adapted from a phf::Map literal to a plain Go map populated from
// go:embed'd files.

//go:embed dist/blkxmit-linux-amd64
var blkxmitLinuxAMD64 []byte

//go:embed dist/blkxmit-linux-arm64
var blkxmitLinuxARM64 []byte

func transmitterBinaries() map[string][]byte {
	return map[string][]byte{
		"amd64": blkxmitLinuxAMD64,
		"arm64": blkxmitLinuxARM64,
	}
}
