// Package pull orchestrates one pull: SSH to the remote host, upload and
// start the transmitter helper, negotiate full or incremental mode, diff
// and ingest blocks into the store, and publish a new consistent point.
// This is the Go shape of original_source/bsync/src/cmd_pull.rs's
// do_pull, split across this file (orchestration) and ingest.go (the
// diff algorithm).
package pull

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blkpull/blkpull/bkconfig"
	"github.com/blkpull/blkpull/replay"
	"github.com/blkpull/blkpull/store"
	"github.com/blkpull/blkpull/util"
	"github.com/blkpull/blkpull/xmit"
)

// ErrHashMismatch is returned when a block's content, as received from
// the transmitter, does not hash to the value the transmitter claimed
// for it - an integrity fault, always fatal for the current pull.
var ErrHashMismatch = errors.New("pull: hash mismatch after transfer")

// Options configures one pull.
type Options struct {
	Config *bkconfig.Config

	// TransmitterBinaries maps a remote architecture name ("amd64",
	// "arm64") to the embedded blkxmit binary for it. cmd/blkpull
	// supplies this from its //go:embed'd binaries.
	TransmitterBinaries map[string][]byte

	// BandwidthLimitBytesPerSec caps how fast content is read from the
	// transmitter's stdout. Zero disables the limit.
	BandwidthLimitBytesPerSec int64
}

// Result reports the consistent point a successful pull published.
type Result struct {
	LSN  int64
	Size int64
}

// Run executes one pull against the store at opts.Config.Local.DB,
// creating it if it does not already exist. Cancelling ctx aborts the
// transport and rolls back any in-progress write.
func Run(ctx context.Context, opts Options) (Result, error) {
	cfg := opts.Config

	s, err := store.Open(cfg.Local.DB, true, cfg.Local.PullLock)
	if err != nil {
		return Result{}, err
	}
	defer s.Close()

	ws, err := s.BeginWrite()
	if err != nil {
		return Result{}, err
	}
	committed := false
	defer func() {
		if !committed {
			if err := ws.Rollback(); err != nil {
				util.Log().Warnf("pull: rollback after failure: %v", err)
			}
		}
	}()

	prevCP, hasPrev, err := s.LatestConsistentPoint()
	if err != nil {
		return Result{}, fmt.Errorf("pull: read latest consistent point: %w", err)
	}

	tp, err := dial(cfg)
	if err != nil {
		return Result{}, err
	}
	defer tp.Close()

	stop := watchCancellation(ctx, tp)
	defer stop()

	if cfg.Remote.Scripts.PrePull != "" {
		if _, err := tp.Exec(cfg.Remote.Scripts.PrePull); err != nil {
			return Result{}, err
		}
	}

	arch, err := tp.detectArch()
	if err != nil {
		return Result{}, err
	}
	binary, ok := opts.TransmitterBinaries[arch]
	if !ok {
		return Result{}, fmt.Errorf("%w: no transmitter binary embedded for arch %q", ErrTransportFailed, arch)
	}

	remotePath := transmitFilename(s.InstanceID(), binary)
	exists, err := tp.remoteFileExists(remotePath)
	if err != nil {
		return Result{}, err
	}
	if !exists {
		util.Log().Infof("pull: uploading transmitter to %s", remotePath)
		if err := tp.upload(binary, remotePath); err != nil {
			return Result{}, err
		}
	}

	mode := xmit.ModeFull
	if hasPrev {
		mode = xmit.ModeIncremental
	}

	rs, err := tp.startSession(shellQuote(remotePath))
	if err != nil {
		return Result{}, err
	}
	// The transmitter is always killed on exit, success or failure, per
	// spec §4.6 step 6 - it never outlives the pull that started it.
	defer rs.Kill()

	stdout := newThrottledReader(rs.stdout, opts.BandwidthLimitBytesPerSec)
	reporting := &util.ReportingReader{R: stdout, Msg: fmt.Sprintf("pull: received from %s", cfg.Remote.Image)}
	defer reporting.Close()
	br := bufio.NewReader(reporting)

	if err := xmit.WriteHandshake(rs.stdin, xmit.Handshake{
		BlockSizeLog2: uint8(s.BlockSizeLog2()),
		Mode:          mode,
		ImagePath:     cfg.Remote.Image,
	}); err != nil {
		return Result{}, fmt.Errorf("%w: write handshake: %v", xmit.ErrProtocolMismatch, err)
	}
	reply, err := xmit.ReadHandshakeReply(br)
	if err != nil {
		return Result{}, err
	}

	client := xmit.NewClient(br, rs.stdin)
	blockSize := s.BlockSize()
	blockCount := (reply.Size + int64(blockSize) - 1) / int64(blockSize)

	switch mode {
	case xmit.ModeFull:
		if err := ingestFull(ws, client, blockCount, blockSize); err != nil {
			return Result{}, err
		}
	case xmit.ModeIncremental:
		prevProjection, err := replay.BuildProjection(s, prevCP)
		if err != nil {
			return Result{}, fmt.Errorf("pull: build previous projection: %w", err)
		}
		if err := ingestIncremental(ws, client, prevProjection, blockCount, blockSize); err != nil {
			return Result{}, err
		}
	}

	// LastLSN is the highest LSN written so far in this session, which
	// for an incremental pull with nothing changed is simply the LSN the
	// store had already reached. RecordConsistentPoint tolerates
	// republishing that same lsn (insert or ignore) so a zero-diff pull
	// is a no-op success rather than a PK-conflict failure.
	finalLSN := ws.LastLSN()
	if err := ws.RecordConsistentPoint(finalLSN, reply.Size, time.Now().Unix()); err != nil {
		return Result{}, err
	}

	if err := ws.Commit(); err != nil {
		return Result{}, err
	}
	committed = true

	if cfg.Remote.Scripts.PostPull != "" {
		if _, err := tp.Exec(cfg.Remote.Scripts.PostPull); err != nil {
			return Result{}, err
		}
	}

	util.Log().Infof("pull: published lsn=%d size=%s", finalLSN, util.FmtBytes(reply.Size))
	return Result{LSN: finalLSN, Size: reply.Size}, nil
}

// watchCancellation closes tp's connection when ctx is done, unblocking
// any in-flight SSH read/write so Run can return promptly instead of
// hanging on a cancelled pull (spec §5's SIGINT cancellation contract).
// It returns a function that must be called once Run no longer needs
// the watch, to avoid leaking the goroutine on the success path.
func watchCancellation(ctx context.Context, tp *transport) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			tp.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
