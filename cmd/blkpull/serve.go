// cmd/blkpull/serve.go

package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blkpull/blkpull/cas"
	"github.com/blkpull/blkpull/nbdsrv"
	"github.com/blkpull/blkpull/replay"
	"github.com/blkpull/blkpull/store"
)

type serveOptions struct {
	DB     string
	LSN    int64
	Listen string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve a consistent point read-only over NBD",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the backup database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().Int64Var(&opts.LSN, "lsn", 0, "consistent point to serve (required)")
	_ = cmd.MarkFlagRequired("lsn")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", `listen address: "HOST:PORT" or "unix:/path" (required)`)
	_ = cmd.MarkFlagRequired("listen")

	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	s, err := store.Open(opts.DB, false, "")
	if err != nil {
		return wrapExitError(ExitCommandError, "open store", err)
	}
	defer s.Close()

	cp, err := s.ConsistentPointAt(opts.LSN)
	if err != nil {
		return wrapExitError(ExitCommandError, "look up lsn", err)
	}

	proj, err := replay.BuildProjection(s, cp)
	if err != nil {
		return wrapExitError(ExitFailure, "build projection", err)
	}
	img := replay.NewImage(proj, cas.New(s, 0))

	ln, err := listen(opts.Listen)
	if err != nil {
		return wrapExitError(ExitCommandError, "listen", err)
	}

	srv := nbdsrv.New(ln, img, fmt.Sprintf("lsn-%d", opts.LSN))

	go func() {
		<-cmd.Context().Done()
		srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		return wrapExitError(ExitFailure, "serve", err)
	}
	return nil
}

// listen dials either "unix:/path" or a bare "HOST:PORT" TCP address,
// matching spec §6's "<addr> is either HOST:PORT or unix:/path".
func listen(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "unix:"); ok {
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}
