// nbdsrv/nbd.go

// Package nbdsrv implements a read-only NBD (Network Block Device) server
// wrapping a replay.Image: fixed-newstyle negotiation, then a
// transmission phase that serves NBD_CMD_READ and NBD_CMD_DISCONNECT and
// rejects every write-class command. There is no NBD server library
// anywhere in the retrieved pack, so this is hand-rolled straight from
// the protocol's fixed-width wire structures, in the same
// encoding/binary, magic-number-tagged framing style as the teacher's
// storage/packidx.go.
package nbdsrv

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/blkpull/blkpull/replay"
	"github.com/blkpull/blkpull/util"
)

const (
	nbdMagic         uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	nbdIHaveOpt      uint64 = 0x49484156454f5054 // "IHAVEOPT"
	nbdOptReplyMagic uint64 = 0x3e889045565a9456

	flagFixedNewstyle uint16 = 1 << 0
	flagNoZeroes      uint16 = 1 << 1

	optExportName uint32 = 1
	optAbort      uint32 = 2
	optGo         uint32 = 7

	optReplyAck uint32 = 1
	optReplyErrUnsup uint32 = 1<<31 | 1

	requestMagic     uint32 = 0x25609513
	simpleReplyMagic uint32 = 0x67446698

	cmdRead       uint16 = 0
	cmdWrite      uint16 = 1
	cmdDisconnect uint16 = 2
	cmdFlush      uint16 = 3
	cmdTrim       uint16 = 4

	exportFlagHasFlags uint16 = 1 << 0
	exportFlagReadOnly uint16 = 1 << 1

	errPermission uint32 = 1 // EPERM
	errIO         uint32 = 5 // EIO
)

// ErrShuttingDown is returned by Serve's accept loop after a call to
// Server.Close.
var ErrShuttingDown = errors.New("nbdsrv: server shutting down")

// Server serves one replay.Image read-only to exactly one connected
// client at a time; additional connections block in the accept loop
// until the current client disconnects, per spec §4.4.
type Server struct {
	ln    net.Listener
	image *replay.Image
	name  string
}

// New wraps image for serving over ln. name is kept on the Server but is
// not sent during negotiation, which serves image under whatever export
// name the client asks for.
func New(ln net.Listener, image *replay.Image, name string) *Server {
	return &Server{ln: ln, image: image, name: name}
}

// Close stops accepting new connections. It does not interrupt a client
// currently being served.
func (s *Server) Close() error {
	return s.ln.Close()
}

// Serve accepts and handles connections until Close is called or the
// listener otherwise fails. Exactly one client is served at a time.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return ErrShuttingDown
			}
			return fmt.Errorf("nbdsrv: accept: %w", err)
		}

		util.Log().Infof("nbdsrv: client connected from %s", conn.RemoteAddr())
		if err := s.handleConn(conn); err != nil && !errors.Is(err, io.EOF) {
			util.Log().Warnf("nbdsrv: client %s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		util.Log().Infof("nbdsrv: client %s disconnected", conn.RemoteAddr())
	}
}

func (s *Server) handleConn(conn net.Conn) error {
	if err := s.negotiate(conn); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	return s.transmit(conn)
}
