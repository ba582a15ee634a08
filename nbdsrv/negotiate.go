// nbdsrv/negotiate.go

package nbdsrv

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// negotiate runs the fixed newstyle handshake: server hello, then a loop
// of client options terminated by NBD_OPT_EXPORT_NAME or NBD_OPT_GO,
// either of which ends the handshake and moves to the transmission phase.
func (s *Server) negotiate(conn net.Conn) error {
	if err := binary.Write(conn, binary.BigEndian, nbdMagic); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, nbdIHaveOpt); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, flagFixedNewstyle|flagNoZeroes); err != nil {
		return err
	}

	var clientFlags uint32
	if err := binary.Read(conn, binary.BigEndian, &clientFlags); err != nil {
		return fmt.Errorf("read client flags: %w", err)
	}

	for {
		var magic uint64
		if err := binary.Read(conn, binary.BigEndian, &magic); err != nil {
			return fmt.Errorf("read option magic: %w", err)
		}
		if magic != nbdIHaveOpt {
			return fmt.Errorf("bad option magic %#x", magic)
		}

		var opt uint32
		var length uint32
		if err := binary.Read(conn, binary.BigEndian, &opt); err != nil {
			return fmt.Errorf("read option: %w", err)
		}
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			return fmt.Errorf("read option length: %w", err)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(conn, data); err != nil {
			return fmt.Errorf("read option data: %w", err)
		}

		clientWantsZeroes := clientFlags&uint32(flagNoZeroes) == 0

		switch opt {
		case optExportName:
			// Old-style terminator within fixed newstyle: send export info
			// and fall straight into transmission, no option reply.
			return s.sendExportInfo(conn, false, clientWantsZeroes)

		case optGo:
			if err := s.sendExportInfo(conn, true, clientWantsZeroes); err != nil {
				return err
			}
			return nil

		case optAbort:
			s.sendOptReply(conn, opt, optReplyAck, nil)
			return fmt.Errorf("client aborted negotiation")

		default:
			s.sendOptReply(conn, opt, optReplyErrUnsup, nil)
		}
	}
}

func (s *Server) sendOptReply(conn net.Conn, opt, replyType uint32, data []byte) error {
	if err := binary.Write(conn, binary.BigEndian, nbdOptReplyMagic); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, opt); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, replyType); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

// sendExportInfo replies to NBD_OPT_EXPORT_NAME/NBD_OPT_GO with the
// export's size and transmission flags: read-only, no flush/trim support
// (the image is immutable once a consistent point is chosen).
func (s *Server) sendExportInfo(conn net.Conn, viaOptGo, padZeroes bool) error {
	flags := exportFlagHasFlags | exportFlagReadOnly

	if viaOptGo {
		infoPayload := make([]byte, 2+8+2)
		binary.BigEndian.PutUint16(infoPayload[0:2], 0) // NBD_INFO_EXPORT
		binary.BigEndian.PutUint64(infoPayload[2:10], uint64(s.image.Size()))
		binary.BigEndian.PutUint16(infoPayload[10:12], flags)
		if err := s.sendOptReply(conn, optGo, 3 /* NBD_REP_INFO */, infoPayload); err != nil {
			return err
		}
		return s.sendOptReply(conn, optGo, optReplyAck, nil)
	}

	if err := binary.Write(conn, binary.BigEndian, uint64(s.image.Size())); err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, flags); err != nil {
		return err
	}
	if padZeroes {
		_, err := conn.Write(make([]byte, 124))
		return err
	}
	return nil
}
