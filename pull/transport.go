// pull/transport.go

package pull

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	pathpkg "path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/blkpull/blkpull/bkconfig"
	"github.com/blkpull/blkpull/util"
)

// ErrTransportFailed wraps any failure to establish or use the SSH
// transport before a write has been made to the store - spec §7's
// TransportFailed kind, surfaced without mutating the store.
var ErrTransportFailed = errors.New("pull: transport failed")

// ErrRemoteScriptFailed is returned when pre_pull or post_pull exits
// non-zero on the remote host.
var ErrRemoteScriptFailed = errors.New("pull: remote script failed")

// transport is one SSH connection to the remote host, scoped to a single
// pull. It is the "transport provides exec(cmd) -> (stdin, stdout, stderr,
// wait) and upload(local_bytes, remote_path)" abstraction named in spec §9.
type transport struct {
	client *ssh.Client
}

func dial(cfg *bkconfig.Config) (*transport, error) {
	signer, err := loadSigner(cfg.Remote.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: load key %s: %v", ErrTransportFailed, cfg.Remote.Key, err)
	}

	hostKeyCallback, err := hostKeyCallback(cfg.Remote.Verify)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailed, err)
	}

	port := cfg.Remote.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Remote.Server, fmt.Sprintf("%d", port))

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.Remote.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportFailed, addr, err)
	}

	util.Log().Infof("pull: connected to %s as %s", addr, cfg.Remote.User)
	return &transport{client: client}, nil
}

func loadSigner(path string) (ssh.Signer, error) {
	keyBytes, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(keyBytes)
}

func hostKeyCallback(mode bkconfig.HostVerification) (ssh.HostKeyCallback, error) {
	switch mode {
	case bkconfig.VerifyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	case bkconfig.VerifyKnownHosts, "":
		cb, err := knownhosts.New(defaultKnownHostsPath())
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	default:
		return nil, fmt.Errorf("unsupported host verification mode %q", mode)
	}
}

func (t *transport) Close() error {
	return t.client.Close()
}

// Exec runs cmd on the remote host, returning combined stdout and a
// trimmed stderr tail on failure, for inclusion in error reports (spec
// §7's "originating remote stderr tail").
func (t *transport) Exec(cmd string) (stdout []byte, err error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: new session: %v", ErrTransportFailed, err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	if err := session.Run(cmd); err != nil {
		return nil, fmt.Errorf("%w: %q: %v: %s", ErrRemoteScriptFailed, cmd, err, tail(errBuf.String(), 4096))
	}
	return outBuf.Bytes(), nil
}

// remoteSession is a started exec session with stdin/stdout pipes open,
// used for the transmitter process.
type remoteSession struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (t *transport) startSession(cmd string) (*remoteSession, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: new session: %v", ErrTransportFailed, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrTransportFailed, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrTransportFailed, err)
	}
	session.Stderr = &logWriter{}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: start %q: %v", ErrTransportFailed, cmd, err)
	}

	return &remoteSession{session: session, stdin: stdin, stdout: stdout}, nil
}

func (rs *remoteSession) Close() error {
	rs.session.Close()
	return rs.session.Wait()
}

// Kill terminates the remote process unconditionally - used on any abort
// path (error, SIGINT) so the transmitter never outlives the pull, per
// spec §4.6's "Transmitter is always killed on exit" requirement.
func (rs *remoteSession) Kill() {
	rs.session.Signal(ssh.SIGKILL)
	rs.session.Close()
}

// upload writes data to remotePath via `cat > path`, matching the
// original's scp-less exec-channel upload
// (original_source/bsync/src/cmd_pull.rs).
func (t *transport) upload(data []byte, remotePath string) error {
	session, err := t.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: new session: %v", ErrTransportFailed, err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrTransportFailed, err)
	}

	cmd := fmt.Sprintf("cat > %s && chmod +x %s", shellQuote(remotePath), shellQuote(remotePath))
	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("%w: start upload: %v", ErrTransportFailed, err)
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("%w: write upload data: %v", ErrTransportFailed, err)
	}
	stdin.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("%w: upload command: %v", ErrTransportFailed, err)
	}
	return nil
}

// remoteFileExists ensures path's parent directory exists, then probes for
// path itself with `test -f`, matching
// original_source/bsync/src/cmd_pull.rs's probe script - `mkdir -p` runs on
// every pull so the very first pull against a fresh remote host, which has
// no ~/.blkpull yet, doesn't fail the later upload with "no such
// directory".
func (t *transport) remoteFileExists(path string) (bool, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return false, fmt.Errorf("%w: new session: %v", ErrTransportFailed, err)
	}
	defer session.Close()
	dir := shellQuote(pathpkg.Dir(path))
	err = session.Run(fmt.Sprintf("mkdir -p %s && test -f %s", dir, shellQuote(path)))
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*ssh.ExitError); ok {
		return false, nil
	}
	return false, fmt.Errorf("%w: mkdir -p && test -f: %v", ErrTransportFailed, err)
}

// detectArch runs a small uname-equivalent probe, matching
// original_source/bsync/src/cmd_pull.rs's arch detection.
func (t *transport) detectArch() (string, error) {
	out, err := t.Exec("uname -m")
	if err != nil {
		return "", fmt.Errorf("%w: uname -m: %v", ErrTransportFailed, err)
	}
	arch := strings.TrimSpace(string(out))
	switch arch {
	case "x86_64", "amd64":
		return "amd64", nil
	case "aarch64", "arm64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("%w: unsupported remote architecture %q", ErrTransportFailed, arch)
	}
}

// transmitFilename computes the idempotent upload path for binary,
// namespaced by instanceID, matching
// original_source/bsync/src/cmd_pull.rs's transmit_filename.
func transmitFilename(instanceID string, binary []byte) string {
	sum := sha256.Sum256(binary)
	return fmt.Sprintf(".blkpull/transmit.%s.%s", instanceID, hex.EncodeToString(sum[:]))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	util.Log().Debugf("pull: remote stderr: %s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
