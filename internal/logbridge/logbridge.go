// Package logbridge implements the host side of the guest log channel: a
// unix-domain stream socket, lazily bound the same way proxybridge is, that
// reads line-buffered UTF-8 from every guest and writes it to the host's
// own structured log sink prefixed with the VM id.
package logbridge

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Port is the vsock port guests dial to ship log lines to the host.
const Port = 1236

// Bridge lazily binds a unix listener once at least one VM exists and
// writes every complete line it receives to logger, tagged with the VM id
// the caller resolved when the bridge was first bound.
type Bridge struct {
	anyInstance func() (vmID, tempDir string, ok bool)
	logger      *logrus.Logger

	bound int32
}

// New constructs a Bridge. anyInstance should return an arbitrary tracked
// VM's id and scratch directory (vm.Manager.AnyInstance fits this
// signature).
func New(anyInstance func() (vmID, tempDir string, ok bool), logger *logrus.Logger) *Bridge {
	return &Bridge{anyInstance: anyInstance, logger: logger}
}

// Run polls for the first VM and binds the listener once one exists,
// serving connections until shuttingDown reports true. The id of that VM
// is fixed for the lifetime of the listener and used to tag every line it
// receives, even from a different guest sharing the same socket — the
// bridge has no per-connection handshake to learn which VM actually sent a
// given line.
func (b *Bridge) Run(shuttingDown func() bool) {
	for {
		if shuttingDown() {
			return
		}
		vmID, tempDir, ok := b.anyInstance()
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		socketPath := socketPath(tempDir)
		if err := b.serve(socketPath, vmID, shuttingDown); err != nil {
			b.logger.WithError(err).Error("log bridge listener exited")
		}
		return
	}
}

func socketPath(tempDir string) string {
	return fmt.Sprintf("%s_%d", filepath.Join(tempDir, "vsock.sock"), Port)
}

// Bound reports whether the listener has been established.
func (b *Bridge) Bound() bool {
	return atomic.LoadInt32(&b.bound) == 1
}

func (b *Bridge) serve(socketPath, vmID string, shuttingDown func() bool) error {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("bind log bridge socket: %w", err)
	}
	defer listener.Close()
	atomic.StoreInt32(&b.bound, 1)

	b.logger.WithField("socket", socketPath).Info("log bridge listening")

	ul := listener.(*net.UnixListener)
	for {
		if shuttingDown() {
			return nil
		}
		ul.SetDeadline(time.Now().Add(100 * time.Millisecond))
		conn, err := ul.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		go b.handleConn(conn, vmID)
	}
}

// handleConn reads bytes until it sees a newline or carriage return,
// writes each complete, non-blank line to the log sink prefixed with vmID,
// and carries any partial tail line forward between reads. The final
// partial line (if any) is flushed when the guest closes its end.
func (b *Bridge) handleConn(conn net.Conn, vmID string) {
	defer conn.Close()

	chunk := make([]byte, 4096)
	var incomplete []byte

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			incomplete = append(incomplete, chunk[:n]...)
			incomplete = b.emitLines(vmID, incomplete)
		}
		if err != nil {
			break
		}
	}

	if line := strings.TrimSpace(string(incomplete)); line != "" {
		b.logger.Infof("[%s] %s", vmID, line)
	}
}

func (b *Bridge) emitLines(vmID string, buf []byte) []byte {
	last := 0
	for i, c := range buf {
		if c == '\n' || c == '\r' {
			if line := strings.TrimSpace(string(buf[last:i])); line != "" {
				b.logger.Infof("[%s] %s", vmID, line)
			}
			last = i + 1
		}
	}
	return buf[last:]
}
