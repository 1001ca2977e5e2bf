package logbridge

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// syncBuffer makes the logger's output safe to read while the bridge's
// connection goroutine is still writing to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCapturingBridge() (*Bridge, *syncBuffer) {
	out := &syncBuffer{}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return New(nil, logger), out
}

func TestEmitLinesSplitsCompleteLinesAndKeepsTail(t *testing.T) {
	b, out := newCapturingBridge()

	remainder := b.emitLines("vm-1", []byte("first line\nsecond line\rpartial tail"))

	if string(remainder) != "partial tail" {
		t.Errorf("remainder = %q, want the unterminated tail preserved", remainder)
	}
	logged := out.String()
	if !strings.Contains(logged, "[vm-1] first line") {
		t.Errorf("log output %q missing first line", logged)
	}
	if !strings.Contains(logged, "[vm-1] second line") {
		t.Errorf("log output %q missing second line", logged)
	}
	if strings.Contains(logged, "partial tail") {
		t.Errorf("log output %q contains the partial tail, want it held back", logged)
	}
}

func TestEmitLinesSkipsBlankLines(t *testing.T) {
	b, out := newCapturingBridge()

	b.emitLines("vm-1", []byte("\n\n  \nreal\n"))

	logged := out.String()
	if strings.Count(logged, "[vm-1]") != 1 {
		t.Errorf("log output %q, want exactly one tagged line", logged)
	}
}

func TestHandleConnFlushesTailAtEOF(t *testing.T) {
	b, out := newCapturingBridge()

	guest, host := net.Pipe()
	done := make(chan struct{})
	go func() {
		b.handleConn(host, "vm-2")
		close(done)
	}()

	if _, err := guest.Write([]byte("complete line\nunterminated")); err != nil {
		t.Fatalf("write log bytes: %v", err)
	}
	guest.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConn did not return after the guest closed its end")
	}

	logged := out.String()
	if !strings.Contains(logged, "[vm-2] complete line") {
		t.Errorf("log output %q missing the complete line", logged)
	}
	if !strings.Contains(logged, "[vm-2] unterminated") {
		t.Errorf("log output %q missing the flushed tail", logged)
	}
}
