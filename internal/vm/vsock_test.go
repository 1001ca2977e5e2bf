package vm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/vsockproto"
)

// fakeGuestListener stands in for a guest VmAgent's vsock command listener:
// it performs the CONNECT handshake, always answers the health-check echo
// used by probeHealth, and lets a test dictate how many real command
// attempts fail (connection closed with no response) before one succeeds.
type fakeGuestListener struct {
	ln        net.Listener
	failsLeft int32
	exitCode  int32
	stdout    string
	stderr    string
}

func newFakeGuestListener(t *testing.T, socketPath string, fails int32, exitCode int32, stdout, stderr string) *fakeGuestListener {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen on fake guest socket: %v", err)
	}
	g := &fakeGuestListener{ln: ln, failsLeft: fails, exitCode: exitCode, stdout: stdout, stderr: stderr}
	go g.serve()
	t.Cleanup(func() { g.ln.Close() })
	return g
}

func (g *fakeGuestListener) serve() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.handle(conn)
	}
}

func (g *fakeGuestListener) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		return
	}
	if _, err := conn.Write([]byte("OK\n")); err != nil {
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return
	}

	var req vsockproto.Request
	if err := json.Unmarshal(body, &req); err != nil || req.Command == nil {
		return
	}

	isHealthCheck := req.Command.Command == "echo" && len(req.Command.Args) == 1 && req.Command.Args[0] == "healthy"
	if !isHealthCheck {
		if atomic.AddInt32(&g.failsLeft, -1) >= 0 {
			// Simulate a transport failure by dropping the connection
			// without answering.
			return
		}
	}

	result := &vsockproto.CommandResult{ID: req.Command.ID, ExitCode: g.exitCode, Stdout: g.stdout, Stderr: g.stderr}
	if isHealthCheck {
		result = &vsockproto.CommandResult{ID: req.Command.ID, ExitCode: 0, Stdout: "healthy\n"}
	}

	data, err := json.Marshal(vsockproto.Response{Type: vsockproto.ResponseCommand, Command: result})
	if err != nil {
		return
	}
	conn.Write(data)
}

func TestSendCommandMissingSocketReturnsTransportError(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "vsock.sock")

	result, err := sendCommand(socketPath, Command{ID: "cmd-1", Command: "echo", Args: []string{"hi"}}, time.Second)
	if err == nil {
		t.Fatal("sendCommand() error = nil, want transport error for missing socket")
	}
	if result.Error == "" {
		t.Error("sendCommand() result.Error is empty, want it populated")
	}
	if result.ExitCode != -1 {
		t.Errorf("sendCommand() result.ExitCode = %d, want -1", result.ExitCode)
	}
}

func TestSendCommandRoundTripSuccess(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "vsock.sock")
	newFakeGuestListener(t, socketPath, 0, 0, "hello\n", "")

	result, err := sendCommand(socketPath, Command{ID: "cmd-1", Command: "echo", Args: []string{"hello"}}, 2*time.Second)
	if err != nil {
		t.Fatalf("sendCommand() error = %v", err)
	}
	if result.ExitCode != 0 || result.Stdout != "hello\n" {
		t.Errorf("sendCommand() = %+v, want exit_code=0 stdout=%q", result, "hello\n")
	}
}

func newTestManagerWithVM(t *testing.T, socketDir string) (*Manager, *managedVM) {
	t.Helper()
	m := &Manager{
		config:  Config{SocketDir: t.TempDir()},
		logger:  logrus.New(),
		vms:     make(map[string]*managedVM),
		nextCID: minCID,
	}
	mv := &managedVM{
		instance: &Instance{ID: "vm-1", CID: minCID, State: StateRunning, tempDir: socketDir},
		cmds:     make(chan commandRequest, 1),
		spawned:  make(map[string]spawnedProcess),
	}
	m.vms["vm-1"] = mv
	go m.runCommandProcessor("vm-1", mv)
	return m, mv
}

// TestExecuteCommandRetriesTransportFailuresThenSucceeds exercises the
// documented property of sendWithRetry: two consecutive vsock connect/read
// failures followed by a success still produce a successful
// ExecuteCommand call, with the stdout from the attempt that finally
// answered. The fake guest always answers probeHealth's echo successfully,
// so the retry loop never falls into recreateVM.
func TestExecuteCommandRetriesTransportFailuresThenSucceeds(t *testing.T) {
	vmDir := t.TempDir()
	socketPath := filepath.Join(vmDir, "vsock.sock")
	newFakeGuestListener(t, socketPath, 2, 0, "third attempt\n", "")

	m, _ := newTestManagerWithVM(t, vmDir)

	stdout, err := m.ExecuteCommand(context.Background(), "vm-1", "echo", []string{"hello"}, nil, nil)
	if err != nil {
		t.Fatalf("ExecuteCommand() error = %v, want nil after the third attempt succeeds", err)
	}
	if stdout != "third attempt\n" {
		t.Errorf("ExecuteCommand() stdout = %q, want %q", stdout, "third attempt\n")
	}
}

// TestExecuteCommandReturnsLastErrorAfterRetriesExhausted covers the other
// side of the same property: a guest that never answers a real command
// exhausts all 3 attempts and ExecuteCommand surfaces the last transport
// error instead of hanging or panicking.
func TestExecuteCommandReturnsLastErrorAfterRetriesExhausted(t *testing.T) {
	vmDir := t.TempDir()
	socketPath := filepath.Join(vmDir, "vsock.sock")
	newFakeGuestListener(t, socketPath, 100, 0, "unused", "")

	m, _ := newTestManagerWithVM(t, vmDir)

	if _, err := m.ExecuteCommand(context.Background(), "vm-1", "echo", []string{"hello"}, nil, nil); err == nil {
		t.Fatal("ExecuteCommand() error = nil, want the last transport error after 3 failed attempts")
	}
}
