// Command vmagent is the in-guest counterpart to the host's VmManager: it
// registers itself with the host, listens on vsock for commands, executes
// them with sh -c, and runs a local HTTP proxy that tunnels every outbound
// request through the host's HttpProxyBridge.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/vsockproto"
)

func main() {
	vmID := flag.String("vm-id", "vm-agent", "identifier this agent registers under")
	cid := flag.Uint("cid", 100, "this guest's own vsock context id")
	hostCID := flag.Uint("host-cid", vsock.Host, "vsock context id of the host")
	registerPort := flag.Uint("register-port", 1233, "vsock port the registration loop dials on the host")
	commandPort := flag.Uint("command-port", 1234, "vsock port this agent listens on for host-dialed commands")
	registerInterval := flag.Duration("register-interval", 5*time.Second, "interval between registration attempts")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	a := &agent{
		vmID:             *vmID,
		cid:              uint32(*cid),
		hostCID:          uint32(*hostCID),
		registerPort:     uint32(*registerPort),
		commandPort:      uint32(*commandPort),
		registerInterval: *registerInterval,
		logger:           logger,
		logQueue:         make(chan string, 1000),
	}

	logger.WithFields(logrus.Fields{
		"vm_id": a.vmID,
		"cid":   a.cid,
	}).Info("starting vm agent")

	go a.runRegistrationLoop()
	go a.runLogSender()
	go a.runHTTPProxyServer()

	if err := a.runCommandListener(); err != nil {
		logger.WithError(err).Fatal("command listener exited")
	}
}

// registerMessage is what the registration loop sends the host every
// registerInterval. The host side of this exchange is best-effort: nothing
// in the fleet currently depends on the host acknowledging it, so a failed
// dial or a missing ack is logged and retried on the next tick rather than
// treated as fatal.
type registerMessage struct {
	Type string `json:"type"`
	VMID string `json:"vm_id"`
	CID  uint32 `json:"cid"`
}

type agent struct {
	vmID             string
	cid              uint32
	hostCID          uint32
	registerPort     uint32
	commandPort      uint32
	registerInterval time.Duration

	logger   *logrus.Logger
	logQueue chan string
}

func (a *agent) runRegistrationLoop() {
	for {
		if err := a.registerWithHost(); err != nil {
			a.logf("registration failed: %v", err)
		}
		time.Sleep(a.registerInterval)
	}
}

func (a *agent) registerWithHost() error {
	conn, err := vsock.Dial(a.hostCID, a.registerPort, nil)
	if err != nil {
		return fmt.Errorf("dial host register port: %w", err)
	}
	defer conn.Close()

	msg, err := json.Marshal(registerMessage{Type: "register", VMID: a.vmID, CID: a.cid})
	if err != nil {
		return err
	}
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("write register message: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack := make([]byte, 1024)
	if n, err := conn.Read(ack); err == nil && n > 0 {
		a.logf("registration ack: %s", strings.TrimSpace(string(ack[:n])))
	}
	return nil
}

// runCommandListener binds the real AF_VSOCK command port and, for each
// accepted connection, reads one vsockproto.Request, executes it, and
// writes the vsockproto.Response back on that same connection before
// closing it. Replying on the inbound connection rather than opening a
// fresh one back to the host keeps this symmetric with the host's own
// command-processor, which performs one write followed by one read_to_end
// on a single connection per command.
func (a *agent) runCommandListener() error {
	listener, err := vsock.Listen(a.commandPort, nil)
	if err != nil {
		return fmt.Errorf("listen on vsock port %d: %w", a.commandPort, err)
	}
	defer listener.Close()

	a.logf("command listener started on cid %d port %d", a.cid, a.commandPort)

	for {
		conn, err := listener.Accept()
		if err != nil {
			a.logf("accept error: %v", err)
			continue
		}
		go a.handleCommandConnection(conn)
	}
}

func (a *agent) handleCommandConnection(conn net.Conn) {
	defer conn.Close()

	data, err := io.ReadAll(conn)
	if err != nil && len(data) == 0 {
		return
	}

	var req vsockproto.Request
	if err := json.Unmarshal(data, &req); err != nil {
		a.logf("malformed command request: %v", err)
		return
	}
	if req.Type != vsockproto.RequestCommand || req.Command == nil {
		a.logf("unexpected request type %q on command port", req.Type)
		return
	}

	result := a.executeCommand(req.Command)

	resp := vsockproto.Response{Type: vsockproto.ResponseCommand, Command: result}
	body, err := json.Marshal(resp)
	if err != nil {
		a.logf("encode command result: %v", err)
		return
	}
	conn.Write(body)
}

func (a *agent) executeCommand(cmd *vsockproto.Command) *vsockproto.CommandResult {
	a.logf("executing command %s: %s %v", cmd.ID, cmd.Command, cmd.Args)

	timeout := 30 * time.Second
	if cmd.TimeoutSeconds != nil {
		timeout = time.Duration(*cmd.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// The command string goes through sh -c verbatim; cmd.Args are passed
	// as extra sh arguments rather than joined into the string, so they
	// become $1, $2, ... inside it instead of being re-split and
	// re-quoted by us.
	shArgs := append([]string{"-c", cmd.Command, cmd.Command}, cmd.Args...)
	execCmd := exec.CommandContext(ctx, "sh", shArgs...)
	if cmd.WorkingDir != nil {
		execCmd.Dir = *cmd.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	result := &vsockproto.CommandResult{
		ID:     cmd.ID,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.Stderr += "\ncommand timed out"
	case err == nil:
		result.ExitCode = int32(execCmd.ProcessState.ExitCode())
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = int32(exitErr.ExitCode())
		} else {
			result.ExitCode = -1
			result.Stderr += "\n" + err.Error()
		}
	}

	a.logf("command %s finished with exit code %d", cmd.ID, result.ExitCode)
	return result
}

// runHTTPProxyServer listens on 0.0.0.0:8080 and tunnels every request
// through the host's HttpProxyBridge over a fresh vsock connection per
// inbound request. CONNECT requests are relayed byte-for-byte once the
// bridge answers with its own 200, everything else is framed as a single
// vsockproto.HTTPProxyRequest/Response exchange.
func (a *agent) runHTTPProxyServer() {
	server := &http.Server{
		Addr:    "0.0.0.0:8080",
		Handler: http.HandlerFunc(a.handleProxyRequest),
	}
	a.logf("http proxy server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.logf("http proxy server exited: %v", err)
	}
}

func (a *agent) handleProxyRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		a.handleConnectRequest(w, r)
		return
	}

	bridgeConn, err := vsock.Dial(a.hostCID, hostProxyPort, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("dial host proxy bridge: %v", err), http.StatusBadGateway)
		return
	}
	defer bridgeConn.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	req := vsockproto.Request{
		Type: vsockproto.RequestHTTPProxy,
		HTTPProxy: &vsockproto.HTTPProxyRequest{
			Method:  r.Method,
			URL:     r.URL.String(),
			Headers: r.Header,
			Body:    body,
		},
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		http.Error(w, "encode proxy request", http.StatusInternalServerError)
		return
	}
	if _, err := bridgeConn.Write(encoded); err != nil {
		http.Error(w, fmt.Sprintf("write to bridge: %v", err), http.StatusBadGateway)
		return
	}
	bridgeConn.CloseWrite()

	respBytes, err := io.ReadAll(bridgeConn)
	if err != nil {
		http.Error(w, fmt.Sprintf("read from bridge: %v", err), http.StatusBadGateway)
		return
	}

	var resp vsockproto.Response
	if err := json.Unmarshal(respBytes, &resp); err != nil || resp.HTTPProxy == nil {
		http.Error(w, "malformed bridge response", http.StatusBadGateway)
		return
	}

	for name, values := range resp.HTTPProxy.Headers {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	status := int(resp.HTTPProxy.StatusCode)
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	w.Write(resp.HTTPProxy.Body)
}

// hostProxyPort matches proxybridge.Port on the host; it is duplicated here
// rather than imported because this binary cross-compiles for the guest
// rootfs and must not pull in the host-only vm/firecracker dependency
// chain that importing internal/proxybridge would drag in.
const hostProxyPort = 1235

func (a *agent) handleConnectRequest(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijack unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "hijack failed", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	bridgeConn, err := vsock.Dial(a.hostCID, hostProxyPort, nil)
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer bridgeConn.Close()

	fmt.Fprintf(bridgeConn, "CONNECT %s HTTP/1.1\r\n\r\n", r.Host)

	reader := bufio.NewReader(bridgeConn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	if !strings.Contains(statusLine, "200") {
		clientConn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(bridgeConn, reader) }()
	go func() { defer wg.Done(); io.Copy(clientConn, bridgeConn) }()
	wg.Wait()
}

// runLogSender drains the bounded log queue and ships each line to the
// host's LogBridge. The queue silently drops new lines once full instead
// of blocking callers, so a slow or absent host never stalls command
// execution.
func (a *agent) runLogSender() {
	for line := range a.logQueue {
		a.sendLogLine(line)
	}
}

func (a *agent) sendLogLine(line string) {
	conn, err := vsock.Dial(a.hostCID, logBridgePort, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	fmt.Fprintf(conn, "%s\n", line)
}

// logBridgePort matches logbridge.Port on the host; duplicated for the same
// cross-compilation reason as hostProxyPort.
const logBridgePort = 1236

func (a *agent) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	a.logger.Info(line)

	select {
	case a.logQueue <- fmt.Sprintf("[%s] %s", a.vmID, line):
	default:
	}
}
