// Package proxybridge implements the host side of the HTTP-proxy channel
// guests use for outbound traffic: a unix-domain stream socket, one shared
// across every VM, that speaks the vsockproto HttpProxy request/response
// pair and relays raw CONNECT tunnels byte-for-byte.
package proxybridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/vsockproto"
)

// Port is the vsock port guests dial to reach this bridge. Firecracker
// exposes a guest-initiated connection on this port as a host-side unix
// listener at "<vm tempdir>/vsock.sock_<port>".
const Port = 1235

// Bridge lazily binds a unix listener once at least one VM exists, and
// serves HTTP-proxy requests and CONNECT tunnels against a shared client
// for as long as the process runs.
type Bridge struct {
	anyInstance func() (vmID, tempDir string, ok bool)
	client      *http.Client
	logger      *logrus.Logger

	bound int32
}

// New constructs a Bridge. anyInstance should return an arbitrary tracked
// VM's id and scratch directory (vm.Manager.AnyInstance fits this
// signature).
func New(anyInstance func() (vmID, tempDir string, ok bool), client *http.Client, logger *logrus.Logger) *Bridge {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bridge{anyInstance: anyInstance, client: client, logger: logger}
}

// Run polls for the first VM and binds the listener once one exists,
// serving connections until shuttingDown reports true. It returns once the
// listener has stopped, so callers typically run it in its own goroutine.
func (b *Bridge) Run(shuttingDown func() bool) {
	for {
		if shuttingDown() {
			return
		}
		_, tempDir, ok := b.anyInstance()
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		socketPath := socketPath(tempDir)
		if err := b.serve(socketPath, shuttingDown); err != nil {
			b.logger.WithError(err).Error("proxy bridge listener exited")
		}
		return
	}
}

func socketPath(tempDir string) string {
	return fmt.Sprintf("%s_%d", filepath.Join(tempDir, "vsock.sock"), Port)
}

func (b *Bridge) serve(socketPath string, shuttingDown func() bool) error {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("bind proxy bridge socket: %w", err)
	}
	defer listener.Close()
	atomic.StoreInt32(&b.bound, 1)

	b.logger.WithField("socket", socketPath).Info("http proxy bridge listening")

	ul, ok := listener.(*net.UnixListener)
	if !ok {
		return errors.New("proxy bridge: not a unix listener")
	}

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
		go b.handleConn(conn)
	}
}

// Bound reports whether the listener has been established, for tests and
// health reporting.
func (b *Bridge) Bound() bool {
	return atomic.LoadInt32(&b.bound) == 1
}

func (b *Bridge) handleConn(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	peek, err := reader.Peek(8)
	if err != nil && err != io.EOF {
		return
	}

	if strings.HasPrefix(string(peek), "CONNECT ") {
		b.handleConnectTunnel(conn, reader)
		return
	}

	b.handleJSONRequest(conn, reader)
}

// handleJSONRequest buffers until the bytes parse as a full vsockproto
// Request — the sender is not length-prefixed, so parse is retried after
// every read — then executes it and writes back one Response.
func (b *Bridge) handleJSONRequest(conn net.Conn, reader *bufio.Reader) {
	var buf []byte
	chunk := make([]byte, 4096)

	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			var req vsockproto.Request
			if jsonErr := json.Unmarshal(buf, &req); jsonErr == nil && req.Type == vsockproto.RequestHTTPProxy && req.HTTPProxy != nil {
				resp := b.execute(req.HTTPProxy)
				envelope := vsockproto.Response{Type: vsockproto.ResponseHTTPProxy, HTTPProxy: resp}
				data, err := json.Marshal(envelope)
				if err == nil {
					conn.Write(data)
				}
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) execute(req *vsockproto.HTTPProxyRequest) *vsockproto.HTTPProxyResponse {
	method := strings.ToUpper(req.Method)
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions, http.MethodPatch, http.MethodGet:
	default:
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequest(method, req.URL, body)
	if err != nil {
		return &vsockproto.HTTPProxyResponse{StatusCode: 500, Headers: map[string][]string{}, Error: err.Error()}
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return &vsockproto.HTTPProxyResponse{StatusCode: 500, Headers: map[string][]string{}, Error: err.Error()}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return &vsockproto.HTTPProxyResponse{StatusCode: 500, Headers: map[string][]string{}, Error: err.Error()}
	}

	return &vsockproto.HTTPProxyResponse{
		StatusCode: uint16(resp.StatusCode),
		Headers:    resp.Header,
		Body:       bodyBytes,
	}
}

// handleConnectTunnel relays raw bytes in both directions once the CONNECT
// request line and its trailing blank line have been consumed, mirroring an
// HTTP CONNECT proxy despite running over a unix socket instead of TCP.
func (b *Bridge) handleConnectTunnel(conn net.Conn, reader *bufio.Reader) {
	requestLine, err := reader.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.Fields(requestLine)
	if len(parts) < 2 {
		return
	}
	target := parts[1]

	for {
		line, err := reader.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	upstream, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}
	defer upstream.Close()

	conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	errCh := make(chan error, 2)
	go func() { _, err := io.Copy(upstream, reader); errCh <- err }()
	go func() { _, err := io.Copy(conn, upstream); errCh <- err }()
	<-errCh
}

