package proxybridge

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/vsockproto"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestHandleJSONRequestRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "upstream")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("brewed"))
	}))
	defer upstream.Close()

	b := New(nil, upstream.Client(), quietLogger())

	guest, host := net.Pipe()
	go b.handleConn(host)

	req := vsockproto.Request{
		Type: vsockproto.RequestHTTPProxy,
		HTTPProxy: &vsockproto.HTTPProxyRequest{
			Method:  "GET",
			URL:     upstream.URL,
			Headers: map[string][]string{},
		},
	}
	encoded, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := guest.Write(encoded); err != nil {
		t.Fatalf("write request: %v", err)
	}

	guest.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp vsockproto.Response
	if err := json.NewDecoder(guest).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Type != vsockproto.ResponseHTTPProxy || resp.HTTPProxy == nil {
		t.Fatalf("response = %+v, want an HttpProxy variant", resp)
	}
	if resp.HTTPProxy.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d, want %d", resp.HTTPProxy.StatusCode, http.StatusTeapot)
	}
	if string(resp.HTTPProxy.Body) != "brewed" {
		t.Errorf("body = %q, want %q", resp.HTTPProxy.Body, "brewed")
	}
	if got := resp.HTTPProxy.Headers["X-Origin"]; len(got) != 1 || got[0] != "upstream" {
		t.Errorf("X-Origin header = %v, want [upstream]", got)
	}
}

func TestExecuteUnrecognizedMethodFallsBackToGet(t *testing.T) {
	var sawMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawMethod = r.Method
	}))
	defer upstream.Close()

	b := New(nil, upstream.Client(), quietLogger())

	resp := b.execute(&vsockproto.HTTPProxyRequest{Method: "FROBNICATE", URL: upstream.URL})
	if resp.Error != "" {
		t.Fatalf("execute() error = %q, want none", resp.Error)
	}
	if sawMethod != http.MethodGet {
		t.Errorf("upstream saw method %q, want GET", sawMethod)
	}
}

func TestExecuteTransportErrorReports500(t *testing.T) {
	b := New(nil, &http.Client{Timeout: 500 * time.Millisecond}, quietLogger())

	resp := b.execute(&vsockproto.HTTPProxyRequest{Method: "GET", URL: "http://127.0.0.1:1/unreachable"})
	if resp.StatusCode != 500 {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if resp.Error == "" {
		t.Error("Error is empty, want the transport failure surfaced")
	}
}

func TestConnectTunnelRelaysBothDirections(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo target: %v", err)
	}
	defer echo.Close()
	go func() {
		conn, err := echo.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	b := New(nil, nil, quietLogger())

	guest, host := net.Pipe()
	go b.handleConn(host)

	if _, err := guest.Write([]byte("CONNECT " + echo.Addr().String() + " HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	guest.SetDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(guest)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status line = %q, want 200 Connection Established", statusLine)
	}
	blank, err := reader.ReadString('\n')
	if err != nil || blank != "\r\n" {
		t.Fatalf("blank line = %q (err %v), want bare CRLF", blank, err)
	}

	if _, err := guest.Write([]byte("ping")); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(reader, buf); err != nil {
		t.Fatalf("read echoed bytes: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("tunnel echoed %q, want %q", buf, "ping")
	}
}
