package vm

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// RegisterPort is the vsock port guests dial to announce themselves to the
// host. Firecracker exposes a guest-initiated connection on this port as a
// host-side unix listener at "<vm tempdir>/vsock.sock_<port>", the same
// scheme the proxy and log bridges use for theirs.
const RegisterPort = 1233

type registerMessage struct {
	Type string `json:"type"`
	VMID string `json:"vm_id"`
	CID  uint32 `json:"cid"`
}

type registerAck struct {
	Type   string `json:"type"`
	VMID   string `json:"vm_id"`
	Status string `json:"status"`
}

// RunRegistrationListener polls for the first VM, binds the registration
// socket once one exists, and acknowledges guest register messages until
// the Manager shuts down. It returns once the listener has stopped, so
// callers typically run it in its own goroutine. Registration is
// best-effort bookkeeping: the command channel works whether or not a
// guest ever registers, so failures here are logged, never fatal.
func (m *Manager) RunRegistrationListener() {
	for {
		if m.ShuttingDown() {
			return
		}
		_, tempDir, ok := m.AnyInstance()
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		socketPath := fmt.Sprintf("%s_%d", filepath.Join(tempDir, "vsock.sock"), RegisterPort)
		if err := m.serveRegistrations(socketPath); err != nil {
			m.logger.WithError(err).Error("registration listener exited")
		}
		return
	}
}

func (m *Manager) serveRegistrations(socketPath string) error {
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("bind registration socket: %w", err)
	}
	defer listener.Close()

	m.logger.WithField("socket", socketPath).Info("registration listener started")

	ul := listener.(*net.UnixListener)
	for {
		if m.ShuttingDown() {
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
		go m.handleRegistration(conn)
	}
}

// handleRegistration reads one register message off conn and answers with a
// register_ack. The guest keeps its end open while waiting for the ack, so
// the message is decoded as a single JSON document rather than read to EOF.
func (m *Manager) handleRegistration(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var msg registerMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		m.logger.WithError(err).Warn("malformed registration message")
		return
	}
	if msg.Type != "register" {
		m.logger.WithField("type", msg.Type).Warn("unknown message type on registration socket")
		return
	}

	m.logger.WithFields(logrus.Fields{"vm_id": msg.VMID, "cid": msg.CID}).Info("vm registered")

	ack, err := json.Marshal(registerAck{Type: "register_ack", VMID: msg.VMID, Status: "success"})
	if err != nil {
		return
	}
	conn.Write(ack)
}
