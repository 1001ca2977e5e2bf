package vm

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/clarateach/agentfleet/internal/vsockproto"
)

// vsockHandshake is the ASCII line Firecracker's host-side UDS multiplexer
// expects before it will forward bytes to the guest vsock port the VmAgent
// listens on.
const vsockHandshake = "CONNECT 1234\n"

// sendCommand dials the VM's vsock UDS, performs the CONNECT handshake, and
// exchanges one Command for one CommandResult. It owns the whole connection
// lifetime: one command per connection, matching the guest's accept loop.
func sendCommand(socketPath string, cmd Command, timeout time.Duration) (CommandResult, error) {
	result := CommandResult{ID: cmd.ID, ExitCode: -1}

	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		result.Error = fmt.Sprintf("connection failed: %v", err)
		return result, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte(vsockHandshake)); err != nil {
		result.Error = fmt.Sprintf("handshake send failed: %v", err)
		return result, err
	}

	ackBuf := make([]byte, 256)
	if _, err := conn.Read(ackBuf); err != nil {
		result.Error = fmt.Sprintf("handshake read failed: %v", err)
		return result, err
	}

	req := vsockproto.Request{
		Type: vsockproto.RequestCommand,
		Command: &vsockproto.Command{
			ID:             cmd.ID,
			Command:        cmd.Command,
			Args:           cmd.Args,
			WorkingDir:     cmd.WorkingDir,
			TimeoutSeconds: cmd.TimeoutSeconds,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		result.Error = fmt.Sprintf("encode command failed: %v", err)
		return result, err
	}
	if _, err := conn.Write(body); err != nil {
		result.Error = fmt.Sprintf("command send failed: %v", err)
		return result, err
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}

	respBytes, err := io.ReadAll(conn)
	if err != nil {
		result.Error = fmt.Sprintf("response read failed: %v", err)
		return result, err
	}

	var resp vsockproto.Response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		result.Error = fmt.Sprintf("invalid response JSON: %v", err)
		return result, err
	}
	if resp.Type != vsockproto.ResponseCommand || resp.Command == nil {
		result.Error = fmt.Sprintf("unexpected response type %q", resp.Type)
		return result, fmt.Errorf("%s", result.Error)
	}

	result.ExitCode = int(resp.Command.ExitCode)
	result.Stdout = resp.Command.Stdout
	result.Stderr = resp.Command.Stderr
	return result, nil
}
