// Package hostfunctions implements the functions a guest module calls out
// to the host through: HTTP fetch, VM lifecycle and command execution, and
// the FinalResult callback that resolves an in-flight MCP request.
//
// Every function here is bound per-agent and returns its acknowledgement
// synchronously; where real work is involved (an HTTP round trip, a vsock
// command) that work runs on its own goroutine and the result is handed
// back to the agent's own event loop through correlator.PostCallback, never
// returned directly from the call that started it.
package hostfunctions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/correlator"
	"github.com/clarateach/agentfleet/internal/sandbox"
	"github.com/clarateach/agentfleet/internal/vm"
)

// Set is the process-wide collection of host-function dependencies. Bind
// produces the per-agent closures the sandbox loader registers.
type Set struct {
	corr   *correlator.Correlator
	vms    *vm.Manager
	client *http.Client
	logger *logrus.Logger
}

// New constructs a Set. httpClient is shared across every agent; FetchData
// and the proxy bridge pool connections through it rather than each
// building their own.
func New(corr *correlator.Correlator, vms *vm.Manager, httpClient *http.Client, logger *logrus.Logger) *Set {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Set{corr: corr, vms: vms, client: httpClient, logger: logger}
}

// Bind returns the named host functions for one agent, closed over its id
// so async results post back to the right inbox.
func (s *Set) Bind(agentID string) map[string]sandbox.HostFunction {
	return map[string]sandbox.HostFunction{
		"FetchData":            s.fetchData(agentID),
		"FinalResult":          s.finalResult(agentID),
		"CreateVM":             s.createVM(agentID),
		"ExecuteVMCommand":     s.executeVMCommand(agentID),
		"SpawnCommand":         s.spawnCommand(agentID),
		"ListSpawnedProcesses": s.listSpawnedProcesses(agentID),
		"StopSpawnedProcess":   s.stopSpawnedProcess(agentID),
		"DestroyVM":            s.destroyVM(agentID),
		"ListVMs":              s.listVMs(agentID),
	}
}

type fetchDataArgs struct {
	URL      string `json:"url"`
	Callback string `json:"callback"`
}

func (s *Set) fetchData(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, arg string) (string, error) {
		var args fetchDataArgs
		if err := json.Unmarshal([]byte(arg), &args); err != nil {
			return "", fmt.Errorf("invalid FetchData arguments: %w", err)
		}

		go func() {
			resp, err := s.client.Get(args.URL)
			var body string
			if err != nil {
				body = fmt.Sprintf("HTTP request failed: %v", err)
			} else {
				defer resp.Body.Close()
				buf := make([]byte, 0, 64*1024)
				readBuf := make([]byte, 32*1024)
				for {
					n, readErr := resp.Body.Read(readBuf)
					if n > 0 {
						buf = append(buf, readBuf[:n]...)
					}
					if readErr != nil {
						break
					}
				}
				body = string(buf)
			}
			if postErr := s.corr.PostCallback(agentID, body, args.Callback); postErr != nil {
				s.logger.WithField("agent_id", agentID).WithError(postErr).Warn("failed to post FetchData result")
			}
		}()

		return "Http Request sent", nil
	}
}

func (s *Set) finalResult(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, answer string) (string, error) {
		requestID, ok := s.corr.InFlightRequest(agentID)
		if !ok {
			s.logger.WithField("agent_id", agentID).Debug("FinalResult with no in-flight request, dropping")
			return "", nil
		}
		s.corr.Deliver(requestID, answer)
		return "", nil
	}
}

type vmIDArgs struct {
	VMID     string `json:"vm_id"`
	Callback string `json:"callback"`
}

func (s *Set) createVM(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, arg string) (string, error) {
		var args vmIDArgs
		if err := json.Unmarshal([]byte(arg), &args); err != nil {
			return "", fmt.Errorf("invalid CreateVM arguments: %w", err)
		}

		go func() {
			snap, err := s.vms.Create(context.Background(), args.VMID)
			var result string
			if err != nil {
				result = fmt.Sprintf("VM creation failed: %v", err)
			} else {
				result = fmt.Sprintf("VM %s created with CID %d", snap.ID, snap.CID)
			}
			s.post(agentID, result, args.Callback)
		}()

		return "VM creation initiated", nil
	}
}

type vmCommandArgs struct {
	VMID           string   `json:"vm_id"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	WorkingDir     *string  `json:"working_dir,omitempty"`
	TimeoutSeconds *uint64  `json:"timeout_seconds,omitempty"`
	Callback       string   `json:"callback"`
}

func (s *Set) executeVMCommand(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, arg string) (string, error) {
		var args vmCommandArgs
		if err := json.Unmarshal([]byte(arg), &args); err != nil {
			return "", fmt.Errorf("invalid ExecuteVMCommand arguments: %w", err)
		}

		go func() {
			stdout, err := s.vms.ExecuteCommand(context.Background(), args.VMID, args.Command, args.Args, args.WorkingDir, args.TimeoutSeconds)
			result := stdout
			if err != nil {
				result = fmt.Sprintf("VM command execution failed: %v", err)
			}
			// Command results always land on the guest's fixed
			// vm_command_result entrypoint, whatever callback name the guest
			// passed alongside the command.
			s.post(agentID, result, "vm_command_result")
		}()

		return "VM command execution initiated", nil
	}
}

func (s *Set) spawnCommand(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, arg string) (string, error) {
		var args vmCommandArgs
		if err := json.Unmarshal([]byte(arg), &args); err != nil {
			return "", fmt.Errorf("invalid SpawnCommand arguments: %w", err)
		}

		go func() {
			cmdID, err := s.vms.SpawnCommand(context.Background(), args.VMID, args.Command, args.Args, args.WorkingDir, args.TimeoutSeconds)
			result := cmdID
			if err != nil {
				result = fmt.Sprintf("VM command spawn failed: %v", err)
			}
			s.post(agentID, result, "vm_command_result")
		}()

		return "VM command spawn initiated", nil
	}
}

func (s *Set) listSpawnedProcesses(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, arg string) (string, error) {
		var args vmIDArgs
		if err := json.Unmarshal([]byte(arg), &args); err != nil {
			return "", fmt.Errorf("invalid ListSpawnedProcesses arguments: %w", err)
		}

		go func() {
			ids, err := s.vms.ListSpawnedProcesses(args.VMID)
			var result string
			if err != nil {
				result = "[]"
			} else {
				encoded, encErr := json.Marshal(ids)
				if encErr != nil {
					result = "[]"
				} else {
					result = string(encoded)
				}
			}
			s.post(agentID, result, args.Callback)
		}()

		return "VM process list request initiated", nil
	}
}

type stopProcessArgs struct {
	VMID      string `json:"vm_id"`
	ProcessID string `json:"process_id"`
	Callback  string `json:"callback"`
}

func (s *Set) stopSpawnedProcess(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, arg string) (string, error) {
		var args stopProcessArgs
		if err := json.Unmarshal([]byte(arg), &args); err != nil {
			return "", fmt.Errorf("invalid StopSpawnedProcess arguments: %w", err)
		}

		go func() {
			out, err := s.vms.StopSpawnedProcess(context.Background(), args.VMID, args.ProcessID)
			result := out
			if err != nil {
				result = fmt.Sprintf("stop process failed: %v", err)
			}
			s.post(agentID, result, args.Callback)
		}()

		return "VM process stop initiated", nil
	}
}

func (s *Set) destroyVM(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, arg string) (string, error) {
		var args vmIDArgs
		if err := json.Unmarshal([]byte(arg), &args); err != nil {
			return "", fmt.Errorf("invalid DestroyVM arguments: %w", err)
		}

		go func() {
			err := s.vms.Destroy(context.Background(), args.VMID)
			result := fmt.Sprintf("VM %s destroyed", args.VMID)
			if err != nil {
				result = fmt.Sprintf("VM destruction failed: %v", err)
			}
			s.post(agentID, result, args.Callback)
		}()

		return "VM destruction initiated", nil
	}
}

func (s *Set) listVMs(agentID string) sandbox.HostFunction {
	return func(ctx context.Context, arg string) (string, error) {
		var args struct {
			Callback string `json:"callback"`
		}
		// list_vms is called with an empty/placeholder first parameter in the
		// guest, so a bare callback name (not JSON) is also accepted.
		if err := json.Unmarshal([]byte(arg), &args); err != nil || args.Callback == "" {
			args.Callback = arg
		}

		go func() {
			snapshots := s.vms.List()
			ids := make([]string, 0, len(snapshots))
			for _, snap := range snapshots {
				ids = append(ids, snap.ID)
			}
			encoded, err := json.Marshal(ids)
			result := "[]"
			if err == nil {
				result = string(encoded)
			}
			s.post(agentID, result, args.Callback)
		}()

		return "VM list request initiated", nil
	}
}

func (s *Set) post(agentID, payload, callback string) {
	if err := s.corr.PostCallback(agentID, payload, callback); err != nil {
		s.logger.WithField("agent_id", agentID).WithError(err).Warn("failed to post callback result")
	}
}
