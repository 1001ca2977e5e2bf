// Package agent runs one guest module's single-threaded event loop: it owns
// the receive side of the agent's inbox and serializes every callback
// invocation onto its sandbox handle.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/clarateach/agentfleet/internal/correlator"
	"github.com/clarateach/agentfleet/internal/sandbox"
)

const mcpRequestPrefix = "mcp_request:"

// paramWire is the on-the-wire shape a guest's GetParams call returns.
type paramWire struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Agent pairs a loaded guest module with the inbox its host-function
// callbacks feed work items into.
type Agent struct {
	ID          string
	Name        string
	Description string
	Params      []correlator.Param

	handle sandbox.Handle
	inbox  chan correlator.WorkItem
	corr   *correlator.Correlator
	logger *logrus.Logger
}

// Load instantiates a guest module's identity (name, description, declared
// params) by calling its GetName/GetDescription/GetParams entrypoints,
// registers it with corr, and returns an Agent ready for Run.
func Load(ctx context.Context, id string, handle sandbox.Handle, corr *correlator.Correlator, logger *logrus.Logger) (*Agent, error) {
	name, err := handle.Call(ctx, "GetName", "")
	if err != nil {
		return nil, fmt.Errorf("agent %s: GetName: %w", id, err)
	}
	description, err := handle.Call(ctx, "GetDescription", "")
	if err != nil {
		return nil, fmt.Errorf("agent %s: GetDescription: %w", id, err)
	}
	paramsJSON, err := handle.Call(ctx, "GetParams", "")
	if err != nil {
		return nil, fmt.Errorf("agent %s: GetParams: %w", id, err)
	}

	params, err := parseParams(paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("agent %s: parse params: %w", id, err)
	}

	a := &Agent{
		ID:          id,
		Name:        name,
		Description: description,
		Params:      params,
		handle:      handle,
		inbox:       make(chan correlator.WorkItem, 16),
		corr:        corr,
		logger:      logger,
	}

	corr.Register(id, correlator.Tool{
		AgentID:     id,
		Name:        name,
		Description: description,
		Params:      params,
	}, a.inbox)

	return a, nil
}

func parseParams(raw string) ([]correlator.Param, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil, nil
	}

	var wire []paramWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, err
	}

	params := make([]correlator.Param, 0, len(wire))
	for _, p := range wire {
		params = append(params, correlator.Param{
			Name:        p.Name,
			Type:        paramTypeFromString(p.Type),
			Required:    p.Required,
			Description: p.Description,
		})
	}
	return params, nil
}

func paramTypeFromString(s string) correlator.ParamType {
	switch s {
	case "integer":
		return correlator.ParamInteger
	case "boolean":
		return correlator.ParamBoolean
	case "float":
		return correlator.ParamFloat
	default:
		return correlator.ParamString
	}
}

// Run drives the agent's event loop until ctx is canceled or the inbox is
// closed. It must run on its own goroutine; every call into the sandbox
// handle happens here and nowhere else, so the handle never needs its own
// locking.
func (a *Agent) Run(ctx context.Context) {
	defer a.corr.ClearAgent(a.ID)

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-a.inbox:
			if !ok {
				return
			}
			a.handleItem(ctx, item)
		}
	}
}

func (a *Agent) handleItem(ctx context.Context, item correlator.WorkItem) {
	payload := ""
	if item.Payload != nil {
		payload = *item.Payload
	}

	if strings.HasPrefix(payload, mcpRequestPrefix) {
		parts := strings.SplitN(payload, ":", 3)
		if len(parts) < 3 {
			a.logger.WithField("agent_id", a.ID).Warn("malformed mcp_request payload, dropping")
			return
		}
		requestID := parts[1]
		body := parts[2]

		result, err := a.handle.Call(ctx, item.Callback, body)
		if err != nil {
			a.logger.WithFields(logrus.Fields{"agent_id": a.ID, "request_id": requestID}).WithError(err).Error("guest callback error")
			a.corr.Deliver(requestID, fmt.Sprintf("Error: %v", err))
			return
		}
		// A successful callback does not resolve the MCP request on its own:
		// the guest resolves it later by invoking FinalResult, which calls
		// back into the correlator through internal/hostfunctions.
		a.logger.WithFields(logrus.Fields{"agent_id": a.ID, "request_id": requestID}).Debug("guest callback returned", result)
		return
	}

	result, err := a.handle.Call(ctx, item.Callback, payload)
	if err != nil {
		a.logger.WithField("agent_id", a.ID).WithError(err).Error("guest callback error")
		if requestID, ok := a.corr.InFlightRequest(a.ID); ok {
			a.corr.Deliver(requestID, fmt.Sprintf("Error: %v", err))
		}
		return
	}
	a.logger.WithField("agent_id", a.ID).Debug("guest callback returned", result)
}

// Inbox exposes the send side for components (hostfunctions) that need to
// re-enqueue a callback invocation after doing async work off this
// goroutine.
func (a *Agent) Inbox() correlator.Inbox {
	return a.inbox
}

// Close releases the agent's sandbox handle. Call after Run has returned.
func (a *Agent) Close(ctx context.Context) error {
	return a.handle.Close(ctx)
}
