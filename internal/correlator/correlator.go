// Package correlator maintains the process-wide bookkeeping that ties an
// inbound MCP tool call to the guest's eventual FinalResult invocation.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAgentNotFound is returned by Submit when no agent is registered under
// the requested id.
var ErrAgentNotFound = errors.New("agent not found")

// ErrTimeout is returned by AwaitReply when no reply arrives before the
// deadline.
var ErrTimeout = errors.New("timeout waiting for agent reply")

// ErrAgentBusy is returned by Submit when agentID already has a request in
// flight. An agent's sandbox is single-threaded, so a second concurrent
// submit is rejected rather than silently stealing the first request's
// in-flight slot.
var ErrAgentBusy = errors.New("agent has a request already in flight")

// WorkItem is a unit of work delivered to an agent's inbox: an optional
// payload and the guest callback function that should receive it.
type WorkItem struct {
	Payload  *string
	Callback string
}

// Inbox is the send side of an agent's single-producer/single-consumer work
// queue. Agents never expose the receive side outside internal/agent.
type Inbox chan<- WorkItem

// Tool describes an MCP-callable agent for the list_tools surface.
type Tool struct {
	AgentID     string
	Name        string
	Description string
	Params      []Param
}

// Param is one declared argument of an agent's Run entrypoint.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// ParamType enumerates the JSON-Schema-mappable argument types an agent may
// declare.
type ParamType int

const (
	ParamString ParamType = iota
	ParamInteger
	ParamBoolean
	ParamFloat
)

// Correlator is the process-wide rendezvous between MCP requests and guest
// FinalResult calls. Its maps share one mutex, held only across
// lookup/insert/remove, never across I/O, per the concurrency model.
type Correlator struct {
	mu           sync.Mutex
	agents       map[string]Inbox
	metadata     map[string]Tool
	replyCh      map[string]chan string
	inFlight     map[string]string // agent_id -> request_id
	inFlightByID map[string]string // request_id -> agent_id, for deliver's reverse lookup
}

// New creates an empty Correlator.
func New() *Correlator {
	return &Correlator{
		agents:       make(map[string]Inbox),
		metadata:     make(map[string]Tool),
		replyCh:      make(map[string]chan string),
		inFlight:     make(map[string]string),
		inFlightByID: make(map[string]string),
	}
}

// Register is an idempotent insert of an agent's inbox and MCP tool
// descriptor. The tool catalog is always built from this metadata map; no
// per-agent copy of (name, description) is kept anywhere else.
func (c *Correlator) Register(agentID string, tool Tool, inbox Inbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[agentID] = inbox
	c.metadata[agentID] = tool
}

// Tools returns one Tool per registered agent, for MCP's list_tools.
func (c *Correlator) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, 0, len(c.metadata))
	for _, t := range c.metadata {
		out = append(out, t)
	}
	return out
}

// NewRequestID generates the "req-<uuid>" ids used throughout the
// correlation tables.
func NewRequestID() string {
	return "req-" + uuid.New().String()
}

// Submit records a new in-flight request for agentID and enqueues the framed
// payload on its inbox. The caller should follow with AwaitReply(requestID).
// Since an agent's sandbox serializes every callback onto one goroutine, at
// most one request may be in flight per agent at a time; Submit rejects a
// second one with ErrAgentBusy rather than overwriting the first request's
// in-flight mapping, which would hand its eventual FinalResult to the wrong
// caller.
func (c *Correlator) Submit(agentID, requestID, payload string) error {
	c.mu.Lock()
	inbox, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if _, busy := c.inFlight[agentID]; busy {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentBusy, agentID)
	}
	ch := make(chan string, 1)
	c.replyCh[requestID] = ch
	c.inFlight[agentID] = requestID
	c.inFlightByID[requestID] = agentID
	c.mu.Unlock()

	framed := fmt.Sprintf("mcp_request:%s:%s", requestID, payload)
	inbox <- WorkItem{Payload: &framed, Callback: "Run"}
	return nil
}

// AwaitReply blocks until requestID's reply arrives or the context is done,
// whichever happens first. On timeout or cancellation it cleans up the
// reply channel and any in-flight mapping before returning.
func (c *Correlator) AwaitReply(ctx context.Context, requestID string) (string, error) {
	c.mu.Lock()
	ch, ok := c.replyCh[requestID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no such request: %s", requestID)
	}

	select {
	case answer := <-ch:
		c.cleanup(requestID)
		return answer, nil
	case <-ctx.Done():
		c.cleanup(requestID)
		return "", ErrTimeout
	}
}

// Deliver resolves the reply channel for requestID with answer and erases
// the in-flight mapping pointing at it. The reply channel itself stays
// registered, holding the buffered answer, until AwaitReply consumes it, so
// a Deliver that runs before AwaitReply is not lost. A deliver for an
// already-cleaned (timed out) request id, or a second deliver for one
// already answered, is a silent no-op.
func (c *Correlator) Deliver(requestID, answer string) {
	c.mu.Lock()
	ch, ok := c.replyCh[requestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if agentID, ok := c.inFlightByID[requestID]; ok {
		delete(c.inFlightByID, requestID)
		if c.inFlight[agentID] == requestID {
			delete(c.inFlight, agentID)
		}
	}
	c.mu.Unlock()

	select {
	case ch <- answer:
	default:
	}
}

// PostCallback enqueues a plain (non-MCP-framed) work item on agentID's
// inbox, for host functions that complete async work off the agent's own
// goroutine and need to hand the result back to a named guest callback.
func (c *Correlator) PostCallback(agentID, payload, callback string) error {
	c.mu.Lock()
	inbox, ok := c.agents[agentID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	inbox <- WorkItem{Payload: &payload, Callback: callback}
	return nil
}

// InFlightRequest returns the request id currently in flight for agentID, if
// any. FinalResult uses this to resolve "the current request" from inside
// an agent's own worker.
func (c *Correlator) InFlightRequest(agentID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.inFlight[agentID]
	return r, ok
}

// ClearAgent erases any in-flight bookkeeping for agentID without
// delivering a reply, used when an agent's event loop terminates (its inbox
// closes cleanly).
func (c *Correlator) ClearAgent(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reqID, ok := c.inFlight[agentID]; ok {
		delete(c.inFlight, agentID)
		delete(c.inFlightByID, reqID)
		delete(c.replyCh, reqID)
	}
}

func (c *Correlator) cleanup(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.replyCh, requestID)
	if agentID, ok := c.inFlightByID[requestID]; ok {
		delete(c.inFlightByID, requestID)
		if c.inFlight[agentID] == requestID {
			delete(c.inFlight, agentID)
		}
	}
}

// Empty reports whether all correlation maps are empty, used by property
// tests asserting the cleanup invariant.
func (c *Correlator) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replyCh) == 0 && len(c.inFlight) == 0 && len(c.inFlightByID) == 0
}

// DefaultMCPTimeout is the hard suspension limit MCP request handlers use
// when awaiting a reply, per the concurrency model.
const DefaultMCPTimeout = 120 * time.Second
