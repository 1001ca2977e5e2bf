// Package vsockproto defines the wire messages exchanged between the host
// and a guest's VmAgent over a vsock-backed unix socket: one JSON request,
// one JSON response, then the connection closes. Every message is a tagged
// union discriminated by a "type" field, matching the guest side exactly so
// encode/decode round-trips are the identity on every variant.
package vsockproto

import (
	"encoding/json"
	"fmt"
)

// RequestType discriminates a VsockRequest's payload.
type RequestType string

const (
	RequestCommand   RequestType = "Command"
	RequestHTTPProxy RequestType = "HttpProxy"
)

// ResponseType discriminates a VsockResponse's payload.
type ResponseType string

const (
	ResponseCommand   ResponseType = "Command"
	ResponseHTTPProxy ResponseType = "HttpProxy"
)

// Command is one unit of work sent to a guest's VmAgent.
type Command struct {
	ID             string   `json:"id"`
	Command        string   `json:"command"`
	Args           []string `json:"args"`
	WorkingDir     *string  `json:"working_dir,omitempty"`
	TimeoutSeconds *uint64  `json:"timeout_seconds,omitempty"`
}

// HTTPProxyRequest asks the host to perform an HTTP request on a guest's
// behalf and return the response.
type HTTPProxyRequest struct {
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body,omitempty"`
}

// Request is the envelope a guest (or, for Command, the host) sends: exactly
// one of Command or HTTPProxy is populated, selected by Type.
type Request struct {
	Type      RequestType       `json:"type"`
	Command   *Command          `json:"-"`
	HTTPProxy *HTTPProxyRequest `json:"-"`
}

// commandWire and httpProxyWire are the flattened JSON shapes: the
// discriminated fields sit alongside "type" rather than nested under a
// variant key, which is the shape the guest encodes and expects.
type commandWire struct {
	Type           RequestType `json:"type"`
	ID             string      `json:"id"`
	Command        string      `json:"command"`
	Args           []string    `json:"args"`
	WorkingDir     *string     `json:"working_dir,omitempty"`
	TimeoutSeconds *uint64     `json:"timeout_seconds,omitempty"`
}

type httpProxyRequestWire struct {
	Type    RequestType         `json:"type"`
	Method  string              `json:"method"`
	URL     string              `json:"url"`
	Headers map[string][]string `json:"headers"`
	Body    []byte              `json:"body,omitempty"`
}

// MarshalJSON flattens Request into the wire shape matching its Type.
func (r Request) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case RequestCommand:
		if r.Command == nil {
			return nil, fmt.Errorf("vsockproto: Command request with nil Command")
		}
		return json.Marshal(commandWire{
			Type:           RequestCommand,
			ID:             r.Command.ID,
			Command:        r.Command.Command,
			Args:           r.Command.Args,
			WorkingDir:     r.Command.WorkingDir,
			TimeoutSeconds: r.Command.TimeoutSeconds,
		})
	case RequestHTTPProxy:
		if r.HTTPProxy == nil {
			return nil, fmt.Errorf("vsockproto: HttpProxy request with nil HTTPProxy")
		}
		return json.Marshal(httpProxyRequestWire{
			Type:    RequestHTTPProxy,
			Method:  r.HTTPProxy.Method,
			URL:     r.HTTPProxy.URL,
			Headers: r.HTTPProxy.Headers,
			Body:    r.HTTPProxy.Body,
		})
	default:
		return nil, fmt.Errorf("vsockproto: unknown request type %q", r.Type)
	}
}

// UnmarshalJSON reads the "type" discriminator first, then decodes the rest
// of the document into the matching variant.
func (r *Request) UnmarshalJSON(data []byte) error {
	var discriminator struct {
		Type RequestType `json:"type"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return err
	}

	switch discriminator.Type {
	case RequestCommand:
		var wire commandWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		r.Type = RequestCommand
		r.Command = &Command{
			ID:             wire.ID,
			Command:        wire.Command,
			Args:           wire.Args,
			WorkingDir:     wire.WorkingDir,
			TimeoutSeconds: wire.TimeoutSeconds,
		}
		r.HTTPProxy = nil
		return nil
	case RequestHTTPProxy:
		var wire httpProxyRequestWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		r.Type = RequestHTTPProxy
		r.HTTPProxy = &HTTPProxyRequest{
			Method:  wire.Method,
			URL:     wire.URL,
			Headers: wire.Headers,
			Body:    wire.Body,
		}
		r.Command = nil
		return nil
	default:
		return fmt.Errorf("vsockproto: unknown request type %q", discriminator.Type)
	}
}

// CommandResult is a guest VmAgent's reply to a Command.
type CommandResult struct {
	ID       string `json:"id"`
	ExitCode int32  `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// HTTPProxyResponse is the bridge's answer to an HTTPProxyRequest.
type HTTPProxyResponse struct {
	StatusCode uint16              `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// Response is the envelope returned for a Request: exactly one of Command or
// HTTPProxy is populated, selected by Type.
type Response struct {
	Type      ResponseType       `json:"type"`
	Command   *CommandResult     `json:"-"`
	HTTPProxy *HTTPProxyResponse `json:"-"`
}

type commandResultWire struct {
	Type     ResponseType `json:"type"`
	ID       string       `json:"id"`
	ExitCode int32        `json:"exit_code"`
	Stdout   string       `json:"stdout"`
	Stderr   string       `json:"stderr"`
}

type httpProxyResponseWire struct {
	Type       ResponseType        `json:"type"`
	StatusCode uint16              `json:"status_code"`
	Headers    map[string][]string `json:"headers"`
	Body       []byte              `json:"body,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// MarshalJSON flattens Response into the wire shape matching its Type.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case ResponseCommand:
		if r.Command == nil {
			return nil, fmt.Errorf("vsockproto: Command response with nil Command")
		}
		return json.Marshal(commandResultWire{
			Type:     ResponseCommand,
			ID:       r.Command.ID,
			ExitCode: r.Command.ExitCode,
			Stdout:   r.Command.Stdout,
			Stderr:   r.Command.Stderr,
		})
	case ResponseHTTPProxy:
		if r.HTTPProxy == nil {
			return nil, fmt.Errorf("vsockproto: HttpProxy response with nil HTTPProxy")
		}
		return json.Marshal(httpProxyResponseWire{
			Type:       ResponseHTTPProxy,
			StatusCode: r.HTTPProxy.StatusCode,
			Headers:    r.HTTPProxy.Headers,
			Body:       r.HTTPProxy.Body,
			Error:      r.HTTPProxy.Error,
		})
	default:
		return nil, fmt.Errorf("vsockproto: unknown response type %q", r.Type)
	}
}

// UnmarshalJSON reads the "type" discriminator first, then decodes the rest
// of the document into the matching variant.
func (r *Response) UnmarshalJSON(data []byte) error {
	var discriminator struct {
		Type ResponseType `json:"type"`
	}
	if err := json.Unmarshal(data, &discriminator); err != nil {
		return err
	}

	switch discriminator.Type {
	case ResponseCommand:
		var wire commandResultWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		r.Type = ResponseCommand
		r.Command = &CommandResult{ID: wire.ID, ExitCode: wire.ExitCode, Stdout: wire.Stdout, Stderr: wire.Stderr}
		r.HTTPProxy = nil
		return nil
	case ResponseHTTPProxy:
		var wire httpProxyResponseWire
		if err := json.Unmarshal(data, &wire); err != nil {
			return err
		}
		r.Type = ResponseHTTPProxy
		r.HTTPProxy = &HTTPProxyResponse{StatusCode: wire.StatusCode, Headers: wire.Headers, Body: wire.Body, Error: wire.Error}
		r.Command = nil
		return nil
	default:
		return fmt.Errorf("vsockproto: unknown response type %q", discriminator.Type)
	}
}
