package mcphandler

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clarateach/agentfleet/internal/correlator"
)

func registerTestAgent(corr *correlator.Correlator, agentID string, tool correlator.Tool) chan correlator.WorkItem {
	inbox := make(chan correlator.WorkItem, 8)
	tool.AgentID = agentID
	corr.Register(agentID, tool, inbox)
	return inbox
}

func TestBuildToolDefinitionMapsParamTypes(t *testing.T) {
	tool := correlator.Tool{
		AgentID:     "vm_builder",
		Name:        "vm_builder",
		Description: "builds things",
		Params: []correlator.Param{
			{Name: "count", Type: correlator.ParamInteger, Required: true},
			{Name: "verbose", Type: correlator.ParamBoolean},
			{Name: "ratio", Type: correlator.ParamFloat},
			{Name: "label", Type: correlator.ParamString},
		},
	}

	def := buildToolDefinition(tool)

	if def.Name != "vm_builder" {
		t.Fatalf("tool name = %q, want %q", def.Name, "vm_builder")
	}
	if def.Description != "builds things" {
		t.Fatalf("tool description = %q, want %q", def.Description, "builds things")
	}

	schema := def.InputSchema.Properties
	wantTypes := map[string]string{"count": "integer", "verbose": "boolean", "ratio": "number", "label": "string"}
	for _, name := range []string{"count", "verbose", "ratio", "label"} {
		prop, ok := schema[name]
		if !ok {
			t.Errorf("schema missing property %q", name)
			continue
		}
		if got, _ := prop.(map[string]any)["type"].(string); got != wantTypes[name] {
			t.Errorf("property %q type = %q, want %q", name, got, wantTypes[name])
		}
	}
	if !containsString(def.InputSchema.Required, "count") {
		t.Errorf("schema required = %v, want to contain %q", def.InputSchema.Required, "count")
	}
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

func TestRegisterCallToolRoundTrip(t *testing.T) {
	corr := correlator.New()
	inbox := registerTestAgent(corr, "echo", correlator.Tool{Name: "echo", Description: "echoes"})

	mcpServer := server.NewMCPServer("test", "0.0.0")
	Register(mcpServer, corr)

	go func() {
		item := <-inbox
		if item.Payload == nil {
			t.Error("expected a framed mcp_request payload")
			return
		}
		// The handler under test blocks on AwaitReply; deliver its answer as
		// the guest's FinalResult would, fishing the request id back out of
		// the framed payload the way internal/agent does.
		payload := *item.Payload
		const prefix = "mcp_request:"
		rest := payload[len(prefix):]
		var requestID string
		for i, c := range rest {
			if c == ':' {
				requestID = rest[:i]
				break
			}
		}
		corr.Deliver(requestID, "pong")
	}()

	handler := makeHandler(corr, "echo")
	result, err := handler(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handler() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("handler() returned an error result: %+v", result.Content)
	}

	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok || text.Text != "pong" {
		t.Fatalf("handler() content = %+v, want text %q", result.Content, "pong")
	}
}

func TestMarshalArgumentsDefaultsToEmptyObject(t *testing.T) {
	encoded, err := marshalArguments(mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("marshalArguments() error = %v", err)
	}
	if encoded != "{}" {
		t.Errorf("marshalArguments() = %q, want %q", encoded, "{}")
	}
}
