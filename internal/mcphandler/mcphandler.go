// Package mcphandler exposes every registered agent as an MCP tool: tool
// descriptions and input schemas come from the agent's declared Params, and
// invoking a tool submits a request to the agent through the correlator and
// blocks for its FinalResult.
package mcphandler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clarateach/agentfleet/internal/correlator"
)

// Register builds one MCP tool per agent currently known to corr and wires
// each tool's handler to submit-then-await against the correlator.
func Register(mcpServer *server.MCPServer, corr *correlator.Correlator) {
	for _, tool := range corr.Tools() {
		mcpServer.AddTool(buildToolDefinition(tool), makeHandler(corr, tool.AgentID))
	}
}

func buildToolDefinition(tool correlator.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(tool.Description)}

	for _, p := range tool.Params {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}

		switch p.Type {
		case correlator.ParamInteger:
			propOpts = append(propOpts, func(schema map[string]any) { schema["type"] = "integer" })
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		case correlator.ParamBoolean:
			opts = append(opts, mcp.WithBoolean(p.Name, propOpts...))
		case correlator.ParamFloat:
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		}
	}

	return mcp.NewTool(tool.Name, opts...)
}

func makeHandler(corr *correlator.Correlator, agentID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		argsJSON, err := marshalArguments(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		requestID := correlator.NewRequestID()
		if err := corr.Submit(agentID, requestID, argsJSON); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, correlator.DefaultMCPTimeout)
		defer cancel()

		answer, err := corr.AwaitReply(timeoutCtx, requestID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(answer), nil
	}
}

func marshalArguments(req mcp.CallToolRequest) (string, error) {
	args := req.GetArguments()
	if args == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
