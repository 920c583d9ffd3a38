package toolserver

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/relaycore/orchestrator/message"
)

// mcpClient adapts an MCP session (SSE or StreamableHTTP transport,
// indistinguishable once connected) to the Client interface.
type mcpClient struct {
	protocol ProtocolKind
	session  *mcp.ClientSession

	cachedTools []message.ToolSchema
	haveTools   bool
}

func newMCPClient(ctx context.Context, baseURL string, transport mcp.Transport, kind ProtocolKind) (Client, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "relaycore", Version: "0.1.0"}, nil)

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, err
	}

	return &mcpClient{protocol: kind, session: session}, nil
}

func (c *mcpClient) Protocol() ProtocolKind { return c.protocol }

func (c *mcpClient) ListTools(ctx context.Context) ([]message.ToolSchema, error) {
	if c.haveTools {
		return c.cachedTools, nil
	}

	ctx, cancel := context.WithTimeout(ctx, listToolsMaxAge)
	defer cancel()

	result, err := c.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, err
	}

	schemas := make([]message.ToolSchema, 0, len(result.Tools))
	for _, t := range result.Tools {
		paramsJSON, err := json.Marshal(t.InputSchema)
		if err != nil {
			paramsJSON = json.RawMessage(`{}`)
		}
		schemas = append(schemas, message.ToolSchema{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJSONSchema: paramsJSON,
		})
	}

	c.cachedTools = schemas
	c.haveTools = true
	return schemas, nil
}

func (c *mcpClient) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (string, error) {
	var arguments map[string]any
	if len(argumentsJSON) > 0 {
		if err := json.Unmarshal(argumentsJSON, &arguments); err != nil {
			return "", &ToolInvocationError{ToolName: name, Cause: err}
		}
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", &ToolInvocationError{ToolName: name, Cause: errString(text)}
	}
	return text, nil
}

func (c *mcpClient) Close() error {
	return c.session.Close()
}

// flattenContent joins an MCP tool result's content blocks into one string,
// describing non-text blocks rather than discarding them.
func flattenContent(blocks []mcp.Content) string {
	var out string
	for i, b := range blocks {
		if i > 0 {
			out += "\n"
		}
		switch item := b.(type) {
		case *mcp.TextContent:
			out += item.Text
		case *mcp.ImageContent:
			out += "[image content omitted]"
		case *mcp.EmbeddedResource:
			if item.Resource != nil {
				out += "[resource: " + item.Resource.URI + "]"
			} else {
				out += "[embedded resource]"
			}
		}
	}
	return out
}

type errString string

func (e errString) Error() string { return string(e) }
