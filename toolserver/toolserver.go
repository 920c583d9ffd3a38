// Package toolserver implements the tool-server client contract: given a
// base URL, discover which of three wire protocols the server speaks, then
// expose list-tools/call-tool through one Client interface regardless of
// which protocol was detected.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaycore/orchestrator/message"
)

// ProtocolKind is the wire protocol a tool server was detected to speak.
type ProtocolKind string

const (
	ProtocolMCPStreamableHTTP ProtocolKind = "mcp_streamable_http"
	ProtocolMCPSSE            ProtocolKind = "mcp_sse"
	ProtocolPlainHTTP         ProtocolKind = "plain_http"
	// ProtocolPlainHTTPFallback is ProtocolPlainHTTP detected via the root
	// probe rather than /tools responding successfully; callers that report
	// a server type distinguish this as a degraded detection.
	ProtocolPlainHTTPFallback ProtocolKind = "plain_http_fallback"
	ProtocolUnknown           ProtocolKind = "unknown"
)

// Client exposes the two operations every tool server flavor is adapted to,
// regardless of the protocol spoken underneath.
type Client interface {
	// ListTools returns the server's advertised tools. The client caches
	// the first successful result for its own lifetime.
	ListTools(ctx context.Context) ([]message.ToolSchema, error)
	// CallTool invokes one tool by name with a JSON-object argument payload
	// and returns the result as text, never cached.
	CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (string, error)
	// Protocol reports which wire protocol this client speaks.
	Protocol() ProtocolKind
	// Close releases the underlying transport.
	Close() error
}

// ToolInvocationError reports a CallTool failure. ListTools failures are
// not of this type: the clients return them unwrapped, and the caller
// proceeds as if no tools were configured rather than aborting.
type ToolInvocationError struct {
	ToolName string
	Cause    error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("toolserver: invoking %q: %v", e.ToolName, e.Cause)
}

func (e *ToolInvocationError) Unwrap() error { return e.Cause }

// ToolDiscoveryError describes a list_tools failure. The clients in this
// package do not return it; their ListTools errors are unwrapped.
type ToolDiscoveryError struct {
	BaseURL string
	Cause   error
}

func (e *ToolDiscoveryError) Error() string {
	return fmt.Sprintf("toolserver: listing tools at %q: %v", e.BaseURL, e.Cause)
}

func (e *ToolDiscoveryError) Unwrap() error { return e.Cause }

// ProtocolUnknownError reports that none of the four detection probes
// succeeded for a base URL.
type ProtocolUnknownError struct {
	BaseURL string
}

func (e *ProtocolUnknownError) Error() string {
	return fmt.Sprintf("toolserver: could not detect a supported protocol at %q", e.BaseURL)
}

// flatOrNestedSchema accepts both the flat {name,description,parameters}
// shape and the OpenAI-nested {"type":"function","function":{...}} shape
// observed across Plain-HTTP tool servers in the wild.
type flatOrNestedSchema struct {
	// flat fields
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`

	// nested fields
	Type     string `json:"type"`
	Function *struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

func (s flatOrNestedSchema) toToolSchema() message.ToolSchema {
	if s.Function != nil {
		return message.ToolSchema{
			Name:                 s.Function.Name,
			Description:          s.Function.Description,
			ParametersJSONSchema: s.Function.Parameters,
		}
	}
	return message.ToolSchema{
		Name:                 s.Name,
		Description:          s.Description,
		ParametersJSONSchema: s.Parameters,
	}
}
