package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relaycore/orchestrator/message"
)

// plainHTTPClient speaks the hand-rolled JSON tool-calling convention: GET
// /tools for discovery, POST /call {tool_name, arguments} for invocation.
type plainHTTPClient struct {
	baseURL    string
	httpClient *http.Client
	protocol   ProtocolKind

	cachedTools []message.ToolSchema
	haveTools   bool
}

func newPlainHTTPClient(baseURL string, httpClient *http.Client) *plainHTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &plainHTTPClient{baseURL: baseURL, httpClient: httpClient, protocol: ProtocolPlainHTTP}
}

func (c *plainHTTPClient) Protocol() ProtocolKind { return c.protocol }

func (c *plainHTTPClient) ListTools(ctx context.Context) ([]message.ToolSchema, error) {
	if c.haveTools {
		return c.cachedTools, nil
	}

	ctx, cancel := context.WithTimeout(ctx, listToolsMaxAge)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}

	var entries []flatOrNestedSchema
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}

	schemas := make([]message.ToolSchema, 0, len(entries))
	for _, e := range entries {
		schemas = append(schemas, e.toToolSchema())
	}

	c.cachedTools = schemas
	c.haveTools = true
	return schemas, nil
}

type callToolRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

type callToolResponse struct {
	Result json.RawMessage `json:"result"`
}

func (c *plainHTTPClient) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (string, error) {
	if len(argumentsJSON) == 0 {
		argumentsJSON = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(callToolRequest{ToolName: name, Arguments: argumentsJSON})
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &ToolInvocationError{ToolName: name, Cause: fmt.Errorf("status %d: %s", resp.StatusCode, respBody)}
	}

	var callResp callToolResponse
	if err := json.Unmarshal(respBody, &callResp); err != nil {
		return "", &ToolInvocationError{ToolName: name, Cause: err}
	}

	var text string
	if err := json.Unmarshal(callResp.Result, &text); err == nil {
		return text, nil
	}
	return string(callResp.Result), nil
}

func (c *plainHTTPClient) Close() error { return nil }
