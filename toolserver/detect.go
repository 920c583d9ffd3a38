package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	probeStreamableHTTPTimeout = 5 * time.Second
	probeSSETimeout            = 5 * time.Second
	probeToolsTimeout          = 5 * time.Second
	probeRootTimeout           = 3 * time.Second

	connectTimeout  = 10 * time.Second
	listToolsMaxAge = 15 * time.Second
	callToolMaxAge  = 30 * time.Second
)

// detectProtocol runs the five-step detection algorithm against baseURL,
// stopping at the first probe that succeeds.
func detectProtocol(ctx context.Context, baseURL string, httpClient *http.Client) (ProtocolKind, error) {
	if probeMCPStreamableHTTP(ctx, baseURL) {
		return ProtocolMCPStreamableHTTP, nil
	}
	if probeMCPSSE(ctx, baseURL, httpClient) {
		return ProtocolMCPSSE, nil
	}
	if probePlainHTTPTools(ctx, baseURL, httpClient) {
		return ProtocolPlainHTTP, nil
	}
	if probePlainHTTPRoot(ctx, baseURL, httpClient) {
		return ProtocolPlainHTTPFallback, nil
	}
	return ProtocolUnknown, &ProtocolUnknownError{BaseURL: baseURL}
}

func probeMCPStreamableHTTP(ctx context.Context, baseURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeStreamableHTTPTimeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: "relaycore", Version: "0.1.0"}, nil)
	transport := &mcp.StreamableClientTransport{Endpoint: baseURL + "/mcp"}

	session, err := client.Connect(probeCtx, transport, nil)
	if err != nil {
		return false
	}
	_ = session.Close()
	return true
}

func probeMCPSSE(ctx context.Context, baseURL string, httpClient *http.Client) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeSSETimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/sse", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func probePlainHTTPTools(ctx context.Context, baseURL string, httpClient *http.Client) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeToolsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/tools", nil)
	if err != nil {
		return false
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}

	var body json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return len(body) > 0 && (body[0] == '[' || body[0] == '{')
}

func probePlainHTTPRoot(ctx context.Context, baseURL string, httpClient *http.Client) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeRootTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL+"/", nil)
	if err != nil {
		return false
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func newClientForProtocol(ctx context.Context, kind ProtocolKind, baseURL string, httpClient *http.Client) (Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch kind {
	case ProtocolMCPStreamableHTTP:
		return newMCPClient(connectCtx, baseURL, &mcp.StreamableClientTransport{Endpoint: baseURL + "/mcp"}, kind)
	case ProtocolMCPSSE:
		return newMCPClient(connectCtx, baseURL, &mcp.SSEClientTransport{Endpoint: baseURL + "/sse"}, kind)
	case ProtocolPlainHTTP, ProtocolPlainHTTPFallback:
		c := newPlainHTTPClient(baseURL, httpClient)
		c.protocol = kind
		return c, nil
	default:
		return nil, &ProtocolUnknownError{BaseURL: baseURL}
	}
}
