// Package server exposes the HTTP boundary: a chat endpoint that drives
// the tool-calling loop to completion or to a streaming handoff, a
// model-discovery endpoint backed by config.Registry, and a tool-server
// probe endpoint backed by toolserver detection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/relaycore/orchestrator/config"
	"github.com/relaycore/orchestrator/message"
	"github.com/relaycore/orchestrator/provider"
	"github.com/relaycore/orchestrator/stream"
	"github.com/relaycore/orchestrator/toolloop"
	"github.com/relaycore/orchestrator/toolserver"
)

// ErrEmptyMessages marks a chat request carrying no messages, the one
// InvalidRequest case with a fixed, errors.Is-comparable identity rather
// than a per-request formatted message.
var ErrEmptyMessages = errors.New("messages must be non-empty")

const requestTimeout = 15 * time.Minute

// Server wires the chat, model-discovery, and tool-probe HTTP handlers onto
// one mux. Tool dispatch is resolved per chat request by resolveToolDispatch
// from the request's toolServerURL or options.mcpServerUrl; a request that
// names neither runs without a dispatcher, and any tool call the model then
// requests is answered with an "Error: ..." tool message.
type Server struct {
	Providers *config.Registry
	Logger    *slog.Logger
}

// New constructs a Server. A nil logger defaults to slog.Default().
func New(providers *config.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Providers: providers, Logger: logger}
}

// Mux builds the HTTP routing table.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/model-list", s.handleModelList)
	mux.HandleFunc("/mcp-test", s.handleMCPTest)
	return mux
}

// InvalidRequestError marks a 400-surfaced request parsing failure.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string { return e.Message }

type chatRequest struct {
	SelectedModel string               `json:"selectedModel"`
	Messages      []message.Message    `json:"messages"`
	Options       *generationOptions   `json:"options,omitempty"`
	ToolServerURL string               `json:"toolServerURL,omitempty"`
	Tools         []message.ToolSchema `json:"tools,omitempty"`
}

// generationOptions mirrors the recognized GenerationConfig fields. Zero
// values fall back to the package defaults of the adapter or loop they feed.
type generationOptions struct {
	Stream           *bool   `json:"stream,omitempty"`
	TimeoutMs        int     `json:"timeoutMs,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"topP,omitempty"`
	PresencePenalty  float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty float64 `json:"frequencyPenalty,omitempty"`
	MCPServerURL     string  `json:"mcpServerUrl,omitempty"`
	SystemPrompt     string  `json:"systemPrompt,omitempty"`
	MaxToolCalls     int     `json:"maxToolCalls,omitempty"`
}

func (o *generationOptions) streaming() bool {
	return o == nil || o.Stream == nil || *o.Stream
}

func (o *generationOptions) callTimeout() time.Duration {
	if o == nil || o.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

type chatResponseBody struct {
	Content  string                `json:"content"`
	Usage    message.TokenUsage    `json:"usage"`
	Duration message.DurationUsage `json:"duration"`
}

// parseSelectedModel splits "provider:model" on the first colon, since
// model names may themselves contain colons (e.g. "qwen3:0.6b").
func parseSelectedModel(selected string) (providerName, model string, err error) {
	idx := strings.IndexByte(selected, ':')
	if idx <= 0 || idx == len(selected)-1 {
		return "", "", &InvalidRequestError{Message: fmt.Sprintf("selectedModel %q must be of the form provider:model", selected)}
	}
	return selected[:idx], selected[idx+1:], nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := requireJSONContentType(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, ErrEmptyMessages.Error())
		return
	}
	if err := message.Validate(req.Messages); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	providerName, model, err := parseSelectedModel(req.SelectedModel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	adapter, err := provider.Get(providerName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dispatch, tools := s.resolveToolDispatch(ctx, req)

	loopReq := &toolloop.Request{
		Model:    model,
		Messages: req.Messages,
		Tools:    tools,
		Dispatch: dispatch,
	}
	if req.Options != nil {
		loopReq.SystemPrompt = req.Options.SystemPrompt
		loopReq.MaxOutputTokens = req.Options.MaxOutputTokens
		loopReq.Temperature = req.Options.Temperature
		loopReq.TopP = req.Options.TopP
		loopReq.PresencePenalty = req.Options.PresencePenalty
		loopReq.FrequencyPenalty = req.Options.FrequencyPenalty
		loopReq.MaxToolCalls = req.Options.MaxToolCalls
		loopReq.CallTimeout = req.Options.callTimeout()
	}

	if req.Options.streaming() {
		s.streamChat(ctx, w, adapter, loopReq)
		return
	}

	result, err := toolloop.Run(ctx, adapter, loopReq)
	if err != nil {
		s.Logger.Error("chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatResponseBody{
		Content:  result.Content,
		Usage:    result.Usage,
		Duration: result.Duration,
	})
}

func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, adapter provider.Adapter, loopReq *toolloop.Request) {
	result, err := toolloop.RunStreaming(ctx, adapter, loopReq)
	if err != nil {
		s.Logger.Error("streaming chat request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := stream.Write(w, result, stream.EventMode); err != nil {
		s.Logger.Warn("streaming chat write interrupted", "error", err)
	}
}

// resolveToolDispatch builds a ToolDispatcher routing every requested tool
// call to the single tool server named by req.ToolServerURL (or, absent
// that, req.Options.MCPServerURL), discovering its schema through
// toolserver.Get. A detection or ListTools failure is logged and swallowed:
// the loop proceeds toolless rather than failing the request.
func (s *Server) resolveToolDispatch(ctx context.Context, req chatRequest) (toolloop.ToolDispatcher, []message.ToolSchema) {
	toolServerURL := req.ToolServerURL
	if toolServerURL == "" && req.Options != nil {
		toolServerURL = req.Options.MCPServerURL
	}
	if toolServerURL == "" {
		return nil, req.Tools
	}

	client, err := toolserver.Get(ctx, toolServerURL)
	if err != nil {
		s.Logger.Warn("tool server discovery failed, proceeding without tools", "url", toolServerURL, "error", err)
		return nil, req.Tools
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		s.Logger.Warn("tool list discovery failed, proceeding without tools", "url", toolServerURL, "error", err)
		return nil, req.Tools
	}

	dispatch := func(ctx context.Context, tc message.ToolCall) (string, error) {
		return client.CallTool(ctx, tc.FunctionName, json.RawMessage(tc.ArgumentsJSON))
	}
	return dispatch, append(tools, req.Tools...)
}

func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("type") != "options" {
		writeError(w, http.StatusBadRequest, "type=options is required")
		return
	}
	writeJSON(w, http.StatusOK, s.Providers.ModelOptions())
}

type mcpTestRequest struct {
	URL string `json:"url"`
}

type mcpTestResponse struct {
	Status     string                `json:"status"`
	ServerType string                `json:"serverType"`
	ToolsCount int                   `json:"toolsCount,omitempty"`
	Tools      []message.ToolSchema  `json:"tools,omitempty"`
	Message    string                `json:"message"`
	Error      string                `json:"error,omitempty"`
	Details    string                `json:"details,omitempty"`
}

func serverTypeFor(kind toolserver.ProtocolKind) string {
	switch kind {
	case toolserver.ProtocolMCPStreamableHTTP, toolserver.ProtocolMCPSSE:
		return "FastMCP"
	case toolserver.ProtocolPlainHTTP:
		return "FastAPI"
	case toolserver.ProtocolPlainHTTPFallback:
		return "FastAPI (HTTP fallback)"
	default:
		return "unknown"
	}
}

func (s *Server) handleMCPTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req mcpTestRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	client, err := toolserver.Get(ctx, req.URL)
	if err != nil {
		writeJSON(w, http.StatusOK, mcpTestResponse{
			Status:     "error",
			ServerType: "unknown",
			Message:    "protocol detection failed",
			Error:      err.Error(),
		})
		return
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, mcpTestResponse{
			Status:     "error",
			ServerType: serverTypeFor(client.Protocol()),
			Message:    "tool discovery failed",
			Error:      err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, mcpTestResponse{
		Status:     "ok",
		ServerType: serverTypeFor(client.Protocol()),
		ToolsCount: len(tools),
		Tools:      tools,
		Message:    fmt.Sprintf("discovered %d tool(s)", len(tools)),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}
