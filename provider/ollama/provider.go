// Package ollama implements the Ollama-family provider adapter: native
// /api/chat framing, options-nested generation parameters, and tool-call
// arguments carried as JSON objects rather than pre-stringified text.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/relaycore/orchestrator/message"
	"github.com/relaycore/orchestrator/provider"
)

func init() {
	provider.Register("ollama", func() (provider.Adapter, error) {
		return New()
	})
}

// Adapter implements the Ollama /api/chat API.
type Adapter struct {
	client *client
}

// Option configures the Ollama adapter.
type Option func(*adapterConfig)

type adapterConfig struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// WithAPIKey sets an optional bearer token, for Ollama-compatible gateways
// that sit in front of a local or hosted deployment. Plain local Ollama
// needs none.
func WithAPIKey(key string) Option {
	return func(c *adapterConfig) { c.apiKey = key }
}

// WithBaseURL sets a custom base URL, overriding the local default.
func WithBaseURL(url string) Option {
	return func(c *adapterConfig) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *adapterConfig) { c.httpClient = httpClient }
}

// New creates a new Ollama adapter. Unlike the hosted families, Ollama
// requires no API key for a local deployment; OLLAMA_API_KEY and
// OLLAMA_BASE_URL are consulted only if set.
func New(opts ...Option) (*Adapter, error) {
	cfg := &adapterConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.apiKey == "" {
		cfg.apiKey = os.Getenv("OLLAMA_API_KEY")
	}
	if cfg.baseURL == "" {
		cfg.baseURL = os.Getenv("OLLAMA_BASE_URL")
	}

	return &Adapter{client: newClient(cfg.apiKey, cfg.baseURL, cfg.httpClient)}, nil
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "ollama" }

// Call implements provider.Adapter.
func (a *Adapter) Call(ctx context.Context, req *provider.Request) (*message.ProviderResponse, error) {
	apiReq := buildRequest(req)

	apiResp, err := a.client.chat(ctx, apiReq)
	if err != nil {
		return nil, wrapError(err)
	}

	return convertResponse(apiResp), nil
}

// CallStream implements provider.Adapter.
func (a *Adapter) CallStream(ctx context.Context, req *provider.Request) (*message.ProviderResponse, *provider.StreamingHandle, error) {
	apiReq := buildRequest(req)

	reader, err := a.client.chatStream(ctx, apiReq)
	if err != nil {
		return nil, nil, wrapError(err)
	}

	s := &chunkStream{reader: reader, accumulated: &message.ProviderResponse{}}

	// Ollama delivers a tool-call batch as one complete frame (no
	// incremental tool-call deltas), so the first frame alone is enough to
	// discriminate a tool-call batch from a text stream.
	for s.Next() {
		if len(s.accumulated.ToolCalls) > 0 {
			for s.Next() {
				// drain the remainder purely for usage/duration accounting
			}
			if s.err != nil {
				return nil, nil, wrapError(s.err)
			}
			return s.accumulated, nil, nil
		}
		if s.delta != "" {
			s.pendingReplay = s.delta
			return nil, provider.NewStreamingHandle(s), nil
		}
	}
	if s.err != nil {
		return nil, nil, wrapError(s.err)
	}
	return s.accumulated, nil, nil
}

func buildRequest(req *provider.Request) *chatRequest {
	apiReq := &chatRequest{Model: req.Model, Messages: make([]chatMessage, 0, len(req.Messages))}

	if req.Temperature != 0 || req.TopP != 0 || req.MaxOutputTokens != 0 {
		apiReq.Options = &options{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxOutputTokens,
		}
	}

	systemPrompt := req.SystemPrompt
	for _, msg := range req.Messages {
		if msg.Role == message.RoleSystem {
			if systemPrompt == "" {
				systemPrompt = msg.Content
			}
			continue
		}

		apiMsg := chatMessage{Role: string(msg.Role)}

		if msg.Role == message.RoleTool {
			apiMsg.Role = "tool"
			apiMsg.Content = msg.Content
			apiReq.Messages = append(apiReq.Messages, apiMsg)
			continue
		}

		apiMsg.Content = msg.Content
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if tc.ArgumentsJSON != "" {
				if err := json.Unmarshal([]byte(tc.ArgumentsJSON), &args); err != nil {
					args = map[string]any{}
				}
			}
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, toolCall{
				Function: toolCallFunction{Name: tc.FunctionName, Arguments: args},
			})
		}

		apiReq.Messages = append(apiReq.Messages, apiMsg)
	}

	if systemPrompt != "" {
		apiReq.Messages = append([]chatMessage{{Role: "system", Content: systemPrompt}}, apiReq.Messages...)
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, toolDef{
			Type: "function",
			Function: toolDefFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.ParametersJSONSchema,
			},
		})
	}

	return apiReq
}

func convertResponse(resp *chatResponse) *message.ProviderResponse {
	result := &message.ProviderResponse{
		Content: resp.Message.Content,
		Usage: message.TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
		}.Normalize(),
		Duration: message.DurationUsage{
			TotalDuration:      resp.TotalDuration,
			LoadDuration:       resp.LoadDuration,
			PromptEvalDuration: resp.PromptEvalDur,
			EvalDuration:       resp.EvalDuration,
		},
	}

	for _, tc := range resp.Message.ToolCalls {
		argsJSON, _ := json.Marshal(tc.Function.Arguments)
		result.ToolCalls = append(result.ToolCalls, message.ToolCall{
			ID:            tc.Function.Name,
			FunctionName:  tc.Function.Name,
			ArgumentsJSON: string(argsJSON),
		})
	}

	return result
}

// chunkStream implements provider.ChunkStream over an Ollama NDJSON stream.
type chunkStream struct {
	reader        *streamReader
	accumulated   *message.ProviderResponse
	err           error
	delta         string
	done          bool
	pendingReplay string
}

func (s *chunkStream) Next() bool {
	if s.pendingReplay != "" {
		s.delta = s.pendingReplay
		s.pendingReplay = ""
		return true
	}
	if s.done || s.err != nil {
		return false
	}

	frame, err := s.reader.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return false
		}
		s.err = err
		return false
	}

	s.delta = frame.Message.Content
	s.accumulated.Content += frame.Message.Content

	for _, tc := range frame.Message.ToolCalls {
		argsJSON, _ := json.Marshal(tc.Function.Arguments)
		s.accumulated.ToolCalls = append(s.accumulated.ToolCalls, message.ToolCall{
			ID:            tc.Function.Name,
			FunctionName:  tc.Function.Name,
			ArgumentsJSON: string(argsJSON),
		})
	}

	if frame.Done {
		s.accumulated.Usage = message.TokenUsage{
			PromptTokens:     frame.PromptEvalCount,
			CompletionTokens: frame.EvalCount,
		}.Normalize()
		s.accumulated.Duration = message.DurationUsage{
			TotalDuration:      frame.TotalDuration,
			LoadDuration:       frame.LoadDuration,
			PromptEvalDuration: frame.PromptEvalDur,
			EvalDuration:       frame.EvalDuration,
		}
		s.done = true
	}

	return true
}

func (s *chunkStream) Delta() string                          { return s.delta }
func (s *chunkStream) Accumulated() *message.ProviderResponse { return s.accumulated }
func (s *chunkStream) Err() error                              { return s.err }
func (s *chunkStream) Close() error                            { return s.reader.Close() }

func wrapError(err error) *provider.AdapterError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		kind := provider.KindInvalidResponse
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			kind = provider.KindAuth
		case apiErr.StatusCode >= 500:
			kind = provider.KindTransport
		}
		return &provider.AdapterError{Provider: "ollama", Kind: kind, Message: apiErr.Message, Cause: err}
	}
	return &provider.AdapterError{Provider: "ollama", Kind: provider.KindTransport, Message: err.Error(), Cause: err}
}
