// Package openai implements the OpenAI-compatible provider adapter: a
// near-identity role mapping, tool calls framed with integer-indexed
// streaming deltas, and an SSE wire format terminated by a literal
// "[DONE]" sentinel rather than stream EOF.
package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/relaycore/orchestrator/message"
	"github.com/relaycore/orchestrator/provider"
)

func init() {
	provider.Register("openai", func() (provider.Adapter, error) {
		return New()
	})
}

// Adapter implements the OpenAI-compatible chat completions API.
type Adapter struct {
	client *client
}

// Option configures the OpenAI adapter.
type Option func(*adapterConfig)

type adapterConfig struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *adapterConfig) { c.apiKey = key }
}

// WithBaseURL sets a custom base URL, enabling any OpenAI-compatible
// gateway (vLLM, LiteLLM, etc.) that speaks the same wire format.
func WithBaseURL(url string) Option {
	return func(c *adapterConfig) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *adapterConfig) { c.httpClient = httpClient }
}

// New creates a new OpenAI adapter, falling back to OPENAI_API_KEY.
func New(opts ...Option) (*Adapter, error) {
	cfg := &adapterConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.apiKey == "" {
		cfg.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.apiKey == "" {
		return nil, &provider.AdapterError{Provider: "openai", Kind: provider.KindAuth, Message: "OPENAI_API_KEY required"}
	}

	return &Adapter{client: newClient(cfg.apiKey, cfg.baseURL, cfg.httpClient)}, nil
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "openai" }

// Call implements provider.Adapter.
func (a *Adapter) Call(ctx context.Context, req *provider.Request) (*message.ProviderResponse, error) {
	apiReq := buildRequest(req)

	apiResp, err := a.client.chatCompletion(ctx, apiReq)
	if err != nil {
		return nil, wrapError(err)
	}

	return convertResponse(apiResp), nil
}

// CallStream implements provider.Adapter.
func (a *Adapter) CallStream(ctx context.Context, req *provider.Request) (*message.ProviderResponse, *provider.StreamingHandle, error) {
	apiReq := buildRequest(req)

	reader, err := a.client.chatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, nil, wrapError(err)
	}

	s := &chunkStream{reader: reader, accumulated: &message.ProviderResponse{}, toolCalls: make(map[int]*message.ToolCall)}

	// Tool-call deltas accumulate by index over several frames before a
	// name is known, so discrimination waits for the first frame carrying
	// either text or a tool-call delta; once a tool-call delta is seen, the
	// remainder is drained so every index's deltas are collected.
	for s.Next() {
		if s.sawToolCalls {
			for s.Next() {
				// drain the remainder purely for usage accounting
			}
			if s.err != nil {
				return nil, nil, wrapError(s.err)
			}
			s.finalizeToolCalls()
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
	if s.sawToolCalls {
		s.finalizeToolCalls()
	}
	return s.accumulated, nil, nil
}

func buildRequest(req *provider.Request) *chatCompletionRequest {
	apiReq := &chatCompletionRequest{
		Model:       req.Model,
		Messages:    make([]chatMessage, 0, len(req.Messages)+1),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
		TopP:        req.TopP,
	}

	if req.SystemPrompt != "" {
		apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}

	for _, msg := range req.Messages {
		apiMsg := chatMessage{Role: string(msg.Role), Content: msg.Content}

		if msg.Role == message.RoleTool {
			apiMsg.ToolCallID = msg.ToolCallID
		}

		for _, tc := range msg.ToolCalls {
			apiMsg.ToolCalls = append(apiMsg.ToolCalls, toolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.FunctionName, Arguments: tc.ArgumentsJSON},
			})
		}

		apiReq.Messages = append(apiReq.Messages, apiMsg)
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, toolDef{
			Type:     "function",
			Function: functionDef{Name: t.Name, Description: t.Description, Parameters: t.ParametersJSONSchema},
		})
	}

	return apiReq
}

func convertResponse(resp *chatCompletionResponse) *message.ProviderResponse {
	result := &message.ProviderResponse{
		Usage: message.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}.Normalize(),
	}

	if len(resp.Choices) == 0 {
		return result
	}

	choiceMsg := resp.Choices[0].Message
	result.Content = choiceMsg.Content
	for _, tc := range choiceMsg.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, message.ToolCall{
			ID:            tc.ID,
			FunctionName:  tc.Function.Name,
			ArgumentsJSON: tc.Function.Arguments,
		})
	}

	return result
}

// chunkStream implements provider.ChunkStream over an OpenAI SSE stream,
// tracking tool-call deltas by index since name and arguments arrive split
// across frames.
type chunkStream struct {
	reader        *streamReader
	accumulated   *message.ProviderResponse
	err           error
	delta         string
	done          bool
	pendingReplay string
	sawToolCalls  bool
	toolCalls     map[int]*message.ToolCall
	toolOrder     []int
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

	chunk, err := s.reader.ReadChunk()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return false
		}
		s.err = err
		return false
	}

	s.delta = ""

	if len(chunk.Choices) > 0 {
		d := chunk.Choices[0].Delta
		if d.Content != "" {
			s.delta = d.Content
			s.accumulated.Content += d.Content
		}
		for _, tc := range d.ToolCalls {
			s.sawToolCalls = true
			existing, ok := s.toolCalls[tc.Index]
			if !ok {
				existing = &message.ToolCall{}
				s.toolCalls[tc.Index] = existing
				s.toolOrder = append(s.toolOrder, tc.Index)
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.FunctionName = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				existing.ArgumentsJSON += tc.Function.Arguments
			}
		}
	}

	if chunk.Usage != nil {
		s.accumulated.Usage = message.TokenUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}.Normalize()
	}

	return true
}

func (s *chunkStream) finalizeToolCalls() {
	for _, idx := range s.toolOrder {
		s.accumulated.ToolCalls = append(s.accumulated.ToolCalls, *s.toolCalls[idx])
	}
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
		return &provider.AdapterError{Provider: "openai", Kind: kind, Message: apiErr.Message, Cause: err}
	}
	return &provider.AdapterError{Provider: "openai", Kind: provider.KindTransport, Message: err.Error(), Cause: err}
}
