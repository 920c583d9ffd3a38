// Package gemini implements the Gemini-family provider adapter: role
// remapping (assistant -> model), system-instruction lifting, and
// functionCall/functionResponse tool-call framing.
package gemini

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
	provider.Register("gemini", func() (provider.Adapter, error) {
		return New()
	})
}

// Adapter implements the Gemini generateContent API.
type Adapter struct {
	client *client
}

// Option configures the Gemini adapter.
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

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(c *adapterConfig) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *adapterConfig) { c.httpClient = httpClient }
}

// New creates a new Gemini adapter, falling back to GEMINI_API_KEY.
func New(opts ...Option) (*Adapter, error) {
	cfg := &adapterConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.apiKey == "" {
		cfg.apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.apiKey == "" {
		return nil, &provider.AdapterError{Provider: "gemini", Kind: provider.KindAuth, Message: "GEMINI_API_KEY required"}
	}

	return &Adapter{client: newClient(cfg.apiKey, cfg.baseURL, cfg.httpClient)}, nil
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "gemini" }

// Call implements provider.Adapter.
func (a *Adapter) Call(ctx context.Context, req *provider.Request) (*message.ProviderResponse, error) {
	apiReq := buildRequest(req)

	apiResp, err := a.client.generateContent(ctx, req.Model, apiReq)
	if err != nil {
		return nil, wrapError(err)
	}

	return convertResponse(apiResp), nil
}

// CallStream implements provider.Adapter.
func (a *Adapter) CallStream(ctx context.Context, req *provider.Request) (*message.ProviderResponse, *provider.StreamingHandle, error) {
	apiReq := buildRequest(req)

	reader, err := a.client.streamGenerateContent(ctx, req.Model, apiReq)
	if err != nil {
		return nil, nil, wrapError(err)
	}

	s := &chunkStream{reader: reader, accumulated: &message.ProviderResponse{}}

	// Peek the first non-empty chunk to discriminate a tool-call batch from
	// a text stream, per the adapter contract.
	for s.Next() {
		if len(s.accumulated.ToolCalls) > 0 {
			for s.Next() {
				// drain the remainder purely for usage accounting
			}
			if s.err != nil {
				return nil, nil, wrapError(s.err)
			}
			return s.accumulated, nil, nil
		}
		if s.delta != "" {
			// The first chunk has already been consumed to make the
			// tool-call-vs-text decision; replay it through Next/Delta so
			// Chunks() still yields every delta in order.
			s.pendingReplay = s.delta
			return nil, provider.NewStreamingHandle(s), nil
		}
	}
	if s.err != nil {
		return nil, nil, wrapError(s.err)
	}
	// Zero chunks before EOF: terminal empty response, not retried.
	return s.accumulated, nil, nil
}

func buildRequest(req *provider.Request) *generateContentRequest {
	apiReq := &generateContentRequest{Contents: make([]content, 0, len(req.Messages))}

	if req.Temperature != 0 || req.MaxOutputTokens != 0 || req.TopP != 0 {
		apiReq.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
			TopP:            req.TopP,
		}
	}

	if req.SystemPrompt != "" {
		apiReq.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	for _, msg := range req.Messages {
		if msg.Role == message.RoleSystem {
			apiReq.SystemInstruction = &content{Parts: []part{{Text: msg.Content}}}
			continue
		}

		apiContent := content{Role: convertRole(msg.Role), Parts: make([]part, 0, 1)}

		if msg.Role == message.RoleTool {
			var responseData any
			if err := json.Unmarshal([]byte(msg.Content), &responseData); err != nil {
				responseData = msg.Content
			}
			apiContent.Role = "function"
			apiContent.Parts = append(apiContent.Parts, part{
				FunctionResponse: &functionResponse{
					Name:     msg.ToolCallID,
					Response: map[string]any{"result": responseData},
				},
			})
			apiReq.Contents = append(apiReq.Contents, apiContent)
			continue
		}

		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if tc.ArgumentsJSON != "" {
				if err := json.Unmarshal([]byte(tc.ArgumentsJSON), &args); err != nil {
					args = map[string]any{}
				}
			}
			apiContent.Parts = append(apiContent.Parts, part{FunctionCall: &functionCall{Name: tc.FunctionName, Args: args}})
		}

		if msg.Content != "" {
			apiContent.Parts = append(apiContent.Parts, part{Text: msg.Content})
		}

		if len(apiContent.Parts) > 0 {
			apiReq.Contents = append(apiReq.Contents, apiContent)
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]functionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.ParametersJSONSchema})
		}
		apiReq.Tools = []tool{{FunctionDeclarations: decls}}
	}

	return apiReq
}

func convertResponse(resp *generateContentResponse) *message.ProviderResponse {
	result := &message.ProviderResponse{}

	if resp.UsageMetadata != nil {
		result.Usage = message.TokenUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}.Normalize()
	}

	if len(resp.Candidates) == 0 {
		return result
	}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, p := range candidate.Content.Parts {
			if p.Text != "" {
				result.Content += p.Text
			}
			if p.FunctionCall != nil {
				argsJSON, _ := json.Marshal(p.FunctionCall.Args)
				result.ToolCalls = append(result.ToolCalls, message.ToolCall{
					ID:            p.FunctionCall.Name,
					FunctionName:  p.FunctionCall.Name,
					ArgumentsJSON: string(argsJSON),
				})
			}
		}
	}

	return result
}

func convertRole(role message.Role) string {
	if role == message.RoleAssistant {
		return "model"
	}
	return "user"
}

// chunkStream implements provider.ChunkStream over a Gemini SSE stream.
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

	if chunk.UsageMetadata != nil {
		s.accumulated.Usage = message.TokenUsage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}.Normalize()
	}

	if len(chunk.Candidates) > 0 && chunk.Candidates[0].Content != nil {
		for _, p := range chunk.Candidates[0].Content.Parts {
			if p.Text != "" {
				s.delta += p.Text
				s.accumulated.Content += p.Text
			}
			if p.FunctionCall != nil {
				argsJSON, _ := json.Marshal(p.FunctionCall.Args)
				s.accumulated.ToolCalls = append(s.accumulated.ToolCalls, message.ToolCall{
					ID:            p.FunctionCall.Name,
					FunctionName:  p.FunctionCall.Name,
					ArgumentsJSON: string(argsJSON),
				})
			}
		}
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
		return &provider.AdapterError{Provider: "gemini", Kind: kind, Message: apiErr.Message, Cause: err}
	}
	return &provider.AdapterError{Provider: "gemini", Kind: provider.KindTransport, Message: err.Error(), Cause: err}
}
