// Package toolloop drives the tool-calling state machine: call the model,
// dispatch any requested tool calls concurrently, fold the results back
// into the conversation, and repeat until a terminal textual answer (or a
// streaming handoff) is reached.
package toolloop

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaycore/orchestrator/deadline"
	"github.com/relaycore/orchestrator/message"
	"github.com/relaycore/orchestrator/provider"
)

const (
	defaultMaxToolCalls = 5
	defaultCallTimeout  = 60 * time.Second
	defaultToolTimeout  = 30 * time.Second
)

// ToolDispatcher invokes one requested tool call and returns its textual
// result. Implementations typically route by tc.FunctionName to a
// toolserver.Client's CallTool.
type ToolDispatcher func(ctx context.Context, tc message.ToolCall) (string, error)

// Request is the loop's input for one chat turn, spanning as many
// tool-calling iterations as the model requests.
type Request struct {
	Model           string
	Messages        []message.Message
	SystemPrompt    string
	Tools           []message.ToolSchema
	Dispatch        ToolDispatcher
	MaxOutputTokens  int
	Temperature      float64
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64

	// MaxToolCalls bounds loop iterations; 0 uses the package default.
	MaxToolCalls int
	// CallTimeout bounds each call into the provider; 0 uses the package default.
	CallTimeout time.Duration
	// ToolTimeout bounds each individual tool invocation; 0 uses the package default.
	ToolTimeout time.Duration
}

// Result is the loop's non-streaming terminal outcome.
type Result struct {
	Content  string
	Usage    message.TokenUsage
	Duration message.DurationUsage
}

// MaxIterationsExceededError reports that the model kept requesting tool
// calls past the configured iteration cap.
type MaxIterationsExceededError struct {
	MaxToolCalls int
}

func (e *MaxIterationsExceededError) Error() string {
	return fmt.Sprintf("toolloop: exceeded max_tool_calls (%d) without a final answer", e.MaxToolCalls)
}

func (r *Request) resolvedLimits() (maxToolCalls int, callTimeout, toolTimeout time.Duration) {
	maxToolCalls = r.MaxToolCalls
	if maxToolCalls <= 0 {
		maxToolCalls = defaultMaxToolCalls
	}
	callTimeout = r.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	toolTimeout = r.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = defaultToolTimeout
	}
	return
}

func (r *Request) providerRequest(conv []message.Message) *provider.Request {
	return &provider.Request{
		Model:            r.Model,
		Messages:         conv,
		Tools:            r.Tools,
		SystemPrompt:     r.SystemPrompt,
		MaxOutputTokens:  r.MaxOutputTokens,
		Temperature:      r.Temperature,
		TopP:             r.TopP,
		PresencePenalty:  r.PresencePenalty,
		FrequencyPenalty: r.FrequencyPenalty,
	}
}

// Run executes the loop to a non-streaming terminal answer.
func Run(ctx context.Context, adapter provider.Adapter, req *Request) (*Result, error) {
	maxToolCalls, callTimeout, toolTimeout := req.resolvedLimits()

	conv := append([]message.Message(nil), req.Messages...)
	var usageAcc message.TokenUsage
	var durationAcc message.DurationUsage

	for iter := 0; ; iter++ {
		presp, err := deadline.Do(ctx, callTimeout, func(ctx context.Context) (*message.ProviderResponse, error) {
			return adapter.Call(ctx, req.providerRequest(conv))
		})
		if err != nil {
			return nil, err
		}

		usageAcc = usageAcc.Add(presp.Usage)
		durationAcc = durationAcc.Add(presp.Duration)

		if !presp.HasToolCalls() {
			return &Result{Content: presp.Content, Usage: usageAcc, Duration: durationAcc}, nil
		}

		if iter >= maxToolCalls {
			return nil, &MaxIterationsExceededError{MaxToolCalls: maxToolCalls}
		}

		conv = append(conv, message.AssistantToolCalls(presp.ToolCalls))

		toolMsgs, err := dispatchToolCalls(ctx, req.Dispatch, presp.ToolCalls, toolTimeout)
		if err != nil {
			return nil, err
		}
		conv = append(conv, toolMsgs...)
	}
}

// StreamResult is the loop's streaming terminal outcome: a live text
// stream plus usage/duration totals that resolve once the stream drains,
// combining every prior tool-dispatch iteration's accumulated totals with
// the terminal turn's.
type StreamResult struct {
	handle        *provider.StreamingHandle
	priorUsage    message.TokenUsage
	priorDuration message.DurationUsage
}

// Chunks returns the live text sequence, range-over-func style.
func (r *StreamResult) Chunks() func(yield func(string) bool) {
	return r.handle.Chunks()
}

// Err returns the terminal stream error, if any. Meaningful only once Chunks
// has been fully drained.
func (r *StreamResult) Err() error {
	return r.handle.Err()
}

// Close releases the underlying transport.
func (r *StreamResult) Close() error {
	return r.handle.Close()
}

// FinalUsage returns the grand total once Chunks has been fully drained.
func (r *StreamResult) FinalUsage() message.TokenUsage {
	return r.priorUsage.Add(r.handle.FinalUsage())
}

// FinalDuration returns the grand total once Chunks has been fully drained.
func (r *StreamResult) FinalDuration() message.DurationUsage {
	return r.priorDuration.Add(r.handle.FinalDuration())
}

// RunStreaming executes the loop, dispatching any requested tool calls
// exactly as Run does, until the model's reply is a terminal text stream.
func RunStreaming(ctx context.Context, adapter provider.Adapter, req *Request) (*StreamResult, error) {
	maxToolCalls, callTimeout, toolTimeout := req.resolvedLimits()

	conv := append([]message.Message(nil), req.Messages...)
	var usageAcc message.TokenUsage
	var durationAcc message.DurationUsage

	for iter := 0; ; iter++ {
		type streamOutcome struct {
			resp   *message.ProviderResponse
			handle *provider.StreamingHandle
		}

		outcome, err := deadline.Do(ctx, callTimeout, func(ctx context.Context) (streamOutcome, error) {
			resp, handle, err := adapter.CallStream(ctx, req.providerRequest(conv))
			return streamOutcome{resp: resp, handle: handle}, err
		})
		if err != nil {
			return nil, err
		}

		if outcome.handle != nil {
			return &StreamResult{handle: outcome.handle, priorUsage: usageAcc, priorDuration: durationAcc}, nil
		}

		presp := outcome.resp

		if !presp.HasToolCalls() {
			// A terminal reply arrived in already-resolved form (e.g. an
			// empty response); its usage/duration are supplied through
			// FinalUsage/FinalDuration exactly like a live handle's, so
			// priorUsage/priorDuration must not double-count it here.
			return &StreamResult{handle: provider.NewStreamingHandle(&staticChunkStream{resp: presp}), priorUsage: usageAcc, priorDuration: durationAcc}, nil
		}

		usageAcc = usageAcc.Add(presp.Usage)
		durationAcc = durationAcc.Add(presp.Duration)

		if iter >= maxToolCalls {
			return nil, &MaxIterationsExceededError{MaxToolCalls: maxToolCalls}
		}

		conv = append(conv, message.AssistantToolCalls(presp.ToolCalls))

		toolMsgs, err := dispatchToolCalls(ctx, req.Dispatch, presp.ToolCalls, toolTimeout)
		if err != nil {
			return nil, err
		}
		conv = append(conv, toolMsgs...)
	}
}

// staticChunkStream wraps an already-complete ProviderResponse as a
// one-chunk ChunkStream, for the edge case where CallStream's first-chunk
// peek yields a terminal empty (or otherwise non-tool-call) response
// directly rather than handing back a live handle.
type staticChunkStream struct {
	resp    *message.ProviderResponse
	yielded bool
}

func (s *staticChunkStream) Next() bool {
	if s.yielded {
		return false
	}
	s.yielded = true
	return true
}

func (s *staticChunkStream) Delta() string                          { return s.resp.Content }
func (s *staticChunkStream) Accumulated() *message.ProviderResponse { return s.resp }
func (s *staticChunkStream) Err() error                              { return nil }
func (s *staticChunkStream) Close() error                            { return nil }

// dispatchToolCalls runs every call in the batch concurrently via errgroup,
// placing each result at its call's original index so completion order
// never affects the folded conversation order. An individual tool's
// failure becomes an "Error: ..." tool message rather than aborting the
// batch.
func dispatchToolCalls(ctx context.Context, dispatch ToolDispatcher, calls []message.ToolCall, timeout time.Duration) ([]message.Message, error) {
	results := make([]message.Message, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range calls {
		i, tc := i, tc
		g.Go(func() error {
			content, err := deadline.Do(gctx, timeout, func(ctx context.Context) (string, error) {
				if dispatch == nil {
					return "", fmt.Errorf("no tool dispatcher configured for %q", tc.FunctionName)
				}
				return dispatch(ctx, tc)
			})
			if err != nil {
				content = fmt.Sprintf("Error: %v", err)
			}
			results[i] = message.Tool(tc.ID, content)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
