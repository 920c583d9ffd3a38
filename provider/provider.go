// Package provider defines the adapter contract that normalizes the three
// upstream model families (Gemini, Ollama, OpenAI-compatible) onto one
// internal request/response schema. The tool-calling loop never sees a
// provider-native shape.
package provider

import (
	"context"

	"github.com/relaycore/orchestrator/message"
)

// Request is the canonical outgoing call, already stripped of any
// provider-native vocabulary.
type Request struct {
	Model            string
	Messages         []message.Message
	Tools            []message.ToolSchema
	SystemPrompt     string
	MaxOutputTokens  int
	Temperature      float64
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
}

// ChunkStream is a single-pass, not-restartable stream of text deltas from a
// provider's streaming endpoint, the native building block beneath
// StreamingHandle.
type ChunkStream interface {
	// Next advances to the next chunk. Returns false at EOF or on error;
	// callers distinguish the two via Err.
	Next() bool
	// Delta returns the text fragment carried by the current chunk, if any.
	Delta() string
	// Accumulated returns the running response built from every chunk
	// consumed so far. Usage/Duration are only meaningful once Next returns
	// false with Err() == nil, i.e. the stream reached its terminal chunk.
	Accumulated() *message.ProviderResponse
	Err() error
	Close() error
}

// StreamingHandle is the triple of (live text chunks, promised usage,
// promised duration) returned when a model has begun emitting its terminal
// textual answer. Usage/Duration are resolvable only after the stream is
// fully drained.
type StreamingHandle struct {
	stream ChunkStream
}

// NewStreamingHandle wraps a native chunk stream. Adapters construct one
// after having already peeked the first chunk to rule out a tool-call
// batch; that peeked chunk must still be reachable through the stream's own
// Next/Delta (adapters buffer it internally), not replayed here.
func NewStreamingHandle(stream ChunkStream) *StreamingHandle {
	return &StreamingHandle{stream: stream}
}

// Chunks returns a lazy, single-pass sequence of text fragments, in the
// range-over-func style (Go 1.23+).
func (h *StreamingHandle) Chunks() func(yield func(string) bool) {
	return func(yield func(string) bool) {
		for h.stream.Next() {
			d := h.stream.Delta()
			if d == "" {
				continue
			}
			if !yield(d) {
				_ = h.stream.Close()
				return
			}
		}
	}
}

// Err returns the terminal stream error, if any. Meaningful only after the
// sequence returned by Chunks has been fully drained.
func (h *StreamingHandle) Err() error {
	return h.stream.Err()
}

// Close releases the underlying transport. Safe after a full drain, and
// mandatory if a consumer abandons the stream early.
func (h *StreamingHandle) Close() error {
	return h.stream.Close()
}

// FinalUsage returns the promised usage total. Valid only once Chunks has
// been fully drained and Err() == nil.
func (h *StreamingHandle) FinalUsage() message.TokenUsage {
	return h.stream.Accumulated().Usage
}

// FinalDuration returns the promised duration total. Valid only once Chunks
// has been fully drained and Err() == nil.
func (h *StreamingHandle) FinalDuration() message.DurationUsage {
	return h.stream.Accumulated().Duration
}

// Adapter is a fixed-family translator between canonical messages and a
// provider's native wire format. Call and CallStream are the two
// lower-level operations the adapter contract names; CallStream performs
// the first-chunk discrimination (tool-call batch vs. text stream) and
// returns exactly one of (*message.ProviderResponse, *StreamingHandle).
type Adapter interface {
	// Name identifies the provider family, e.g. "gemini", "ollama", "openai".
	Name() string

	// Call performs a single non-streaming round trip.
	Call(ctx context.Context, req *Request) (*message.ProviderResponse, error)

	// CallStream performs a streaming round trip. If the model's reply is a
	// tool-call batch, resp is non-nil and handle is nil. Otherwise resp is
	// nil and handle is non-nil, carrying the terminal text stream.
	CallStream(ctx context.Context, req *Request) (resp *message.ProviderResponse, handle *StreamingHandle, err error)
}
