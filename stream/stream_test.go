package stream

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/orchestrator/message"
	"github.com/relaycore/orchestrator/provider"
	"github.com/relaycore/orchestrator/toolloop"
)

// singleShotAdapter hands back one pre-built StreamingHandle from CallStream,
// standing in for a real provider.Adapter so Write can be exercised against
// a toolloop.StreamResult without any network I/O.
type singleShotAdapter struct {
	handle *provider.StreamingHandle
}

func (a *singleShotAdapter) Name() string { return "single-shot" }

func (a *singleShotAdapter) Call(ctx context.Context, req *provider.Request) (*message.ProviderResponse, error) {
	return &message.ProviderResponse{}, nil
}

func (a *singleShotAdapter) CallStream(ctx context.Context, req *provider.Request) (*message.ProviderResponse, *provider.StreamingHandle, error) {
	return nil, a.handle, nil
}

// fakeChunkStream is a minimal provider.ChunkStream for exercising Write.
type fakeChunkStream struct {
	deltas     []string
	idx        int
	usage      message.TokenUsage
	duration   message.DurationUsage
	err        error
	failAtStep int
}

func (f *fakeChunkStream) Next() bool {
	if f.failAtStep > 0 && f.idx == f.failAtStep {
		f.err = assertErr
		return false
	}
	if f.idx >= len(f.deltas) {
		return false
	}
	f.idx++
	return true
}

func (f *fakeChunkStream) Delta() string { return f.deltas[f.idx-1] }

func (f *fakeChunkStream) Accumulated() *message.ProviderResponse {
	return &message.ProviderResponse{Usage: f.usage, Duration: f.duration}
}

func (f *fakeChunkStream) Err() error   { return f.err }
func (f *fakeChunkStream) Close() error { return nil }

var assertErr = assertStreamError("upstream exploded")

type assertStreamError string

func (e assertStreamError) Error() string { return string(e) }

func newStreamResult(t *testing.T, cs provider.ChunkStream) *toolloop.StreamResult {
	t.Helper()
	adapter := &singleShotAdapter{handle: provider.NewStreamingHandle(cs)}
	result, err := toolloop.RunStreaming(context.Background(), adapter, &toolloop.Request{
		Model:    "test-model",
		Messages: []message.Message{message.User("hi")},
	})
	require.NoError(t, err)
	return result
}

func TestWriteEventFramingOrdersTextThenUsageThenDuration(t *testing.T) {
	cs := &fakeChunkStream{
		deltas:   []string{"he", "llo"},
		usage:    message.TokenUsage{PromptTokens: 1, CompletionTokens: 3, TotalTokens: 4},
		duration: message.DurationUsage{TotalDuration: 100},
	}
	result := newStreamResult(t, cs)

	var buf bytes.Buffer
	err := Write(&buf, result, EventMode)
	require.NoError(t, err)

	out := buf.String()
	textIdx := strings.Index(out, `"type":"text"`)
	usageIdx := strings.Index(out, `"type":"usage"`)
	durationIdx := strings.Index(out, `"type":"duration"`)

	require.NotEqual(t, -1, textIdx)
	require.NotEqual(t, -1, usageIdx)
	require.NotEqual(t, -1, durationIdx)
	assert.Less(t, textIdx, usageIdx)
	assert.Less(t, usageIdx, durationIdx)
}

func TestWriteRawFramingEmitsOnlyText(t *testing.T) {
	cs := &fakeChunkStream{
		deltas:   []string{"he", "llo"},
		usage:    message.TokenUsage{PromptTokens: 1, CompletionTokens: 3, TotalTokens: 4},
		duration: message.DurationUsage{TotalDuration: 100},
	}
	result := newStreamResult(t, cs)

	var buf bytes.Buffer
	err := Write(&buf, result, Raw)
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())
}

func TestWriteOmitsTrailersOnUpstreamError(t *testing.T) {
	cs := &fakeChunkStream{deltas: []string{"he", "llo"}, failAtStep: 2}
	result := newStreamResult(t, cs)

	var buf bytes.Buffer
	err := Write(&buf, result, EventMode)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"type":"text"`)
	assert.NotContains(t, out, `"type":"usage"`)
	assert.NotContains(t, out, `"type":"duration"`)
}

func TestWriteOmitsTrailersWhenAbsent(t *testing.T) {
	cs := &fakeChunkStream{deltas: []string{"hi"}}
	result := newStreamResult(t, cs)

	var buf bytes.Buffer
	err := Write(&buf, result, EventMode)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"type":"text"`)
	assert.NotContains(t, out, `"type":"usage"`)
	assert.NotContains(t, out, `"type":"duration"`)
}

type failingWriter struct{ failAfter int }

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.failAfter <= 0 {
		return 0, assertErr
	}
	w.failAfter--
	return len(p), nil
}

func TestWriteStopsOnClientDisconnect(t *testing.T) {
	cs := &fakeChunkStream{deltas: []string{"he", "llo", "!"}}
	result := newStreamResult(t, cs)

	w := &failingWriter{failAfter: 0}
	err := Write(w, result, Raw)
	require.Error(t, err)
}
