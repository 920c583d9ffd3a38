package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaycore/orchestrator/message"
	"github.com/relaycore/orchestrator/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := New(WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return a
}

func TestNewRequiresNoAPIKey(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.Equal(t, "ollama", a.Name())
}

func TestCallReturnsTextResponse(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		fmt.Fprint(w, `{
			"message": {"role": "assistant", "content": "hello there"},
			"done": true,
			"prompt_eval_count": 5,
			"eval_count": 2,
			"total_duration": 1000000,
			"load_duration": 200000,
			"prompt_eval_duration": 300000,
			"eval_duration": 400000
		}`)
	})

	resp, err := a.Call(context.Background(), &provider.Request{
		Model:    "qwen3:0.6b",
		Messages: []message.Message{message.User("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 5, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
	assert.Equal(t, int64(1000000), resp.Duration.TotalDuration)
	assert.False(t, resp.HasToolCalls())
}

func TestCallReturnsToolCalls(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"message": {"role": "assistant", "content": "",
				"tool_calls": [{"function": {"name": "get_weather", "arguments": {"city": "Tokyo"}}}]
			},
			"done": true
		}`)
	})

	resp, err := a.Call(context.Background(), &provider.Request{
		Model:    "qwen3:0.6b",
		Messages: []message.Message{message.User("weather in Tokyo?")},
	})
	require.NoError(t, err)
	require.True(t, resp.HasToolCalls())
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_weather", resp.ToolCalls[0].FunctionName)
	assert.JSONEq(t, `{"city":"Tokyo"}`, resp.ToolCalls[0].ArgumentsJSON)
}

func TestCallWrapsAuthErrorFromStatus(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "invalid token"}`)
	})

	_, err := a.Call(context.Background(), &provider.Request{Model: "qwen3:0.6b"})
	require.Error(t, err)
	var adapterErr *provider.AdapterError
	require.ErrorAs(t, err, &adapterErr)
	assert.Equal(t, provider.KindAuth, adapterErr.Kind)
}

func TestCallStreamYieldsTextChunksThenUsageAndDuration(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		frames := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":3,"eval_count":2,"total_duration":500,"load_duration":100,"prompt_eval_duration":150,"eval_duration":200}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n", f)
		}
	})

	resp, handle, err := a.CallStream(context.Background(), &provider.Request{
		Model:    "qwen3:0.6b",
		Messages: []message.Message{message.User("hi")},
	})
	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, handle)
	defer func() { _ = handle.Close() }()

	var got string
	for chunk := range handle.Chunks() {
		got += chunk
	}
	require.NoError(t, handle.Err())
	assert.Equal(t, "Hello", got)
	assert.Equal(t, 3, handle.FinalUsage().PromptTokens)
	assert.Equal(t, int64(500), handle.FinalDuration().TotalDuration)
}

func TestCallStreamDetectsToolCallBatchFromFirstFrame(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		frames := []string{
			`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"get_weather","arguments":{"city":"Tokyo"}}}]},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":8,"eval_count":3}`,
		}
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n", f)
		}
	})

	resp, handle, err := a.CallStream(context.Background(), &provider.Request{
		Model:    "qwen3:0.6b",
		Messages: []message.Message{message.User("weather?")},
	})
	require.NoError(t, err)
	require.Nil(t, handle)
	require.NotNil(t, resp)
	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "get_weather", resp.ToolCalls[0].FunctionName)
	assert.Equal(t, 8, resp.Usage.PromptTokens)
}

func TestBuildRequestHoistsSystemPromptToFront(t *testing.T) {
	var captured chatRequest
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"ok"},"done":true}`)
	})

	_, err := a.Call(context.Background(), &provider.Request{
		Model:        "qwen3:0.6b",
		SystemPrompt: "be terse",
		Messages:     []message.Message{message.User("hi")},
	})
	require.NoError(t, err)
	require.NotEmpty(t, captured.Messages)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "be terse", captured.Messages[0].Content)
}
