package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainHTTPClientListToolsAcceptsFlatShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"name":"lookup","description":"look things up","parameters":{"type":"object"}}]`))
	}))
	defer srv.Close()

	c := newPlainHTTPClient(srv.URL, srv.Client())
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "lookup", tools[0].Name)
	assert.Equal(t, "look things up", tools[0].Description)
}

func TestPlainHTTPClientListToolsAcceptsNestedShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"type":"function","function":{"name":"lookup","description":"look things up","parameters":{"type":"object"}}}]`))
	}))
	defer srv.Close()

	c := newPlainHTTPClient(srv.URL, srv.Client())
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "lookup", tools[0].Name)
}

func TestPlainHTTPClientListToolsCaches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newPlainHTTPClient(srv.URL, srv.Client())
	_, err := c.ListTools(context.Background())
	require.NoError(t, err)
	_, err = c.ListTools(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestPlainHTTPClientCallTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/call", r.URL.Path)
		var req callToolRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "lookup", req.ToolName)
		_, _ = w.Write([]byte(`{"result":"42"}`))
	}))
	defer srv.Close()

	c := newPlainHTTPClient(srv.URL, srv.Client())
	result, err := c.CallTool(context.Background(), "lookup", json.RawMessage(`{"id":1}`))
	require.NoError(t, err)
	assert.Equal(t, "42", result)
}

func TestPlainHTTPClientCallToolErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"boom"}`))
	}))
	defer srv.Close()

	c := newPlainHTTPClient(srv.URL, srv.Client())
	_, err := c.CallTool(context.Background(), "lookup", json.RawMessage(`{}`))
	require.Error(t, err)

	var invErr *ToolInvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "lookup", invErr.ToolName)
}
