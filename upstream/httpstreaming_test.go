package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSSEResponse(w http.ResponseWriter, resp rpcResponse) {
	data, _ := json.Marshal(resp)
	fmt.Fprintf(w, "event: response\ndata: %s\n\n", data)
}

func TestHTTPStreamingConnectorCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "text/event-stream")
		writeSSEResponse(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	c, err := NewHTTPStreamingConnector(HTTPStreamingConfig{URL: srv.URL})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), Request{ID: "r1", Tool: "get"})
	require.NoError(t, err)
	assert.Nil(t, resp.Err)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestHTTPStreamingConnectorErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "text/event-stream")
		data, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32603, "message": "boom"},
		})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
	}))
	defer srv.Close()

	c, err := NewHTTPStreamingConnector(HTTPStreamingConfig{URL: srv.URL})
	require.NoError(t, err)

	resp, err := c.Call(context.Background(), Request{ID: "r1", Tool: "get"})
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	assert.Equal(t, -32603, resp.Err.Code)
}

func TestHTTPStreamingConnectorGetManifestRequestsJSONSuffixedWellKnownPath(t *testing.T) {
	var requestedPath string
	var deadline time.Time
	var hasDeadline bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		deadline, hasDeadline = r.Context().Deadline()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewHTTPStreamingConnector(HTTPStreamingConfig{URL: srv.URL})
	require.NoError(t, err)

	start := time.Now()
	manifest, ok, err := c.GetManifest(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, manifest)
	assert.Equal(t, "/.well-known/mcp-manifest.json", requestedPath)
	require.True(t, hasDeadline, "manifest probe request should carry its own deadline")
	assert.WithinDuration(t, start.Add(manifestProbeTimeout), deadline, time.Second)
}

