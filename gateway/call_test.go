package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-run/conduit/policy"
	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/schemacache"
	"github.com/conduit-run/conduit/upstream"
)

var forecastSchema = []byte(`{"type":"object","required":["city"],"properties":{"city":{"type":"string"}}}`)

func registeredWeather(t *testing.T) (*Gateway, *fakeConnector) {
	t.Helper()
	g := New(schemacache.New())
	conn := newFakeConnector()
	conn.hasManifest = true
	conn.manifest = &upstream.Manifest{
		Tools: []upstream.ToolStub{{Name: "forecast", InputSchema: forecastSchema}},
	}
	conn.responses["forecast"] = upstream.Response{Result: json.RawMessage(`{"summary":"sunny"}`)}
	g.RegisterUpstream("weather", conn)
	return g, conn
}

func TestCallToolHappyPath(t *testing.T) {
	g, conn := registeredWeather(t)

	result, err := g.CallTool(context.Background(), "weather__forecast", json.RawMessage(`{"city":"nyc"}`), Context{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"sunny"}`, string(result))
	assert.Equal(t, 1, conn.callCount())
}

func TestCallToolForbiddenWhenNotAllowed(t *testing.T) {
	g, _ := registeredWeather(t)
	pattern, err := policy.NewPattern("weather.alerts")
	require.NoError(t, err)

	_, err = g.CallTool(context.Background(), "weather__forecast", json.RawMessage(`{"city":"nyc"}`), Context{AllowedTools: []policy.Pattern{pattern}})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.Forbidden, rpcErr.Code)
}

func TestCallToolBareNameResolvesUniqueMatch(t *testing.T) {
	g, conn := registeredWeather(t)

	result, err := g.CallTool(context.Background(), "forecast", json.RawMessage(`{"city":"nyc"}`), Context{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"sunny"}`, string(result))
	assert.Equal(t, 1, conn.callCount())
}

func TestCallToolBareNameAmbiguousFails(t *testing.T) {
	g, _ := registeredWeather(t)
	other := newFakeConnector()
	other.hasManifest = true
	other.manifest = &upstream.Manifest{Tools: []upstream.ToolStub{{Name: "forecast"}}}
	g.RegisterUpstream("almanac", other)

	_, err := g.CallTool(context.Background(), "forecast", json.RawMessage(`{}`), Context{})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.MethodNotFound, rpcErr.Code)
}

func TestCallToolBareNameNoMatchFails(t *testing.T) {
	g, _ := registeredWeather(t)

	_, err := g.CallTool(context.Background(), "nonexistent", json.RawMessage(`{}`), Context{})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.MethodNotFound, rpcErr.Code)
}

func TestCallToolUnknownUpstreamForbidden(t *testing.T) {
	g, _ := registeredWeather(t)

	_, err := g.CallTool(context.Background(), "unknown__tool", json.RawMessage(`{}`), Context{})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.Forbidden, rpcErr.Code)
}

func TestCallToolBuiltinNotCallable(t *testing.T) {
	g, _ := registeredWeather(t)

	_, err := g.CallTool(context.Background(), "conduit__executeTypeScript", json.RawMessage(`{}`), Context{})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.MethodNotFound, rpcErr.Code)
}

func TestCallToolInvalidParamsOnSchemaViolation(t *testing.T) {
	g, _ := registeredWeather(t)

	_, err := g.CallTool(context.Background(), "weather__forecast", json.RawMessage(`{}`), Context{})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.InvalidParams, rpcErr.Code)
}

func TestCallToolStrictValidationRequiresSchema(t *testing.T) {
	g := New(schemacache.New())
	conn := newFakeConnector()
	conn.hasManifest = true
	conn.manifest = &upstream.Manifest{Tools: []upstream.ToolStub{{Name: "ping"}}} // no InputSchema
	g.RegisterUpstream("util", conn)

	_, err := g.CallTool(context.Background(), "util__ping", json.RawMessage(`{}`), Context{StrictValidation: true})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.InvalidParams, rpcErr.Code)
}

func TestCallToolWithoutStrictValidationAllowsMissingSchema(t *testing.T) {
	g := New(schemacache.New())
	conn := newFakeConnector()
	conn.hasManifest = true
	conn.manifest = &upstream.Manifest{Tools: []upstream.ToolStub{{Name: "ping"}}}
	g.RegisterUpstream("util", conn)

	_, err := g.CallTool(context.Background(), "util__ping", json.RawMessage(`{}`), Context{})
	require.NoError(t, err)
}

func TestCallToolInvalidatesSchemaCacheOnUpstreamTimeout(t *testing.T) {
	g, conn := registeredWeather(t)
	conn.responses["forecast"] = rpcErrResponse(rpcerr.UpstreamTimeout, "upstream did not respond")

	_, err := g.CallTool(context.Background(), "weather__forecast", json.RawMessage(`{"city":"nyc"}`), Context{})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.UpstreamTimeout, rpcErr.Code)

	_, cached := g.schemas.Get("weather")
	assert.False(t, cached, "schema cache should be invalidated after an upstream-timeout response")
}

func TestCallToolPropagatesUpstreamLogicalError(t *testing.T) {
	g, conn := registeredWeather(t)
	conn.responses["forecast"] = rpcErrResponse(rpcerr.InternalError, "boom")

	_, err := g.CallTool(context.Background(), "weather__forecast", json.RawMessage(`{"city":"nyc"}`), Context{})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.InternalError, rpcErr.Code)

	// Non-timeout errors must not evict the schema cache.
	_, cached := g.schemas.Get("weather")
	assert.True(t, cached)
}

func TestValidateToolDoesNotInvokeUpstream(t *testing.T) {
	g, conn := registeredWeather(t)

	err := g.ValidateTool(context.Background(), "weather__forecast", json.RawMessage(`{"city":"nyc"}`), Context{})
	require.NoError(t, err)
	assert.Equal(t, 0, conn.callCount())
}

func TestValidateToolFailsOnSchemaViolation(t *testing.T) {
	g, _ := registeredWeather(t)

	err := g.ValidateTool(context.Background(), "weather__forecast", json.RawMessage(`{}`), Context{})
	require.Error(t, err)
	var rpcErr *rpcerr.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpcerr.InvalidParams, rpcErr.Code)
}

func TestHealthCheckAggregatesStatuses(t *testing.T) {
	g := New(schemacache.New())

	healthy := newFakeConnector()
	healthy.toolsListResp = upstream.Response{Result: json.RawMessage(`{"tools":[]}`)}
	g.RegisterUpstream("healthy", healthy)

	degraded := newFakeConnector()
	degraded.toolsListResp = rpcErrResponse(rpcerr.InternalError, "partial outage")
	g.RegisterUpstream("degraded", degraded)

	broken := newFakeConnector()
	broken.toolsListErr = assert.AnError
	g.RegisterUpstream("broken", broken)

	results := g.HealthCheck(context.Background())
	statuses := make(map[string]string, len(results))
	for _, r := range results {
		statuses[r.ID] = r.Status
	}
	assert.Equal(t, StatusActive, statuses["healthy"])
	assert.Equal(t, StatusDegraded, statuses["degraded"])
	assert.Equal(t, StatusError, statuses["broken"])
}
