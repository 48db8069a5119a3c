package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-run/conduit/policy"
	"github.com/conduit-run/conduit/schemacache"
	"github.com/conduit-run/conduit/upstream"
)

func TestListToolPackagesIncludesBuiltinAndRegistered(t *testing.T) {
	g := New(schemacache.New())
	g.RegisterUpstream("weather", newFakeConnector())

	packages := g.ListToolPackages()
	assert.Contains(t, packages, BuiltinNamespace)
	assert.Contains(t, packages, "weather")
	assert.Len(t, packages, 2)
}

func TestListUpstreamsReturnsRegisteredHandles(t *testing.T) {
	g := New(schemacache.New())
	conn := newFakeConnector()
	g.RegisterUpstream("weather", conn)

	handles := g.ListUpstreams()
	require.Len(t, handles, 1)
	assert.Equal(t, "weather", handles[0].ID)
	assert.Same(t, conn, handles[0].Connector)
}

func TestListToolStubsBuiltinReturnsExecuteTools(t *testing.T) {
	g := New(schemacache.New())

	stubs, err := g.ListToolStubs(context.Background(), BuiltinNamespace, Context{})
	require.NoError(t, err)
	require.Len(t, stubs, 3)
	assert.Equal(t, "conduit__executeTypeScript", stubs[0].Name)
}

func TestListToolStubsUnknownUpstreamErrors(t *testing.T) {
	g := New(schemacache.New())
	_, err := g.ListToolStubs(context.Background(), "missing", Context{})
	assert.Error(t, err)
}

func TestListToolStubsFallsBackToToolsListRPC(t *testing.T) {
	g := New(schemacache.New())
	conn := newFakeConnector()
	conn.toolsListResp = upstream.Response{Result: []byte(`{"tools":[{"name":"forecast","description":"get forecast"}]}`)}
	g.RegisterUpstream("weather", conn)

	stubs, err := g.ListToolStubs(context.Background(), "weather", Context{})
	require.NoError(t, err)
	require.Len(t, stubs, 1)
	assert.Equal(t, "weather__forecast", stubs[0].Name)

	// Second call should hit the populated schema cache, not the connector again.
	_, err = g.ListToolStubs(context.Background(), "weather", Context{})
	require.NoError(t, err)
	assert.Equal(t, 1, conn.callCount())
}

func TestListToolStubsPrefersManifestOverRPC(t *testing.T) {
	g := New(schemacache.New())
	conn := newFakeConnector()
	conn.hasManifest = true
	conn.manifest = &upstream.Manifest{Tools: []upstream.ToolStub{{Name: "forecast"}}}
	g.RegisterUpstream("weather", conn)

	stubs, err := g.ListToolStubs(context.Background(), "weather", Context{})
	require.NoError(t, err)
	require.Len(t, stubs, 1)
	assert.Equal(t, 0, conn.callCount()) // manifest answered, no tools/list RPC issued
}

func TestListToolStubsFiltersByAllowlist(t *testing.T) {
	g := New(schemacache.New())
	conn := newFakeConnector()
	conn.hasManifest = true
	conn.manifest = &upstream.Manifest{Tools: []upstream.ToolStub{{Name: "forecast"}, {Name: "alerts"}}}
	g.RegisterUpstream("weather", conn)

	pattern, err := policy.NewPattern("weather.forecast")
	require.NoError(t, err)

	stubs, err := g.ListToolStubs(context.Background(), "weather", Context{AllowedTools: []policy.Pattern{pattern}})
	require.NoError(t, err)
	require.Len(t, stubs, 1)
	assert.Equal(t, "weather__forecast", stubs[0].Name)
}

func TestDiscoverToolsUnionsBuiltinAndUpstreams(t *testing.T) {
	g := New(schemacache.New())
	conn := newFakeConnector()
	conn.hasManifest = true
	conn.manifest = &upstream.Manifest{Tools: []upstream.ToolStub{{Name: "forecast"}}}
	g.RegisterUpstream("weather", conn)

	stubs, err := g.DiscoverTools(context.Background(), Context{})
	require.NoError(t, err)
	assert.Len(t, stubs, 4) // 3 builtins + 1 upstream tool
}

func TestDiscoverToolsSkipsFailingUpstream(t *testing.T) {
	g := New(schemacache.New())
	bad := newFakeConnector()
	bad.toolsListErr = assert.AnError
	g.RegisterUpstream("broken", bad)

	good := newFakeConnector()
	good.hasManifest = true
	good.manifest = &upstream.Manifest{Tools: []upstream.ToolStub{{Name: "forecast"}}}
	g.RegisterUpstream("weather", good)

	stubs, err := g.DiscoverTools(context.Background(), Context{})
	require.NoError(t, err)
	assert.Len(t, stubs, 4) // 3 builtins + weather's 1; broken contributes nothing
}
