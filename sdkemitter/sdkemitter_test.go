package sdkemitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-run/conduit/policy"
)

var bindings = []ToolBinding{
	{Namespace: "weather", Name: "getForecast"},
	{Namespace: "weather", Name: "getAlerts"},
	{Namespace: "news", Name: "search"},
}

func TestEmitScriptFlavorWiresNamespacesAndMethods(t *testing.T) {
	out, err := Emit(bindings, nil, FlavorScript)
	require.NoError(t, err)
	assert.Contains(t, out, `tools.weather = {};`)
	assert.Contains(t, out, `tools.weather.getForecast = async function`)
	assert.Contains(t, out, `__internalCallTool("weather__getForecast", args)`)
	assert.Contains(t, out, `tools.news.search = async function`)
	assert.Contains(t, out, `var __ALLOWLIST = null;`)
}

func TestEmitScriptFlavorEmbedsAllowlist(t *testing.T) {
	pattern, err := policy.NewPattern("weather.*")
	require.NoError(t, err)

	out, err := Emit(bindings, []policy.Pattern{pattern}, FlavorScript)
	require.NoError(t, err)
	assert.Contains(t, out, `var __ALLOWLIST = ["weather.*"];`)
	assert.Contains(t, out, "function $raw")
}

func TestEmitIsUnorderedInputDeterministic(t *testing.T) {
	shuffled := []ToolBinding{bindings[2], bindings[0], bindings[1]}

	a, err := Emit(bindings, nil, FlavorScript)
	require.NoError(t, err)
	b, err := Emit(shuffled, nil, FlavorScript)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmitPyFlavorUsesSnakeCase(t *testing.T) {
	out, err := Emit(bindings, nil, FlavorPy)
	require.NoError(t, err)
	assert.Contains(t, out, `setattr(tools, "weather", _ConduitNamespace())`)
	assert.Contains(t, out, `setattr(getattr(tools, "weather"), "get_forecast"`)
	assert.Contains(t, out, `__wire="weather__getForecast"`)
	assert.Contains(t, out, "def raw(name, args):")
}

func TestEmitIsolateFlavorUsesSyncCallTool(t *testing.T) {
	out, err := Emit(bindings, nil, FlavorIsolate)
	require.NoError(t, err)
	assert.Contains(t, out, "JSON.parse(__callTool(")
	assert.NotContains(t, out, "async function $raw")
}

func TestEmitRejectsUnknownFlavor(t *testing.T) {
	_, err := Emit(bindings, nil, Flavor("cobol"))
	assert.Error(t, err)
}

func TestEmitNonIdentifierNameUsesBracketAccess(t *testing.T) {
	weird := []ToolBinding{{Namespace: "my-ns", Name: "do-thing"}}
	out, err := Emit(weird, nil, FlavorScript)
	require.NoError(t, err)
	assert.Contains(t, out, `tools["my-ns"] = {}`)
	assert.Contains(t, out, `tools["my-ns"]["do-thing"] = async function`)
}
