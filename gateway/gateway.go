// Package gateway owns the set of UpstreamConnectors, resolves a qualified
// tool name to an upstream, enforces allowlist and schema validation, and
// records per-call metrics.
package gateway

import (
	"sync"

	"github.com/conduit-run/conduit/policy"
	"github.com/conduit-run/conduit/schemacache"
	"github.com/conduit-run/conduit/telemetry"
	"github.com/conduit-run/conduit/upstream"
)

// BuiltinNamespace is the pseudo-namespace hosting the three execute tools,
// registered for discovery symmetry only — see DESIGN.md for why callTool
// does not dispatch into it.
const BuiltinNamespace = "conduit"

// UpstreamHandle pairs a registered connector with its id.
type UpstreamHandle struct {
	ID        string
	Connector upstream.Connector
}

// Gateway is the tool-call dispatch hub.
type Gateway struct {
	mu        sync.RWMutex
	upstreams map[string]upstream.Connector

	schemas *schemacache.Store
	metrics telemetry.Metrics
	logger  telemetry.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics attaches a Metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger attaches a Logger.
func WithLogger(l telemetry.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New constructs a Gateway backed by schemas.
func New(schemas *schemacache.Store, opts ...Option) *Gateway {
	g := &Gateway{
		upstreams: make(map[string]upstream.Connector),
		schemas:   schemas,
		metrics:   telemetry.NewNoopMetrics(),
		logger:    telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// RegisterUpstream adds or replaces the connector for id.
func (g *Gateway) RegisterUpstream(id string, conn upstream.Connector) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upstreams[id] = conn
}

// ListToolPackages returns BuiltinNamespace plus every registered upstream
// id.
func (g *Gateway) ListToolPackages() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	packages := make([]string, 0, len(g.upstreams)+1)
	packages = append(packages, BuiltinNamespace)
	for id := range g.upstreams {
		packages = append(packages, id)
	}
	return packages
}

// ListUpstreams returns the registered upstreams, for callers (health
// reporting, shutdown) that need the connector alongside its id.
func (g *Gateway) ListUpstreams() []UpstreamHandle {
	g.mu.RLock()
	defer g.mu.RUnlock()
	handles := make([]UpstreamHandle, 0, len(g.upstreams))
	for id, conn := range g.upstreams {
		handles = append(handles, UpstreamHandle{ID: id, Connector: conn})
	}
	return handles
}

// Context carries the per-call allowlist and strictness flag. A nil
// AllowedTools means unrestricted.
type Context struct {
	AllowedTools     []policy.Pattern
	StrictValidation bool
}

func (c Context) allows(id policy.Identifier) bool {
	return policy.IsAllowed(id, c.AllowedTools)
}

var builtinStubs = []upstream.ToolStub{
	{Name: "executeTypeScript", Description: "Execute TypeScript-flavored source in a sandboxed worker."},
	{Name: "executePython", Description: "Execute Python-flavored source in a sandboxed worker."},
	{Name: "executeIsolate", Description: "Execute source in the in-process isolate backend."},
}
