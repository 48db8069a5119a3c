package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/conduit-run/conduit/policy"
	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/schemacache"
	"github.com/conduit-run/conduit/upstream"
)

// healthCheckTimeout bounds each per-upstream tools-list probe issued by
// HealthCheck.
const healthCheckTimeout = 2 * time.Second

// Upstream health states reported by HealthCheck.
const (
	StatusActive   = "active"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// UpstreamHealth reports the aggregated health of a single registered
// upstream.
type UpstreamHealth struct {
	ID     string
	Status string
	Error  string
}

// CallTool resolves qualifiedName, validates params against the upstream's
// advertised schema, invokes the upstream, and records a per-tool duration
// metric. See spec §4.7 step list.
func (g *Gateway) CallTool(ctx context.Context, qualifiedName string, params json.RawMessage, rctx Context) (json.RawMessage, error) {
	requested := policy.Parse(qualifiedName)
	if rctx.AllowedTools != nil && !rctx.allows(requested) {
		return nil, rpcerr.Newf(rpcerr.Forbidden, "tool %q is not in the allowed set", qualifiedName)
	}

	id, err := g.resolveCallable(ctx, qualifiedName, requested, rctx)
	if err != nil {
		return nil, err
	}

	if id.Namespace == BuiltinNamespace {
		return nil, rpcerr.Newf(rpcerr.MethodNotFound, "built-in tool %q is not callable via callTool", qualifiedName)
	}

	g.mu.RLock()
	conn, ok := g.upstreams[id.Namespace]
	g.mu.RUnlock()
	if !ok {
		return nil, rpcerr.Newf(rpcerr.Forbidden, "unknown upstream %q, known upstreams: %s", id.Namespace, strings.Join(g.ListToolPackages(), ", "))
	}

	schema, hasSchema, err := g.lookupSchema(ctx, id, conn)
	if err != nil {
		return nil, err
	}
	if hasSchema && len(schema.InputSchema) > 0 {
		if err := g.schemas.Validate(id.Namespace, id.Name, schema.InputSchema, params); err != nil {
			return nil, rpcerr.Newf(rpcerr.InvalidParams, "%s: %v", qualifiedName, err)
		}
	} else if rctx.StrictValidation {
		return nil, rpcerr.Newf(rpcerr.InvalidParams, "%s: strict validation requires a schema and none is advertised", qualifiedName)
	}

	start := time.Now()
	resp, callErr := conn.Call(ctx, upstream.Request{ID: qualifiedName, Tool: id.Name, Payload: params})
	duration := time.Since(start)

	success := callErr == nil && (resp.Err == nil)
	g.metrics.RecordTimer("gateway.call_tool.duration", duration, "tool", qualifiedName, "success", strconv.FormatBool(success))

	if callErr != nil {
		return nil, rpcerr.Internal(callErr)
	}
	if resp.Err != nil {
		if isTimeoutCode(resp.Err.Code) {
			g.schemas.Invalidate(id.Namespace)
		}
		return nil, resp.Err
	}
	return resp.Result, nil
}

// ValidateTool runs the same resolution and schema-validation steps as
// CallTool without invoking the upstream.
func (g *Gateway) ValidateTool(ctx context.Context, qualifiedName string, params json.RawMessage, rctx Context) error {
	requested := policy.Parse(qualifiedName)
	if rctx.AllowedTools != nil && !rctx.allows(requested) {
		return rpcerr.Newf(rpcerr.Forbidden, "tool %q is not in the allowed set", qualifiedName)
	}

	id, err := g.resolveCallable(ctx, qualifiedName, requested, rctx)
	if err != nil {
		return err
	}
	if id.Namespace == BuiltinNamespace {
		return rpcerr.Newf(rpcerr.MethodNotFound, "built-in tool %q is not callable via callTool", qualifiedName)
	}

	g.mu.RLock()
	conn, ok := g.upstreams[id.Namespace]
	g.mu.RUnlock()
	if !ok {
		return rpcerr.Newf(rpcerr.Forbidden, "unknown upstream %q, known upstreams: %s", id.Namespace, strings.Join(g.ListToolPackages(), ", "))
	}

	schema, hasSchema, err := g.lookupSchema(ctx, id, conn)
	if err != nil {
		return err
	}
	if hasSchema && len(schema.InputSchema) > 0 {
		if err := g.schemas.Validate(id.Namespace, id.Name, schema.InputSchema, params); err != nil {
			return rpcerr.Newf(rpcerr.InvalidParams, "%s: %v", qualifiedName, err)
		}
		return nil
	}
	if rctx.StrictValidation {
		return rpcerr.Newf(rpcerr.InvalidParams, "%s: strict validation requires a schema and none is advertised", qualifiedName)
	}
	return nil
}

// HealthCheck issues a cheap tools-list against every registered upstream
// with a short timeout and aggregates active|degraded|error per upstream.
func (g *Gateway) HealthCheck(ctx context.Context) []UpstreamHealth {
	g.mu.RLock()
	conns := make(map[string]upstream.Connector, len(g.upstreams))
	for id, conn := range g.upstreams {
		conns[id] = conn
	}
	g.mu.RUnlock()

	results := make([]UpstreamHealth, 0, len(conns))
	for id, conn := range conns {
		results = append(results, g.healthCheckOne(ctx, id, conn))
	}
	return results
}

func (g *Gateway) healthCheckOne(ctx context.Context, id string, conn upstream.Connector) UpstreamHealth {
	probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	resp, err := conn.Call(probeCtx, upstream.Request{ID: "health-check", Tool: "tools/list"})
	if err != nil {
		return UpstreamHealth{ID: id, Status: StatusError, Error: err.Error()}
	}
	if resp.Err != nil {
		return UpstreamHealth{ID: id, Status: StatusDegraded, Error: resp.Err.Error()}
	}
	return UpstreamHealth{ID: id, Status: StatusActive}
}

// resolveCallable turns qualifiedName into a fully-namespaced Identifier. A
// namespaced name is returned as-is; a bare name is resolved by enumerating
// rctx's discoverable tools and requiring exactly one tail-segment match.
func (g *Gateway) resolveCallable(ctx context.Context, qualifiedName string, requested policy.Identifier, rctx Context) (policy.Identifier, error) {
	if requested.Namespace != "" {
		return requested, nil
	}

	stubs, err := g.DiscoverTools(ctx, rctx)
	if err != nil {
		return requested, rpcerr.Internal(err)
	}

	var candidates []policy.Identifier
	for _, s := range stubs {
		cid := policy.Parse(s.Name)
		if cid.Name == requested.Name {
			candidates = append(candidates, cid)
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return requested, rpcerr.Newf(rpcerr.MethodNotFound, "no tool named %q", qualifiedName)
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = policy.Format(c)
		}
		return requested, rpcerr.Newf(rpcerr.MethodNotFound, "ambiguous tool name %q, candidates: %s", qualifiedName, strings.Join(names, ", "))
	}
}

// lookupSchema ensures the schema cache is populated for id.Namespace (lazy
// discovery) and returns id.Name's schema within it, if any.
func (g *Gateway) lookupSchema(ctx context.Context, id policy.Identifier, conn upstream.Connector) (schemacache.ToolSchema, bool, error) {
	schemas, ok := g.schemas.Get(id.Namespace)
	if !ok {
		stubs, err := g.resolveStubs(ctx, id.Namespace, conn)
		if err != nil {
			return schemacache.ToolSchema{}, false, rpcerr.Internal(err)
		}
		schemas = stubsToSchemas(stubs)
	}
	for _, s := range schemas {
		if s.Name == id.Name {
			return s, true, nil
		}
	}
	return schemacache.ToolSchema{}, false, nil
}

func isTimeoutCode(code int) bool {
	return code == rpcerr.UpstreamTimeout
}
