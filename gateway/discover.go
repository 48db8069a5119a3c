package gateway

import (
	"context"
	"fmt"

	"github.com/conduit-run/conduit/policy"
	"github.com/conduit-run/conduit/schemacache"
	"github.com/conduit-run/conduit/upstream"
)

// ListToolStubs returns the qualified stub list for packageID. For
// BuiltinNamespace this is the fixed built-in set. For a registered
// upstream it consults SchemaCache, then the connector's manifest, then
// falls back to a tools-list RPC, caching whichever source answered.
// Results are filtered by ctx.AllowedTools when set.
func (g *Gateway) ListToolStubs(ctx context.Context, packageID string, rctx Context) ([]upstream.ToolStub, error) {
	if packageID == BuiltinNamespace {
		return filterStubs(BuiltinNamespace, builtinStubs, rctx), nil
	}

	g.mu.RLock()
	conn, ok := g.upstreams[packageID]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("gateway: unknown upstream %q", packageID)
	}

	stubs, err := g.resolveStubs(ctx, packageID, conn)
	if err != nil {
		return nil, err
	}
	return filterStubs(packageID, stubs, rctx), nil
}

// resolveStubs implements the SchemaCache → manifest → tools-list RPC
// fallback chain, populating the schema cache with whichever source
// answered.
func (g *Gateway) resolveStubs(ctx context.Context, packageID string, conn upstream.Connector) ([]upstream.ToolStub, error) {
	if schemas, ok := g.schemas.Get(packageID); ok {
		return schemasToStubs(schemas), nil
	}

	if manifest, ok, err := conn.GetManifest(ctx); err == nil && ok {
		g.schemas.Set(packageID, stubsToSchemas(manifest.Tools))
		return manifest.Tools, nil
	}

	stubs, err := g.listToolsRPC(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("gateway: discover tools for %q: %w", packageID, err)
	}
	g.schemas.Set(packageID, stubsToSchemas(stubs))
	return stubs, nil
}

func (g *Gateway) listToolsRPC(ctx context.Context, conn upstream.Connector) ([]upstream.ToolStub, error) {
	resp, err := conn.Call(ctx, upstream.Request{ID: "tools-list", Tool: "tools/list"})
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	var listing struct {
		Tools []upstream.ToolStub `json:"tools"`
	}
	if err := decodeJSON(resp.Result, &listing); err != nil {
		return nil, err
	}
	return listing.Tools, nil
}

// DiscoverTools returns the union of built-ins and every upstream's stubs,
// filtered by rctx.AllowedTools.
func (g *Gateway) DiscoverTools(ctx context.Context, rctx Context) ([]upstream.ToolStub, error) {
	all := filterStubs(BuiltinNamespace, builtinStubs, rctx)

	g.mu.RLock()
	ids := make([]string, 0, len(g.upstreams))
	for id := range g.upstreams {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	for _, id := range ids {
		stubs, err := g.ListToolStubs(ctx, id, rctx)
		if err != nil {
			g.logger.Warn(ctx, "discover tools: upstream failed", "upstream", id, "error", err)
			continue
		}
		all = append(all, stubs...)
	}
	return all, nil
}

func filterStubs(packageID string, stubs []upstream.ToolStub, rctx Context) []upstream.ToolStub {
	if rctx.AllowedTools == nil {
		return qualify(packageID, stubs)
	}
	out := make([]upstream.ToolStub, 0, len(stubs))
	for _, s := range stubs {
		id := policy.Identifier{Namespace: packageID, Name: s.Name}
		if rctx.allows(id) {
			out = append(out, qualifyOne(packageID, s))
		}
	}
	return out
}

func qualify(packageID string, stubs []upstream.ToolStub) []upstream.ToolStub {
	out := make([]upstream.ToolStub, len(stubs))
	for i, s := range stubs {
		out[i] = qualifyOne(packageID, s)
	}
	return out
}

func qualifyOne(packageID string, s upstream.ToolStub) upstream.ToolStub {
	s.Name = policy.Format(policy.Identifier{Namespace: packageID, Name: s.Name})
	return s
}

func schemasToStubs(schemas []schemacache.ToolSchema) []upstream.ToolStub {
	out := make([]upstream.ToolStub, len(schemas))
	for i, s := range schemas {
		out[i] = upstream.ToolStub{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema}
	}
	return out
}

func stubsToSchemas(stubs []upstream.ToolStub) []schemacache.ToolSchema {
	out := make([]schemacache.ToolSchema, len(stubs))
	for i, s := range stubs {
		out[i] = schemacache.ToolSchema{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema}
	}
	return out
}
