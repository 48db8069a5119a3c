package main

import (
	"context"
	"encoding/json"

	"github.com/conduit-run/conduit/gateway"
	"github.com/conduit-run/conduit/jsonrpc"
	"github.com/conduit-run/conduit/pipeline"
	"github.com/conduit-run/conduit/policy"
	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/sandbox"
	"github.com/conduit-run/conduit/supervisor"
)

// deps bundles the constructed components every handler closes over.
type deps struct {
	gateway    *gateway.Gateway
	supervisor *supervisor.Supervisor
}

// registerHandlers wires every entry of the agent method surface (spec
// §4.11's Method surface list) into p.
func registerHandlers(p *pipeline.Pipeline, d deps) {
	p.HandleMethod("mcp.discoverTools", d.handleDiscoverTools)
	p.HandleMethod("tools/list", d.handleDiscoverTools)

	p.HandleMethod("mcp.callTool", d.handleCallTool)
	p.HandleMethod("tools/call", d.handleCallTool)

	p.HandleMethod("mcp.executeTypeScript", d.handleExecute(supervisor.KindTypeScript))
	p.HandleMethod("mcp.executePython", d.handleExecute(supervisor.KindPython))
	p.HandleMethod("mcp.executeIsolate", d.handleExecute(supervisor.KindIsolate))

	p.HandleMethod("initialize", d.handleInitialize)
	p.HandleMethod("notifications/initialized", d.handleNoop)
	p.HandleMethod("ping", d.handleNoop)
}

func gatewayContext(authctx pipeline.AuthContext) gateway.Context {
	return gateway.Context{AllowedTools: authctx.AllowedTools}
}

func (d deps) handleDiscoverTools(ctx context.Context, authctx pipeline.AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
	stubs, err := d.gateway.DiscoverTools(ctx, gatewayContext(authctx))
	if err != nil {
		return nil, rpcerr.Internal(err)
	}
	return map[string]any{"tools": stubs}, nil
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d deps) handleCallTool(ctx context.Context, authctx pipeline.AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, rpcerr.Newf(rpcerr.InvalidParams, "invalid params: %v", err)
	}
	result, err := d.gateway.CallTool(ctx, params.Name, params.Arguments, gatewayContext(authctx))
	if err != nil {
		if rpcErr, ok := err.(*rpcerr.Error); ok {
			return nil, rpcErr
		}
		return nil, rpcerr.Internal(err)
	}
	return json.RawMessage(result), nil
}

type executeParams struct {
	Code         string              `json:"code"`
	Limits       *conduitLimitsParam `json:"limits"`
	AllowedTools []string            `json:"allowedTools"`
}

type conduitLimitsParam struct {
	TimeoutMs      int `json:"timeoutMs"`
	MemoryMb       int `json:"memoryMb"`
	MaxOutputBytes int `json:"maxOutputBytes"`
	MaxLogEntries  int `json:"maxLogEntries"`
}

func (d deps) handleExecute(kind supervisor.Kind) pipeline.Handler {
	return func(ctx context.Context, authctx pipeline.AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		var params executeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, rpcerr.Newf(rpcerr.InvalidParams, "invalid params: %v", err)
		}

		allowed, err := policy.ParsePatterns(params.AllowedTools)
		if err != nil {
			return nil, rpcerr.Newf(rpcerr.InvalidParams, "invalid allowedTools: %v", err)
		}
		// A session-scoped caller may only narrow, never widen, the tools
		// its own session was minted with.
		allowed = narrowPatterns(allowed, authctx.AllowedTools)

		var limits sandbox.ResourceLimits
		if params.Limits != nil {
			limits = sandbox.ResourceLimits{
				TimeoutMs:      params.Limits.TimeoutMs,
				MemoryMB:       params.Limits.MemoryMb,
				MaxOutputBytes: params.Limits.MaxOutputBytes,
				MaxLogEntries:  params.Limits.MaxLogEntries,
			}
		}

		outcome, err := d.supervisor.Execute(ctx, supervisor.Request{
			Kind:         kind,
			Code:         params.Code,
			Limits:       limits,
			AllowedTools: allowed,
		})
		if err != nil {
			return nil, rpcerr.Internal(err)
		}
		if outcome.Err != nil {
			return nil, outcome.Err
		}
		return map[string]any{
			"stdout":   string(outcome.Stdout),
			"stderr":   string(outcome.Stderr),
			"exitCode": outcome.ExitCode,
		}, nil
	}
}

// narrowPatterns combines a request's own allowedTools with the session's,
// never producing a wider effective set than either side alone. nil means
// unrestricted on either side; an explicit (possibly empty) list on both
// sides intersects by exact pattern text.
func narrowPatterns(requested, session []policy.Pattern) []policy.Pattern {
	switch {
	case requested == nil:
		return session
	case session == nil:
		return requested
	}
	sessionSet := make(map[string]struct{}, len(session))
	for _, p := range session {
		sessionSet[p.String()] = struct{}{}
	}
	out := make([]policy.Pattern, 0, len(requested))
	for _, p := range requested {
		if _, ok := sessionSet[p.String()]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (d deps) handleInitialize(ctx context.Context, authctx pipeline.AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": "conduit", "version": "0.1.0"},
	}, nil
}

func (d deps) handleNoop(ctx context.Context, authctx pipeline.AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
	return map[string]any{}, nil
}
