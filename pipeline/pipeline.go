// Package pipeline implements RequestPipeline: the fixed middleware chain
// every agent-facing and reverse-IPC request passes through before
// dispatch — ErrorCapture, LoggingMetrics, Authentication, RateLimit, then
// Dispatch to the underlying handler.
package pipeline

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-run/conduit/jsonrpc"
	"github.com/conduit-run/conduit/netpolicy"
	"github.com/conduit-run/conduit/policy"
	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/session"
	"github.com/conduit-run/conduit/telemetry"
)

// AuthContext is the per-request identity and scoping the Authentication
// stage establishes and Dispatch handlers may consult.
type AuthContext struct {
	IsMaster     bool
	SessionToken session.Token
	AllowedTools []policy.Pattern
	PeerKey      string // rate-limit key when no token identifies the caller
}

// rateLimitKey returns the identity the RateLimit stage consults: the
// session token if one authenticated, else the peer key.
func (a AuthContext) rateLimitKey() string {
	if a.SessionToken != "" {
		return string(a.SessionToken)
	}
	return a.PeerKey
}

// Handler processes one already-authenticated, already-rate-limited
// request and returns its result or a typed RPC error.
type Handler func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error)

// restrictedMethods is the fixed set a session token (as opposed to the
// master token) may call.
var restrictedMethods = map[string]bool{
	"initialize":                 true,
	"notifications/initialized":  true,
	"tool-discover":              true,
	"tool-call":                  true,
	"ping":                       true,
	"tools/list":                 true,
	"tools/call":                 true,
}

// Pipeline dispatches requests through the fixed middleware chain.
type Pipeline struct {
	masterToken  string
	authDisabled bool
	sessions     *session.Store
	rateLimit    *netpolicy.Policy
	logger       telemetry.Logger
	metrics      telemetry.Metrics
	handlers     map[string]Handler
}

// Options configures a Pipeline. Sessions is always required. MasterToken
// is required unless AuthDisabled is set.
type Options struct {
	MasterToken string
	// AuthDisabled bypasses the Authentication stage entirely, treating
	// every caller as the master caller. Spec §6: an absent
	// ipcBearerToken disables authentication on the stdio transport,
	// which is implicitly trusted — this is the seam that implements
	// that rule without requiring a secret no caller could ever present.
	AuthDisabled bool
	Sessions     *session.Store
	RateLimit    *netpolicy.Policy
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
}

// New constructs a Pipeline with no registered handlers; call HandleMethod
// to register each method before serving requests.
func New(opts Options) (*Pipeline, error) {
	if opts.MasterToken == "" && !opts.AuthDisabled {
		return nil, fmt.Errorf("pipeline: master token is required unless AuthDisabled is set")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("pipeline: session store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Pipeline{
		masterToken:  opts.MasterToken,
		authDisabled: opts.AuthDisabled,
		sessions:     opts.Sessions,
		rateLimit:    opts.RateLimit,
		logger:       logger,
		metrics:      metrics,
		handlers:     make(map[string]Handler),
	}, nil
}

// HandleMethod registers handler as the Dispatch target for method.
func (p *Pipeline) HandleMethod(method string, handler Handler) {
	p.handlers[method] = handler
}

// Serve runs req through ErrorCapture, LoggingMetrics, Authentication,
// RateLimit, and Dispatch, in that fixed order. peerKey identifies the
// caller for rate-limiting when no bearer token is present. A nil Response
// is returned for notifications (requests with no id), which never
// produce a reply.
func (p *Pipeline) Serve(ctx context.Context, req jsonrpc.Request, peerKey string) *jsonrpc.Response {
	resp := p.errorCapture(ctx, req, peerKey)
	if req.IsNotification() {
		return nil
	}
	return &resp
}

// errorCapture is the outermost stage: it recovers from a panic anywhere
// downstream and rewrites it to an internal-error envelope preserving the
// request id.
func (p *Pipeline) errorCapture(ctx context.Context, req jsonrpc.Request, peerKey string) (resp jsonrpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = jsonrpc.Fail(req, rpcerr.Newf(rpcerr.InternalError, "panic: %v", r))
		}
	}()
	return p.loggingMetrics(ctx, req, peerKey)
}

func (p *Pipeline) loggingMetrics(ctx context.Context, req jsonrpc.Request, peerKey string) jsonrpc.Response {
	start := time.Now()
	id := string(req.ID)
	correlationID := uuid.New().String()
	p.metrics.IncCounter("pipeline.executions", 1, "method", req.Method)

	resp := p.authentication(ctx, req, peerKey)

	duration := time.Since(start)
	success := resp.Error == nil
	p.metrics.RecordTimer("pipeline.request.duration", duration, "method", req.Method, "success", boolString(success))
	if !success {
		p.logger.Warn(ctx, "pipeline: request failed", "method", req.Method, "id", id, "correlation_id", correlationID, "code", resp.Error.Code, "duration", duration)
	} else {
		p.logger.Info(ctx, "pipeline: request served", "method", req.Method, "id", id, "correlation_id", correlationID, "duration", duration)
	}
	return resp
}

func (p *Pipeline) authentication(ctx context.Context, req jsonrpc.Request, peerKey string) jsonrpc.Response {
	authctx, err := p.classify(req, peerKey)
	if err != nil {
		return jsonrpc.Fail(req, err)
	}
	return p.rateLimitStage(ctx, req, authctx)
}

// classify implements the Authentication stage's three-way bearer-token
// classification.
func (p *Pipeline) classify(req jsonrpc.Request, peerKey string) (AuthContext, *rpcerr.Error) {
	if p.authDisabled {
		return AuthContext{IsMaster: true, PeerKey: peerKey}, nil
	}

	token := ""
	if req.Auth != nil {
		token = req.Auth.BearerToken
	}

	if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(p.masterToken)) == 1 {
		return AuthContext{IsMaster: true, PeerKey: peerKey}, nil
	}

	if token != "" {
		sess, ok := p.sessions.Get(session.Token(token))
		if ok {
			if !restrictedMethods[req.Method] {
				return AuthContext{}, rpcerr.Newf(rpcerr.Forbidden, "session tokens are restricted to a fixed method set; %q is not in it", req.Method)
			}
			patterns, err := policy.ParsePatterns(sess.AllowedTools)
			if err != nil {
				return AuthContext{}, rpcerr.Internal(err)
			}
			return AuthContext{SessionToken: sess.Token, AllowedTools: patterns, PeerKey: peerKey}, nil
		}
	}

	return AuthContext{}, rpcerr.New(rpcerr.Forbidden, "invalid or missing bearer token")
}

func (p *Pipeline) rateLimitStage(ctx context.Context, req jsonrpc.Request, authctx AuthContext) jsonrpc.Response {
	if p.rateLimit != nil && !p.rateLimit.CheckRateLimit(authctx.rateLimitKey()) {
		return jsonrpc.Fail(req, rpcerr.New(rpcerr.RateLimitExceeded, "rate limit exceeded"))
	}
	return p.dispatch(ctx, req, authctx)
}

func (p *Pipeline) dispatch(ctx context.Context, req jsonrpc.Request, authctx AuthContext) jsonrpc.Response {
	handler, ok := p.handlers[req.Method]
	if !ok {
		return jsonrpc.Fail(req, rpcerr.Newf(rpcerr.MethodNotFound, "unknown method %q", req.Method))
	}
	result, rpcErr := handler(ctx, authctx, req)
	if rpcErr != nil {
		return jsonrpc.Fail(req, rpcErr)
	}
	return jsonrpc.Result(req, result)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
