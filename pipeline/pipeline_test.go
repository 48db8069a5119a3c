package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/conduit-run/conduit/jsonrpc"
	"github.com/conduit-run/conduit/netpolicy"
	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/session"
	"github.com/conduit-run/conduit/telemetry"
)

// recordingLogger captures the keyvals of its last Info call for assertions.
type recordingLogger struct {
	telemetry.NoopLogger
	lastInfoKeyvals []any
}

func (r *recordingLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	r.lastInfoKeyvals = keyvals
}

func newTestPipeline(t *testing.T) (*Pipeline, *session.Store) {
	t.Helper()
	sessions := session.New()
	p, err := New(Options{MasterToken: "master-secret", Sessions: sessions})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, sessions
}

func idReq(method string, id int) jsonrpc.Request {
	return jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage([]byte(intToJSON(id))), Method: method}
}

func intToJSON(id int) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func withAuth(req jsonrpc.Request, token string) jsonrpc.Request {
	req.Auth = &jsonrpc.Auth{BearerToken: token}
	return req
}

func TestServeMasterTokenReachesHandler(t *testing.T) {
	p, _ := newTestPipeline(t)
	called := false
	p.HandleMethod("tools/list", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		called = true
		if !authctx.IsMaster {
			t.Fatalf("expected IsMaster true for the master token")
		}
		return "ok", nil
	})
	resp := p.Serve(context.Background(), withAuth(idReq("tools/list", 1), "master-secret"), "peer")
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v, want success", resp)
	}
	if !called {
		t.Fatalf("handler was not invoked")
	}
}

func TestServeRejectsWrongToken(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.HandleMethod("ping", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		return "pong", nil
	})
	resp := p.Serve(context.Background(), withAuth(idReq("ping", 1), "wrong"), "peer")
	if resp == nil || resp.Error == nil || resp.Error.Code != rpcerr.Forbidden {
		t.Fatalf("resp = %+v, want Forbidden", resp)
	}
}

func TestServeSessionTokenRestrictedToFixedMethodSet(t *testing.T) {
	p, sessions := newTestPipeline(t)
	tok, err := sessions.Create([]string{"mock.*"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.HandleMethod("ping", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		return "pong", nil
	})
	p.HandleMethod("executeTypeScript", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		return "ran", nil
	})

	allowed := p.Serve(context.Background(), withAuth(idReq("ping", 1), string(tok)), "peer")
	if allowed == nil || allowed.Error != nil {
		t.Fatalf("ping with session token = %+v, want success", allowed)
	}

	denied := p.Serve(context.Background(), withAuth(idReq("executeTypeScript", 2), string(tok)), "peer")
	if denied == nil || denied.Error == nil || denied.Error.Code != rpcerr.Forbidden {
		t.Fatalf("executeTypeScript with session token = %+v, want Forbidden (restricted method set)", denied)
	}
}

func TestServeSessionTokenCarriesAllowedTools(t *testing.T) {
	p, sessions := newTestPipeline(t)
	tok, err := sessions.Create([]string{"mock.*"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var gotPatterns int
	p.HandleMethod("tool-call", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		gotPatterns = len(authctx.AllowedTools)
		return "ok", nil
	})
	resp := p.Serve(context.Background(), withAuth(idReq("tool-call", 1), string(tok)), "peer")
	if resp == nil || resp.Error != nil {
		t.Fatalf("resp = %+v", resp)
	}
	if gotPatterns != 1 {
		t.Fatalf("authctx.AllowedTools len = %d, want 1", gotPatterns)
	}
}

func TestServeUnknownMethodIsMethodNotFound(t *testing.T) {
	p, _ := newTestPipeline(t)
	resp := p.Serve(context.Background(), withAuth(idReq("nonexistent", 1), "master-secret"), "peer")
	if resp == nil || resp.Error == nil || resp.Error.Code != rpcerr.MethodNotFound {
		t.Fatalf("resp = %+v, want MethodNotFound", resp)
	}
}

func TestServeNotificationProducesNoResponse(t *testing.T) {
	p, _ := newTestPipeline(t)
	called := false
	p.HandleMethod("notifications/initialized", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		called = true
		return nil, nil
	})
	req := jsonrpc.Request{JSONRPC: "2.0", Method: "notifications/initialized", Auth: &jsonrpc.Auth{BearerToken: "master-secret"}}
	resp := p.Serve(context.Background(), req, "peer")
	if resp != nil {
		t.Fatalf("resp = %+v, want nil for a notification", resp)
	}
	if !called {
		t.Fatalf("notification handler was not invoked despite no response being expected")
	}
}

func TestServePanicIsCapturedAsInternalError(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.HandleMethod("ping", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		panic("boom")
	})
	resp := p.Serve(context.Background(), withAuth(idReq("ping", 7), "master-secret"), "peer")
	if resp == nil || resp.Error == nil || resp.Error.Code != rpcerr.InternalError {
		t.Fatalf("resp = %+v, want InternalError after a panic", resp)
	}
	if string(resp.ID) != "7" {
		t.Fatalf("resp.ID = %s, want request id preserved", resp.ID)
	}
}

func TestServeRateLimitDeniesOverLimit(t *testing.T) {
	sessions := session.New()
	rl := netpolicy.New(netpolicy.WithRateLimit(1, time.Minute))
	p, err := New(Options{MasterToken: "master-secret", Sessions: sessions, RateLimit: rl})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.HandleMethod("ping", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		return "pong", nil
	})
	first := p.Serve(context.Background(), withAuth(idReq("ping", 1), "master-secret"), "peer")
	if first == nil || first.Error != nil {
		t.Fatalf("first request = %+v, want success", first)
	}
	second := p.Serve(context.Background(), withAuth(idReq("ping", 2), "master-secret"), "peer")
	if second == nil || second.Error == nil || second.Error.Code != rpcerr.RateLimitExceeded {
		t.Fatalf("second request = %+v, want RateLimitExceeded", second)
	}
}

func TestServeLogsDistinctCorrelationIDPerRequest(t *testing.T) {
	sessions := session.New()
	logger := &recordingLogger{}
	p, err := New(Options{MasterToken: "master-secret", Sessions: sessions, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.HandleMethod("ping", func(ctx context.Context, authctx AuthContext, req jsonrpc.Request) (any, *rpcerr.Error) {
		return "pong", nil
	})

	p.Serve(context.Background(), withAuth(idReq("ping", 1), "master-secret"), "peer")
	first := correlationID(t, logger.lastInfoKeyvals)

	p.Serve(context.Background(), withAuth(idReq("ping", 2), "master-secret"), "peer")
	second := correlationID(t, logger.lastInfoKeyvals)

	if first == "" || second == "" {
		t.Fatalf("correlation_id missing from log keyvals: %q, %q", first, second)
	}
	if first == second {
		t.Fatalf("expected distinct correlation ids per request, got %q twice", first)
	}
}

func correlationID(t *testing.T, keyvals []any) string {
	t.Helper()
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] == "correlation_id" {
			s, _ := keyvals[i+1].(string)
			return s
		}
	}
	return ""
}

func TestNewRequiresMasterTokenAndSessions(t *testing.T) {
	if _, err := New(Options{Sessions: session.New()}); err == nil {
		t.Fatalf("expected an error without a master token")
	}
	if _, err := New(Options{MasterToken: "x"}); err == nil {
		t.Fatalf("expected an error without a session store")
	}
}
