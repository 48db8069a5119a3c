package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/upstream"
)

// fakeConnector is a minimal in-memory upstream.Connector for gateway tests.
type fakeConnector struct {
	mu sync.Mutex

	manifest    *upstream.Manifest
	hasManifest bool
	manifestErr error

	toolsListResp upstream.Response
	toolsListErr  error

	responses map[string]upstream.Response
	transportErrs map[string]error

	calls []upstream.Request
}

var _ upstream.Connector = (*fakeConnector)(nil)

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		responses:     make(map[string]upstream.Response),
		transportErrs: make(map[string]error),
	}
}

func (f *fakeConnector) Call(_ context.Context, req upstream.Request) (upstream.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if req.Tool == "tools/list" {
		return f.toolsListResp, f.toolsListErr
	}
	if err, ok := f.transportErrs[req.Tool]; ok {
		return upstream.Response{}, err
	}
	if resp, ok := f.responses[req.Tool]; ok {
		return resp, nil
	}
	return upstream.Response{ID: req.ID, Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeConnector) GetManifest(context.Context) (*upstream.Manifest, bool, error) {
	return f.manifest, f.hasManifest, f.manifestErr
}

func (f *fakeConnector) Close() error { return nil }

func (f *fakeConnector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func rpcErrResponse(code int, msg string) upstream.Response {
	return upstream.Response{Err: rpcerr.New(code, msg)}
}
