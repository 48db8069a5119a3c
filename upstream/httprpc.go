package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/conduit-run/conduit/netpolicy"
	"github.com/conduit-run/conduit/rpcerr"
)

const httpRPCTimeout = 10 * time.Second

// manifestProbeTimeout bounds the well-known manifest GET independently of
// the connector's general call timeout: the probe is best-effort and must
// not hold up startup waiting on a slow or hanging upstream.
const manifestProbeTimeout = 5 * time.Second

// HTTPRPCConfig configures an HTTPRPCConnector.
type HTTPRPCConfig struct {
	URL      string
	Resolved netpolicy.Result // output of netpolicy.ValidateURL for URL; Valid must be true
	Client   *http.Client     // optional override; redirects are always disabled
}

// HTTPRPCConnector performs one POST of the RPC envelope per call. When a
// resolved IP is available it dials that IP directly and echoes the
// original hostname via the Host header, so DNS is never re-consulted
// between validation and the call it guarded.
type HTTPRPCConnector struct {
	url      string
	resolved netpolicy.Result
	client   *http.Client
	nextID   uint64
}

// NewHTTPRPCConnector constructs a connector for cfg.
func NewHTTPRPCConnector(cfg HTTPRPCConfig) (*HTTPRPCConnector, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("upstream: invalid url: %w", err)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: httpRPCTimeout}
	} else {
		clone := *client
		clone.Timeout = httpRPCTimeout
		client = &clone
	}
	client.CheckRedirect = rejectRedirect

	if cfg.Resolved.Valid && cfg.Resolved.ResolvedIP != "" {
		client.Transport = pinnedTransport(cfg.Resolved.ResolvedIP)
	}

	return &HTTPRPCConnector{url: cfg.URL, resolved: cfg.Resolved, client: client}, nil
}

// Call POSTs the tools/call JSON-RPC envelope and decodes the response.
func (c *HTTPRPCConnector) Call(ctx context.Context, req Request) (Response, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	params := callParams{Name: req.Tool, Arguments: req.Payload}
	wire := rpcRequest{JSONRPC: "2.0", Method: "tools/call", ID: id, Params: params}

	body, err := json.Marshal(wire)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-Id", req.ID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{ID: req.ID, Err: rpcerr.New(rpcerr.UpstreamTimeout, err.Error())}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{ID: req.ID, Err: rpcerr.Newf(rpcerr.UpstreamTimeout, "upstream http status %d", resp.StatusCode)}, nil
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return Response{ID: req.ID, Err: rpcerr.Internal(err)}, nil
	}
	if rpcResp.Error != nil {
		return Response{ID: req.ID, Err: rpcResp.Error}, nil
	}
	return Response{ID: req.ID, Result: rpcResp.Result}, nil
}

// GetManifest issues a GET to the upstream's well-known manifest suffix.
// Absence of a manifest (any non-200 status, or a decode failure) is
// reported as (nil, false, nil): non-fatal.
func (c *HTTPRPCConnector) GetManifest(ctx context.Context) (*Manifest, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, manifestProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL(c.url), nil)
	if err != nil {
		return nil, false, nil
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, nil
	}
	var manifest Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, false, nil
	}
	return &manifest, true, nil
}

// Close is a no-op: HTTPRPCConnector holds no persistent connection beyond
// the pooled transport.
func (c *HTTPRPCConnector) Close() error { return nil }

func manifestURL(base string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + ".well-known/mcp-manifest.json"
	}
	return base + "/.well-known/mcp-manifest.json"
}

func rejectRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

var _ Connector = (*HTTPRPCConnector)(nil)
