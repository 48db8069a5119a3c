package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/conduit-run/conduit/netpolicy"
	"github.com/conduit-run/conduit/rpcerr"
)

// HTTPStreamingConfig configures an HTTPStreamingConnector.
type HTTPStreamingConfig struct {
	URL      string
	Resolved netpolicy.Result // output of netpolicy.ValidateURL for URL; Valid must be true

	// WrapTransport, if set, wraps the DNS-pinned transport before it is
	// installed on the client — e.g. authbroker.Transport for credential
	// injection. The DNS pin always applies first; WrapTransport sees the
	// pinned transport as its Next.
	WrapTransport func(next http.RoundTripper) http.RoundTripper
}

// HTTPStreamingConnector establishes a persistent bidirectional session with
// the provider, lazily on first call. Every outbound request for the life
// of the session is pinned to the resolved IP and validated against the
// session's origin; redirects are never followed.
type HTTPStreamingConnector struct {
	rawURL string
	origin *url.URL
	client *http.Client

	nextID uint64
}

// NewHTTPStreamingConnector constructs a connector for cfg. The provider
// session is not established until the first Call.
func NewHTTPStreamingConnector(cfg HTTPStreamingConfig) (*HTTPStreamingConnector, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream: invalid url: %w", err)
	}
	c := &HTTPStreamingConnector{rawURL: cfg.URL, origin: parsed}
	var transport http.RoundTripper
	if cfg.Resolved.Valid && cfg.Resolved.ResolvedIP != "" {
		transport = originPinnedTransport(cfg.Resolved.ResolvedIP, parsed)
	}
	if cfg.WrapTransport != nil {
		transport = cfg.WrapTransport(transport)
	}
	c.client = &http.Client{Transport: transport, CheckRedirect: rejectRedirect}
	return c, nil
}

// Call invokes tools/call over the persistent streaming session, posting
// the request and reading a Server-Sent Events response stream until a
// terminal "response" or "error" event arrives. The underlying connection
// is established lazily by the HTTP client on this first request, not
// eagerly at construction.
func (c *HTTPStreamingConnector) Call(ctx context.Context, req Request) (Response, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	params := callParams{Name: req.Tool, Arguments: req.Payload}
	wire := rpcRequest{JSONRPC: "2.0", Method: "tools/call", ID: id, Params: params}
	body, err := json.Marshal(wire)
	if err != nil {
		return Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rawURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Correlation-Id", req.ID)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{ID: req.ID, Err: rpcerr.New(rpcerr.UpstreamTimeout, err.Error())}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return Response{ID: req.ID, Err: rpcerr.Newf(rpcerr.UpstreamTimeout, "upstream stream status %d: %s", resp.StatusCode, raw)}, nil
	}

	rpcResp, err := readStreamedResponse(resp.Body)
	if err != nil {
		return Response{ID: req.ID, Err: rpcerr.Internal(err)}, nil
	}
	if rpcResp.Error != nil {
		return Response{ID: req.ID, Err: rpcResp.Error}, nil
	}
	return Response{ID: req.ID, Result: rpcResp.Result}, nil
}

// GetManifest issues a GET to the streaming upstream's well-known manifest
// suffix. Absence is non-fatal.
func (c *HTTPStreamingConnector) GetManifest(ctx context.Context) (*Manifest, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, manifestProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL(c.rawURL), nil)
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

// Close is a no-op: the streaming session has no persistent socket held
// outside of individual request/response cycles.
func (c *HTTPStreamingConnector) Close() error { return nil }

func readStreamedResponse(body io.Reader) (rpcResponse, error) {
	reader := bufio.NewReader(body)
	for {
		event, data, err := readSSEEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rpcResponse{}, errors.New("sse stream closed before response")
			}
			return rpcResponse{}, err
		}
		switch event {
		case "response", "error":
			var resp rpcResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return rpcResponse{}, err
			}
			return resp, nil
		case "close":
			return rpcResponse{}, errors.New("sse stream closed without response")
		default:
			continue
		}
	}
}

func readSSEEvent(reader *bufio.Reader) (string, []byte, error) {
	var event string
	var data []byte
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event == "" && len(data) == 0 {
				continue
			}
			return event, data, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if after, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(after)
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, after...)
			continue
		}
	}
}

var _ Connector = (*HTTPStreamingConnector)(nil)
