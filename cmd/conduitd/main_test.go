package main

import (
	"context"
	"strings"
	"testing"

	"github.com/conduit-run/conduit/authbroker"
	"github.com/conduit-run/conduit/conduitcfg"
	"github.com/conduit-run/conduit/gateway"
	"github.com/conduit-run/conduit/netpolicy"
	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/schemacache"
	"github.com/conduit-run/conduit/upstream"
)

func TestBuildConnectorBlockedURLReturnsBlockedConnectorInsteadOfError(t *testing.T) {
	netPolicy := netpolicy.New()
	broker := authbroker.New()
	u := conduitcfg.Upstream{ID: "internal", Variant: conduitcfg.VariantHTTPRPC, URL: "http://localhost:8080"}

	conn, err := buildConnector(context.Background(), netPolicy, broker, u)
	if err != nil {
		t.Fatalf("buildConnector for a blocked URL returned an error instead of a stub connector: %v", err)
	}
	if _, ok := conn.(*blockedConnector); !ok {
		t.Fatalf("buildConnector for a blocked URL = %T, want *blockedConnector", conn)
	}
}

func TestBlockedConnectorCallReturnsForbiddenMentioningPrivateNetwork(t *testing.T) {
	conn := newBlockedConnector("private network")
	resp, err := conn.Call(context.Background(), upstream.Request{ID: "1", Tool: "x"})
	if err != nil {
		t.Fatalf("Call returned transport error %v, want a Forbidden Response", err)
	}
	if resp.Err == nil || resp.Err.Code != rpcerr.Forbidden {
		t.Fatalf("Call response error = %+v, want Forbidden", resp.Err)
	}
	if !strings.Contains(resp.Err.Message, "private network") {
		t.Fatalf("Call response message = %q, want it to mention %q", resp.Err.Message, "private network")
	}
}

func TestBlockedConnectorGetManifestReportsNoManifestWithoutError(t *testing.T) {
	conn := newBlockedConnector("private network")
	manifest, ok, err := conn.GetManifest(context.Background())
	if err != nil || ok || manifest != nil {
		t.Fatalf("GetManifest = (%v, %v, %v), want (nil, false, nil)", manifest, ok, err)
	}
}

func TestRegisterUpstreamsDoesNotAbortOnBlockedURL(t *testing.T) {
	netPolicy := netpolicy.New()
	broker := authbroker.New()
	ups := []conduitcfg.Upstream{
		{ID: "internal", Variant: conduitcfg.VariantHTTPRPC, URL: "http://127.0.0.1:9"},
	}

	gw := gateway.New(schemacache.New())
	if err := registerUpstreams(context.Background(), gw, netPolicy, broker, ups); err != nil {
		t.Fatalf("registerUpstreams with a blocked upstream URL returned an error, want startup to proceed: %v", err)
	}
}
