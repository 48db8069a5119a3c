package main

import (
	"context"

	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/upstream"
)

// blockedConnector stands in for an upstream whose URL netpolicy rejected.
// Registering it (rather than aborting startup) keeps the server up per
// spec §8: the private-network upstream exists and can be addressed, it
// just refuses every call with a Forbidden error instead of ever dialing
// out.
type blockedConnector struct {
	reason string
}

func newBlockedConnector(reason string) *blockedConnector {
	return &blockedConnector{reason: reason}
}

func (b *blockedConnector) Call(ctx context.Context, req upstream.Request) (upstream.Response, error) {
	return upstream.Response{
		ID:  req.ID,
		Err: rpcerr.New(rpcerr.Forbidden, "upstream rejected by network policy (private network): "+b.reason),
	}, nil
}

func (b *blockedConnector) GetManifest(ctx context.Context) (*upstream.Manifest, bool, error) {
	return nil, false, nil
}

func (b *blockedConnector) Close() error { return nil }
