// Package upstream implements the Connector contract against a configured
// Upstream: a long-lived subprocess over framed stdio, a POST-per-call HTTP
// RPC, or a persistent HTTP streaming session with DNS-rebinding defense.
package upstream

import (
	"context"
	"encoding/json"

	"github.com/conduit-run/conduit/rpcerr"
)

// Request is a single outbound tool call.
type Request struct {
	ID      string // caller-chosen correlation id, echoed back on Response
	Tool    string
	Payload json.RawMessage
}

// Response carries either Result or Err, keyed by the same ID as the
// originating Request.
type Response struct {
	ID     string
	Result json.RawMessage
	Err    *rpcerr.Error
}

// ToolStub is a discoverable tool descriptor as reported by a manifest or a
// tools-list RPC, prior to schema-cache enrichment.
type ToolStub struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Manifest is the result of a well-known GET against an HTTP-backed
// upstream's base URL: the stub list without a full RPC round trip.
type Manifest struct {
	Tools []ToolStub
}

// Connector is the per-upstream transport contract. Implementations do not
// retry; any network or process error is surfaced as a transport-error
// Response.
type Connector interface {
	// Call performs request against the upstream and returns its response.
	Call(ctx context.Context, req Request) (Response, error)
	// GetManifest returns the upstream's tool manifest, if it publishes one.
	// A false second return means "no manifest available" and is not an
	// error.
	GetManifest(ctx context.Context) (*Manifest, bool, error)
	// Close releases any resources the connector holds (subprocess,
	// persistent connection).
	Close() error
}
