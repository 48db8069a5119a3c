package upstream

import (
	"encoding/json"

	"github.com/conduit-run/conduit/rpcerr"
)

// rpcRequest is the wire envelope sent to an upstream over any transport.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      uint64 `json:"id"`
	Params  any    `json:"params"`
}

// rpcResponse is the wire envelope received from an upstream.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcerr.Error   `json:"error"`
	ID      uint64          `json:"id"`
}

// callParams is the tools/call RPC method's parameter shape.
type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}
