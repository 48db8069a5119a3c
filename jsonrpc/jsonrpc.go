// Package jsonrpc defines the line-delimited JSON-RPC 2.0 envelope shared
// by the agent-facing RPC surface and the reverse IPC endpoint.
package jsonrpc

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/conduit-run/conduit/rpcerr"
)

// Auth carries the bearer credential on a Request, per spec's envelope.
type Auth struct {
	BearerToken string `json:"bearerToken"`
}

// Request is one line of the wire protocol. ID is left as json.RawMessage
// so string/number/null all round-trip untouched; a Request with no ID
// (or an explicit JSON null) is a notification and gets no Response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	Auth    *Auth           `json:"auth,omitempty"`
}

// IsNotification reports whether req carries no id and therefore expects no
// Response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is one line of the wire protocol's reply.
type Response struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any            `json:"result,omitempty"`
	Error   *rpcerr.Error  `json:"error,omitempty"`
}

// Result builds a successful Response echoing req's id.
func Result(req Request, result any) Response {
	return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

// Fail builds an error Response echoing req's id.
func Fail(req Request, err *rpcerr.Error) Response {
	return Response{JSONRPC: "2.0", ID: req.ID, Error: err}
}

// ParseError builds a standalone error Response with a null id, for use
// when the incoming line couldn't be parsed into a Request at all.
func ParseError(msg string) Response {
	return Response{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: rpcerr.New(rpcerr.ParseError, msg)}
}

// Decode reads one line-delimited JSON-RPC Request from r.
func Decode(r io.Reader) (Request, error) {
	var req Request
	dec := json.NewDecoder(r)
	err := dec.Decode(&req)
	return req, err
}

// NewLineReader wraps r in a bufio.Reader with a 64 KiB buffer. It enforces
// no line-length limit of its own.
func NewLineReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}

// Encode writes resp as one JSON line terminated by \n.
func Encode(w io.Writer, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
