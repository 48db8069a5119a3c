// Package reverseipc implements ReverseIpcEndpoint: the loopback (TCP or
// Unix-domain-socket) listener that sandboxed user code's generated SDK
// bootstrap dials back into, re-entering the same RequestPipeline with the
// session-scoped privileges minted for that execution.
package reverseipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/conduit-run/conduit/concurrency"
	"github.com/conduit-run/conduit/jsonrpc"
	"github.com/conduit-run/conduit/pipeline"
	"github.com/conduit-run/conduit/rpcerr"
	"github.com/conduit-run/conduit/telemetry"
)

// maxLineBytes bounds a single JSON-RPC line on the reverse channel.
const maxLineBytes = 10 << 20 // 10 MiB

// Server accepts reverse-IPC connections from sandboxed executions and
// serves each one's line-delimited JSON-RPC requests through a Pipeline.
type Server struct {
	network  string
	address  string
	pipeline *pipeline.Pipeline
	logger   telemetry.Logger
	gate     *concurrency.Gate

	mu       sync.Mutex
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger attaches a Logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithConcurrencyGate switches the server from the default
// one-request-at-a-time-per-connection serving mode to a gated,
// dispatch-concurrently mode: every decoded request is gated by g and
// handled in its own goroutine, letting many requests (across and within
// connections) be in flight up to g's limit. Used for the agent-facing
// listener (spec §4.12); left unset for the reverse-IPC endpoint, where
// per-connection serialization is the intended backpressure mechanism.
func WithConcurrencyGate(g *concurrency.Gate) Option {
	return func(s *Server) { s.gate = g }
}

// New constructs a Server that will listen on network ("tcp" or "unix") at
// address, dispatching every accepted connection's requests through p.
func New(network, address string, p *pipeline.Pipeline, opts ...Option) *Server {
	s := &Server{
		network:  network,
		address:  address,
		pipeline: p,
		logger:   telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens the listener and begins accepting connections in the
// background, returning once the listener is bound. Accept loop errors
// after ctx is canceled are treated as clean shutdown, not failures.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, s.network, s.address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound listener's address. Only valid after Start
// returns successfully.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if isClosedErr(err) {
				return
			}
			s.logger.Warn(ctx, "reverseipc: accept failed", "error", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn reads JSON-RPC lines off conn. With no gate configured, each is
// dispatched through the Pipeline before the next line is read — the
// cooperative backpressure the reverse-IPC endpoint requires: reads pause,
// per connection, while a request is in flight. With a gate configured,
// each decoded request is instead gated and handled in its own goroutine,
// so many requests can be in flight at once; responses are serialized onto
// the connection via writeMu as each completes.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peerKey := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	write := func(resp jsonrpc.Response) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return jsonrpc.Encode(conn, resp)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := decodeLine(line)
		if err != nil {
			if encErr := write(jsonrpc.ParseError(err.Error())); encErr != nil {
				s.logger.Warn(ctx, "reverseipc: write parse-error response failed", "error", encErr)
				return
			}
			continue
		}

		if s.gate == nil {
			resp := s.pipeline.Serve(ctx, req, peerKey)
			if resp == nil {
				continue // notification: no response line
			}
			if err := write(*resp); err != nil {
				s.logger.Warn(ctx, "reverseipc: write response failed", "error", err)
				return
			}
			continue
		}

		wg.Add(1)
		go func(req jsonrpc.Request) {
			defer wg.Done()
			resp := s.dispatchGated(ctx, req, peerKey)
			if resp == nil {
				return
			}
			if err := write(*resp); err != nil {
				s.logger.Warn(ctx, "reverseipc: write response failed", "error", err)
			}
		}(req)
	}
	wg.Wait()
	if err := scanner.Err(); err != nil {
		s.logger.Warn(ctx, "reverseipc: connection read failed", "error", err)
	}
}

// dispatchGated acquires a concurrency slot before dispatching req through
// the Pipeline, translating wait-queue saturation to ServerBusy rather than
// blocking indefinitely or failing internally.
func (s *Server) dispatchGated(ctx context.Context, req jsonrpc.Request, peerKey string) *jsonrpc.Response {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		if req.IsNotification() {
			return nil
		}
		resp := jsonrpc.Fail(req, rpcerr.New(rpcerr.ServerBusy, "server is at capacity"))
		return &resp
	}
	defer release()
	return s.pipeline.Serve(ctx, req, peerKey)
}

func decodeLine(line []byte) (jsonrpc.Request, error) {
	var req jsonrpc.Request
	err := json.Unmarshal(line, &req)
	return req, err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
