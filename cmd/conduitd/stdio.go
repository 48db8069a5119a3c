package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/conduit-run/conduit/concurrency"
	"github.com/conduit-run/conduit/jsonrpc"
	"github.com/conduit-run/conduit/pipeline"
	"github.com/conduit-run/conduit/rpcerr"
)

// maxStdioLineBytes bounds a single JSON-RPC line read from stdin, matching
// reverseipc's line ceiling.
const maxStdioLineBytes = 10 << 20

// serveStdio reads line-delimited JSON-RPC requests from in and writes
// responses to out, one per line. Every request is gated by gate so the
// stdio transport observes the same concurrency ceiling as the socket
// transport; requests run concurrently in their own goroutines, and
// responses are interleaved as they complete (callers correlate by id). in
// and out are parameterized (rather than hardcoded to os.Stdin/os.Stdout)
// so the loop is directly testable.
func serveStdio(ctx context.Context, p *pipeline.Pipeline, gate *concurrency.Gate, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLineBytes)
	encoder := json.NewEncoder(out)
	var writeMu sync.Mutex
	write := func(resp jsonrpc.Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = encoder.Encode(resp)
	}

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()

			var req jsonrpc.Request
			if err := json.Unmarshal(line, &req); err != nil {
				write(jsonrpc.ParseError(err.Error()))
				return
			}

			release, err := gate.Acquire(ctx)
			if err != nil {
				if req.IsNotification() {
					return
				}
				write(jsonrpc.Fail(req, rpcerr.New(rpcerr.ServerBusy, "server is at capacity")))
				return
			}
			defer release()

			resp := p.Serve(ctx, req, "stdio")
			if resp == nil {
				return
			}
			write(*resp)
		}()
	}
	wg.Wait()
}
