package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/conduit-run/conduit/rpcerr"
)

// SubprocessConfig configures a SubprocessConnector.
type SubprocessConfig struct {
	Command string
	Args    []string
	Env     []string // appended to os.Environ()
	Dir     string
}

// SubprocessConnector owns one long-lived child process for the lifetime of
// the configured upstream. The process is started lazily on first Call and
// reused for every subsequent call; framing is one JSON object per line,
// write-then-await-matching-response.
type SubprocessConnector struct {
	cfg SubprocessConfig

	connectOnce sync.Once
	connectErr  error

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	nextID  uint64
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse

	closed    chan struct{}
	closeOnce sync.Once

	closeErrMu sync.Mutex
	closeErr   error
}

// NewSubprocessConnector constructs a connector for cfg. The child process
// is not started until the first Call.
func NewSubprocessConnector(cfg SubprocessConfig) *SubprocessConnector {
	return &SubprocessConnector{
		cfg:     cfg,
		pending: make(map[uint64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
}

func (c *SubprocessConnector) ensureConnected(ctx context.Context) error {
	c.connectOnce.Do(func() {
		c.connectErr = c.connect(ctx)
	})
	return c.connectErr
}

func (c *SubprocessConnector) connect(ctx context.Context) error {
	if c.cfg.Command == "" {
		return errors.New("upstream: subprocess command is required")
	}
	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	if c.cfg.Dir != "" {
		cmd.Dir = c.cfg.Dir
	}
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return err
	}
	c.cmd = cmd
	c.stdin = stdin
	go c.readLoop(stdout)
	if stderr != nil {
		go io.Copy(io.Discard, stderr) //nolint:errcheck
	}
	return nil
}

// Call writes req as one tools/call JSON-RPC frame and blocks until the
// matching response line arrives, ctx is done, or the connector closes.
func (c *SubprocessConnector) Call(ctx context.Context, req Request) (Response, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return Response{}, err
	}

	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	params := callParams{Name: req.Tool, Arguments: req.Payload}
	wire := rpcRequest{JSONRPC: "2.0", Method: "tools/call", ID: id, Params: params}
	if err := c.writeLine(wire); err != nil {
		c.removePending(id)
		return Response{ID: req.ID, Err: rpcerr.Internal(err)}, nil
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return Response{ID: req.ID, Err: resp.Error}, nil
		}
		return Response{ID: req.ID, Result: resp.Result}, nil
	case <-ctx.Done():
		c.removePending(id)
		return Response{}, ctx.Err()
	case <-c.closed:
		return Response{ID: req.ID, Err: rpcerr.New(rpcerr.UpstreamTimeout, c.closeError().Error())}, nil
	}
}

// GetManifest is not supported over the subprocess transport.
func (c *SubprocessConnector) GetManifest(context.Context) (*Manifest, bool, error) {
	return nil, false, nil
}

// Close terminates the child process and releases resources. Idempotent.
func (c *SubprocessConnector) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.ProcessState == nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		if c.cmd != nil {
			_ = c.cmd.Wait()
		}
		close(c.closed)
	})
	return nil
}

func (c *SubprocessConnector) writeLine(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return err
	}
	_, err = io.WriteString(c.stdin, "\n")
	return err
}

func (c *SubprocessConnector) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.ErrClosedPipe
	}
	c.failPending(fmt.Errorf("upstream: subprocess stdout closed: %w", err))
}

func (c *SubprocessConnector) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- rpcResponse{Error: rpcerr.Internal(err)}
		close(ch)
	}
	c.pendingMu.Unlock()
	c.setCloseError(err)
	_ = c.Close()
}

func (c *SubprocessConnector) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *SubprocessConnector) setCloseError(err error) {
	if err == nil {
		return
	}
	c.closeErrMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeErrMu.Unlock()
}

func (c *SubprocessConnector) closeError() error {
	c.closeErrMu.Lock()
	defer c.closeErrMu.Unlock()
	if c.closeErr == nil {
		return errors.New("upstream: subprocess connector closed")
	}
	return c.closeErr
}

var _ Connector = (*SubprocessConnector)(nil)
