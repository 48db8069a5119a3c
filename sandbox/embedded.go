package sandbox

import (
	"context"
	"time"
)

// DefaultEmbeddedPoolSize bounds the number of embedded-script workers that
// may run concurrently.
const DefaultEmbeddedPoolSize = 3

// EmbeddedScriptBackend is a recycled worker pool for the secondary
// scripting flavor. Each execution gets a freshly constructed, single-use
// worker (maxRunsPerWorker = 1): the worker is discarded after its one
// execution rather than reused, as defense against residual state leaking
// between runs. Callers beyond the pool's size block in FIFO order until a
// slot frees, rather than being rejected outright as SubprocessBackend does
// on saturation.
type EmbeddedScriptBackend struct {
	evaluator  Evaluator
	asyncGrace time.Duration
	slots      chan struct{}
}

// EmbeddedOption configures an EmbeddedScriptBackend.
type EmbeddedOption func(*EmbeddedScriptBackend)

// WithEmbeddedEvaluator overrides the default echo evaluator.
func WithEmbeddedEvaluator(eval Evaluator) EmbeddedOption {
	return func(b *EmbeddedScriptBackend) { b.evaluator = eval }
}

// WithEmbeddedAsyncGrace overrides the default asynchronous-tail grace window.
func WithEmbeddedAsyncGrace(d time.Duration) EmbeddedOption {
	return func(b *EmbeddedScriptBackend) { b.asyncGrace = d }
}

// WithEmbeddedPoolSize overrides the default pool size.
func WithEmbeddedPoolSize(n int) EmbeddedOption {
	return func(b *EmbeddedScriptBackend) { b.slots = make(chan struct{}, n) }
}

// NewEmbeddedScriptBackend constructs an EmbeddedScriptBackend with a
// DefaultEmbeddedPoolSize-capacity pool unless overridden.
func NewEmbeddedScriptBackend(opts ...EmbeddedOption) *EmbeddedScriptBackend {
	b := &EmbeddedScriptBackend{
		evaluator:  echoEvaluator,
		asyncGrace: 50 * time.Millisecond,
		slots:      make(chan struct{}, DefaultEmbeddedPoolSize),
	}
	for _, o := range opts {
		o(b)
	}
	for i := 0; i < cap(b.slots); i++ {
		b.slots <- struct{}{}
	}
	return b
}

var _ Backend = (*EmbeddedScriptBackend)(nil)

// embeddedWorker is a single-use execution domain: constructed for one
// Execute call and never reused.
type embeddedWorker struct {
	evaluator  Evaluator
	asyncGrace time.Duration
}

// Execute waits for a free pool slot (FIFO, via Go's channel receive
// ordering), hands the request to a fresh single-use worker, and returns the
// slot once the worker finishes — the worker itself is discarded.
func (b *EmbeddedScriptBackend) Execute(ctx context.Context, source Source, limits ResourceLimits, injection Injection) Outcome {
	select {
	case <-ctx.Done():
		return Outcome{Err: breachErrorOrInternal(ctx.Err())}
	case <-b.slots:
	}
	defer func() { b.slots <- struct{}{} }()

	w := &embeddedWorker{evaluator: b.evaluator, asyncGrace: b.asyncGrace}
	return w.run(ctx, source, limits, injection)
}

func (w *embeddedWorker) run(ctx context.Context, source Source, limits ResourceLimits, injection Injection) Outcome {
	stdout := newCapturedOutput(limits.MaxOutputBytes, limits.MaxLogEntries)
	stderr := newCapturedOutput(limits.MaxOutputBytes, limits.MaxLogEntries)
	heapProxy := newHeapProxy(limits.MemoryMB * 1024 * 1024)

	syncCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutMs)*time.Millisecond)
	defer cancel()

	type result struct {
		exitCode int
		err      error
	}
	done := make(chan result, 1)
	go func() {
		exitCode, err := w.evaluator(syncCtx, source, injection, teeWriter(stdout, heapProxy), teeWriter(stderr, heapProxy))
		done <- result{exitCode: exitCode, err: err}
	}()

	select {
	case <-syncCtx.Done():
		return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), Err: breachError(worseBreach(breachTimeout, worstBreach(stdout, stderr, heapProxy)))}
	case r := <-done:
		asyncCtx, cancelAsync := context.WithTimeout(context.Background(), w.asyncGrace)
		defer cancelAsync()
		<-asyncCtx.Done()

		breach := worstBreach(stdout, stderr, heapProxy)
		if breach != breachNone {
			return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), ExitCode: r.exitCode, Err: breachError(breach)}
		}
		if r.err != nil {
			return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), ExitCode: 1, Err: breachErrorOrInternal(r.err)}
		}
		return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), ExitCode: r.exitCode}
	}
}
