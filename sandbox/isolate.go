package sandbox

import (
	"context"
	"time"
)

// IsolateBackend is an in-process execution domain for the fast, "simple"
// flavor of user code (no module imports, no platform-global references).
// Wall-clock is enforced by two cooperating timers: one on the synchronous
// execution phase, one on a short asynchronous-tail grace window; the
// domain is abandoned (its goroutine is simply left to be garbage
// collected once it eventually returns, Go has no forcible in-process
// kill) on either expiry. Heap usage is approximated, not measured: a
// byte counter wraps the combined stdout+stderr writer and stands in for
// real V8-style heap accounting, which an in-process Go evaluator cannot
// provide.
type IsolateBackend struct {
	evaluator  Evaluator
	asyncGrace time.Duration
}

// IsolateOption configures an IsolateBackend.
type IsolateOption func(*IsolateBackend)

// WithEvaluator overrides the default echo evaluator with a real language
// engine.
func WithEvaluator(eval Evaluator) IsolateOption {
	return func(b *IsolateBackend) { b.evaluator = eval }
}

// WithAsyncGrace overrides the default asynchronous-tail grace window.
func WithAsyncGrace(d time.Duration) IsolateOption {
	return func(b *IsolateBackend) { b.asyncGrace = d }
}

// NewIsolateBackend constructs an IsolateBackend using the echo evaluator
// unless overridden.
func NewIsolateBackend(opts ...IsolateOption) *IsolateBackend {
	b := &IsolateBackend{evaluator: echoEvaluator, asyncGrace: 50 * time.Millisecond}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ Backend = (*IsolateBackend)(nil)

// Execute runs source against the injected SDK bootstrap under limits.
func (b *IsolateBackend) Execute(ctx context.Context, source Source, limits ResourceLimits, injection Injection) Outcome {
	stdout := newCapturedOutput(limits.MaxOutputBytes, limits.MaxLogEntries)
	stderr := newCapturedOutput(limits.MaxOutputBytes, limits.MaxLogEntries)
	heapProxy := newHeapProxy(limits.MemoryMB * 1024 * 1024)

	syncCtx, cancelSync := context.WithTimeout(ctx, time.Duration(limits.TimeoutMs)*time.Millisecond)
	defer cancelSync()

	type result struct {
		exitCode int
		err      error
	}
	done := make(chan result, 1)
	go func() {
		exitCode, err := b.evaluator(syncCtx, source, injection, teeWriter(stdout, heapProxy), teeWriter(stderr, heapProxy))
		done <- result{exitCode: exitCode, err: err}
	}()

	select {
	case <-syncCtx.Done():
		return b.outcome(stdout, stderr, heapProxy, worseBreach(breachTimeout, worstBreach(stdout, stderr, heapProxy)), 0)
	case r := <-done:
		asyncCtx, cancelAsync := context.WithTimeout(context.Background(), b.asyncGrace)
		defer cancelAsync()
		<-asyncCtx.Done() // bounded grace window; no real async tail to await here

		breach := worstBreach(stdout, stderr, heapProxy)
		if breach != breachNone {
			return b.outcome(stdout, stderr, heapProxy, breach, r.exitCode)
		}
		if r.err != nil {
			return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), ExitCode: 1, Err: breachErrorOrInternal(r.err)}
		}
		return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), ExitCode: r.exitCode}
	}
}

func (b *IsolateBackend) outcome(stdout, stderr, heapProxy *capturedOutput, breach breachKind, exitCode int) Outcome {
	return Outcome{
		Stdout:   stdout.bytesOut(),
		Stderr:   stderr.bytesOut(),
		ExitCode: exitCode,
		Err:      breachError(breach),
	}
}

func worstBreach(outs ...*capturedOutput) breachKind {
	worst := breachNone
	for _, o := range outs {
		worst = worseBreach(worst, o.breached())
	}
	return worst
}
