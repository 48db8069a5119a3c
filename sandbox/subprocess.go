package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conduit-run/conduit/rpcerr"
)

// DefaultMaxConcurrentChildren bounds the number of subprocess executions
// running at once, per spec §4.9's SubprocessBackend contract.
const DefaultMaxConcurrentChildren = 10

// DefaultRSSPollInterval is how often a running child's RSS is sampled.
const DefaultRSSPollInterval = 2 * time.Second

// SubprocessBackend spawns a child process per execution, monitors its RSS
// on an interval, and enforces a cap on concurrently running children.
// The only address handed to the child is the injected reverse-IPC address;
// the backend applies no OS-level network isolation (netns, seccomp), so the
// child's network access is not otherwise restricted.
type SubprocessBackend struct {
	command string
	args    []string
	env     []string

	prober       rssProber
	pollInterval time.Duration

	sem chan struct{}
}

// SubprocessOption configures a SubprocessBackend.
type SubprocessOption func(*SubprocessBackend)

// WithEnv appends additional environment variables (KEY=VALUE form) passed
// to every spawned child, in addition to the injected reverse-IPC/session
// variables.
func WithEnv(env ...string) SubprocessOption {
	return func(b *SubprocessBackend) { b.env = append(b.env, env...) }
}

// WithRSSProber overrides the default OS-dispatched RSS probe.
func WithRSSProber(p rssProber) SubprocessOption {
	return func(b *SubprocessBackend) { b.prober = p }
}

// WithPollInterval overrides the default RSS polling interval.
func WithPollInterval(d time.Duration) SubprocessOption {
	return func(b *SubprocessBackend) { b.pollInterval = d }
}

// WithMaxConcurrentChildren overrides the default concurrent-child cap.
func WithMaxConcurrentChildren(n int) SubprocessOption {
	return func(b *SubprocessBackend) { b.sem = make(chan struct{}, n) }
}

// NewSubprocessBackend constructs a SubprocessBackend that spawns command
// with args for every execution.
func NewSubprocessBackend(command string, args []string, opts ...SubprocessOption) *SubprocessBackend {
	b := &SubprocessBackend{
		command:      command,
		args:         args,
		prober:       defaultRSSProber,
		pollInterval: DefaultRSSPollInterval,
		sem:          make(chan struct{}, DefaultMaxConcurrentChildren),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ Backend = (*SubprocessBackend)(nil)

// Execute spawns the configured command, feeds it the SDK bootstrap plus
// user source over stdin, and enforces limits in Memory > Output > Log >
// Timeout precedence.
func (b *SubprocessBackend) Execute(ctx context.Context, source Source, limits ResourceLimits, injection Injection) Outcome {
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	default:
		return Outcome{Err: rpcerr.New(rpcerr.ServerBusy, "subprocess sandbox pool is saturated")}
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutMs)*time.Millisecond)
	defer cancel()

	stdout := newCapturedOutput(limits.MaxOutputBytes, limits.MaxLogEntries)
	stderr := newCapturedOutput(limits.MaxOutputBytes, limits.MaxLogEntries)

	cmd := exec.CommandContext(execCtx, b.command, b.args...)
	cmd.Env = append(cmd.Env,
		"CONDUIT_REVERSE_IPC_ADDR="+injection.ReverseIPCAddress,
		"CONDUIT_SESSION_TOKEN="+injection.SessionToken,
	)
	cmd.Env = append(cmd.Env, b.env...)
	cmd.Stdin = strings.NewReader(injection.SDKSource + "\n" + source.Code)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return Outcome{Err: rpcerr.Internal(err)}
	}

	var breach atomic.Int32
	var wg sync.WaitGroup
	stopMonitor := make(chan struct{})
	wg.Add(1)
	go b.monitorRSS(cmd, limits, stopMonitor, &breach, &wg)

	waitErr := cmd.Wait()
	close(stopMonitor)
	wg.Wait()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	recorded := breachKind(breach.Load())
	final := worseBreach(recorded, worstBreach(stdout, stderr))
	if execCtx.Err() == context.DeadlineExceeded {
		final = worseBreach(final, breachTimeout)
	}
	if final != breachNone {
		return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), ExitCode: exitCode, Err: breachError(final)}
	}
	if waitErr != nil && execCtx.Err() == nil {
		return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), ExitCode: exitCode, Err: rpcerr.Internal(waitErr)}
	}
	return Outcome{Stdout: stdout.bytesOut(), Stderr: stderr.bytesOut(), ExitCode: exitCode}
}

func (b *SubprocessBackend) monitorRSS(cmd *exec.Cmd, limits ResourceLimits, stop <-chan struct{}, breach *atomic.Int32, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	ceiling := int64(limits.MemoryMB) * 1024 * 1024
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if cmd.Process == nil {
				continue
			}
			rss, err := b.prober(cmd.Process.Pid)
			if err != nil {
				continue // probe failure is not itself a breach
			}
			if rss > ceiling {
				breach.Store(int32(breachMemory))
				_ = cmd.Process.Kill()
				return
			}
		}
	}
}
