// Package sandbox implements the Backend contract: executing a program
// under resource limits and returning captured output or a typed failure.
// Three implementations are provided: IsolateBackend (in-process, fast
// path), SubprocessBackend (child process, RSS-monitored), and
// EmbeddedScriptBackend (single-use recycled worker pool).
package sandbox

import (
	"context"

	"github.com/conduit-run/conduit/rpcerr"
)

// ResourceLimits bounds a single execution. All fields are required to be
// positive by the caller (ExecutionSupervisor merges server defaults before
// a backend ever sees a zero value).
type ResourceLimits struct {
	TimeoutMs      int
	MemoryMB       int
	MaxOutputBytes int
	MaxLogEntries  int
}

// Source is the user-supplied program text to execute.
type Source struct {
	Code string
}

// Injection carries what the generated SDK bootstrap needs to reach back
// into the host: the reverse-IPC address, the session token authenticating
// those callbacks, and the SDK source to evaluate before user code.
type Injection struct {
	ReverseIPCAddress string
	SessionToken      string
	SDKSource         string
}

// Outcome is the result of an execution. Err is nil on success; a non-nil
// Err always carries one of the limit-breach or execution-failure codes
// from package rpcerr. Stdout/Stderr are truncated, never grown, past their
// respective ResourceLimits caps.
type Outcome struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Err      *rpcerr.Error
}

// Backend executes a program under limits and returns captured output or a
// typed failure. Implementations never panic or return a Go error for
// expected failure modes (limit breaches, user code throwing); those are
// reported through Outcome.Err.
type Backend interface {
	Execute(ctx context.Context, source Source, limits ResourceLimits, injection Injection) Outcome
}
