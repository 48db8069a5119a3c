// Package supervisor implements ExecutionSupervisor: the orchestration
// protocol that turns one executeTypeScript/executePython/executeIsolate
// request into a sandbox invocation — merging limits, routing between
// backends, minting a session, emitting the SDK, and unconditionally
// invalidating the session once the backend returns.
package supervisor

import (
	"context"
	"fmt"

	"github.com/conduit-run/conduit/gateway"
	"github.com/conduit-run/conduit/policy"
	"github.com/conduit-run/conduit/sandbox"
	"github.com/conduit-run/conduit/sdkemitter"
	"github.com/conduit-run/conduit/session"
	"github.com/conduit-run/conduit/telemetry"
)

// Kind selects which scripting flavor an execution request targets.
type Kind string

const (
	// KindTypeScript is the primary, routed flavor (Isolate or Subprocess).
	KindTypeScript Kind = "typescript"
	// KindPython is the secondary flavor, always run on EmbeddedScriptBackend.
	KindPython Kind = "python"
	// KindIsolate is the pure-compute flavor, always run on IsolateBackend.
	KindIsolate Kind = "isolate"
)

// maxSourceBytes is the sanity-check cap on submitted source size. Spec
// explicitly labels this a sanity check, not a security control.
const maxSourceBytes = 1 << 20 // 1 MiB

// DefaultLimits are the server-side floor merged under caller-supplied
// limits.
var DefaultLimits = sandbox.ResourceLimits{
	TimeoutMs:      30_000,
	MemoryMB:       256,
	MaxOutputBytes: 1 << 20,
	MaxLogEntries:  1000,
}

// Request is one execute{Flavor} call.
type Request struct {
	Kind         Kind
	Code         string
	Limits       sandbox.ResourceLimits // caller overrides; zero fields fall back to DefaultLimits
	AllowedTools []policy.Pattern
}

// Supervisor wires the gateway, session store, and sandbox backends
// together per the ExecutionSupervisor protocol.
type Supervisor struct {
	gateway           *gateway.Gateway
	sessions          *session.Store
	isolate           *sandbox.IsolateBackend
	subprocess        *sandbox.SubprocessBackend
	embedded          *sandbox.EmbeddedScriptBackend
	reverseIPCAddress string
	logger            telemetry.Logger
	metrics           telemetry.Metrics
}

// Options configures a Supervisor. Gateway and Sessions are required;
// Isolate/Subprocess/Embedded default to their package constructors when
// nil.
type Options struct {
	Gateway           *gateway.Gateway
	Sessions          *session.Store
	Isolate           *sandbox.IsolateBackend
	Subprocess        *sandbox.SubprocessBackend
	Embedded          *sandbox.EmbeddedScriptBackend
	ReverseIPCAddress string
	Logger            telemetry.Logger
	Metrics           telemetry.Metrics
}

// New constructs a Supervisor. It returns an error if a required dependency
// is missing.
func New(opts Options) (*Supervisor, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("supervisor: gateway is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("supervisor: session store is required")
	}
	if opts.Isolate == nil {
		opts.Isolate = sandbox.NewIsolateBackend()
	}
	if opts.Subprocess == nil {
		opts.Subprocess = sandbox.NewSubprocessBackend("node", []string{"--input-type=module"})
	}
	if opts.Embedded == nil {
		opts.Embedded = sandbox.NewEmbeddedScriptBackend()
	}
	return &Supervisor{
		gateway:           opts.Gateway,
		sessions:          opts.Sessions,
		isolate:           opts.Isolate,
		subprocess:        opts.Subprocess,
		embedded:          opts.Embedded,
		reverseIPCAddress: opts.ReverseIPCAddress,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
	}, nil
}

// Execute runs req through the full ExecutionSupervisor protocol and
// returns the sandbox outcome.
func (s *Supervisor) Execute(ctx context.Context, req Request) (sandbox.Outcome, error) {
	limits := mergeLimits(req.Limits, DefaultLimits)

	if err := sanityCheckSource(req.Code); err != nil {
		return sandbox.Outcome{}, err
	}

	backend, flavor, requiresReverseIPC := s.route(req.Kind, req.Code)

	if requiresReverseIPC && s.reverseIPCAddress == "" {
		return sandbox.Outcome{}, fmt.Errorf("supervisor: reverse-IPC address is required for this backend")
	}

	bindings := s.discoverBindings(ctx, req.AllowedTools)

	sdkSource, err := sdkemitter.Emit(bindings, req.AllowedTools, flavor)
	if err != nil {
		return sandbox.Outcome{}, fmt.Errorf("supervisor: emit sdk: %w", err)
	}

	allowed := make([]string, len(req.AllowedTools))
	for i, p := range req.AllowedTools {
		allowed[i] = p.String()
	}
	token, err := s.sessions.Create(allowed)
	if err != nil {
		return sandbox.Outcome{}, fmt.Errorf("supervisor: mint session: %w", err)
	}
	defer s.sessions.Invalidate(token)

	injection := sandbox.Injection{
		ReverseIPCAddress: s.reverseIPCAddress,
		SessionToken:      string(token),
		SDKSource:         sdkSource,
	}
	outcome := backend.Execute(ctx, sandbox.Source{Code: req.Code}, limits, injection)
	return outcome, nil
}

// route selects the backend and SDK flavor for kind, applying the
// comment-stripped module-keyword/global-token sniff for KindTypeScript.
func (s *Supervisor) route(kind Kind, code string) (backend sandbox.Backend, flavor sdkemitter.Flavor, requiresReverseIPC bool) {
	switch kind {
	case KindPython:
		return s.embedded, sdkemitter.FlavorPy, true
	case KindIsolate:
		return s.isolate, sdkemitter.FlavorIsolate, false
	default: // KindTypeScript
		if needsHeavyBackend(code) {
			return s.subprocess, sdkemitter.FlavorScript, true
		}
		return s.isolate, sdkemitter.FlavorScript, false
	}
}

func (s *Supervisor) discoverBindings(ctx context.Context, allowed []policy.Pattern) []sdkemitter.ToolBinding {
	var bindings []sdkemitter.ToolBinding
	rctx := gateway.Context{AllowedTools: allowed}
	for _, pkg := range s.gateway.ListToolPackages() {
		stubs, err := s.gateway.ListToolStubs(ctx, pkg, rctx)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn(ctx, "supervisor: discover stub bindings failed", "package", pkg, "error", err)
			}
			continue
		}
		for _, stub := range stubs {
			id := policy.Parse(stub.Name)
			bindings = append(bindings, sdkemitter.ToolBinding{Namespace: id.Namespace, Name: id.Name})
		}
	}
	return bindings
}

func mergeLimits(caller, defaults sandbox.ResourceLimits) sandbox.ResourceLimits {
	merged := defaults
	if caller.TimeoutMs != 0 {
		merged.TimeoutMs = caller.TimeoutMs
	}
	if caller.MemoryMB != 0 {
		merged.MemoryMB = caller.MemoryMB
	}
	if caller.MaxOutputBytes != 0 {
		merged.MaxOutputBytes = caller.MaxOutputBytes
	}
	if caller.MaxLogEntries != 0 {
		merged.MaxLogEntries = caller.MaxLogEntries
	}
	return merged
}

func sanityCheckSource(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("supervisor: source must not be empty")
	}
	if len(code) > maxSourceBytes {
		return fmt.Errorf("supervisor: source exceeds %d bytes", maxSourceBytes)
	}
	return nil
}
