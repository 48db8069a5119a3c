package sandbox

import (
	"context"
	"io"
)

// Evaluator runs one execution's source against the injected SDK bootstrap,
// writing captured output to stdout/stderr. Real language-engine semantics
// (a JS/Python interpreter evaluating user source) are explicitly out of
// scope for this substrate — spec §1 names "the concrete sandbox backends
// themselves" as a collaborator, contract-only concern. IsolateBackend and
// EmbeddedScriptBackend each take a pluggable Evaluator so the contract
// (limit precedence, output truncation, outcome shape) is fully exercised
// independent of which concrete engine production wiring wants.
type Evaluator func(ctx context.Context, source Source, injection Injection, stdout, stderr io.Writer) (exitCode int, err error)

// echoEvaluator is the default Evaluator: it evaluates the SDK bootstrap as
// a no-op and writes the source verbatim to stdout. It exists so the
// backends are exercisable without a wired language engine; production
// wiring replaces it with a real interpreter via WithEvaluator.
func echoEvaluator(_ context.Context, source Source, _ Injection, stdout, _ io.Writer) (int, error) {
	_, _ = io.WriteString(stdout, source.Code)
	return 0, nil
}
