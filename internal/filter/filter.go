// Package filter compiles CEL predicates over trace fields for ad-hoc
// search, beyond the store's substring matching. Expressions are
// compiled once and evaluated per trace; evaluation is lock-free and
// safe for concurrent use.
package filter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/fetchlens/fetchlens/internal/trace"
)

// Compiled wraps a pre-compiled CEL program ready for repeated
// evaluation against traces.
type Compiled struct {
	Expression string
	program    cel.Program
}

// Engine owns the CEL environment with the trace variable declarations
// available in filter expressions.
type Engine struct {
	env    *cel.Env
	logger *slog.Logger
}

// NewEngine creates an Engine declaring the trace.* variables.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("trace.id", cel.StringType),
		cel.Variable("trace.kind", cel.StringType),
		cel.Variable("trace.method", cel.StringType),
		cel.Variable("trace.path", cel.StringType),
		cel.Variable("trace.query_key", cel.StringType),
		cel.Variable("trace.tags", cel.ListType(cel.StringType)),
		cel.Variable("trace.duration_ms", cel.DoubleType),
		cel.Variable("trace.step_count", cel.IntType),
		cel.Variable("trace.active", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:    env,
		logger: logger.With("component", "filter.Engine"),
	}, nil
}

// Compile parses and type-checks a filter expression. The expression
// must evaluate to bool.
func (e *Engine) Compile(expr string) (*Compiled, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("filter program creation failed for %q: %w", expr, err)
	}

	e.logger.Debug("compiled filter expression", "expression", expr)

	return &Compiled{
		Expression: expr,
		program:    prg,
	}, nil
}

// Match evaluates the compiled expression against one trace.
func (c *Compiled) Match(tr *trace.OperationTrace) (bool, error) {
	tags := tr.Tags
	if tags == nil {
		// CEL list access on nil panics.
		tags = []string{}
	}

	vars := map[string]any{
		"trace.id":          tr.ID,
		"trace.kind":        string(tr.Kind),
		"trace.method":      tr.Method,
		"trace.path":        tr.Path,
		"trace.query_key":   tr.QueryKey,
		"trace.tags":        tags,
		"trace.duration_ms": float64(tr.Duration) / float64(time.Millisecond),
		"trace.step_count":  int64(len(tr.Steps)),
		"trace.active":      tr.Active(),
	}

	out, _, err := c.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("filter evaluation error for %q: %w", c.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter expression %q returned non-bool: %T", c.Expression, out.Value())
	}

	return result, nil
}

// Apply returns the traces matching the compiled expression.
// Evaluation errors on individual traces drop the trace rather than
// failing the whole query.
func (c *Compiled) Apply(traces []*trace.OperationTrace) []*trace.OperationTrace {
	out := make([]*trace.OperationTrace, 0, len(traces))
	for _, tr := range traces {
		ok, err := c.Match(tr)
		if err != nil {
			continue
		}
		if ok {
			out = append(out, tr)
		}
	}
	return out
}
