package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/flowctl/pkg/schema"
)

// CELEngine evaluates conditions of the `if` operator.
// Compiled programs are cached and safe for concurrent use.
type CELEngine struct {
	env   *cel.Env
	cache *lru.Cache[string, cel.Program]
}

// NewCELEngine creates a sandboxed CEL environment with two variables:
//   - params: map(string, dyn), the merged task parameters
//   - task:   map(string, dyn), task metadata (name, attempt_id, retry_count)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("params", mapType),
		cel.Variable("task", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression with data["params"] and data["task"] bound.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "empty CEL expression")
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	activation := map[string]any{"params": map[string]any{}, "task": map[string]any{}}
	for _, key := range []string{"params", "task"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "CEL evaluation failed for %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a condition and requires a boolean result.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfig, "condition %q returned %T, want bool", expression, v)
	}
	return b, nil
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	if prg, ok := e.cache.Get(expression); ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "CEL compile error in %q: %s", expression, issues.Err()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "CEL program error for %q: %s", expression, err).WithCause(err)
	}
	e.cache.Add(expression, prg)
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
