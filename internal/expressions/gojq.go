package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/flowctl/pkg/schema"
)

// GoJQEngine filters and reshapes task and attempt snapshots for clients
// (`flowctl tasks --jq`, the MCP tasks tool).
type GoJQEngine struct {
	cache *lru.Cache[string, *gojq.Code]
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate returns the single output, a slice for several outputs, or nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.run(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return results, nil
}

// Filter runs expression over any JSON-serializable value, such as a slice of
// task snapshots. The value goes through a JSON round trip first so structs
// and typed numbers look the way jq expects.
func (e *GoJQEngine) Filter(ctx context.Context, expression string, v any) ([]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode jq input: %w", err)
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("decode jq input: %w", err)
	}
	return e.run(ctx, expression, input)
}

func (e *GoJQEngine) run(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}
	code, err := e.code(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq evaluation failed for %q: %s", expression, err).
				WithCause(err)
		}
		results = append(results, val)
	}
	return results, nil
}

func (e *GoJQEngine) code(expression string) (*gojq.Code, error) {
	if code, ok := e.cache.Get(expression); ok {
		return code, nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", expression, err).WithCause(err)
	}
	// An empty environ keeps $ENV and env out of reach.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", expression, err).WithCause(err)
	}
	e.cache.Add(expression, code)
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
