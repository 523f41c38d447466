package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rendis/flowctl/internal/expressions"
	"github.com/rendis/flowctl/pkg/schema"
)

// RawConfig is implemented by operators whose config holds task bodies.
// The listed keys are passed through without `${...}` rendering so the
// generated children render them with their own parameters.
type RawConfig interface {
	RawConfigKeys() []string
}

var bodySchema = map[string]any{"type": []any{"object", "array"}}

// LoopOperator generates config.count children named loop-0..loop-N, each
// running config.do with param i set to its index.
type LoopOperator struct{}

func (l *LoopOperator) Type() string                      { return "loop" }
func (l *LoopOperator) Description() string               { return "Runs config.do config.count times." }
func (l *LoopOperator) SecretKeys(schema.Params) []string { return nil }
func (l *LoopOperator) RawConfigKeys() []string           { return []string{"do"} }

func (l *LoopOperator) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"count", "do"},
		"properties": map[string]any{
			"count":    map[string]any{"type": "integer", "minimum": 0},
			"do":       bodySchema,
			"parallel": map[string]any{"type": "boolean"},
		},
	}
}

func (l *LoopOperator) Run(_ context.Context, req *Request) Result {
	count := req.Config.Int("count", -1)
	if count < 0 {
		return Failure(schema.NewError(schema.ErrCodeConfig, "loop: count must be a non-negative integer"), false)
	}
	children := make([]schema.TaskDefinition, 0, count)
	for i := range count {
		child, err := bodyTask(fmt.Sprintf("loop-%d", i), req.Config["do"], schema.Params{"i": i})
		if err != nil {
			return Failure(err, false)
		}
		children = append(children, child)
	}
	return Success(nil).WithSubtasks(children, req.Config.Bool("parallel", false))
}

// ForEachOperator generates one child per combination of config.items, a map
// of parameter name to list of values. Combinations follow sorted key order.
type ForEachOperator struct{}

func (f *ForEachOperator) Type() string                      { return "for_each" }
func (f *ForEachOperator) Description() string               { return "Runs config.do for every combination of config.items." }
func (f *ForEachOperator) SecretKeys(schema.Params) []string { return nil }
func (f *ForEachOperator) RawConfigKeys() []string           { return []string{"do"} }

func (f *ForEachOperator) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"items", "do"},
		"properties": map[string]any{
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "array"},
			},
			"do":       bodySchema,
			"parallel": map[string]any{"type": "boolean"},
		},
	}
}

func (f *ForEachOperator) Run(_ context.Context, req *Request) Result {
	items, ok := req.Config["items"].(map[string]any)
	if !ok {
		return Failure(schema.NewError(schema.ErrCodeConfig, "for_each: items must be a map of lists"), false)
	}
	combos, err := cartesian(items)
	if err != nil {
		return Failure(err, false)
	}
	children := make([]schema.TaskDefinition, 0, len(combos))
	for i, combo := range combos {
		child, err := bodyTask(fmt.Sprintf("for-%d", i), req.Config["do"], combo)
		if err != nil {
			return Failure(err, false)
		}
		children = append(children, child)
	}
	return Success(nil).WithSubtasks(children, req.Config.Bool("parallel", false))
}

func cartesian(items map[string]any) ([]schema.Params, error) {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	combos := []schema.Params{{}}
	for _, k := range keys {
		values, ok := items[k].([]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "for_each: items.%s must be a list", k)
		}
		next := make([]schema.Params, 0, len(combos)*len(values))
		for _, base := range combos {
			for _, v := range values {
				c := base.Clone()
				c[k] = v
				next = append(next, c)
			}
		}
		combos = next
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return combos, nil
}

// IfOperator runs config.do when config.condition holds and config.else_do
// otherwise. The condition is a boolean or a CEL expression over params and
// task.
type IfOperator struct {
	cel *expressions.CELEngine
}

// NewIfOperator creates the if operator with its CEL engine.
func NewIfOperator(cel *expressions.CELEngine) *IfOperator {
	return &IfOperator{cel: cel}
}

func (o *IfOperator) Type() string                      { return "if" }
func (o *IfOperator) Description() string               { return "Runs config.do or config.else_do depending on config.condition." }
func (o *IfOperator) SecretKeys(schema.Params) []string { return nil }
func (o *IfOperator) RawConfigKeys() []string           { return []string{"do", "else_do"} }

func (o *IfOperator) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"condition"},
		"properties": map[string]any{
			"condition": map[string]any{"type": []any{"boolean", "string"}},
			"do":        bodySchema,
			"else_do":   bodySchema,
		},
	}
}

func (o *IfOperator) Run(ctx context.Context, req *Request) Result {
	var holds bool
	switch cond := req.Config["condition"].(type) {
	case bool:
		holds = cond
	case string:
		if o.cel == nil {
			return Failure(schema.NewError(schema.ErrCodeConfig, "if: no CEL engine configured"), false)
		}
		var err error
		holds, err = o.cel.EvaluateBool(ctx, cond, map[string]any{
			"params": map[string]any(req.Params),
			"task": map[string]any{
				"name":        req.TaskName,
				"attempt_id":  req.AttemptID,
				"retry_count": req.RetryCount,
			},
		})
		if err != nil {
			return Failure(err, false)
		}
	default:
		return Failure(schema.NewError(schema.ErrCodeConfig, "if: condition must be a boolean or a CEL expression"), false)
	}

	name, key := "do", "do"
	if !holds {
		name, key = "else", "else_do"
	}
	body, ok := req.Config[key]
	if !ok || body == nil {
		return Success(nil)
	}
	child, err := bodyTask(name, body, nil)
	if err != nil {
		return Failure(err, false)
	}
	return Success(nil).WithSubtasks([]schema.TaskDefinition{child}, false)
}

// bodyTask builds a generated child from a `do` body. A single task body
// becomes the child itself; a list becomes a group of those tasks.
func bodyTask(name string, body any, params schema.Params) (schema.TaskDefinition, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return schema.TaskDefinition{}, schema.NewErrorf(schema.ErrCodeConfig, "encode task body: %s", err)
	}

	if list, ok := body.([]any); ok {
		tasks := make([]schema.TaskDefinition, 0, len(list))
		if err := json.Unmarshal(raw, &tasks); err != nil {
			return schema.TaskDefinition{}, schema.NewErrorf(schema.ErrCodeConfig, "decode task list: %s", err)
		}
		for i := range tasks {
			if tasks[i].Name == "" {
				tasks[i].Name = fmt.Sprintf("step-%d", i)
			}
		}
		return schema.TaskDefinition{Name: name, Params: params, Tasks: tasks}, nil
	}

	var task schema.TaskDefinition
	if err := json.Unmarshal(raw, &task); err != nil {
		return schema.TaskDefinition{}, schema.NewErrorf(schema.ErrCodeConfig, "decode task body: %s", err)
	}
	task.Name = name
	if len(params) > 0 {
		merged, err := schema.MergeParams(task.Params, params)
		if err != nil {
			return schema.TaskDefinition{}, err
		}
		task.Params = merged
	}
	if task.Operator == "" && len(task.Tasks) == 0 {
		return schema.TaskDefinition{}, schema.NewErrorf(schema.ErrCodeConfig, "task body for %q needs an operator or tasks", name)
	}
	return task, nil
}
