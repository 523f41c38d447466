package engine

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/flowctl/internal/operator"
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

// builtinParams are visible to every task of an attempt.
func builtinParams(a *store.Attempt, t *store.Task) schema.Params {
	st := a.SessionTime.UTC()
	return schema.Params{
		"session_time":     st.Format(time.RFC3339),
		"session_date":     st.Format(time.DateOnly),
		"session_unixtime": st.Unix(),
		"attempt_id":       a.ID,
		"project_id":       a.ProjectID,
		"task_name":        t.FullName,
	}
}

// mergedParams builds the parameter document a task sees. Later layers win:
// attempt params, built-ins, ancestors' export params root first, store
// params of every successful task in id order, the task's own export params.
func mergedParams(a *store.Attempt, g *attemptGraph, t *store.Task) (schema.Params, error) {
	layers := []schema.Params{a.Params, builtinParams(a, t)}
	for _, anc := range g.ancestors(t) {
		layers = append(layers, anc.ExportParams)
	}
	for _, row := range g.tasks {
		if row.State == schema.TaskSuccess && row.ID != t.ID {
			layers = append(layers, row.StoreParams)
		}
	}
	layers = append(layers, t.ExportParams)
	return schema.MergeParams(layers...)
}

// renderConfig templates the task config against params. Keys an operator
// declares raw are copied unrendered.
func (d *Dispatcher) renderConfig(ctx context.Context, op operator.Operator, t *store.Task, params schema.Params) (schema.Params, error) {
	var raw []string
	if rc, ok := op.(operator.RawConfig); ok {
		raw = rc.RawConfigKeys()
	}

	toRender := schema.Params{}
	passthrough := schema.Params{}
	for k, v := range t.Config {
		if slices.Contains(raw, k) {
			passthrough[k] = v
			continue
		}
		toRender[k] = v
	}

	rendered, err := d.templater.RenderParams(ctx, toRender, params)
	if err != nil {
		return nil, err
	}
	for k, v := range passthrough {
		rendered[k] = v
	}
	return rendered, nil
}
