package engine

import (
	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/pkg/schema"
)

// keptTasks returns, by full name, the successful rows of a finished attempt
// that its retry does not re-run.
func keptTasks(g *attemptGraph, sel schema.RetrySelector) (map[string]*store.Task, error) {
	kept := map[string]*store.Task{}
	if sel.Mode == schema.RetryAll {
		return kept, nil
	}

	rerun := map[int64]bool{}
	if sel.Mode == schema.RetryFrom {
		from, ok := g.byName[sel.From]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "task %q not found in attempt", sel.From)
		}
		rerun = rerunFrom(g, from)
	}

	for _, t := range g.tasks {
		if t.State == schema.TaskSuccess && !rerun[t.ID] {
			kept[t.FullName] = t
		}
	}
	return kept, nil
}

// rerunFrom marks the task, its subtree, everything downstream of it or of
// any of its ancestors, and its ancestors themselves.
func rerunFrom(g *attemptGraph, from *store.Task) map[int64]bool {
	downstream := map[int64][]*store.Task{}
	for _, t := range g.tasks {
		for _, up := range t.Upstreams {
			downstream[up] = append(downstream[up], t)
		}
	}

	rerun := map[int64]bool{}
	var mark func(t *store.Task)
	mark = func(t *store.Task) {
		if rerun[t.ID] {
			return
		}
		rerun[t.ID] = true
		for _, c := range g.children[t.ID] {
			mark(c)
		}
		for _, d := range downstream[t.ID] {
			mark(d)
		}
	}

	mark(from)
	for _, anc := range g.ancestors(from) {
		rerun[anc.ID] = true
		for _, d := range downstream[anc.ID] {
			mark(d)
		}
	}
	return rerun
}
