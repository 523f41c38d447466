package engine

import (
	"sort"

	"github.com/rendis/flowctl/internal/store"
	"github.com/rendis/flowctl/internal/validation"
	"github.com/rendis/flowctl/pkg/schema"
)

// Full names: the root is "+<workflow>", a child is "<parent>+<name>".
const nameSep = "+"

func rootName(workflow string) string { return nameSep + workflow }

func childName(parent, name string) string { return parent + nameSep + name }

// expandAttempt builds the insert batch for a new attempt: the root group
// ready to be claimed and every static descendant blocked. Start parameters
// override the workflow's declared defaults on the root.
func expandAttempt(def *schema.WorkflowDefinition, params schema.Params) ([]store.NewTask, error) {
	root := def.Root()
	rootRow := newTaskRow(&root, rootName(def.Name), 0, schema.TaskReady)
	export, err := schema.MergeParams(rootRow.ExportParams, params)
	if err != nil {
		return nil, err
	}
	rootRow.ExportParams = export
	batch := []store.NewTask{{Task: rootRow, ParentIndex: -1}}
	return expandChildren(batch, root.Tasks, root.Parallel, rootName(def.Name), 0, 0, 0)
}

// expandGenerated builds the insert batch for children an operator returned,
// or for the static children of a group re-running after a group retry.
func expandGenerated(parent *store.Task, children []schema.TaskDefinition, parallel bool) ([]store.NewTask, error) {
	batch, err := expandChildren(nil, children, parallel, parent.FullName, -1, parent.ID, parent.RetryCount)
	if err != nil {
		return nil, err
	}
	for _, nt := range batch {
		nt.Task.AttemptID = parent.AttemptID
	}
	return batch, nil
}

// expandChildren appends one group of siblings in dependency order, then each
// sibling's own subtree, so every parent and upstream precedes its
// dependents in the batch. Top-level siblings carry generation; deeper rows
// are fresh and carry 0.
func expandChildren(batch []store.NewTask, children []schema.TaskDefinition, parallel bool,
	parentName string, parentIndex int, parentID int64, generation int,
) ([]store.NewTask, error) {
	if len(children) == 0 {
		return batch, nil
	}
	ups, err := validation.SiblingUpstreams(children, parallel)
	if err != nil {
		return nil, err
	}

	indexOf := make([]int, len(children))
	for _, i := range validation.TopoOrder(ups) {
		child := &children[i]
		row := newTaskRow(child, childName(parentName, child.Name), generation, schema.TaskBlocked)
		nt := store.NewTask{Task: row, ParentIndex: parentIndex}
		if parentIndex < 0 {
			row.ParentID = parentID
		}
		for _, u := range ups[i] {
			nt.UpstreamIndexes = append(nt.UpstreamIndexes, indexOf[u])
		}
		sort.Ints(nt.UpstreamIndexes)
		indexOf[i] = len(batch)
		batch = append(batch, nt)
	}

	for i := range children {
		batch, err = expandChildren(batch, children[i].Tasks, children[i].Parallel,
			childName(parentName, children[i].Name), indexOf[i], 0, 0)
		if err != nil {
			return nil, err
		}
	}
	return batch, nil
}

func newTaskRow(def *schema.TaskDefinition, fullName string, generation int, state schema.TaskState) *store.Task {
	d := *def
	return &store.Task{
		FullName:     fullName,
		State:        state,
		Operator:     def.Operator,
		Definition:   &d,
		Config:       def.Config.Clone(),
		ExportParams: def.Params.Clone(),
		StoreParams:  schema.Params{},
		StateParams:  schema.Params{},
		Generation:   generation,
		IsGroup:      def.IsGroup(),
	}
}

// attemptGraph is an in-memory view of the live (non-superseded) rows of one
// attempt, rebuilt from the store on every progress pass.
type attemptGraph struct {
	tasks    []*store.Task
	byID     map[int64]*store.Task
	byName   map[string]*store.Task
	children map[int64][]*store.Task
	root     *store.Task
}

func newAttemptGraph(rows []*store.Task) *attemptGraph {
	g := &attemptGraph{
		byID:     make(map[int64]*store.Task, len(rows)),
		byName:   make(map[string]*store.Task, len(rows)),
		children: make(map[int64][]*store.Task),
	}
	for _, t := range rows {
		if t.Superseded {
			continue
		}
		g.tasks = append(g.tasks, t)
		g.byID[t.ID] = t
		g.byName[t.FullName] = t
		if t.ParentID == 0 {
			if g.root == nil {
				g.root = t
			}
			continue
		}
		g.children[t.ParentID] = append(g.children[t.ParentID], t)
	}
	return g
}

// ancestors returns t's ancestors, root first.
func (g *attemptGraph) ancestors(t *store.Task) []*store.Task {
	var chain []*store.Task
	for p := g.byID[t.ParentID]; p != nil; p = g.byID[p.ParentID] {
		chain = append(chain, p)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// descendants returns every live row below t.
func (g *attemptGraph) descendants(t *store.Task) []*store.Task {
	var out []*store.Task
	queue := append([]*store.Task(nil), g.children[t.ID]...)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		out = append(out, c)
		queue = append(queue, g.children[c.ID]...)
	}
	return out
}

// upstreamsSucceeded reports whether every upstream of t is success.
func (g *attemptGraph) upstreamsSucceeded(t *store.Task) bool {
	for _, id := range t.Upstreams {
		u, ok := g.byID[id]
		if !ok || u.State != schema.TaskSuccess {
			return false
		}
	}
	return true
}

// readyToStart reports whether a blocked task may become ready: its parent
// is running or planned and all upstreams succeeded.
func (g *attemptGraph) readyToStart(t *store.Task) bool {
	if t.State != schema.TaskBlocked {
		return false
	}
	parent, ok := g.byID[t.ParentID]
	if !ok || (parent.State != schema.TaskRunning && parent.State != schema.TaskPlanned) {
		return false
	}
	return g.upstreamsSucceeded(t)
}

// deadBlocked returns the blocked children of group that can never start
// because an upstream failed or is itself dead, computed to a fixed point.
func (g *attemptGraph) deadBlocked(group *store.Task) []*store.Task {
	dead := map[int64]bool{}
	for changed := true; changed; {
		changed = false
		for _, c := range g.children[group.ID] {
			if c.State != schema.TaskBlocked || dead[c.ID] {
				continue
			}
			for _, id := range c.Upstreams {
				u := g.byID[id]
				if u == nil || u.State.Failed() || dead[id] {
					dead[c.ID] = true
					changed = true
					break
				}
			}
		}
	}
	var out []*store.Task
	for _, c := range g.children[group.ID] {
		if dead[c.ID] {
			out = append(out, c)
		}
	}
	return out
}
