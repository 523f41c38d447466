package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/flowctl/pkg/schema"
)

// SiblingUpstreams returns, for each child of a group, the indexes of the
// siblings it waits for. Children of a sequential group wait for the previous
// sibling; depends_on adds explicit edges in either mode. Unknown names yield
// VALIDATION_ERROR and cycles CYCLE_DETECTED.
func SiblingUpstreams(children []schema.TaskDefinition, parallel bool) ([][]int, error) {
	index := make(map[string]int, len(children))
	for i, c := range children {
		if _, dup := index[c.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate task name %q", c.Name)
		}
		index[c.Name] = i
	}

	ups := make([][]int, len(children))
	for i, c := range children {
		seen := make(map[int]bool, len(c.DependsOn)+1)
		if !parallel && i > 0 {
			ups[i] = append(ups[i], i-1)
			seen[i-1] = true
		}
		for _, dep := range c.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"task %q depends on unknown sibling %q", c.Name, dep)
			}
			if j == i {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "task %q depends on itself", c.Name)
			}
			if !seen[j] {
				seen[j] = true
				ups[i] = append(ups[i], j)
			}
		}
		sort.Ints(ups[i])
	}

	if order := TopoOrder(ups); len(order) != len(children) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "task group contains a dependency cycle")
	}
	return ups, nil
}

// TopoOrder runs Kahn's algorithm over upstream lists and returns the nodes in
// dependency order. A result shorter than the input means a cycle.
func TopoOrder(ups [][]int) []int {
	inDegree := make([]int, len(ups))
	dependents := make([][]int, len(ups))
	for i, list := range ups {
		inDegree[i] = len(list)
		for _, j := range list {
			dependents[j] = append(dependents[j], i)
		}
	}

	queue := make([]int, 0, len(ups))
	for i, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(ups))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, d := range dependents[node] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	return order
}

// validateDAG checks every task group of the tree for unknown references and
// cycles, reporting each failing group by path.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	validateGroupDAG(def.Tasks, def.Parallel, "tasks", result)
	return result
}

func validateGroupDAG(children []schema.TaskDefinition, parallel bool, path string, result *schema.ValidationResult) {
	if len(children) == 0 {
		return
	}
	if _, err := SiblingUpstreams(children, parallel); err != nil {
		result.AddError(path, schema.CodeOf(err), err.(*schema.Error).Message)
	}
	for i := range children {
		validateGroupDAG(children[i].Tasks, children[i].Parallel, fmt.Sprintf("%s[%d].tasks", path, i), result)
	}
}
