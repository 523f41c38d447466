package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// WorkflowDefinition is the pushed form of a workflow. It is stored as JSON
// and usually authored as YAML.
type WorkflowDefinition struct {
	Name     string              `json:"name" yaml:"name"`
	Timezone string              `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Schedule *ScheduleDefinition `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Params   Params              `json:"params,omitempty" yaml:"params,omitempty"`
	Parallel bool                `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Retry    *RetryPolicy        `json:"retry,omitempty" yaml:"retry,omitempty"`
	Tasks    []TaskDefinition    `json:"tasks" yaml:"tasks"`
}

// ParseDefinitionYAML decodes an authored workflow. Keys the definition does
// not know are rejected, so a misspelled depends_on cannot silently drop an
// edge.
func ParseDefinitionYAML(data []byte) (*WorkflowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var def WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, NewError(ErrCodeValidation, "workflow document is empty")
		}
		return nil, NewErrorf(ErrCodeValidation, "invalid workflow yaml: %v", err).WithCause(err)
	}
	return &def, nil
}

// ParseDefinitionJSON is ParseDefinitionYAML for the JSON form.
func ParseDefinitionJSON(data []byte) (*WorkflowDefinition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var def WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid workflow json: %v", err).WithCause(err)
	}
	return &def, nil
}

// Root returns the definition of the root grouping task.
func (w *WorkflowDefinition) Root() TaskDefinition {
	return TaskDefinition{
		Name:     w.Name,
		Params:   w.Params,
		Parallel: w.Parallel,
		Retry:    w.Retry,
		Tasks:    w.Tasks,
	}
}

// ScheduleDefinition attaches a cron schedule to a workflow.
type ScheduleDefinition struct {
	Cron     string `json:"cron" yaml:"cron"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// TaskDefinition describes one node of the task tree. A task either runs an
// operator or groups child tasks; operators may also generate children at
// run time.
type TaskDefinition struct {
	Name      string           `json:"name" yaml:"name"`
	Operator  string           `json:"operator,omitempty" yaml:"operator,omitempty"`
	Config    Params           `json:"config,omitempty" yaml:"config,omitempty"`
	Params    Params           `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn []string         `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Parallel  bool             `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Retry     *RetryPolicy     `json:"retry,omitempty" yaml:"retry,omitempty"`
	Tasks     []TaskDefinition `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// IsGroup reports whether the task statically owns children.
func (t *TaskDefinition) IsGroup() bool {
	return len(t.Tasks) > 0
}

// Retry interval types.
const (
	IntervalConstant    = "constant"
	IntervalExponential = "exponential"
)

// RetryPolicy configures retries. On an operator task it re-runs the same
// row; on a grouping task it re-creates the whole child subgraph.
type RetryPolicy struct {
	Limit        int      `json:"limit" yaml:"limit"`
	Interval     Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	IntervalType string   `json:"interval_type,omitempty" yaml:"interval_type,omitempty"`
	MaxInterval  Duration `json:"max_interval,omitempty" yaml:"max_interval,omitempty"`
}

// UnmarshalJSON accepts either a bare limit (`"retry": 3`) or the object form.
func (r *RetryPolicy) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*r = RetryPolicy{Limit: n}
		return nil
	}
	type plain RetryPolicy
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	*r = RetryPolicy(p)
	return nil
}

// UnmarshalYAML accepts either a bare limit or the mapping form.
func (r *RetryPolicy) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		n, err := strconv.Atoi(node.Value)
		if err != nil {
			return fmt.Errorf("retry: expected integer limit, got %q", node.Value)
		}
		*r = RetryPolicy{Limit: n}
		return nil
	}
	// node.Decode does not inherit KnownFields from the outer decoder.
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch key := node.Content[i]; key.Value {
		case "limit", "interval", "interval_type", "max_interval":
		default:
			return fmt.Errorf("retry: line %d: field %s not found in retry policy", key.Line, key.Value)
		}
	}
	type plain RetryPolicy
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = RetryPolicy(p)
	return nil
}

// Duration is a time.Duration that reads human units ("90s", "1d", "2h30m")
// or a bare number of seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// ParseDuration parses a human duration string.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		parsed, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case nil:
		*d = 0
		return nil
	}
	return fmt.Errorf("invalid duration %s", string(data))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Retry selector modes.
const (
	RetryAll    = "all"
	RetryFailed = "failed"
	RetryFrom   = "from"
)

// RetrySelector picks which tasks of a finished attempt re-run in its retry.
// Tasks not selected keep the outputs of the original attempt.
type RetrySelector struct {
	Mode string `json:"mode"`
	From string `json:"from,omitempty"`
}

// Validate checks the selector shape.
func (s RetrySelector) Validate() error {
	switch s.Mode {
	case RetryAll, RetryFailed:
		return nil
	case RetryFrom:
		if !strings.HasPrefix(s.From, "+") {
			return NewErrorf(ErrCodeValidation, "retry from needs a full task name starting with '+', got %q", s.From)
		}
		return nil
	}
	return NewErrorf(ErrCodeValidation, "unknown retry mode %q", s.Mode)
}
