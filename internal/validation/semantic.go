package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowctl/pkg/schema"
)

// cronParser accepts standard five-field expressions and descriptors such as @daily.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a schedule expression the way the scheduler does.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// validateSemantic checks what JSON Schema cannot: registered operators,
// operator XOR children, duplicate sibling names, timezones and cron syntax.
func validateSemantic(def *schema.WorkflowDefinition, lookup OperatorLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def.Timezone != "" {
		if _, err := time.LoadLocation(def.Timezone); err != nil {
			result.AddError("timezone", schema.ErrCodeValidation, fmt.Sprintf("unknown timezone %q", def.Timezone))
		}
	}
	if def.Schedule != nil {
		if _, err := ParseCron(def.Schedule.Cron); err != nil {
			result.AddError("schedule.cron", schema.ErrCodeValidation, fmt.Sprintf("invalid cron %q: %s", def.Schedule.Cron, err))
		}
		if tz := def.Schedule.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				result.AddError("schedule.timezone", schema.ErrCodeValidation, fmt.Sprintf("unknown timezone %q", tz))
			}
		}
	}
	checkRetry(def.Retry, "retry", result)

	validateChildren(def.Tasks, "tasks", lookup, result)
	return result
}

func validateChildren(children []schema.TaskDefinition, path string, lookup OperatorLookup, result *schema.ValidationResult) {
	names := make(map[string]bool, len(children))
	for i := range children {
		task := &children[i]
		taskPath := fmt.Sprintf("%s[%d]", path, i)

		if names[task.Name] {
			result.AddError(taskPath+".name", schema.ErrCodeValidation, fmt.Sprintf("duplicate task name %q", task.Name))
		}
		names[task.Name] = true

		switch {
		case task.Operator != "" && task.IsGroup():
			result.AddError(taskPath, schema.ErrCodeValidation,
				fmt.Sprintf("task %q has both an operator and child tasks", task.Name))
		case task.Operator == "" && !task.IsGroup():
			result.AddError(taskPath, schema.ErrCodeValidation,
				fmt.Sprintf("task %q needs an operator or child tasks", task.Name))
		case task.Operator != "" && lookup != nil && !lookup.Has(task.Operator):
			result.AddError(taskPath+".operator", schema.ErrCodeConfig,
				fmt.Sprintf("operator %q not registered", task.Operator))
		}

		checkRetry(task.Retry, taskPath+".retry", result)
		validateChildren(task.Tasks, taskPath+".tasks", lookup, result)
	}
}

func checkRetry(r *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if r == nil {
		return
	}
	if r.MaxInterval > 0 && r.Interval > r.MaxInterval {
		result.AddError(path+".max_interval", schema.ErrCodeValidation, "max_interval is smaller than interval")
	}
	if r.Limit > 10 {
		result.AddWarning(path+".limit", schema.ErrCodeValidation,
			fmt.Sprintf("high retry limit (%d) may cause excessive delays", r.Limit))
	}
}
