package schema

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// ValidationSeverity tells a rejected definition apart from a suspicious one.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue points at one problem in a workflow definition. Path uses
// the definition's own layout, e.g. "tasks[2].tasks[0].depends_on".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found while checking a definition.
// Errors reject the definition on push; warnings are reported and kept.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = appendIssue(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = appendIssue(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Errorf is AddError with a formatted message.
func (r *ValidationResult) Errorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	for _, i := range other.Errors {
		r.Errors = appendIssue(r.Errors, i)
	}
	for _, i := range other.Warnings {
		r.Warnings = appendIssue(r.Warnings, i)
	}
}

// appendIssue skips an issue already reported at the same path with the same
// code, which happens when nested groups are checked by several passes.
func appendIssue(list []ValidationIssue, issue ValidationIssue) []ValidationIssue {
	if slices.ContainsFunc(list, func(i ValidationIssue) bool {
		return i.Path == issue.Path && i.Code == issue.Code && i.Message == issue.Message
	}) {
		return list
	}
	return append(list, issue)
}

// ToError returns nil for a valid result, otherwise a VALIDATION_ERROR whose
// message names the first problem and whose details carry all issues sorted
// by path.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	sorted := slices.Clone(r.Errors)
	slices.SortStableFunc(sorted, func(a, b ValidationIssue) int { return cmp.Compare(a.Path, b.Path) })

	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("definition has %d errors: %s", n, joinIssues(sorted, 3))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        sorted,
			"warnings":      r.Warnings,
		})
}

func joinIssues(issues []ValidationIssue, limit int) string {
	parts := make([]string, 0, limit+1)
	for i, issue := range issues {
		if i == limit {
			parts = append(parts, fmt.Sprintf("and %d more", len(issues)-limit))
			break
		}
		parts = append(parts, issue.String())
	}
	return strings.Join(parts, "; ")
}
