package validation

import "github.com/rendis/flowctl/pkg/schema"

// Validator checks workflow definitions before they are stored and operator
// configs before they are invoked. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateConfig(config map[string]any, configSchema map[string]any) error
}

// OperatorLookup reports whether an operator type is registered.
// Satisfied by operator.Registry.
type OperatorLookup interface {
	Has(name string) bool
}
