package validation

import "github.com/rendis/flowctl/pkg/schema"

// WorkflowValidator runs the three-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (operator refs, timezones, cron)
// 3. DAG (sibling references and cycles in every group)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	operators  OperatorLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip operator existence checks.
func NewWorkflowValidator(lookup OperatorLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, operators: lookup}, nil
}

// Validate runs the pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.operators))
	if result.Valid() {
		result.Merge(validateDAG(def))
	}
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateConfig delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateConfig(config map[string]any, configSchema map[string]any) error {
	return wv.jsonSchema.ValidateConfig(config, configSchema)
}

func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	verr, ok := err.(*schema.Error)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := verr.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, verr.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
