package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowctl/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowctl.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "tasks"],
  "properties": {
    "name": { "$ref": "#/$defs/name" },
    "timezone": { "type": "string" },
    "schedule": {
      "type": "object",
      "required": ["cron"],
      "properties": {
        "cron": { "type": "string", "minLength": 1 },
        "timezone": { "type": "string" }
      },
      "additionalProperties": false
    },
    "params": { "type": "object" },
    "parallel": { "type": "boolean" },
    "retry": { "$ref": "#/$defs/retry" },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/task" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "name": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[^+^\\s]+$"
    },
    "duration": {
      "type": ["string", "number"]
    },
    "task": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "$ref": "#/$defs/name" },
        "operator": { "type": "string", "minLength": 1 },
        "config": { "type": "object" },
        "params": { "type": "object" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "parallel": { "type": "boolean" },
        "retry": { "$ref": "#/$defs/retry" },
        "tasks": {
          "type": "array",
          "items": { "$ref": "#/$defs/task" }
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "oneOf": [
        { "type": "integer", "minimum": 0 },
        {
          "type": "object",
          "required": ["limit"],
          "properties": {
            "limit": { "type": "integer", "minimum": 0 },
            "interval": { "$ref": "#/$defs/duration" },
            "interval_type": { "type": "string", "enum": ["constant", "exponential"] },
            "max_interval": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false
        }
      ]
    }
  }
}`

const workflowSchemaURL = "https://flowctl.dev/schemas/workflow.json"

// JSONSchemaValidator validates workflow definitions and operator configs.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled operator config schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates the structure of a workflow definition.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateConfig validates a rendered operator config against the operator's
// schema. A nil schema accepts anything.
func (v *JSONSchemaValidator) ValidateConfig(config map[string]any, configSchema map[string]any) error {
	if len(configSchema) == 0 {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	compiled, err := v.getOrCompile(configSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "invalid operator config schema").WithCause(err)
	}
	doc, err := toJSONValue(config)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "failed to serialize config").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		verr := toSchemaError(err)
		verr.Code = schema.ErrCodeConfig
		return verr
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(configSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(configSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("flowctl://config-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError flattens a jsonschema.ValidationError into one *schema.Error
// listing every leaf violation with its instance location.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
