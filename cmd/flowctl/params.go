package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowctl/pkg/schema"
)

// parseParams merges a YAML params file with key=value flags; flags win.
// Flag values are read as YAML scalars, so `-p count=3` is a number.
func parseParams(file string, pairs []string) (schema.Params, error) {
	var base schema.Params
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		if err := yaml.Unmarshal(data, &base); err != nil {
			return nil, fmt.Errorf("parse params file: %w", err)
		}
	}

	flags := schema.Params{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("param %q: want key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		flags[key] = v
	}
	return schema.MergeParams(base, flags)
}

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	def, err := schema.ParseDefinitionYAML(data)
	if err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	return def, nil
}
