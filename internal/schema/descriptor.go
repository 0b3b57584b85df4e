// Package schema validates descriptor files against a JSON Schema before
// the capability registry accepts them.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// descriptorSchemaDoc is the schema every agent descriptor file must
// satisfy: name, url, description required; capabilities, version, tags
// optional, plus the version/tags fields supplemental descriptors carry.
const descriptorSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "url", "description"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"url": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"capabilities": {"type": "array", "items": {"type": "string"}},
		"version": {"type": "string"},
		"tags": {"type": "array", "items": {"type": "string"}}
	}
}`

// DescriptorValidator validates raw descriptor JSON against the compiled
// schema. It is built once and reused for every file the registry loads.
type DescriptorValidator struct {
	schema *jsonschema.Schema
}

// NewDescriptorValidator compiles the descriptor schema.
func NewDescriptorValidator() (*DescriptorValidator, error) {
	var doc any
	if err := json.Unmarshal([]byte(descriptorSchemaDoc), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("descriptor.json", doc); err != nil {
		return nil, fmt.Errorf("add descriptor schema resource: %w", err)
	}

	compiled, err := c.Compile("descriptor.json")
	if err != nil {
		return nil, fmt.Errorf("compile descriptor schema: %w", err)
	}

	return &DescriptorValidator{schema: compiled}, nil
}

// Validate checks raw descriptor JSON bytes against the schema. A
// schema-valid-but-semantically-odd file (e.g. empty capabilities) passes;
// only structural violations are rejected.
func (v *DescriptorValidator) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal descriptor: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("descriptor schema validation: %w", err)
	}

	return nil
}
