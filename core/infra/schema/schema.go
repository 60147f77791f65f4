// Package schema compiles JSON schemas once and checks decoded documents
// against them.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled document schema.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Compile parses raw as a draft-07 schema registered under name.
func Compile(name string, raw []byte) (*Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s schema is empty", name)
	}
	url := "mem://" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("load %s schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompile is Compile for schemas embedded at build time.
func MustCompile(name string, raw []byte) *Schema {
	s, err := Compile(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a decoded value. YAML and Go values are round-tripped
// through JSON so ints and typed maps look like the validator expects.
func (s *Schema) Validate(value any) error {
	doc, err := asJSON(value)
	if err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}

// ValidateJSON checks raw JSON bytes.
func (s *Schema) ValidateJSON(data []byte) error {
	return s.Validate(json.RawMessage(data))
}

func asJSON(value any) (any, error) {
	var data []byte
	switch v := value.(type) {
	case json.RawMessage:
		data = v
	default:
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		data = enc
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return out, nil
}
