package config

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cordum/masher/core/infra/schema"
)

//go:embed schema/masher.schema.json
var masherSchemaJSON []byte

var masherSchema = sync.OnceValues(func() (*schema.Schema, error) {
	return schema.Compile("masher config", masherSchemaJSON)
})

// checkMasherSchema rejects unknown keys and mistyped values before the
// file is decoded into MasherConfig.
func checkMasherSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse masher config: %w", err)
	}
	if doc == nil {
		return nil
	}
	s, err := masherSchema()
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("validate %w", err)
	}
	return nil
}
