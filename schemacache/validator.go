package schemacache

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate checks payload (raw JSON) against the compiled input schema for
// upstreamID/toolName, compiling and caching the schema on first use. A nil
// or empty inputSchema is treated as "no constraint": every payload passes.
func (s *Store) Validate(upstreamID, toolName string, inputSchema, payload []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	schema, err := s.compiledValidator(upstreamID, toolName, inputSchema)
	if err != nil {
		return err
	}

	var payloadDoc any
	if err := json.Unmarshal(payload, &payloadDoc); err != nil {
		return fmt.Errorf("schemacache: unmarshal payload: %w", err)
	}
	return schema.Validate(payloadDoc)
}

func (s *Store) compiledValidator(upstreamID, toolName string, inputSchema []byte) (*jsonschema.Schema, error) {
	key := upstreamID + "\x00" + toolName

	s.validatorMu.Lock()
	if schema, ok := s.validators[key]; ok {
		s.validatorMu.Unlock()
		return schema, nil
	}
	s.validatorMu.Unlock()

	var schemaDoc any
	if err := json.Unmarshal(inputSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("schemacache: unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	resourceID := "schemacache://" + key
	if err := c.AddResource(resourceID, schemaDoc); err != nil {
		return nil, fmt.Errorf("schemacache: add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("schemacache: compile schema: %w", err)
	}

	s.validatorMu.Lock()
	s.validators[key] = schema
	s.validatorMu.Unlock()

	return schema, nil
}
