package schema

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"github.com/caseflow/caseflow/engine/core"
)

// Schema is a JSON Schema document declared per task; work-item payloads are
// validated against it before any callback runs.
type Schema map[string]any

func (s *Schema) String() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}

func (s *Schema) Compile() (*jsonschema.Schema, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile(b)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return compiled, nil
}

// Validate checks value against the schema. A nil schema accepts anything.
// Rejections wrap core.ErrSchemaMismatch so callers can classify them.
func (s *Schema) Validate(_ context.Context, value any) error {
	compiled, err := s.Compile()
	if err != nil {
		return err
	}
	if compiled == nil {
		return nil
	}
	result := compiled.Validate(value)
	if result.Valid {
		return nil
	}
	return fmt.Errorf("%w: %v", core.ErrSchemaMismatch, result.Errors)
}
