package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/engine/core"
)

func TestSchema_Validate(t *testing.T) {
	ctx := context.Background()
	leave := &Schema{
		"type":     "object",
		"required": []any{"days"},
		"properties": map[string]any{
			"days":   map[string]any{"type": "integer", "minimum": 1},
			"reason": map[string]any{"type": "string"},
		},
	}

	t.Run("Should accept a conforming payload", func(t *testing.T) {
		err := leave.Validate(ctx, map[string]any{"days": 3, "reason": "vacation"})
		assert.NoError(t, err)
	})

	t.Run("Should reject a missing required field", func(t *testing.T) {
		err := leave.Validate(ctx, map[string]any{"reason": "vacation"})
		require.ErrorIs(t, err, core.ErrSchemaMismatch)
	})

	t.Run("Should reject a wrong type", func(t *testing.T) {
		err := leave.Validate(ctx, map[string]any{"days": "three"})
		require.ErrorIs(t, err, core.ErrSchemaMismatch)
	})

	t.Run("Should accept anything with a nil schema", func(t *testing.T) {
		var s *Schema
		assert.NoError(t, s.Validate(ctx, map[string]any{"whatever": true}))
	})

	t.Run("Should surface an uncompilable schema", func(t *testing.T) {
		bad := &Schema{"type": 42}
		err := bad.Validate(ctx, map[string]any{})
		require.Error(t, err)
	})
}
