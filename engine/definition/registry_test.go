package definition

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/engine/core"
)

type stubScopes map[string]bool

func (s stubScopes) HasScope(scope string) bool { return s[scope] }

type stubPolicies struct {
	bad map[string]bool
}

func (s stubPolicies) CheckPolicy(expr string) error {
	if s.bad[expr] {
		return fmt.Errorf("compile %q: boom", expr)
	}
	return nil
}

func linearDef(t *testing.T, name, version string) *Definition {
	t.Helper()
	def, err := NewBuilder(name, version).
		StartCondition("start").
		EndCondition("end").
		Task("work").
		Arc("start", "work").
		Arc("work", "end").
		Build()
	require.NoError(t, err)
	return def
}

func TestRegistry(t *testing.T) {
	t.Run("Should resolve registered versions independently", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		require.NoError(t, reg.Register(linearDef(t, "onboarding", "1.0.0")))
		require.NoError(t, reg.Register(linearDef(t, "onboarding", "2.0.0")))

		v1, err := reg.Resolve("onboarding", "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, "1.0.0", v1.Version())

		latest, err := reg.Latest("onboarding")
		require.NoError(t, err)
		assert.Equal(t, "2.0.0", latest.Version())
	})

	t.Run("Should reject re-registering the same version", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		require.NoError(t, reg.Register(linearDef(t, "onboarding", "1.0.0")))
		err := reg.Register(linearDef(t, "onboarding", "1.0.0"))
		require.ErrorIs(t, err, core.ErrInvalidDefinition)
	})

	t.Run("Should reject a composite referencing an unregistered definition", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		def, err := NewBuilder("parent", "1.0.0").
			StartCondition("start").
			EndCondition("end").
			Task("sub", WithSubWorkflow(Ref{Name: "ghost", Version: "1.0.0"})).
			Arc("start", "sub").
			Arc("sub", "end").
			Build()
		require.NoError(t, err)
		err = reg.Register(def)
		require.ErrorIs(t, err, core.ErrInvalidDefinition)
		assert.Contains(t, err.Error(), "unregistered definition")
	})

	t.Run("Should reject an offer scope no module declares", func(t *testing.T) {
		reg := NewRegistry(stubScopes{"hr:approve": true}, nil)
		def, err := NewBuilder("leave", "1.0.0").
			StartCondition("start").
			EndCondition("end").
			Task("approve", WithOffer(Offer{RequiredScope: "hr:reject"})).
			Arc("start", "approve").
			Arc("approve", "end").
			Build()
		require.NoError(t, err)
		err = reg.Register(def)
		require.ErrorIs(t, err, core.ErrInvalidDefinition)
		assert.Contains(t, err.Error(), "undeclared scope")
	})

	t.Run("Should reject a policy that does not compile", func(t *testing.T) {
		reg := NewRegistry(nil, stubPolicies{bad: map[string]bool{"nonsense(": true}})
		def, err := NewBuilder("leave", "1.0.0").
			StartCondition("start").
			EndCondition("end").
			Task("approve", WithWritePolicy("nonsense(")).
			Arc("start", "approve").
			Arc("approve", "end").
			Build()
		require.NoError(t, err)
		err = reg.Register(def)
		require.ErrorIs(t, err, core.ErrInvalidDefinition)
	})

	t.Run("Should report unknown definitions as not found", func(t *testing.T) {
		reg := NewRegistry(nil, nil)
		_, err := reg.Resolve("ghost", "1.0.0")
		assert.True(t, errors.Is(err, core.ErrNotFound))
	})
}
