package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/engine/core"
)

func hrModule() *ScopeModule {
	return &ScopeModule{
		Name: "hr",
		Scopes: []ScopeDef{
			{Capability: "staff", Description: "See HR work items"},
			{Capability: "approve_leave", Description: "Approve leave requests"},
		},
	}
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(64, hrModule())
	require.NoError(t, err)
	return svc
}

func TestService_Scopes(t *testing.T) {
	t.Run("Should declare module scopes alongside the system module", func(t *testing.T) {
		svc := newTestService(t)
		assert.True(t, svc.HasScope("hr:approve_leave"))
		assert.True(t, svc.HasScope("system:admin"))
		assert.False(t, svc.HasScope("hr:fire_everyone"))
	})

	t.Run("Should reject registering the same module twice", func(t *testing.T) {
		_, err := NewService(64, hrModule(), hrModule())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registered twice")
	})

	t.Run("Should reject a role over an undeclared scope", func(t *testing.T) {
		svc := newTestService(t)
		err := svc.DefineRole("ghost", "hr:fire_everyone")
		require.Error(t, err)
	})
}

func TestService_EffectiveScopes(t *testing.T) {
	ctx := context.Background()

	t.Run("Should union scopes across groups and roles", func(t *testing.T) {
		svc := newTestService(t)
		require.NoError(t, svc.DefineRole("hr-staff", "hr:staff"))
		require.NoError(t, svc.DefineRole("hr-approver", "hr:staff", "hr:approve_leave"))
		require.NoError(t, svc.DefineGroup("hr-team", "hr-staff"))
		require.NoError(t, svc.DefineGroup("hr-leads", "hr-approver"))
		require.NoError(t, svc.AssignUserToGroup("ana", "hr-team"))
		require.NoError(t, svc.AssignUserToGroup("ana", "hr-leads"))

		scopes := svc.EffectiveScopes(ctx, "ana")
		assert.True(t, scopes["hr:staff"])
		assert.True(t, scopes["hr:approve_leave"])
		assert.Equal(t, []string{"hr:approve_leave", "hr:staff"}, svc.ScopeList(ctx, "ana"))
	})

	t.Run("Should only grow scopes when grants are added", func(t *testing.T) {
		svc := newTestService(t)
		require.NoError(t, svc.DefineRole("hr-staff", "hr:staff"))
		require.NoError(t, svc.DefineRole("hr-approver", "hr:approve_leave"))
		require.NoError(t, svc.DefineGroup("hr-team", "hr-staff"))
		require.NoError(t, svc.AssignUserToGroup("bo", "hr-team"))

		before := svc.EffectiveScopes(ctx, "bo")
		require.NoError(t, svc.AssignRoleToGroup("hr-team", "hr-approver"))
		after := svc.EffectiveScopes(ctx, "bo")

		for scope := range before {
			assert.True(t, after[scope], "grant removed scope %s", scope)
		}
		assert.True(t, after["hr:approve_leave"])
	})

	t.Run("Should drop scopes after leaving the group", func(t *testing.T) {
		svc := newTestService(t)
		require.NoError(t, svc.DefineRole("hr-staff", "hr:staff"))
		require.NoError(t, svc.DefineGroup("hr-team", "hr-staff"))
		require.NoError(t, svc.AssignUserToGroup("cai", "hr-team"))
		require.True(t, svc.EffectiveScopes(ctx, "cai")["hr:staff"])

		svc.RemoveUserFromGroup("cai", "hr-team")
		assert.False(t, svc.EffectiveScopes(ctx, "cai")["hr:staff"])
		assert.False(t, svc.IsMember("cai", "hr-team"))
	})
}

func TestService_Authorize(t *testing.T) {
	ctx := context.Background()

	t.Run("Should pass the system actor unconditionally", func(t *testing.T) {
		svc := newTestService(t)
		assert.NoError(t, svc.Authorize(ctx, core.SystemActor, "hr:approve_leave"))
	})

	t.Run("Should deny an actor without the scope", func(t *testing.T) {
		svc := newTestService(t)
		err := svc.Authorize(ctx, core.Actor{UserID: "dee"}, "hr:approve_leave")
		require.ErrorIs(t, err, core.ErrAuthzDenied)
	})

	t.Run("Should gate visibility on the domain staff scope", func(t *testing.T) {
		svc := newTestService(t)
		require.NoError(t, svc.DefineRole("hr-staff", "hr:staff"))
		require.NoError(t, svc.DefineGroup("hr-team", "hr-staff"))
		require.NoError(t, svc.AssignUserToGroup("eve", "hr-team"))

		assert.True(t, svc.CanView(ctx, core.Actor{UserID: "eve"}, "hr"))
		assert.False(t, svc.CanView(ctx, core.Actor{UserID: "mallory"}, "hr"))
		assert.True(t, svc.CanView(ctx, core.SystemActor, "hr"))
	})
}

func TestService_Policies(t *testing.T) {
	ctx := context.Background()

	t.Run("Should evaluate a scope-membership predicate", func(t *testing.T) {
		svc := newTestService(t)
		require.NoError(t, svc.DefineRole("hr-approver", "hr:approve_leave"))
		require.NoError(t, svc.DefineGroup("hr-leads", "hr-approver"))
		require.NoError(t, svc.AssignUserToGroup("fay", "hr-leads"))

		activation := PolicyActivation{Actor: svc.ActorActivation(ctx, core.Actor{UserID: "fay"})}
		ok, err := svc.EvalPolicy(`"hr:approve_leave" in actor.scopes`, activation)
		require.NoError(t, err)
		assert.True(t, ok)

		activation = PolicyActivation{Actor: svc.ActorActivation(ctx, core.Actor{UserID: "gil"})}
		ok, err = svc.EvalPolicy(`"hr:approve_leave" in actor.scopes`, activation)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Should treat the empty expression as vacuously true", func(t *testing.T) {
		svc := newTestService(t)
		ok, err := svc.EvalPolicy("", PolicyActivation{})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should reject a non-boolean policy at check time", func(t *testing.T) {
		svc := newTestService(t)
		require.Error(t, svc.CheckPolicy(`actor.user_id`))
		require.Error(t, svc.CheckPolicy(`this is not CEL`))
		require.NoError(t, svc.CheckPolicy(`workflow.status == "STARTED"`))
	})

	t.Run("Should see both workflow and aggregate in the activation", func(t *testing.T) {
		svc := newTestService(t)
		ok, err := svc.EvalPolicy(`workflow.name == "leave" && aggregate.id == "req-1"`, PolicyActivation{
			Workflow:  map[string]any{"name": "leave"},
			Aggregate: map[string]any{"id": "req-1"},
		})
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
