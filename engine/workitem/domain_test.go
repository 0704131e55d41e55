package workitem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/engine/core"
)

func TestItem_Transition(t *testing.T) {
	t.Run("Should walk the full happy path", func(t *testing.T) {
		item := &Item{ID: "wi-1", Status: core.WorkItemCreated}
		for _, next := range []core.WorkItemStatus{
			core.WorkItemOffered,
			core.WorkItemClaimed,
			core.WorkItemStarted,
			core.WorkItemCompleted,
		} {
			require.NoError(t, item.Transition(next))
			assert.Equal(t, next, item.Status)
		}
	})

	t.Run("Should allow starting straight from created", func(t *testing.T) {
		item := &Item{Status: core.WorkItemCreated}
		assert.NoError(t, item.Transition(core.WorkItemStarted))
	})

	t.Run("Should allow failing only from started", func(t *testing.T) {
		assert.True(t, CanTransition(core.WorkItemStarted, core.WorkItemFailed))
		assert.False(t, CanTransition(core.WorkItemOffered, core.WorkItemFailed))
		assert.False(t, CanTransition(core.WorkItemClaimed, core.WorkItemFailed))
	})

	t.Run("Should allow canceling from any non-terminal state", func(t *testing.T) {
		for _, from := range []core.WorkItemStatus{
			core.WorkItemCreated,
			core.WorkItemOffered,
			core.WorkItemClaimed,
			core.WorkItemStarted,
		} {
			assert.True(t, CanTransition(from, core.WorkItemCanceled), "from %s", from)
		}
	})

	t.Run("Should reject transitions out of terminal states", func(t *testing.T) {
		for _, from := range []core.WorkItemStatus{
			core.WorkItemCompleted,
			core.WorkItemCanceled,
			core.WorkItemFailed,
		} {
			item := &Item{ID: "wi-2", Status: from}
			err := item.Transition(core.WorkItemStarted)
			require.ErrorIs(t, err, core.ErrWrongState, "from %s", from)
			assert.Equal(t, from, item.Status)
		}
	})

	t.Run("Should reject claiming an unoffered item", func(t *testing.T) {
		item := &Item{Status: core.WorkItemCreated}
		require.ErrorIs(t, item.Transition(core.WorkItemClaimed), core.ErrWrongState)
	})
}

func TestItem_Rows(t *testing.T) {
	t.Run("Should round-trip every field through the row form", func(t *testing.T) {
		item := &Item{
			ID:         "wi-3",
			WorkflowID: "wf-1",
			TaskName:   "approve",
			Generation: 2,
			Status:     core.WorkItemClaimed,
			Offer: &Offer{
				RequiredScope: "hr:approve_leave",
				ClaimPolicy:   `"hr:approve_leave" in actor.scopes`,
				GroupID:       "hr-leads",
			},
			Claim:       &Claim{UserID: "ana", ClaimedAt: 1700000000000},
			Payload:     core.Payload{"days": 3},
			AggregateID: "req-9",
			CreatedAt:   1700000000000,
			Error:       &core.Error{Message: "boom", Code: "work_item_failed"},
		}
		got := fromRow(toRow(item))
		assert.Equal(t, item.ID, got.ID)
		assert.Equal(t, item.Offer, got.Offer)
		assert.Equal(t, item.Claim, got.Claim)
		assert.Equal(t, item.Payload, got.Payload)
		assert.Equal(t, item.Error.Code, got.Error.Code)
	})
}
