package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/infra/memstore"
	"github.com/caseflow/caseflow/engine/store"
)

const historyWorkflow = core.ID("wf-root")

// writeHistory records a small four-transaction run: initialize at 1000,
// claim at 2000, start at 3000, complete and close at 4000.
func writeHistory(t *testing.T, clock *memstore.ManualClock, st *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	wfRes := Resource{Type: "workflow", ID: historyWorkflow.String(), Name: "greeting"}
	itemRes := Resource{Type: "workItem", ID: "wi-1", Name: "say_hello"}

	require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		rec, err := Start(tx, historyWorkflow, "greeting", "ana")
		require.NoError(t, err)
		op := rec.StartOperation(OpWorkflowInitialized, OpTypeWorkflow, wfRes,
			WorkflowAttrs(historyWorkflow, "greeting", core.WorkflowStarted, map[string]int{"start": 1}))
		child := rec.StartChild(op, OpTaskEnabled, OpTypeTask, Resource{Type: "task", Name: "say_hello"},
			TaskAttrs(historyWorkflow, "say_hello", 1, core.TaskEnabled))
		rec.End(child, SpanCompleted)
		child = rec.StartChild(op, OpItemOffered, OpTypeWorkItem, itemRes,
			ItemAttrs(historyWorkflow, "wi-1", "say_hello", 1, core.WorkItemOffered, ""))
		rec.End(child, SpanCompleted)
		rec.End(op, SpanCompleted)
		return rec.Flush()
	}))

	clock.Set(2_000)
	require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		rec, err := Begin(tx, historyWorkflow)
		require.NoError(t, err)
		op := rec.StartOperation(OpItemClaimed, OpTypeWorkItem, itemRes,
			ItemAttrs(historyWorkflow, "wi-1", "say_hello", 1, core.WorkItemClaimed, "ana"))
		rec.End(op, SpanCompleted)
		return rec.Flush()
	}))

	clock.Set(3_000)
	require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		rec, err := Begin(tx, historyWorkflow)
		require.NoError(t, err)
		op := rec.StartOperation(OpItemStarted, OpTypeWorkItem, itemRes,
			ItemAttrs(historyWorkflow, "wi-1", "say_hello", 1, core.WorkItemStarted, "ana"))
		child := rec.StartChild(op, OpTaskStarted, OpTypeTask, Resource{Type: "task", Name: "say_hello"},
			TaskAttrs(historyWorkflow, "say_hello", 1, core.TaskStarted))
		rec.End(child, SpanCompleted)
		child = rec.StartChild(op, OpConditionMarked, OpTypeCondition, Resource{Type: "condition", Name: "start"},
			ConditionAttrs(historyWorkflow, "start", 0))
		rec.End(child, SpanCompleted)
		rec.End(op, SpanCompleted)
		return rec.Flush()
	}))

	clock.Set(4_000)
	require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		rec, err := Begin(tx, historyWorkflow)
		require.NoError(t, err)
		op := rec.StartOperation(OpItemCompleted, OpTypeWorkItem, itemRes,
			ItemAttrs(historyWorkflow, "wi-1", "say_hello", 1, core.WorkItemCompleted, "ana"))
		child := rec.StartChild(op, OpTaskCompleted, OpTypeTask, Resource{Type: "task", Name: "say_hello"},
			TaskAttrs(historyWorkflow, "say_hello", 1, core.TaskCompleted))
		rec.End(child, SpanCompleted)
		child = rec.StartChild(op, OpConditionMarked, OpTypeCondition, Resource{Type: "condition", Name: "end"},
			ConditionAttrs(historyWorkflow, "end", 1))
		rec.End(child, SpanCompleted)
		child = rec.StartChild(op, OpWorkflowCompleted, OpTypeWorkflow, wfRes,
			WorkflowAttrs(historyWorkflow, "greeting", core.WorkflowCompleted, map[string]int{"start": 0, "end": 1}))
		rec.End(child, SpanCompleted)
		rec.End(op, SpanCompleted)
		rec.CloseTrace(SpanCompleted)
		return rec.Flush()
	}))
}

func stateAt(t *testing.T, st *memstore.Store, ts int64) *WorkflowState {
	t.Helper()
	var out *WorkflowState
	require.NoError(t, st.WithTx(context.Background(), func(_ context.Context, tx store.Tx) error {
		state, err := Repo{}.StateAt(tx, historyWorkflow, historyWorkflow, ts)
		out = state
		return err
	}))
	return out
}

func TestRepo_StateAt(t *testing.T) {
	clock := memstore.NewManualClock(1_000)
	st := memstore.NewWithClock(clock)
	writeHistory(t, clock, st)

	t.Run("Should reconstruct the state between the first two operations", func(t *testing.T) {
		state := stateAt(t, st, 1_500)
		assert.Equal(t, core.WorkflowStarted, state.Status)
		assert.Equal(t, "greeting", state.Name)
		assert.Equal(t, 1, state.Marking["start"])
		require.Contains(t, state.Tasks, "say_hello")
		assert.Equal(t, core.TaskEnabled, state.Tasks["say_hello"].Status)
		require.Contains(t, state.WorkItems, "wi-1")
		assert.Equal(t, core.WorkItemOffered, state.WorkItems["wi-1"].Status)
		assert.Empty(t, state.WorkItems["wi-1"].ClaimUserID)
	})

	t.Run("Should see the claim after the second operation", func(t *testing.T) {
		state := stateAt(t, st, 2_500)
		assert.Equal(t, core.WorkItemClaimed, state.WorkItems["wi-1"].Status)
		assert.Equal(t, "ana", state.WorkItems["wi-1"].ClaimUserID)
		assert.Equal(t, core.TaskEnabled, state.Tasks["say_hello"].Status)
	})

	t.Run("Should see consumed tokens after the start", func(t *testing.T) {
		state := stateAt(t, st, 3_500)
		assert.Equal(t, core.TaskStarted, state.Tasks["say_hello"].Status)
		assert.Equal(t, 0, state.Marking["start"])
		assert.Equal(t, core.WorkflowStarted, state.Status)
	})

	t.Run("Should reconstruct the terminal state at the end", func(t *testing.T) {
		state := stateAt(t, st, 4_000)
		assert.Equal(t, core.WorkflowCompleted, state.Status)
		assert.Equal(t, 1, state.Marking["end"])
		assert.Equal(t, core.TaskCompleted, state.Tasks["say_hello"].Status)
		assert.Equal(t, core.WorkItemCompleted, state.WorkItems["wi-1"].Status)
	})

	t.Run("Should see nothing before the trace began", func(t *testing.T) {
		state := stateAt(t, st, 500)
		assert.Empty(t, state.Tasks)
		assert.Empty(t, state.WorkItems)
	})
}

func TestRepo_SnapshotIndependence(t *testing.T) {
	ctx := context.Background()
	clock := memstore.NewManualClock(1_000)
	st := memstore.NewWithClock(clock)
	writeHistory(t, clock, st)

	t.Run("Should return identical states with and without snapshots", func(t *testing.T) {
		bare := stateAt(t, st, 4_000)

		snapper, err := NewSnapshotter(8, 1)
		require.NoError(t, err)
		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			return snapper.Snapshot(tx, historyWorkflow)
		}))

		seeded := stateAt(t, st, 4_000)
		assert.Equal(t, bare, seeded)

		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			return Repo{}.DropSnapshots(tx, historyWorkflow)
		}))
		dropped := stateAt(t, st, 4_000)
		assert.Equal(t, bare, dropped)
	})

	t.Run("Should compute each snapshot from the spans alone", func(t *testing.T) {
		// A snapshot at an early instant must not leak later state even
		// though a later snapshot already exists.
		snapper, err := NewSnapshotter(8, 1)
		require.NoError(t, err)
		clock.Set(4_000)
		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			return snapper.Snapshot(tx, historyWorkflow)
		}))
		state := stateAt(t, st, 1_500)
		assert.Equal(t, core.WorkflowStarted, state.Status)
		assert.Equal(t, core.WorkItemOffered, state.WorkItems["wi-1"].Status)
	})
}

func TestSnapshotter_Cache(t *testing.T) {
	ctx := context.Background()
	clock := memstore.NewManualClock(1_000)
	st := memstore.NewWithClock(clock)
	writeHistory(t, clock, st)

	t.Run("Should serve closed-trace states without aliasing the cache", func(t *testing.T) {
		snapper, err := NewSnapshotter(8, 0)
		require.NoError(t, err)
		var first, second *WorkflowState
		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			first, err = snapper.StateAt(tx, historyWorkflow, historyWorkflow, 4_000)
			return err
		}))
		first.Marking["end"] = 99
		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			second, err = snapper.StateAt(tx, historyWorkflow, historyWorkflow, 4_000)
			return err
		}))
		assert.Equal(t, 1, second.Marking["end"])
	})
}

func TestReplay_Permutation(t *testing.T) {
	ctx := context.Background()
	wfID := core.ID("wf-perm")

	// Three spans of the same millisecond from different transactions: their
	// sequence numbers are incomparable and replay must treat them as a set.
	mkSpans := func() []*Span {
		return []*Span{
			{
				SpanID: "span-a", TraceID: wfID, Operation: OpTaskEnabled,
				OperationType: OpTypeTask, StartedAt: 1_000, EndedAt: 1_000,
				State: SpanCompleted, SequenceNumber: 0,
				Attributes: TaskAttrs(wfID, "approve", 1, core.TaskEnabled),
			},
			{
				SpanID: "span-b", TraceID: wfID, Operation: OpTaskEnabled,
				OperationType: OpTypeTask, StartedAt: 1_000, EndedAt: 1_000,
				State: SpanCompleted, SequenceNumber: 0,
				Attributes: TaskAttrs(wfID, "reject", 1, core.TaskEnabled),
			},
			{
				SpanID: "span-c", TraceID: wfID, Operation: OpConditionMarked,
				OperationType: OpTypeCondition, StartedAt: 1_000, EndedAt: 1_000,
				State: SpanCompleted, SequenceNumber: 1,
				Attributes: ConditionAttrs(wfID, "start", 1),
			},
		}
	}

	load := func(t *testing.T, order []int) *WorkflowState {
		t.Helper()
		st := memstore.NewWithClock(memstore.NewManualClock(1_000))
		var out *WorkflowState
		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			repo := Repo{}
			if err := repo.UpsertTrace(tx, &Trace{TraceID: wfID, Name: "perm", State: SpanRunning, StartedAt: 1_000}); err != nil {
				return err
			}
			spans := mkSpans()
			for _, i := range order {
				if err := repo.UpsertSpan(tx, spans[i]); err != nil {
					return err
				}
			}
			state, err := repo.StateAt(tx, wfID, wfID, 1_000)
			out = state
			return err
		}))
		return out
	}

	t.Run("Should reconstruct the same state for every insert order", func(t *testing.T) {
		reference := load(t, []int{0, 1, 2})
		for _, order := range [][]int{{2, 1, 0}, {1, 2, 0}, {2, 0, 1}} {
			assert.Equal(t, reference, load(t, order), "order %v", order)
		}
	})
}

func TestRecorder_TerminalClosure(t *testing.T) {
	ctx := context.Background()

	t.Run("Should reject spans that start after the trace ended", func(t *testing.T) {
		clock := memstore.NewManualClock(1_000)
		st := memstore.NewWithClock(clock)
		writeHistory(t, clock, st)

		clock.Set(5_000)
		err := st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			rec, err := Begin(tx, historyWorkflow)
			require.NoError(t, err)
			op := rec.StartOperation(OpItemClaimed, OpTypeWorkItem, Resource{}, nil)
			rec.End(op, SpanCompleted)
			return rec.Flush()
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "terminal")
	})

	t.Run("Should accept spans sharing the closing millisecond", func(t *testing.T) {
		clock := memstore.NewManualClock(1_000)
		st := memstore.NewWithClock(clock)
		writeHistory(t, clock, st)

		// The clock still reads 4000: a concurrent flush of the closing
		// transaction's own spans must pass.
		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			rec, err := Begin(tx, historyWorkflow)
			require.NoError(t, err)
			op := rec.StartOperation(OpConditionMarked, OpTypeCondition, Resource{},
				ConditionAttrs(historyWorkflow, "end", 1))
			rec.End(op, SpanCompleted)
			return rec.Flush()
		}))
	})
}

func TestRepo_KeyEvents(t *testing.T) {
	ctx := context.Background()
	clock := memstore.NewManualClock(1_000)
	st := memstore.NewWithClock(clock)
	writeHistory(t, clock, st)

	t.Run("Should list one event per operation in order", func(t *testing.T) {
		var events []KeyEvent
		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			var err error
			events, err = Repo{}.KeyEvents(tx, historyWorkflow)
			return err
		}))
		require.Len(t, events, 4)
		ops := make([]string, 0, len(events))
		for _, ev := range events {
			ops = append(ops, ev.Operation)
		}
		assert.Equal(t, []string{OpWorkflowInitialized, OpItemClaimed, OpItemStarted, OpItemCompleted}, ops)
		assert.Equal(t, "lifecycle", events[0].Category)
		assert.Equal(t, "work", events[1].Category)
		assert.Equal(t, "ana", events[1].UserID)
	})
}

func TestRecorder_Sequencing(t *testing.T) {
	ctx := context.Background()
	clock := memstore.NewManualClock(1_000)
	st := memstore.NewWithClock(clock)
	writeHistory(t, clock, st)

	t.Run("Should restart sequence numbers on every transaction", func(t *testing.T) {
		var spans []*Span
		require.NoError(t, st.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			var err error
			spans, err = Repo{}.TraceSpans(tx, historyWorkflow, 0)
			return err
		}))
		starts := map[int64]int{}
		for _, span := range spans {
			if span.SequenceNumber == 0 {
				starts[span.StartedAt]++
			}
		}
		for _, ts := range []int64{1_000, 2_000, 3_000, 4_000} {
			assert.Equal(t, 1, starts[ts], fmt.Sprintf("flush at %d", ts))
		}
	})
}
