package memstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

func TestTx_CRUD(t *testing.T) {
	ctx := context.Background()

	t.Run("Should insert, get, patch and delete a row", func(t *testing.T) {
		s := New()
		var id core.ID
		err := s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			var err error
			id, err = tx.Insert(store.TableWorkflows, store.Row{"status": "STARTED"})
			return err
		})
		require.NoError(t, err)
		require.False(t, id.IsZero())

		err = s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			require.NoError(t, tx.Patch(store.TableWorkflows, id, store.Row{"status": "COMPLETED"}))
			row, err := tx.Get(store.TableWorkflows, id)
			require.NoError(t, err)
			assert.Equal(t, "COMPLETED", row["status"])
			return tx.Delete(store.TableWorkflows, id)
		})
		require.NoError(t, err)

		err = s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			row, err := tx.Get(store.TableWorkflows, id)
			require.NoError(t, err)
			assert.Nil(t, row)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("Should accept nil values in patches", func(t *testing.T) {
		s := New()
		var id core.ID
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			var err error
			id, err = tx.Insert(store.TableWorkflows, store.Row{"status": "STARTED", "output": map[string]any{"ok": true}})
			return err
		}))
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			return tx.Patch(store.TableWorkflows, id, store.Row{"output": nil, "attributes": nil})
		}))
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			row, err := tx.Get(store.TableWorkflows, id)
			require.NoError(t, err)
			assert.Nil(t, row["output"])
			assert.Equal(t, "STARTED", row["status"])
			return nil
		}))
	})

	t.Run("Should discard every write of a failed transaction", func(t *testing.T) {
		s := New()
		boom := fmt.Errorf("boom")
		var id core.ID
		err := s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			var err error
			id, err = tx.Insert(store.TableWorkflows, store.Row{"status": "STARTED"})
			require.NoError(t, err)
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			row, err := tx.Get(store.TableWorkflows, id)
			require.NoError(t, err)
			assert.Nil(t, row)
			return nil
		}))
	})

	t.Run("Should not alias returned rows with stored state", func(t *testing.T) {
		s := New()
		var id core.ID
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			var err error
			id, err = tx.Insert(store.TableWorkflows, store.Row{"marking": map[string]any{"start": 1}})
			return err
		}))
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			row, err := tx.Get(store.TableWorkflows, id)
			require.NoError(t, err)
			row["marking"].(map[string]any)["start"] = 99
			again, err := tx.Get(store.TableWorkflows, id)
			require.NoError(t, err)
			assert.Equal(t, 1, again["marking"].(map[string]any)["start"])
			return nil
		}))
	})
}

func TestTx_Indexes(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, s *Store) {
		t.Helper()
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			for i, started := range []int64{100, 300, 200} {
				_, err := tx.Insert(store.TableAuditSpans, store.Row{
					"span_id":    fmt.Sprintf("span-%d", i),
					"trace_id":   "trace-1",
					"started_at": started,
				})
				require.NoError(t, err)
			}
			_, err := tx.Insert(store.TableAuditSpans, store.Row{
				"span_id":    "span-other",
				"trace_id":   "trace-2",
				"started_at": int64(150),
			})
			return err
		}))
	}

	t.Run("Should scan an index prefix in field order", func(t *testing.T) {
		s := New()
		seed(t, s)
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			rows, err := tx.QueryByIndex(store.TableAuditSpans, store.IndexSpansByTraceStarted, store.Range{
				Eq: []any{"trace-1"},
			})
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, int64(100), rows[0]["started_at"])
			assert.Equal(t, int64(300), rows[2]["started_at"])
			return nil
		}))
	})

	t.Run("Should bound, reverse and limit a range scan", func(t *testing.T) {
		s := New()
		seed(t, s)
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			rows, err := tx.QueryByIndex(store.TableAuditSpans, store.IndexSpansByTraceStarted, store.Range{
				Eq:    []any{"trace-1"},
				LTE:   int64(250),
				Desc:  true,
				Limit: 1,
			})
			require.NoError(t, err)
			require.Len(t, rows, 1)
			assert.Equal(t, int64(200), rows[0]["started_at"])
			return nil
		}))
	})

	t.Run("Should enforce unique indexes across staged and committed rows", func(t *testing.T) {
		s := New()
		seed(t, s)
		err := s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			_, err := tx.Insert(store.TableAuditSpans, store.Row{
				"span_id":    "span-0",
				"trace_id":   "trace-9",
				"started_at": int64(1),
			})
			return err
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unique index")
	})

	t.Run("Should answer unique lookups with the single match or nil", func(t *testing.T) {
		s := New()
		seed(t, s)
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			row, err := tx.Unique(store.TableAuditSpans, store.IndexSpansBySpanID, []any{"span-1"})
			require.NoError(t, err)
			require.NotNil(t, row)
			assert.Equal(t, "trace-1", row["trace_id"])

			row, err = tx.Unique(store.TableAuditSpans, store.IndexSpansBySpanID, []any{"ghost"})
			require.NoError(t, err)
			assert.Nil(t, row)
			return nil
		}))
	})
}

func TestStore_Clock(t *testing.T) {
	ctx := context.Background()

	t.Run("Should hold one timestamp for a whole transaction", func(t *testing.T) {
		clock := NewManualClock(1000)
		s := NewWithClock(clock)
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			first := tx.Now()
			clock.Advance(50)
			assert.Equal(t, first, tx.Now())
			return nil
		}))
	})

	t.Run("Should clamp the transactional clock monotonic", func(t *testing.T) {
		clock := NewManualClock(2000)
		s := NewWithClock(clock)
		var first int64
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			first = tx.Now()
			return nil
		}))
		clock.Set(1000)
		require.NoError(t, s.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
			assert.GreaterOrEqual(t, tx.Now(), first)
			return nil
		}))
	})
}

func TestStore_FollowUps(t *testing.T) {
	ctx := context.Background()

	t.Run("Should dispatch scheduled keys after commit", func(t *testing.T) {
		s := New()
		var seen []string
		s.SetFollowUpHandler(func(_ context.Context, key string) error {
			seen = append(seen, key)
			return nil
		})
		require.NoError(t, s.WithTx(ctx, func(ctx context.Context, _ store.Tx) error {
			return s.Schedule(ctx, "k1", 0)
		}))
		assert.Equal(t, []string{"k1"}, seen)
	})

	t.Run("Should drop keys staged in a rolled-back transaction", func(t *testing.T) {
		s := New()
		var seen []string
		s.SetFollowUpHandler(func(_ context.Context, key string) error {
			seen = append(seen, key)
			return nil
		})
		boom := fmt.Errorf("boom")
		err := s.WithTx(ctx, func(ctx context.Context, _ store.Tx) error {
			require.NoError(t, s.Schedule(ctx, "k2", 0))
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Empty(t, seen)
	})

	t.Run("Should drain follow-ups scheduled by follow-ups", func(t *testing.T) {
		s := New()
		var seen []string
		s.SetFollowUpHandler(func(ctx context.Context, key string) error {
			seen = append(seen, key)
			if key == "first" {
				return s.WithTx(ctx, func(ctx context.Context, _ store.Tx) error {
					return s.Schedule(ctx, "second", 0)
				})
			}
			return nil
		})
		require.NoError(t, s.WithTx(ctx, func(ctx context.Context, _ store.Tx) error {
			return s.Schedule(ctx, "first", 0)
		}))
		assert.Equal(t, []string{"first", "second"}, seen)
	})
}
