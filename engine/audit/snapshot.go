package audit

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Snapshotter maintains the reconstruction cache. Snapshots only shortcut
// replay: every snapshot is computed from scratch off the spans alone, so
// dropping them all merely slows the next StateAt down.
type Snapshotter struct {
	repo     Repo
	interval int64
	cache    *lru.Cache[string, *WorkflowState]
}

func NewSnapshotter(cacheSize int, intervalMillis int64) (*Snapshotter, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, *WorkflowState](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &Snapshotter{repo: Repo{}, interval: intervalMillis, cache: cache}, nil
}

// MaybeSnapshot persists a fresh snapshot of the root workflow when the last
// one is at least one interval old. Called after a flush, inside the same
// transaction.
func (s *Snapshotter) MaybeSnapshot(tx store.Tx, traceID core.ID) error {
	now := tx.Now()
	last, err := s.repo.LatestSnapshotBefore(tx, traceID, now)
	if err != nil {
		return err
	}
	if last != nil && now-last.Timestamp < s.interval {
		return nil
	}
	return s.Snapshot(tx, traceID)
}

// Snapshot recomputes the root workflow state at tx.Now() from the full span
// record and stores it. The seed replay deliberately ignores existing
// snapshots so a corrupt or deleted cache can never poison a new one.
func (s *Snapshotter) Snapshot(tx store.Tx, traceID core.ID) error {
	now := tx.Now()
	spans, err := s.repo.TraceSpans(tx, traceID, now)
	if err != nil {
		return err
	}
	sortSpans(spans)
	state := newWorkflowState(traceID)
	seq := 0
	for _, span := range spans {
		state.apply(span)
		seq = span.SequenceNumber
	}
	state.Timestamp = now
	return s.repo.SaveSnapshot(tx, &Snapshot{
		TraceID:        traceID,
		WorkflowID:     traceID,
		Timestamp:      now,
		SequenceNumber: seq,
		State:          state,
	})
}

// StateAt is Repo.StateAt behind an in-process cache. Only instants at or
// before the trace's end are cacheable; open traces gain spans under old
// timestamps within the same millisecond, so their states are recomputed.
func (s *Snapshotter) StateAt(tx store.Tx, traceID, workflowID core.ID, ts int64) (*WorkflowState, error) {
	trace, err := s.repo.FindTrace(tx, traceID)
	if err != nil {
		return nil, err
	}
	cacheable := trace != nil && trace.EndedAt != 0 && ts >= trace.EndedAt
	key := fmt.Sprintf("%s:%s:%d", traceID, workflowID, ts)
	if cacheable {
		if state, ok := s.cache.Get(key); ok {
			return state.clone()
		}
	}
	state, err := s.repo.StateAt(tx, traceID, workflowID, ts)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if copied, err := state.clone(); err == nil {
			s.cache.Add(key, copied)
		}
	}
	return state, nil
}
