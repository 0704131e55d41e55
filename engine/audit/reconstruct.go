package audit

import (
	"sort"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Reconstruction derives the state of a workflow at any past instant purely
// from its spans. Spans carry absolute values, so applying one is an
// assignment, applying it twice is a no-op, and spans that share a
// millisecond can be applied in any order.

type TaskState struct {
	Generation int             `json:"generation"`
	Status     core.TaskStatus `json:"status"`
}

type ItemState struct {
	TaskName    string              `json:"task_name"`
	Generation  int                 `json:"generation"`
	Status      core.WorkItemStatus `json:"status"`
	ClaimUserID string              `json:"claim_user_id,omitempty"`
}

// WorkflowState is the reconstructed view of one workflow at one instant.
type WorkflowState struct {
	WorkflowID core.ID               `json:"workflow_id"`
	Name       string                `json:"name,omitempty"`
	Status     core.WorkflowStatus   `json:"status"`
	Marking    map[string]int        `json:"marking"`
	Tasks      map[string]*TaskState `json:"tasks"`
	WorkItems  map[string]*ItemState `json:"work_items"`
	Timestamp  int64                 `json:"timestamp"`
}

func newWorkflowState(workflowID core.ID) *WorkflowState {
	return &WorkflowState{
		WorkflowID: workflowID,
		Marking:    make(map[string]int),
		Tasks:      make(map[string]*TaskState),
		WorkItems:  make(map[string]*ItemState),
	}
}

func (s *WorkflowState) clone() (*WorkflowState, error) {
	return core.DeepCopy(s)
}

// sortSpans orders spans for replay: startedAt, then sequence number, then
// span ID as the final deterministic tie break.
func sortSpans(spans []*Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		a, b := spans[i], spans[j]
		if a.StartedAt != b.StartedAt {
			return a.StartedAt < b.StartedAt
		}
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		return a.SpanID < b.SpanID
	})
}

// apply folds one span into the state. Spans of other workflows in the same
// trace are skipped by workflow_id.
func (s *WorkflowState) apply(span *Span) {
	if asString(span.Attributes[AttrWorkflowID]) != s.WorkflowID.String() {
		return
	}
	switch span.OperationType {
	case OpTypeWorkflow:
		if name := asString(span.Attributes[AttrWorkflowName]); name != "" {
			s.Name = name
		}
		if st := asString(span.Attributes[AttrStatus]); st != "" {
			s.Status = core.WorkflowStatus(st)
		}
		if m, ok := span.Attributes[AttrMarking].(map[string]any); ok {
			s.Marking = make(map[string]int, len(m))
			for k, v := range m {
				s.Marking[k] = asInt(v)
			}
		}
	case OpTypeCondition:
		cond := asString(span.Attributes[AttrCondition])
		if cond == "" {
			return
		}
		s.Marking[cond] = asInt(span.Attributes[AttrTokens])
	case OpTypeTask:
		name := asString(span.Attributes[AttrTaskName])
		if name == "" {
			return
		}
		s.Tasks[name] = &TaskState{
			Generation: asInt(span.Attributes[AttrGeneration]),
			Status:     core.TaskStatus(asString(span.Attributes[AttrStatus])),
		}
	case OpTypeWorkItem:
		id := asString(span.Attributes[AttrWorkItemID])
		if id == "" {
			return
		}
		s.WorkItems[id] = &ItemState{
			TaskName:    asString(span.Attributes[AttrTaskName]),
			Generation:  asInt(span.Attributes[AttrGeneration]),
			Status:      core.WorkItemStatus(asString(span.Attributes[AttrStatus])),
			ClaimUserID: asString(span.Attributes[AttrClaimUserID]),
		}
	}
}

// StateAt reconstructs the state of workflowID at instant ts. A snapshot at
// or before ts seeds the replay when one exists; spans from the snapshot
// instant onward are then folded in. Re-applying the snapshot-instant spans
// is harmless because apply is idempotent.
func (r Repo) StateAt(tx store.Tx, traceID, workflowID core.ID, ts int64) (*WorkflowState, error) {
	state := newWorkflowState(workflowID)
	from := int64(0)
	snap, err := r.LatestSnapshotBefore(tx, traceID, ts)
	if err != nil {
		return nil, err
	}
	if snap != nil && snap.WorkflowID == workflowID {
		state, err = snap.State.clone()
		if err != nil {
			return nil, err
		}
		from = snap.Timestamp
	}
	spans, err := r.TraceSpans(tx, traceID, ts)
	if err != nil {
		return nil, err
	}
	replay := spans[:0:0]
	for _, span := range spans {
		if span.StartedAt >= from {
			replay = append(replay, span)
		}
	}
	sortSpans(replay)
	for _, span := range replay {
		state.apply(span)
	}
	state.Timestamp = ts
	return state, nil
}

// StateNow reconstructs the current state of workflowID.
func (r Repo) StateNow(tx store.Tx, traceID, workflowID core.ID) (*WorkflowState, error) {
	return r.StateAt(tx, traceID, workflowID, tx.Now())
}

// -----------------------------------------------------------------------------
// Snapshot row conversion
// -----------------------------------------------------------------------------

func snapshotToRow(s *Snapshot) store.Row {
	return store.Row{
		"trace_id":        s.TraceID.String(),
		"workflow_id":     s.WorkflowID.String(),
		"timestamp":       s.Timestamp,
		"sequence_number": s.SequenceNumber,
		"state":           stateToRow(s.State),
	}
}

func snapshotFromRow(row store.Row) *Snapshot {
	s := &Snapshot{
		TraceID:        core.ID(asString(row["trace_id"])),
		WorkflowID:     core.ID(asString(row["workflow_id"])),
		Timestamp:      asInt64(row["timestamp"]),
		SequenceNumber: asInt(row["sequence_number"]),
	}
	if m, ok := row["state"].(map[string]any); ok {
		s.State = stateFromRow(m)
	}
	return s
}

func stateToRow(s *WorkflowState) map[string]any {
	marking := make(map[string]any, len(s.Marking))
	for k, v := range s.Marking {
		marking[k] = v
	}
	tasks := make(map[string]any, len(s.Tasks))
	for name, t := range s.Tasks {
		tasks[name] = map[string]any{
			"generation": t.Generation,
			"status":     t.Status.String(),
		}
	}
	items := make(map[string]any, len(s.WorkItems))
	for id, it := range s.WorkItems {
		items[id] = map[string]any{
			"task_name":     it.TaskName,
			"generation":    it.Generation,
			"status":        it.Status.String(),
			"claim_user_id": it.ClaimUserID,
		}
	}
	return map[string]any{
		"workflow_id": s.WorkflowID.String(),
		"name":        s.Name,
		"status":      s.Status.String(),
		"marking":     marking,
		"tasks":       tasks,
		"work_items":  items,
		"timestamp":   s.Timestamp,
	}
}

func stateFromRow(m map[string]any) *WorkflowState {
	s := newWorkflowState(core.ID(asString(m["workflow_id"])))
	s.Name = asString(m["name"])
	s.Status = core.WorkflowStatus(asString(m["status"]))
	s.Timestamp = asInt64(m["timestamp"])
	if marking, ok := m["marking"].(map[string]any); ok {
		for k, v := range marking {
			s.Marking[k] = asInt(v)
		}
	}
	if tasks, ok := m["tasks"].(map[string]any); ok {
		for name, raw := range tasks {
			tm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			s.Tasks[name] = &TaskState{
				Generation: asInt(tm["generation"]),
				Status:     core.TaskStatus(asString(tm["status"])),
			}
		}
	}
	if items, ok := m["work_items"].(map[string]any); ok {
		for id, raw := range items {
			im, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			s.WorkItems[id] = &ItemState{
				TaskName:    asString(im["task_name"]),
				Generation:  asInt(im["generation"]),
				Status:      core.WorkItemStatus(asString(im["status"])),
				ClaimUserID: asString(im["claim_user_id"]),
			}
		}
	}
	return s
}
