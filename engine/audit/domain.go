package audit

import (
	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// The audit record is a tree of spans per trace; the trace ID is the root
// workflow ID. Spans are append-mostly: after a span's endedAt is set it is
// never mutated again.

type OperationType string

const (
	OpTypeWorkflow  OperationType = "workflow"
	OpTypeTask      OperationType = "task"
	OpTypeCondition OperationType = "condition"
	OpTypeWorkItem  OperationType = "workItem"
	OpTypeError     OperationType = "error"
)

type SpanState string

const (
	SpanRunning   SpanState = "RUNNING"
	SpanCompleted SpanState = "COMPLETED"
	SpanFailed    SpanState = "FAILED"
	SpanCanceled  SpanState = "CANCELED"
)

// Span operations. Reconstruction replays these, so every operation that
// changes state carries absolute attribute values, never deltas.
const (
	OpWorkflowInitialized = "workflow.initialized"
	OpWorkflowCompleted   = "workflow.completed"
	OpWorkflowCanceled    = "workflow.canceled"
	OpWorkflowFailed      = "workflow.failed"

	OpTaskEnabled   = "task.enabled"
	OpTaskDisabled  = "task.disabled"
	OpTaskStarted   = "task.started"
	OpTaskCompleted = "task.completed"
	OpTaskCanceled  = "task.canceled"
	OpTaskPending   = "task.or-join-pending"

	OpConditionMarked = "condition.marked"

	OpItemCreated   = "workItem.created"
	OpItemOffered   = "workItem.offered"
	OpItemClaimed   = "workItem.claimed"
	OpItemStarted   = "workItem.started"
	OpItemCompleted = "workItem.completed"
	OpItemCanceled  = "workItem.canceled"
	OpItemFailed    = "workItem.failed"

	OpError = "error"
)

type Trace struct {
	TraceID         core.ID        `json:"trace_id"`
	Name            string         `json:"name"`
	State           SpanState      `json:"state"`
	StartedAt       int64          `json:"started_at"`
	EndedAt         int64          `json:"ended_at,omitempty"`
	InitiatorUserID string         `json:"initiator_user_id,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
}

type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  int64          `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type Span struct {
	SpanID       string  `json:"span_id"`
	TraceID      core.ID `json:"trace_id"`
	ParentSpanID string  `json:"parent_span_id,omitempty"`
	Depth        int     `json:"depth"`
	// Path is the task-name path through the composite hierarchy to the
	// workflow this span belongs to; empty for the root workflow.
	Path          []string      `json:"path,omitempty"`
	Operation     string        `json:"operation"`
	OperationType OperationType `json:"operation_type"`
	StartedAt     int64         `json:"started_at"`
	EndedAt       int64         `json:"ended_at,omitempty"`
	State         SpanState     `json:"state"`
	// SequenceNumber is monotonic within one flush and breaks ties among
	// spans sharing a startedAt in the same transaction. Across
	// transactions that share a millisecond, sequence numbers are
	// incomparable and replay treats the spans as a set.
	SequenceNumber int            `json:"sequence_number"`
	ResourceType   string         `json:"resource_type,omitempty"`
	ResourceID     string         `json:"resource_id,omitempty"`
	ResourceName   string         `json:"resource_name,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Events         []SpanEvent    `json:"events,omitempty"`
}

// Context is the per-workflow persistent record linking transactions of the
// same workflow to its trace and composite position.
type Context struct {
	WorkflowID core.ID  `json:"workflow_id"`
	TraceID    core.ID  `json:"trace_id"`
	Path       []string `json:"path,omitempty"`
	Depth      int      `json:"depth"`
}

// Snapshot caches a reconstructed root-workflow state. Strictly a
// performance aid: deleting snapshots never changes observable results.
type Snapshot struct {
	TraceID        core.ID        `json:"trace_id"`
	WorkflowID     core.ID        `json:"workflow_id"`
	Timestamp      int64          `json:"timestamp"`
	SequenceNumber int            `json:"sequence_number"`
	State          *WorkflowState `json:"state"`
}

// -----------------------------------------------------------------------------
// Row conversion
// -----------------------------------------------------------------------------

func traceToRow(t *Trace) store.Row {
	return store.Row{
		"trace_id":          t.TraceID.String(),
		"name":              t.Name,
		"state":             string(t.State),
		"started_at":        t.StartedAt,
		"ended_at":          t.EndedAt,
		"initiator_user_id": t.InitiatorUserID,
		"attributes":        t.Attributes,
	}
}

func traceFromRow(row store.Row) *Trace {
	t := &Trace{
		TraceID:         core.ID(asString(row["trace_id"])),
		Name:            asString(row["name"]),
		State:           SpanState(asString(row["state"])),
		StartedAt:       asInt64(row["started_at"]),
		EndedAt:         asInt64(row["ended_at"]),
		InitiatorUserID: asString(row["initiator_user_id"]),
	}
	if m, ok := row["attributes"].(map[string]any); ok {
		t.Attributes = m
	}
	return t
}

func spanToRow(s *Span) store.Row {
	events := make([]any, 0, len(s.Events))
	for _, e := range s.Events {
		events = append(events, map[string]any{
			"name":       e.Name,
			"timestamp":  e.Timestamp,
			"attributes": e.Attributes,
		})
	}
	return store.Row{
		"id":              s.SpanID,
		"span_id":         s.SpanID,
		"trace_id":        s.TraceID.String(),
		"parent_span_id":  s.ParentSpanID,
		"depth":           s.Depth,
		"path":            pathToRow(s.Path),
		"operation":       s.Operation,
		"operation_type":  string(s.OperationType),
		"started_at":      s.StartedAt,
		"ended_at":        s.EndedAt,
		"state":           string(s.State),
		"sequence_number": s.SequenceNumber,
		"resource_type":   s.ResourceType,
		"resource_id":     s.ResourceID,
		"resource_name":   s.ResourceName,
		"attributes":      s.Attributes,
		"events":          events,
	}
}

func spanFromRow(row store.Row) *Span {
	s := &Span{
		SpanID:         asString(row["span_id"]),
		TraceID:        core.ID(asString(row["trace_id"])),
		ParentSpanID:   asString(row["parent_span_id"]),
		Depth:          asInt(row["depth"]),
		Path:           pathFromRow(row["path"]),
		Operation:      asString(row["operation"]),
		OperationType:  OperationType(asString(row["operation_type"])),
		StartedAt:      asInt64(row["started_at"]),
		EndedAt:        asInt64(row["ended_at"]),
		State:          SpanState(asString(row["state"])),
		SequenceNumber: asInt(row["sequence_number"]),
		ResourceType:   asString(row["resource_type"]),
		ResourceID:     asString(row["resource_id"]),
		ResourceName:   asString(row["resource_name"]),
	}
	if m, ok := row["attributes"].(map[string]any); ok {
		s.Attributes = m
	}
	if list, ok := row["events"].([]any); ok {
		for _, raw := range list {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			e := SpanEvent{
				Name:      asString(m["name"]),
				Timestamp: asInt64(m["timestamp"]),
			}
			if attrs, ok := m["attributes"].(map[string]any); ok {
				e.Attributes = attrs
			}
			s.Events = append(s.Events, e)
		}
	}
	return s
}

func contextToRow(c *Context) store.Row {
	return store.Row{
		"workflow_id": c.WorkflowID.String(),
		"trace_id":    c.TraceID.String(),
		"path":        pathToRow(c.Path),
		"depth":       c.Depth,
	}
}

func contextFromRow(row store.Row) *Context {
	return &Context{
		WorkflowID: core.ID(asString(row["workflow_id"])),
		TraceID:    core.ID(asString(row["trace_id"])),
		Path:       pathFromRow(row["path"]),
		Depth:      asInt(row["depth"]),
	}
}

func pathToRow(path []string) []any {
	out := make([]any, len(path))
	for i, p := range path {
		out[i] = p
	}
	return out
}

func pathFromRow(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, raw := range list {
		out = append(out, asString(raw))
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
