package store

import (
	"context"

	"github.com/caseflow/caseflow/engine/core"
)

// The engine never talks to a database directly: hosts supply a transactional
// key-value + index store behind these interfaces. Every public engine
// operation runs inside exactly one transaction; all reads, writes and span
// buffering happen there, and an error rolls the whole unit back.

type Table string

const (
	TableWorkflows      Table = "workflows"
	TableTasks          Table = "tasks"
	TableWorkItems      Table = "workItems"
	TableAuditTraces    Table = "auditTraces"
	TableAuditSpans     Table = "auditSpans"
	TableAuditSnapshots Table = "auditWorkflowSnapshots"
	TableAuditContexts  Table = "auditContexts"
)

// Index names, bound to their field lists by Indexes below.
const (
	IndexWorkflowsByParent    = "by_parent_workflow_id"
	IndexWorkflowsByTrace     = "by_trace_id"
	IndexTasksByWorkflow      = "by_workflow_id"
	IndexWorkItemsByWorkflow  = "by_workflow_id_task_name"
	IndexSpansByTraceStarted  = "by_trace_id_started_at"
	IndexSpansByTraceParent   = "by_trace_id_parent_span_id_depth"
	IndexSpansByResource      = "by_resource_type_resource_id"
	IndexSpansBySpanID        = "by_span_id"
	IndexTracesByTraceID      = "by_trace_id"
	IndexTracesByStartedAt    = "by_started_at"
	IndexSnapshotsByTraceTime = "by_trace_id_timestamp"
	IndexContextsByWorkflow   = "by_workflow_id"
)

// IndexDef names the row fields an index orders by, in significance order.
type IndexDef struct {
	Table  Table
	Name   string
	Fields []string
	Unique bool
}

// Indexes is the index set the engine requires from any conforming store.
func Indexes() []IndexDef {
	return []IndexDef{
		{Table: TableWorkflows, Name: IndexWorkflowsByParent, Fields: []string{"parent_workflow_id"}},
		{Table: TableWorkflows, Name: IndexWorkflowsByTrace, Fields: []string{"trace_id"}},
		{Table: TableTasks, Name: IndexTasksByWorkflow, Fields: []string{"workflow_id"}},
		{Table: TableWorkItems, Name: IndexWorkItemsByWorkflow, Fields: []string{"workflow_id", "task_name"}},
		{Table: TableAuditSpans, Name: IndexSpansByTraceStarted, Fields: []string{"trace_id", "started_at"}},
		{Table: TableAuditSpans, Name: IndexSpansByTraceParent, Fields: []string{"trace_id", "parent_span_id", "depth"}},
		{Table: TableAuditSpans, Name: IndexSpansByResource, Fields: []string{"resource_type", "resource_id"}},
		{Table: TableAuditSpans, Name: IndexSpansBySpanID, Fields: []string{"span_id"}, Unique: true},
		{Table: TableAuditTraces, Name: IndexTracesByTraceID, Fields: []string{"trace_id"}, Unique: true},
		{Table: TableAuditTraces, Name: IndexTracesByStartedAt, Fields: []string{"started_at"}},
		{Table: TableAuditSnapshots, Name: IndexSnapshotsByTraceTime, Fields: []string{"trace_id", "timestamp"}},
		{Table: TableAuditContexts, Name: IndexContextsByWorkflow, Fields: []string{"workflow_id"}, Unique: true},
	}
}

// Row is the wire form of a stored record. Repositories convert between
// typed domain structs and rows.
type Row map[string]any

// Range selects index entries: an exact-match prefix over the leading index
// fields, optional bounds on the next field, order and limit.
type Range struct {
	Eq    []any
	GTE   any
	LTE   any
	Desc  bool
	Limit int
}

// Tx is a single host transaction. Now returns the transactional timestamp
// in milliseconds; every call within one transaction observes the same
// value, which is what gives spans of one flush a shared startedAt.
type Tx interface {
	Insert(table Table, row Row) (core.ID, error)
	Get(table Table, id core.ID) (Row, error)
	Patch(table Table, id core.ID, partial Row) error
	Delete(table Table, id core.ID) error
	QueryByIndex(table Table, index string, rng Range) ([]Row, error)
	Unique(table Table, index string, key []any) (Row, error)
	Now() int64
}

// Store runs fn inside one transaction. fn returning an error discards every
// write staged in the transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Clock supplies transactional timestamps. Distinct transactions may observe
// the same millisecond; the audit reconstructor is built for that.
type Clock interface {
	Now() int64
}

// FollowUpHandler re-enters the engine for a deferred continuation.
type FollowUpHandler func(ctx context.Context, key string) error

// FollowUps defers work to a later transaction. The engine uses this only to
// propagate composite sub-workflow completion into the parent; a deferral is
// equivalent to an immediate re-entry on the same workflow.
type FollowUps interface {
	Schedule(ctx context.Context, key string, delayMillis int64) error
}
