package audit

import (
	"fmt"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Repo persists the audit record through the host store.
type Repo struct{}

// -----------------------------------------------------------------------------
// Contexts
// -----------------------------------------------------------------------------

func (Repo) CreateContext(tx store.Tx, c *Context) error {
	row := contextToRow(c)
	row["id"] = c.WorkflowID.String()
	if _, err := tx.Insert(store.TableAuditContexts, row); err != nil {
		return fmt.Errorf("failed to create audit context for workflow %s: %w", c.WorkflowID, err)
	}
	return nil
}

func (Repo) GetContext(tx store.Tx, workflowID core.ID) (*Context, error) {
	row, err := tx.Unique(store.TableAuditContexts, store.IndexContextsByWorkflow, []any{workflowID.String()})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("audit context for workflow %s: %w", workflowID, core.ErrNotFound)
	}
	return contextFromRow(row), nil
}

// -----------------------------------------------------------------------------
// Traces
// -----------------------------------------------------------------------------

func (Repo) GetTrace(tx store.Tx, traceID core.ID) (*Trace, error) {
	row, err := tx.Unique(store.TableAuditTraces, store.IndexTracesByTraceID, []any{traceID.String()})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("trace %s: %w", traceID, core.ErrNotFound)
	}
	return traceFromRow(row), nil
}

// FindTrace is GetTrace without the not-found error.
func (Repo) FindTrace(tx store.Tx, traceID core.ID) (*Trace, error) {
	row, err := tx.Unique(store.TableAuditTraces, store.IndexTracesByTraceID, []any{traceID.String()})
	if err != nil || row == nil {
		return nil, err
	}
	return traceFromRow(row), nil
}

// UpsertTrace inserts the trace on first flush and afterwards patches only
// its mutable tail: state, endedAt and attributes.
func (Repo) UpsertTrace(tx store.Tx, t *Trace) error {
	existing, err := tx.Unique(store.TableAuditTraces, store.IndexTracesByTraceID, []any{t.TraceID.String()})
	if err != nil {
		return err
	}
	if existing == nil {
		row := traceToRow(t)
		row["id"] = t.TraceID.String()
		if _, err := tx.Insert(store.TableAuditTraces, row); err != nil {
			return fmt.Errorf("failed to create trace %s: %w", t.TraceID, err)
		}
		return nil
	}
	return tx.Patch(store.TableAuditTraces, t.TraceID, store.Row{
		"state":      string(t.State),
		"ended_at":   t.EndedAt,
		"attributes": t.Attributes,
	})
}

// ListRecentTraces returns traces newest first.
func (Repo) ListRecentTraces(tx store.Tx, limit int) ([]*Trace, error) {
	rows, err := tx.QueryByIndex(store.TableAuditTraces, store.IndexTracesByStartedAt, store.Range{
		Desc:  true,
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Trace, 0, len(rows))
	for _, row := range rows {
		out = append(out, traceFromRow(row))
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Spans
// -----------------------------------------------------------------------------

// UpsertSpan inserts a new span, or patches the mutable tail of a span that
// an earlier flush already wrote. Identity, timing and sequencing fields of
// an existing span are never touched.
func (Repo) UpsertSpan(tx store.Tx, s *Span) error {
	existing, err := tx.Unique(store.TableAuditSpans, store.IndexSpansBySpanID, []any{s.SpanID})
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := tx.Insert(store.TableAuditSpans, spanToRow(s)); err != nil {
			return fmt.Errorf("failed to write span %s of trace %s: %w", s.SpanID, s.TraceID, err)
		}
		return nil
	}
	events := make([]any, 0, len(s.Events))
	for _, e := range s.Events {
		events = append(events, map[string]any{
			"name":       e.Name,
			"timestamp":  e.Timestamp,
			"attributes": e.Attributes,
		})
	}
	return tx.Patch(store.TableAuditSpans, core.ID(s.SpanID), store.Row{
		"ended_at":   s.EndedAt,
		"state":      string(s.State),
		"attributes": s.Attributes,
		"events":     events,
	})
}

// TraceSpans returns every span of a trace ordered by startedAt. upTo > 0
// bounds startedAt inclusively.
func (Repo) TraceSpans(tx store.Tx, traceID core.ID, upTo int64) ([]*Span, error) {
	rng := store.Range{Eq: []any{traceID.String()}}
	if upTo > 0 {
		rng.LTE = upTo
	}
	rows, err := tx.QueryByIndex(store.TableAuditSpans, store.IndexSpansByTraceStarted, rng)
	if err != nil {
		return nil, err
	}
	out := make([]*Span, 0, len(rows))
	for _, row := range rows {
		out = append(out, spanFromRow(row))
	}
	return out, nil
}

// RootSpans returns the operation spans of a trace: spans with no parent,
// ordered by startedAt.
func (Repo) RootSpans(tx store.Tx, traceID core.ID) ([]*Span, error) {
	rows, err := tx.QueryByIndex(store.TableAuditSpans, store.IndexSpansByTraceParent, store.Range{
		Eq: []any{traceID.String(), ""},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Span, 0, len(rows))
	for _, row := range rows {
		out = append(out, spanFromRow(row))
	}
	sortSpans(out)
	return out, nil
}

// ChildSpans returns the direct children of one span, replay-ordered.
func (Repo) ChildSpans(tx store.Tx, traceID core.ID, parentSpanID string) ([]*Span, error) {
	rows, err := tx.QueryByIndex(store.TableAuditSpans, store.IndexSpansByTraceParent, store.Range{
		Eq: []any{traceID.String(), parentSpanID},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Span, 0, len(rows))
	for _, row := range rows {
		out = append(out, spanFromRow(row))
	}
	sortSpans(out)
	return out, nil
}

// ResourceSpans returns every span that touched one resource, across traces.
func (Repo) ResourceSpans(tx store.Tx, resourceType, resourceID string) ([]*Span, error) {
	rows, err := tx.QueryByIndex(store.TableAuditSpans, store.IndexSpansByResource, store.Range{
		Eq: []any{resourceType, resourceID},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Span, 0, len(rows))
	for _, row := range rows {
		out = append(out, spanFromRow(row))
	}
	sortSpans(out)
	return out, nil
}

// -----------------------------------------------------------------------------
// Snapshots
// -----------------------------------------------------------------------------

// SaveSnapshot stores a reconstruction cache entry keyed by trace and
// timestamp; re-saving the same point overwrites in place.
func (Repo) SaveSnapshot(tx store.Tx, s *Snapshot) error {
	existing, err := tx.QueryByIndex(store.TableAuditSnapshots, store.IndexSnapshotsByTraceTime, store.Range{
		Eq:  []any{s.TraceID.String()},
		GTE: s.Timestamp,
		LTE: s.Timestamp,
	})
	if err != nil {
		return err
	}
	row := snapshotToRow(s)
	if len(existing) > 0 {
		return tx.Patch(store.TableAuditSnapshots, core.ID(asString(existing[0]["id"])), row)
	}
	if _, err := tx.Insert(store.TableAuditSnapshots, row); err != nil {
		return fmt.Errorf("failed to save snapshot for trace %s at %d: %w", s.TraceID, s.Timestamp, err)
	}
	return nil
}

// LatestSnapshotBefore returns the newest snapshot at or before ts, or nil.
func (Repo) LatestSnapshotBefore(tx store.Tx, traceID core.ID, ts int64) (*Snapshot, error) {
	rows, err := tx.QueryByIndex(store.TableAuditSnapshots, store.IndexSnapshotsByTraceTime, store.Range{
		Eq:    []any{traceID.String()},
		LTE:   ts,
		Desc:  true,
		Limit: 1,
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return snapshotFromRow(rows[0]), nil
}

// DropSnapshots removes every snapshot of a trace. Reconstruction results
// must not change afterwards; the cache is rebuilt on demand.
func (Repo) DropSnapshots(tx store.Tx, traceID core.ID) error {
	rows, err := tx.QueryByIndex(store.TableAuditSnapshots, store.IndexSnapshotsByTraceTime, store.Range{
		Eq: []any{traceID.String()},
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := tx.Delete(store.TableAuditSnapshots, core.ID(asString(row["id"]))); err != nil {
			return err
		}
	}
	return nil
}
