package audit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Attribute keys shared between emission and replay.
const (
	AttrWorkflowID   = "workflow_id"
	AttrWorkflowName = "workflow_name"
	AttrStatus       = "status"
	AttrMarking      = "marking"
	AttrTaskName     = "task_name"
	AttrGeneration   = "generation"
	AttrCondition    = "condition"
	AttrTokens       = "tokens"
	AttrWorkItemID   = "work_item_id"
	AttrClaimUserID  = "claim_user_id"
	AttrUserID       = "user_id"
	AttrError        = "error"
)

// Resource names what a span operated on.
type Resource struct {
	Type string
	ID   string
	Name string
}

// Recorder buffers the spans of one transaction. Sequence numbers restart
// per recorder, which is exactly the per-flush monotonicity the record
// needs: within a flush spans order by sequence, across flushes by the
// transactional timestamp.
type Recorder struct {
	tx      store.Tx
	repo    Repo
	ctx     *Context
	trace   *Trace
	spans   []*Span
	nextSeq int
}

// Start opens the audit record for a brand new root workflow: the workflow
// ID becomes the trace ID.
func Start(tx store.Tx, workflowID core.ID, name, initiatorUserID string) (*Recorder, error) {
	repo := Repo{}
	actx := &Context{WorkflowID: workflowID, TraceID: workflowID}
	if err := repo.CreateContext(tx, actx); err != nil {
		return nil, err
	}
	return &Recorder{
		tx:   tx,
		repo: repo,
		ctx:  actx,
		trace: &Trace{
			TraceID:         workflowID,
			Name:            name,
			State:           SpanRunning,
			StartedAt:       tx.Now(),
			InitiatorUserID: initiatorUserID,
		},
	}, nil
}

// Begin resumes the audit record of an existing workflow in a new
// transaction, using its persisted context as the handle.
func Begin(tx store.Tx, workflowID core.ID) (*Recorder, error) {
	repo := Repo{}
	actx, err := repo.GetContext(tx, workflowID)
	if err != nil {
		return nil, err
	}
	trace, err := repo.GetTrace(tx, actx.TraceID)
	if err != nil {
		return nil, err
	}
	return &Recorder{tx: tx, repo: repo, ctx: actx, trace: trace}, nil
}

// Reserve pre-sizes the span buffer.
func (r *Recorder) Reserve(n int) {
	if r.spans == nil && n > 0 {
		r.spans = make([]*Span, 0, n)
	}
}

func (r *Recorder) TraceID() core.ID {
	return r.ctx.TraceID
}

func (r *Recorder) Context() *Context {
	return r.ctx
}

// RegisterChildWorkflow persists the audit context of a composite child:
// same trace, path extended by the composite task's name.
func (r *Recorder) RegisterChildWorkflow(childID core.ID, taskName string) (*Context, error) {
	child := &Context{
		WorkflowID: childID,
		TraceID:    r.ctx.TraceID,
		Path:       append(append([]string{}, r.ctx.Path...), taskName),
		Depth:      r.ctx.Depth + 1,
	}
	if err := r.repo.CreateContext(r.tx, child); err != nil {
		return nil, err
	}
	return child, nil
}

func (r *Recorder) newSpan(operation string, opType OperationType, res Resource, attrs map[string]any) *Span {
	span := &Span{
		SpanID:         uuid.NewString(),
		TraceID:        r.ctx.TraceID,
		Path:           append([]string{}, r.ctx.Path...),
		Operation:      operation,
		OperationType:  opType,
		StartedAt:      r.tx.Now(),
		State:          SpanRunning,
		SequenceNumber: r.nextSeq,
		ResourceType:   res.Type,
		ResourceID:     res.ID,
		ResourceName:   res.Name,
		Attributes:     attrs,
	}
	r.nextSeq++
	r.spans = append(r.spans, span)
	return span
}

// StartOperation opens a root-level span for one public engine operation.
func (r *Recorder) StartOperation(operation string, opType OperationType, res Resource, attrs map[string]any) *Span {
	span := r.newSpan(operation, opType, res, attrs)
	span.Depth = r.ctx.Depth
	return span
}

// StartChild opens a span nested under parent. The forCtx override places
// the span in a different workflow of the same trace (composite children
// mutated during a parent operation).
func (r *Recorder) StartChild(parent *Span, operation string, opType OperationType, res Resource, attrs map[string]any) *Span {
	return r.startChildIn(r.ctx, parent, operation, opType, res, attrs)
}

func (r *Recorder) StartChildIn(forCtx *Context, parent *Span, operation string, opType OperationType, res Resource, attrs map[string]any) *Span {
	return r.startChildIn(forCtx, parent, operation, opType, res, attrs)
}

func (r *Recorder) startChildIn(forCtx *Context, parent *Span, operation string, opType OperationType, res Resource, attrs map[string]any) *Span {
	span := r.newSpan(operation, opType, res, attrs)
	span.ParentSpanID = parent.SpanID
	span.Depth = parent.Depth + 1
	span.Path = append([]string{}, forCtx.Path...)
	return span
}

func (r *Recorder) AddEvent(span *Span, name string, attrs map[string]any) {
	span.Events = append(span.Events, SpanEvent{
		Name:       name,
		Timestamp:  r.tx.Now(),
		Attributes: attrs,
	})
}

// End closes a span; closed spans are never mutated after flush.
func (r *Recorder) End(span *Span, state SpanState) {
	span.EndedAt = r.tx.Now()
	span.State = state
}

// EndWithError closes a span as failed and records the structured error.
func (r *Recorder) EndWithError(span *Span, cerr *core.Error) {
	if span.Attributes == nil {
		span.Attributes = make(map[string]any)
	}
	span.Attributes[AttrError] = cerr.AsMap()
	r.End(span, SpanFailed)
}

// CloseTrace marks the whole trace terminal. After the flush no span with a
// later startedAt is accepted for this trace.
func (r *Recorder) CloseTrace(state SpanState) {
	r.trace.State = state
	r.trace.EndedAt = r.tx.Now()
}

// Flush upserts the trace and every buffered span. Idempotent on
// (traceID, spanID): an existing span row is only patched with its endedAt,
// state, events and attributes.
func (r *Recorder) Flush() error {
	stored, err := r.repo.FindTrace(r.tx, r.trace.TraceID)
	if err != nil {
		return err
	}
	if stored != nil && stored.EndedAt != 0 {
		for _, span := range r.spans {
			if span.StartedAt > stored.EndedAt {
				return fmt.Errorf("trace %s is terminal since %d, rejecting span %s at %d",
					r.trace.TraceID, stored.EndedAt, span.Operation, span.StartedAt)
			}
		}
	}
	if err := r.repo.UpsertTrace(r.tx, r.trace); err != nil {
		return err
	}
	for _, span := range r.spans {
		if err := r.repo.UpsertSpan(r.tx, span); err != nil {
			return err
		}
	}
	r.spans = nil
	return nil
}

// -----------------------------------------------------------------------------
// Attribute builders (the emission half of the replay contract)
// -----------------------------------------------------------------------------

func WorkflowAttrs(workflowID core.ID, name string, status core.WorkflowStatus, marking map[string]int) map[string]any {
	m := make(map[string]any, len(marking))
	for k, v := range marking {
		m[k] = v
	}
	return map[string]any{
		AttrWorkflowID:   workflowID.String(),
		AttrWorkflowName: name,
		AttrStatus:       status.String(),
		AttrMarking:      m,
	}
}

func TaskAttrs(workflowID core.ID, taskName string, generation int, status core.TaskStatus) map[string]any {
	return map[string]any{
		AttrWorkflowID: workflowID.String(),
		AttrTaskName:   taskName,
		AttrGeneration: generation,
		AttrStatus:     status.String(),
	}
}

// ConditionAttrs records the absolute token count after the change; replay
// assigns rather than increments, which keeps it idempotent.
func ConditionAttrs(workflowID core.ID, condition string, tokens int) map[string]any {
	return map[string]any{
		AttrWorkflowID: workflowID.String(),
		AttrCondition:  condition,
		AttrTokens:     tokens,
	}
}

func ItemAttrs(workflowID core.ID, itemID core.ID, taskName string, generation int, status core.WorkItemStatus, claimUserID string) map[string]any {
	attrs := map[string]any{
		AttrWorkflowID: workflowID.String(),
		AttrWorkItemID: itemID.String(),
		AttrTaskName:   taskName,
		AttrGeneration: generation,
		AttrStatus:     status.String(),
	}
	if claimUserID != "" {
		attrs[AttrClaimUserID] = claimUserID
	}
	return attrs
}
