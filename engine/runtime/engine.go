// Package runtime executes registered workflow definitions: it owns the
// public operation surface, the enablement fixpoint and the audit emission
// that makes every mutation reconstructable afterwards.
package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/caseflow/caseflow/engine/audit"
	"github.com/caseflow/caseflow/engine/authz"
	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/definition"
	"github.com/caseflow/caseflow/engine/store"
	"github.com/caseflow/caseflow/engine/task"
	"github.com/caseflow/caseflow/engine/workflow"
	"github.com/caseflow/caseflow/engine/workitem"
	"github.com/caseflow/caseflow/pkg/config"
)

// Engine binds a definition registry, an authorization service and a host
// store into one executor. Every public operation runs in exactly one host
// transaction and flushes its audit spans before committing.
type Engine struct {
	cfg       *config.Config
	registry  *definition.Registry
	authz     *authz.Service
	store     store.Store
	followUps store.FollowUps
	snapshots *audit.Snapshotter

	workflows workflow.Repo
	tasks     task.Repo
	items     workitem.Repo
	audits    audit.Repo
}

func New(
	cfg *config.Config,
	registry *definition.Registry,
	az *authz.Service,
	st store.Store,
	followUps store.FollowUps,
) (*Engine, error) {
	snapshots, err := audit.NewSnapshotter(cfg.Audit.SnapshotCacheSize, cfg.Audit.SnapshotIntervalMillis)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:       cfg,
		registry:  registry,
		authz:     az,
		store:     st,
		followUps: followUps,
		snapshots: snapshots,
	}, nil
}

// Facade is the engine bound to one definition version. Instances started
// through it keep executing that exact version however many newer versions
// register later.
type Facade struct {
	eng *Engine
	ref definition.Ref
}

func (e *Engine) For(ref definition.Ref) *Facade {
	return &Facade{eng: e, ref: ref}
}

func (e *Engine) ForLatest(name string) (*Facade, error) {
	def, err := e.registry.Latest(name)
	if err != nil {
		return nil, err
	}
	return &Facade{eng: e, ref: def.Ref()}, nil
}

func (f *Facade) Initialize(ctx context.Context, actor core.Actor, input core.Payload) (core.ID, error) {
	return f.eng.InitializeRoot(ctx, actor, f.ref, input)
}

// -----------------------------------------------------------------------------
// Per-operation plumbing
// -----------------------------------------------------------------------------

// runCtx threads one operation through its transaction: the recorder, the
// operation span child mutations hang off, and the audit context of the
// workflow currently being mutated.
type runCtx struct {
	ctx  context.Context
	tx   store.Tx
	rec  *audit.Recorder
	op   *audit.Span
	actx *audit.Context
}

// forWorkflow re-targets the runCtx at another workflow of the same trace.
func (rc *runCtx) forWorkflow(actx *audit.Context) *runCtx {
	return &runCtx{ctx: rc.ctx, tx: rc.tx, rec: rc.rec, op: rc.op, actx: actx}
}

func (e *Engine) begin(ctx context.Context, tx store.Tx, workflowID core.ID) (*runCtx, error) {
	rec, err := audit.Begin(tx, workflowID)
	if err != nil {
		return nil, err
	}
	rec.Reserve(e.cfg.Audit.SpanBufferSize)
	return &runCtx{ctx: ctx, tx: tx, rec: rec, actx: rec.Context()}, nil
}

// finish flushes the buffered spans and refreshes the snapshot cadence.
func (e *Engine) finish(rc *runCtx) error {
	if err := rc.rec.Flush(); err != nil {
		return err
	}
	if e.cfg.Audit.SnapshotIntervalMillis > 0 {
		return e.snapshots.MaybeSnapshot(rc.tx, rc.rec.TraceID())
	}
	return nil
}

// emit records one already-finished mutation span under the operation span.
func (e *Engine) emit(rc *runCtx, operation string, t audit.OperationType, res audit.Resource, attrs map[string]any) {
	span := rc.rec.StartChildIn(rc.actx, rc.op, operation, t, res, attrs)
	rc.rec.End(span, audit.SpanCompleted)
}

func (e *Engine) emitMarkingChanges(rc *runCtx, wf *workflow.Instance, before map[string]int) {
	for cond, now := range wf.Marking {
		if before[cond] == now {
			continue
		}
		e.emit(rc, audit.OpConditionMarked, audit.OpTypeCondition,
			audit.Resource{Type: "condition", ID: cond, Name: cond},
			audit.ConditionAttrs(wf.ID, cond, now))
	}
}

func cloneMarking(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func workflowResource(wf *workflow.Instance) audit.Resource {
	return audit.Resource{Type: "workflow", ID: wf.ID.String(), Name: wf.Definition.Name}
}

func taskResource(workflowID core.ID, taskName string) audit.Resource {
	return audit.Resource{Type: "task", ID: workflowID.String() + "/" + taskName, Name: taskName}
}

func itemResource(item *workitem.Item) audit.Resource {
	return audit.Resource{Type: "workItem", ID: item.ID.String(), Name: item.TaskName}
}

// -----------------------------------------------------------------------------
// Follow-ups
// -----------------------------------------------------------------------------

const followUpChildCompleted = "workflow.completed:"

// HandleFollowUp dispatches deferred continuations. Hosts register this as
// their follow-up handler; unknown keys are an error so queue corruption
// surfaces instead of dropping work.
func (e *Engine) HandleFollowUp(ctx context.Context, key string) error {
	if childID, ok := strings.CutPrefix(key, followUpChildCompleted); ok {
		return e.propagateChildCompletion(ctx, core.ID(childID))
	}
	return fmt.Errorf("unknown follow-up key %q", key)
}

// -----------------------------------------------------------------------------
// Queries
// -----------------------------------------------------------------------------

func (e *Engine) GetWorkflow(ctx context.Context, id core.ID) (*workflow.Instance, error) {
	var out *workflow.Instance
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		wf, err := e.workflows.Get(tx, id)
		out = wf
		return err
	})
	return out, err
}

// GetTaskStates returns the live task instances of a workflow.
func (e *Engine) GetTaskStates(ctx context.Context, workflowID core.ID) ([]*task.Instance, error) {
	var out []*task.Instance
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		instances, err := e.tasks.ForWorkflow(tx, workflowID)
		out = instances
		return err
	})
	return out, err
}

// ChildWorkflowFilter narrows a child-workflow query. Zero-valued fields
// match everything; Timestamp restricts the result to instances that were
// live at that instant.
type ChildWorkflowFilter struct {
	TaskName     string
	WorkflowName string
	Timestamp    int64
}

// GetChildWorkflowInstances returns the composite sub-workflows of a trace,
// narrowed by the parent task that spawned them, the child definition name
// and a point in time.
func (e *Engine) GetChildWorkflowInstances(ctx context.Context, traceID core.ID, filter ChildWorkflowFilter) ([]*workflow.Instance, error) {
	var out []*workflow.Instance
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		instances, err := e.workflows.ByTrace(tx, traceID)
		if err != nil {
			return err
		}
		for _, wf := range instances {
			if wf.IsRoot() {
				continue
			}
			if filter.TaskName != "" && wf.ParentTaskName != filter.TaskName {
				continue
			}
			if filter.WorkflowName != "" && wf.Definition.Name != filter.WorkflowName {
				continue
			}
			if ts := filter.Timestamp; ts > 0 {
				if wf.StartedAt > ts || (wf.EndedAt != 0 && wf.EndedAt < ts) {
					continue
				}
			}
			out = append(out, wf)
		}
		return nil
	})
	return out, err
}

// ListWorkItems returns the work items of a workflow the actor may see.
func (e *Engine) ListWorkItems(ctx context.Context, actor core.Actor, workflowID core.ID) ([]*workitem.Item, error) {
	var out []*workitem.Item
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		items, err := e.items.ForWorkflow(tx, workflowID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if e.canViewItem(ctx, actor, item) {
				out = append(out, item)
			}
		}
		return nil
	})
	return out, err
}

// canViewItem gates visibility: claimants and assignees always see their
// item; everyone else needs the staff scope of the offer's domain. Items
// without a required scope are visible to any actor.
func (e *Engine) canViewItem(ctx context.Context, actor core.Actor, item *workitem.Item) bool {
	if actor.IsSystem() {
		return true
	}
	if item.Claim != nil && item.Claim.UserID == actor.UserID {
		return true
	}
	if item.Offer == nil || item.Offer.RequiredScope == "" {
		return true
	}
	if item.Offer.AssigneeID == actor.UserID {
		return true
	}
	domain, _, err := authz.SplitScope(item.Offer.RequiredScope)
	if err != nil {
		return false
	}
	return e.authz.CanView(ctx, actor, domain)
}

// -----------------------------------------------------------------------------
// Audit queries
// -----------------------------------------------------------------------------

func (e *Engine) ListRecentTraces(ctx context.Context, limit int) ([]*audit.Trace, error) {
	var out []*audit.Trace
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		traces, err := e.audits.ListRecentTraces(tx, limit)
		out = traces
		return err
	})
	return out, err
}

func (e *Engine) GetTrace(ctx context.Context, traceID core.ID) (*audit.Trace, error) {
	var out *audit.Trace
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		trace, err := e.audits.GetTrace(tx, traceID)
		out = trace
		return err
	})
	return out, err
}

func (e *Engine) GetTraceSpans(ctx context.Context, traceID core.ID) ([]*audit.Span, error) {
	var out []*audit.Span
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		spans, err := e.audits.TraceSpans(tx, traceID, 0)
		out = spans
		return err
	})
	return out, err
}

func (e *Engine) GetRootSpans(ctx context.Context, traceID core.ID) ([]*audit.Span, error) {
	var out []*audit.Span
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		spans, err := e.audits.RootSpans(tx, traceID)
		out = spans
		return err
	})
	return out, err
}

func (e *Engine) GetChildSpans(ctx context.Context, traceID core.ID, parentSpanID string) ([]*audit.Span, error) {
	var out []*audit.Span
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		spans, err := e.audits.ChildSpans(tx, traceID, parentSpanID)
		out = spans
		return err
	})
	return out, err
}

func (e *Engine) GetKeyEvents(ctx context.Context, traceID core.ID) ([]audit.KeyEvent, error) {
	var out []audit.KeyEvent
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		events, err := e.audits.KeyEvents(tx, traceID)
		out = events
		return err
	})
	return out, err
}

// GetStateAt reconstructs the state of a workflow at a past instant from its
// audit record.
func (e *Engine) GetStateAt(ctx context.Context, traceID, workflowID core.ID, ts int64) (*audit.WorkflowState, error) {
	var out *audit.WorkflowState
	err := e.store.WithTx(ctx, func(_ context.Context, tx store.Tx) error {
		state, err := e.snapshots.StateAt(tx, traceID, workflowID, ts)
		out = state
		return err
	})
	return out, err
}
