package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/caseflow/caseflow/engine/audit"
	"github.com/caseflow/caseflow/engine/authz"
	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/definition"
	"github.com/caseflow/caseflow/engine/enablement"
	"github.com/caseflow/caseflow/engine/store"
	"github.com/caseflow/caseflow/engine/task"
	"github.com/caseflow/caseflow/engine/workflow"
	"github.com/caseflow/caseflow/engine/workitem"
	"github.com/caseflow/caseflow/pkg/logger"
)

// itemScope bundles everything a work-item operation dereferences: the item,
// its workflow, the definition and the live task instance.
type itemScope struct {
	item *workitem.Item
	wf   *workflow.Instance
	def  *definition.Definition
	t    *definition.Task
	inst *task.Instance
}

func (e *Engine) loadItemScope(tx store.Tx, itemID core.ID) (*itemScope, error) {
	item, err := e.items.Get(tx, itemID)
	if err != nil {
		return nil, err
	}
	wf, err := e.workflows.Get(tx, item.WorkflowID)
	if err != nil {
		return nil, err
	}
	def, err := e.registry.ResolveRef(wf.Definition)
	if err != nil {
		return nil, err
	}
	t, ok := def.Task(item.TaskName)
	if !ok {
		return nil, fmt.Errorf("task %q not in %s: %w", item.TaskName, def.Ref(), core.ErrNotFound)
	}
	inst, err := e.tasks.Get(tx, wf.ID, item.TaskName)
	if err != nil {
		return nil, err
	}
	return &itemScope{item: item, wf: wf, def: def, t: t, inst: inst}, nil
}

func (s *itemScope) claimUser() string {
	if s.item.Claim == nil {
		return ""
	}
	return s.item.Claim.UserID
}

// currentGeneration reports whether the item still belongs to the live task
// generation; items of older generations are stale and refuse every action.
func (s *itemScope) currentGeneration() bool {
	return s.item.Generation == s.inst.Generation
}

func (e *Engine) policyActivation(ctx context.Context, actor core.Actor, s *itemScope) authz.PolicyActivation {
	activation := authz.PolicyActivation{
		Actor: e.authz.ActorActivation(ctx, actor),
		Workflow: map[string]any{
			"id":     s.wf.ID.String(),
			"name":   s.wf.Definition.Name,
			"status": s.wf.Status.String(),
		},
	}
	if s.item.AggregateID != "" {
		activation.Aggregate = map[string]any{"id": s.item.AggregateID}
	}
	return activation
}

// -----------------------------------------------------------------------------
// InitializeWorkItem
// -----------------------------------------------------------------------------

// InitializeWorkItem creates a work item for an enabled human task. Tasks
// with an on-enabled offer create their item automatically; this is the
// explicit path for the rest, and for extra items on the same generation.
func (e *Engine) InitializeWorkItem(ctx context.Context, actor core.Actor, workflowID core.ID, taskName string) (*workitem.Item, error) {
	var out *workitem.Item
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wf, err := e.workflows.Get(tx, workflowID)
		if err != nil {
			return err
		}
		def, err := e.registry.ResolveRef(wf.Definition)
		if err != nil {
			return err
		}
		t, ok := def.Task(taskName)
		if !ok {
			return fmt.Errorf("task %q not in %s: %w", taskName, def.Ref(), core.ErrNotFound)
		}
		if !t.IsHuman() {
			return fmt.Errorf("%w: %s tasks do not take work items", core.ErrWrongState, t.Kind)
		}
		inst, err := e.tasks.Get(tx, wf.ID, taskName)
		if err != nil || inst.Status != core.TaskEnabled {
			return fmt.Errorf("%w: task %q in workflow %s", core.ErrNotEnabled, taskName, wf.ID)
		}
		if err := e.authorizeItemAdmin(ctx, actor, t); err != nil {
			return err
		}
		rc, err := e.begin(ctx, tx, wf.ID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpItemCreated, audit.OpTypeWorkItem, taskResource(wf.ID, taskName), nil)
		item, err := e.createOfferedItem(rc, wf, t, inst)
		if err != nil {
			return err
		}
		rc.rec.End(rc.op, audit.SpanCompleted)
		out = item
		return e.finish(rc)
	})
	if err != nil {
		if errors.Is(err, core.ErrAuthzDenied) {
			e.recordWorkflowDenial(ctx, workflowID, audit.OpItemCreated, taskResource(workflowID, taskName), actor, err)
		}
		return nil, err
	}
	return out, nil
}

// authorizeItemAdmin gates explicit item creation: staff of the offer's
// domain, or anyone when the task carries no scope.
func (e *Engine) authorizeItemAdmin(ctx context.Context, actor core.Actor, t *definition.Task) error {
	if actor.IsSystem() || t.Offer == nil || t.Offer.RequiredScope == "" {
		return nil
	}
	domain, _, err := authz.SplitScope(t.Offer.RequiredScope)
	if err != nil {
		return err
	}
	if !e.authz.CanView(ctx, actor, domain) {
		return fmt.Errorf("%w: %s is not %s staff", core.ErrAuthzDenied, actor.UserID, domain)
	}
	return nil
}

// -----------------------------------------------------------------------------
// ClaimWorkItem
// -----------------------------------------------------------------------------

// ClaimWorkItem binds an offered item to the actor. The actor must match the
// offer's assignee and group constraints, hold the required scope, and pass
// the claim policy. A denied claim leaves no trace of itself in workflow
// state, only a denial record in the audit trail.
func (e *Engine) ClaimWorkItem(ctx context.Context, actor core.Actor, itemID core.ID) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := e.loadItemScope(tx, itemID)
		if err != nil {
			return err
		}
		if !s.currentGeneration() {
			return fmt.Errorf("%w: work item %s belongs to a stale generation", core.ErrWrongState, itemID)
		}
		if s.inst.Status != core.TaskEnabled {
			return fmt.Errorf("%w: task %q in workflow %s", core.ErrNotEnabled, s.t.Name, s.wf.ID)
		}
		if err := e.authorizeClaim(ctx, actor, s); err != nil {
			return err
		}
		if err := s.item.Transition(core.WorkItemClaimed); err != nil {
			return err
		}
		s.item.Claim = &workitem.Claim{UserID: actor.UserID, ClaimedAt: tx.Now()}
		if err := e.items.Save(tx, s.item); err != nil {
			return err
		}
		rc, err := e.begin(ctx, tx, s.wf.ID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpItemClaimed, audit.OpTypeWorkItem, itemResource(s.item),
			audit.ItemAttrs(s.wf.ID, s.item.ID, s.item.TaskName, s.item.Generation, s.item.Status, actor.UserID))
		rc.rec.End(rc.op, audit.SpanCompleted)
		logger.FromContext(ctx).Debug("work item claimed", "work_item_id", itemID, "user_id", actor.UserID)
		return e.finish(rc)
	})
	if errors.Is(err, core.ErrAuthzDenied) {
		e.recordItemDenial(ctx, itemID, audit.OpItemClaimed, actor, err)
	}
	return err
}

func (e *Engine) authorizeClaim(ctx context.Context, actor core.Actor, s *itemScope) error {
	if actor.IsSystem() {
		return nil
	}
	o := s.item.Offer
	if o == nil {
		return nil
	}
	if o.AssigneeID != "" && o.AssigneeID != actor.UserID {
		return fmt.Errorf("%w: work item %s is assigned to %s", core.ErrAuthzDenied, s.item.ID, o.AssigneeID)
	}
	if o.GroupID != "" && !e.authz.IsMember(actor.UserID, o.GroupID) {
		return fmt.Errorf("%w: %s is not in group %s", core.ErrAuthzDenied, actor.UserID, o.GroupID)
	}
	if err := e.authz.Authorize(ctx, actor, o.RequiredScope); err != nil {
		return err
	}
	ok, err := e.authz.EvalPolicy(o.ClaimPolicy, e.policyActivation(ctx, actor, s))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: claim policy rejected %s for work item %s", core.ErrAuthzDenied, actor.UserID, s.item.ID)
	}
	return nil
}

// -----------------------------------------------------------------------------
// StartWorkItem
// -----------------------------------------------------------------------------

// StartWorkItem fires the task: the join's tokens are consumed, rival items
// of the same generation are voided, and OnStart runs. An unclaimed item can
// be started only when the task's start policy admits the actor, which
// claims it implicitly. When OnStart fails, every mutation of this call rolls
// back and the item alone is marked failed in a separate record.
func (e *Engine) StartWorkItem(ctx context.Context, actor core.Actor, itemID core.ID, payload core.Payload) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := e.loadItemScope(tx, itemID)
		if err != nil {
			return err
		}
		if s.wf.Status != core.WorkflowStarted {
			return fmt.Errorf("%w: workflow %s is %s", core.ErrWrongState, s.wf.ID, s.wf.Status)
		}
		if !s.currentGeneration() {
			return fmt.Errorf("%w: work item %s belongs to a stale generation", core.ErrWrongState, itemID)
		}
		if s.inst.Status != core.TaskEnabled {
			return fmt.Errorf("%w: task %q in workflow %s", core.ErrNotEnabled, s.t.Name, s.wf.ID)
		}
		if err := e.authorizeStart(ctx, actor, tx, s); err != nil {
			return err
		}
		if payload != nil && s.t.PayloadSchema != nil {
			if err := s.t.PayloadSchema.Validate(ctx, payload.AsMap()); err != nil {
				return err
			}
		}
		rc, err := e.begin(ctx, tx, s.wf.ID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpItemStarted, audit.OpTypeWorkItem, itemResource(s.item),
			audit.ItemAttrs(s.wf.ID, s.item.ID, s.item.TaskName, s.item.Generation, core.WorkItemStarted, s.claimUser()))
		if err := s.item.Transition(core.WorkItemStarted); err != nil {
			return err
		}
		if payload != nil {
			s.item.Payload = payload
		}
		if err := e.items.Save(tx, s.item); err != nil {
			return err
		}
		before := cloneMarking(s.wf.Marking)
		if err := enablement.ConsumeJoin(s.t, s.wf.Marking); err != nil {
			return err
		}
		s.inst.Status = core.TaskStarted
		if err := e.tasks.Save(tx, s.inst); err != nil {
			return err
		}
		e.emit(rc, audit.OpTaskStarted, audit.OpTypeTask, taskResource(s.wf.ID, s.t.Name),
			audit.TaskAttrs(s.wf.ID, s.t.Name, s.inst.Generation, s.inst.Status))
		e.emitMarkingChanges(rc, s.wf, before)
		if err := e.voidOpenItems(rc, s.wf, s.t.Name, s.inst.Generation, s.item.ID); err != nil {
			return err
		}
		if s.t.OnStart != nil {
			err := s.t.OnStart(ctx, &definition.CallbackInput{
				Tx:          tx,
				WorkflowID:  s.wf.ID,
				TaskName:    s.t.Name,
				WorkItemID:  s.item.ID,
				Generation:  s.inst.Generation,
				Actor:       actor,
				Payload:     payload,
				AggregateID: s.item.AggregateID,
			})
			if err != nil {
				return fmt.Errorf("%w: on-start of %q: %v", core.ErrCallbackFailed, s.t.Name, err)
			}
		}
		if err := e.settle(rc, s.def, s.wf); err != nil {
			return err
		}
		rc.rec.End(rc.op, audit.SpanCompleted)
		logger.FromContext(ctx).Info("work item started",
			"work_item_id", itemID, "task", s.t.Name, "user_id", actor.UserID)
		return e.finish(rc)
	})
	switch {
	case errors.Is(err, core.ErrAuthzDenied):
		e.recordItemDenial(ctx, itemID, audit.OpItemStarted, actor, err)
	case errors.Is(err, core.ErrCallbackFailed):
		e.recordCallbackFailure(ctx, itemID, err)
	}
	return err
}

func (e *Engine) authorizeStart(ctx context.Context, actor core.Actor, tx store.Tx, s *itemScope) error {
	if actor.IsSystem() {
		return nil
	}
	if s.item.Claim != nil {
		if s.item.Claim.UserID != actor.UserID {
			return fmt.Errorf("%w: work item %s is claimed by %s", core.ErrAuthzDenied, s.item.ID, s.item.Claim.UserID)
		}
		return nil
	}
	if s.t.StartPolicy == "" {
		return fmt.Errorf("%w: work item %s must be claimed before starting", core.ErrWrongState, s.item.ID)
	}
	if s.item.Offer != nil {
		if err := e.authz.Authorize(ctx, actor, s.item.Offer.RequiredScope); err != nil {
			return err
		}
	}
	ok, err := e.authz.EvalPolicy(s.t.StartPolicy, e.policyActivation(ctx, actor, s))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: start policy rejected %s for work item %s", core.ErrAuthzDenied, actor.UserID, s.item.ID)
	}
	// Starting without a claim claims implicitly.
	s.item.Claim = &workitem.Claim{UserID: actor.UserID, ClaimedAt: tx.Now()}
	return nil
}

// -----------------------------------------------------------------------------
// CompleteWorkItem
// -----------------------------------------------------------------------------

// CompleteWorkItem finishes the task: the payload is validated, OnComplete
// decides the split choice and output, tokens are produced and the fixpoint
// runs. next is the caller's split choice, used when OnComplete returns none.
// When OnComplete fails, the marking and task state roll back intact and only
// the item is marked failed, in a separate record.
func (e *Engine) CompleteWorkItem(ctx context.Context, actor core.Actor, itemID core.ID, payload core.Payload, next []string) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := e.loadItemScope(tx, itemID)
		if err != nil {
			return err
		}
		if s.item.Status != core.WorkItemStarted {
			return fmt.Errorf("%w: work item %s is %s", core.ErrWrongState, itemID, s.item.Status)
		}
		if !s.currentGeneration() || s.inst.Status != core.TaskStarted {
			return fmt.Errorf("%w: task %q is %s", core.ErrWrongState, s.t.Name, s.inst.Status)
		}
		if err := e.authorizeComplete(ctx, actor, s); err != nil {
			return err
		}
		if s.t.PayloadSchema != nil {
			if err := s.t.PayloadSchema.Validate(ctx, payload.AsMap()); err != nil {
				return err
			}
		}
		rc, err := e.begin(ctx, tx, s.wf.ID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpItemCompleted, audit.OpTypeWorkItem, itemResource(s.item),
			audit.ItemAttrs(s.wf.ID, s.item.ID, s.item.TaskName, s.item.Generation, core.WorkItemCompleted, s.claimUser()))
		comp := &definition.Completion{Next: next, Output: payload}
		if s.t.OnComplete != nil {
			comp, err = s.t.OnComplete(ctx, &definition.CallbackInput{
				Tx:          tx,
				WorkflowID:  s.wf.ID,
				TaskName:    s.t.Name,
				WorkItemID:  s.item.ID,
				Generation:  s.inst.Generation,
				Actor:       actor,
				Payload:     payload,
				AggregateID: s.item.AggregateID,
			})
			if err != nil {
				return fmt.Errorf("%w: on-complete of %q: %v", core.ErrCallbackFailed, s.t.Name, err)
			}
			if len(comp.Next) == 0 {
				comp.Next = next
			}
		}
		if err := s.item.Transition(core.WorkItemCompleted); err != nil {
			return err
		}
		if comp.Output != nil {
			s.item.Payload = comp.Output
		}
		if comp.AggregateID != "" {
			s.item.AggregateID = comp.AggregateID
		}
		if err := e.items.Save(tx, s.item); err != nil {
			return err
		}
		before := cloneMarking(s.wf.Marking)
		if err := enablement.ProduceSplit(s.t, comp.Next, s.wf.Marking); err != nil {
			return err
		}
		s.inst.Status = core.TaskCompleted
		if err := e.tasks.Save(tx, s.inst); err != nil {
			return err
		}
		if comp.Output != nil {
			s.wf.Output = comp.Output
		}
		e.emit(rc, audit.OpTaskCompleted, audit.OpTypeTask, taskResource(s.wf.ID, s.t.Name),
			audit.TaskAttrs(s.wf.ID, s.t.Name, s.inst.Generation, s.inst.Status))
		e.emitMarkingChanges(rc, s.wf, before)
		if err := e.settle(rc, s.def, s.wf); err != nil {
			return err
		}
		rc.rec.End(rc.op, audit.SpanCompleted)
		logger.FromContext(ctx).Info("work item completed",
			"work_item_id", itemID, "task", s.t.Name, "user_id", actor.UserID)
		return e.finish(rc)
	})
	switch {
	case errors.Is(err, core.ErrAuthzDenied):
		e.recordItemDenial(ctx, itemID, audit.OpItemCompleted, actor, err)
	case errors.Is(err, core.ErrCallbackFailed):
		e.recordCallbackFailure(ctx, itemID, err)
	}
	return err
}

func (e *Engine) authorizeComplete(ctx context.Context, actor core.Actor, s *itemScope) error {
	if !actor.IsSystem() && s.claimUser() != actor.UserID {
		return fmt.Errorf("%w: work item %s is claimed by %s", core.ErrAuthzDenied, s.item.ID, s.claimUser())
	}
	ok, err := e.authz.EvalPolicy(s.t.WritePolicy, e.policyActivation(ctx, actor, s))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: write policy rejected %s for work item %s", core.ErrAuthzDenied, actor.UserID, s.item.ID)
	}
	return nil
}

// -----------------------------------------------------------------------------
// CancelWorkItem
// -----------------------------------------------------------------------------

// CancelWorkItem voids an item that has not started. Started items cannot be
// canceled individually; cancel the workflow instead. The task stays enabled
// and a fresh item can be created.
func (e *Engine) CancelWorkItem(ctx context.Context, actor core.Actor, itemID core.ID) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := e.loadItemScope(tx, itemID)
		if err != nil {
			return err
		}
		if s.item.Status == core.WorkItemStarted {
			return fmt.Errorf("%w: started work item %s cannot be canceled", core.ErrWrongState, itemID)
		}
		if err := e.authorizeItemCancel(ctx, actor, s); err != nil {
			return err
		}
		if err := s.item.Transition(core.WorkItemCanceled); err != nil {
			return err
		}
		if err := e.items.Save(tx, s.item); err != nil {
			return err
		}
		rc, err := e.begin(ctx, tx, s.wf.ID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpItemCanceled, audit.OpTypeWorkItem, itemResource(s.item),
			audit.ItemAttrs(s.wf.ID, s.item.ID, s.item.TaskName, s.item.Generation, s.item.Status, s.claimUser()))
		rc.rec.End(rc.op, audit.SpanCompleted)
		return e.finish(rc)
	})
	if errors.Is(err, core.ErrAuthzDenied) {
		e.recordItemDenial(ctx, itemID, audit.OpItemCanceled, actor, err)
	}
	return err
}

func (e *Engine) authorizeItemCancel(ctx context.Context, actor core.Actor, s *itemScope) error {
	if actor.IsSystem() || s.claimUser() == actor.UserID {
		return nil
	}
	if s.item.Offer != nil && s.item.Offer.AssigneeID == actor.UserID {
		return nil
	}
	return e.authorizeItemAdmin(ctx, actor, s.t)
}

// -----------------------------------------------------------------------------
// FailWorkItem
// -----------------------------------------------------------------------------

// FailWorkItem records a failure on a started item and fails the workflow
// tree: tokens were already consumed at start, so the branch cannot recover.
// The whole trace ends failed.
func (e *Engine) FailWorkItem(ctx context.Context, actor core.Actor, itemID core.ID, cause string) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := e.loadItemScope(tx, itemID)
		if err != nil {
			return err
		}
		if s.item.Status != core.WorkItemStarted {
			return fmt.Errorf("%w: work item %s is %s", core.ErrWrongState, itemID, s.item.Status)
		}
		if !actor.IsSystem() && s.claimUser() != actor.UserID {
			return fmt.Errorf("%w: work item %s is claimed by %s", core.ErrAuthzDenied, s.item.ID, s.claimUser())
		}
		rc, err := e.begin(ctx, tx, s.wf.ID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpItemFailed, audit.OpTypeWorkItem, itemResource(s.item),
			audit.ItemAttrs(s.wf.ID, s.item.ID, s.item.TaskName, s.item.Generation, core.WorkItemFailed, s.claimUser()))
		if err := s.item.Transition(core.WorkItemFailed); err != nil {
			return err
		}
		s.item.Error = &core.Error{Message: cause, Code: "work_item_failed"}
		if err := e.items.Save(tx, s.item); err != nil {
			return err
		}
		if err := e.failUpward(rc, s.wf); err != nil {
			return err
		}
		rc.rec.EndWithError(rc.op, s.item.Error)
		logger.FromContext(ctx).Warn("work item failed",
			"work_item_id", itemID, "task", s.t.Name, "user_id", actor.UserID, "cause", cause)
		return e.finish(rc)
	})
	if errors.Is(err, core.ErrAuthzDenied) {
		e.recordItemDenial(ctx, itemID, audit.OpItemFailed, actor, err)
	}
	return err
}

// -----------------------------------------------------------------------------
// Post-rollback records
// -----------------------------------------------------------------------------

// recordItemDenial persists the audit evidence of a denied work-item
// operation. It runs in its own transaction after the denied one rolled
// back, so the denial record is the only thing the attempt leaves behind.
// Recording is best-effort: the caller still returns the denial itself.
func (e *Engine) recordItemDenial(ctx context.Context, itemID core.ID, operation string, actor core.Actor, cause error) {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		item, err := e.items.Get(tx, itemID)
		if err != nil {
			return err
		}
		rc, err := e.begin(ctx, tx, item.WorkflowID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(operation, audit.OpTypeError, itemResource(item), map[string]any{
			audit.AttrWorkflowID: item.WorkflowID.String(),
			audit.AttrWorkItemID: item.ID.String(),
			audit.AttrTaskName:   item.TaskName,
			audit.AttrUserID:     actor.UserID,
		})
		rc.rec.EndWithError(rc.op, &core.Error{Message: cause.Error(), Code: "authz_denied"})
		return e.finish(rc)
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to record denial",
			"work_item_id", itemID, "operation", operation, "error", err)
	}
}

// recordWorkflowDenial is the workflow-level variant for denials that happen
// before any item exists.
func (e *Engine) recordWorkflowDenial(ctx context.Context, workflowID core.ID, operation string, res audit.Resource, actor core.Actor, cause error) {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rc, err := e.begin(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(operation, audit.OpTypeError, res, map[string]any{
			audit.AttrWorkflowID: workflowID.String(),
			audit.AttrUserID:     actor.UserID,
		})
		rc.rec.EndWithError(rc.op, &core.Error{Message: cause.Error(), Code: "authz_denied"})
		return e.finish(rc)
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to record denial",
			"workflow_id", workflowID, "operation", operation, "error", err)
	}
}

// recordCallbackFailure marks the item failed after a callback error rolled
// the operation back. The marking, task state and rival items are untouched
// by then, so the task stays enabled and a fresh item can be created; only
// the item that hit the failing callback is spent.
func (e *Engine) recordCallbackFailure(ctx context.Context, itemID core.ID, cause error) {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := e.loadItemScope(tx, itemID)
		if err != nil {
			return err
		}
		rc, err := e.begin(ctx, tx, s.wf.ID)
		if err != nil {
			return err
		}
		s.item.Status = core.WorkItemFailed
		s.item.Error = &core.Error{Message: cause.Error(), Code: "callback_failed"}
		if err := e.items.Save(tx, s.item); err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpItemFailed, audit.OpTypeWorkItem, itemResource(s.item),
			audit.ItemAttrs(s.wf.ID, s.item.ID, s.item.TaskName, s.item.Generation, core.WorkItemFailed, s.claimUser()))
		rc.rec.EndWithError(rc.op, s.item.Error)
		return e.finish(rc)
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to record callback failure",
			"work_item_id", itemID, "error", err)
	}
}
