package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/caseflow/caseflow/engine/audit"
	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/definition"
	"github.com/caseflow/caseflow/engine/enablement"
	"github.com/caseflow/caseflow/engine/store"
	"github.com/caseflow/caseflow/engine/workflow"
	"github.com/caseflow/caseflow/pkg/logger"
)

// InitializeRoot creates and starts a root instance of the referenced
// definition version. The new workflow ID doubles as the audit trace ID.
func (e *Engine) InitializeRoot(ctx context.Context, actor core.Actor, ref definition.Ref, input core.Payload) (core.ID, error) {
	def, err := e.registry.ResolveRef(ref)
	if err != nil {
		return "", err
	}
	id, err := core.NewID()
	if err != nil {
		return "", err
	}
	err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := audit.Start(tx, id, def.Name(), actor.UserID)
		if err != nil {
			return err
		}
		rec.Reserve(e.cfg.Audit.SpanBufferSize)
		in, err := input.Clone()
		if err != nil {
			return err
		}
		wf := &workflow.Instance{
			ID:         id,
			Definition: def.Ref(),
			TraceID:    id,
			Status:     core.WorkflowStarted,
			Marking:    map[string]int{def.StartCondition(): 1},
			Input:      in,
			StartedAt:  tx.Now(),
		}
		rc := &runCtx{ctx: ctx, tx: tx, rec: rec, actx: rec.Context()}
		rc.op = rec.StartOperation(audit.OpWorkflowInitialized, audit.OpTypeWorkflow,
			workflowResource(wf), audit.WorkflowAttrs(id, def.Name(), wf.Status, wf.Marking))
		if init := def.Initialize(); init != nil {
			if err := init(ctx, &definition.CallbackInput{Tx: tx, WorkflowID: id, Actor: actor, Payload: in}); err != nil {
				return fmt.Errorf("%w: initialize of %s: %v", core.ErrCallbackFailed, def.Ref(), err)
			}
		}
		if err := e.workflows.Create(tx, wf); err != nil {
			return err
		}
		if err := e.settle(rc, def, wf); err != nil {
			return err
		}
		rec.End(rc.op, audit.SpanCompleted)
		logger.FromContext(ctx).Info("workflow initialized",
			"workflow_id", id, "definition", def.Ref().String(), "user_id", actor.UserID)
		return e.finish(rc)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CancelWorkflow cancels a workflow and everything under it: child
// workflows, live tasks and open work items. Allowed to the trace initiator
// and to system:admin holders.
func (e *Engine) CancelWorkflow(ctx context.Context, actor core.Actor, workflowID core.ID) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rc, err := e.begin(ctx, tx, workflowID)
		if err != nil {
			return err
		}
		wf, err := e.workflows.Get(tx, workflowID)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return fmt.Errorf("%w: workflow %s is %s", core.ErrWrongState, wf.ID, wf.Status)
		}
		if err := e.authorizeCancel(ctx, actor, rc); err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpWorkflowCanceled, audit.OpTypeWorkflow, workflowResource(wf), nil)
		if err := e.cancelTree(rc, wf, core.WorkflowCanceled); err != nil {
			return err
		}
		if wf.IsRoot() {
			rc.rec.CloseTrace(audit.SpanCanceled)
		} else if err := e.detachParentTask(rc, wf); err != nil {
			return err
		}
		rc.rec.End(rc.op, audit.SpanCompleted)
		logger.FromContext(ctx).Info("workflow canceled", "workflow_id", wf.ID, "user_id", actor.UserID)
		return e.finish(rc)
	})
	if errors.Is(err, core.ErrAuthzDenied) {
		e.recordWorkflowDenial(ctx, workflowID, audit.OpWorkflowCanceled,
			audit.Resource{Type: "workflow", ID: workflowID.String()}, actor, err)
	}
	return err
}

func (e *Engine) authorizeCancel(ctx context.Context, actor core.Actor, rc *runCtx) error {
	if actor.IsSystem() {
		return nil
	}
	trace, err := e.audits.GetTrace(rc.tx, rc.rec.TraceID())
	if err != nil {
		return err
	}
	if actor.UserID == trace.InitiatorUserID {
		return nil
	}
	return e.authz.Authorize(ctx, actor, "system:admin")
}

// cancelTree terminates wf and its live descendants bottom-up with the given
// terminal status.
func (e *Engine) cancelTree(rc *runCtx, wf *workflow.Instance, status core.WorkflowStatus) error {
	children, err := e.workflows.ChildrenOf(rc.tx, wf.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		cctx, err := e.audits.GetContext(rc.tx, child.ID)
		if err != nil {
			return err
		}
		if err := e.cancelTree(rc.forWorkflow(cctx), child, status); err != nil {
			return err
		}
	}
	if err := e.cancelRemaining(rc, wf); err != nil {
		return err
	}
	wf.Status = status
	wf.EndedAt = rc.tx.Now()
	if err := e.workflows.Save(rc.tx, wf); err != nil {
		return err
	}
	op := audit.OpWorkflowCanceled
	if status == core.WorkflowFailed {
		op = audit.OpWorkflowFailed
	}
	e.emit(rc, op, audit.OpTypeWorkflow, workflowResource(wf),
		audit.WorkflowAttrs(wf.ID, wf.Definition.Name, wf.Status, wf.Marking))
	return nil
}

// cancelRemaining cancels every open work item and live task of one
// workflow. Used when the workflow reaches any terminal status.
func (e *Engine) cancelRemaining(rc *runCtx, wf *workflow.Instance) error {
	items, err := e.items.ForWorkflow(rc.tx, wf.ID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status.IsTerminal() {
			continue
		}
		item.Status = core.WorkItemCanceled
		if err := e.items.Save(rc.tx, item); err != nil {
			return err
		}
		claimUser := ""
		if item.Claim != nil {
			claimUser = item.Claim.UserID
		}
		e.emit(rc, audit.OpItemCanceled, audit.OpTypeWorkItem, itemResource(item),
			audit.ItemAttrs(wf.ID, item.ID, item.TaskName, item.Generation, item.Status, claimUser))
	}
	instances, err := e.tasks.ForWorkflow(rc.tx, wf.ID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.Status != core.TaskEnabled && inst.Status != core.TaskStarted {
			continue
		}
		inst.Status = core.TaskCanceled
		if err := e.tasks.Save(rc.tx, inst); err != nil {
			return err
		}
		e.emit(rc, audit.OpTaskCanceled, audit.OpTypeTask, taskResource(wf.ID, inst.TaskName),
			audit.TaskAttrs(wf.ID, inst.TaskName, inst.Generation, inst.Status))
	}
	return nil
}

// detachParentTask marks the parent composite task of a canceled child as
// canceled; the parent workflow keeps running on its other branches.
func (e *Engine) detachParentTask(rc *runCtx, child *workflow.Instance) error {
	inst, err := e.tasks.Get(rc.tx, child.ParentWorkflowID, child.ParentTaskName)
	if err != nil {
		return err
	}
	if inst.Status != core.TaskStarted || inst.Generation != child.ParentGeneration {
		return nil
	}
	inst.Status = core.TaskCanceled
	if err := e.tasks.Save(rc.tx, inst); err != nil {
		return err
	}
	pctx, err := e.audits.GetContext(rc.tx, child.ParentWorkflowID)
	if err != nil {
		return err
	}
	prc := rc.forWorkflow(pctx)
	e.emit(prc, audit.OpTaskCanceled, audit.OpTypeTask, taskResource(child.ParentWorkflowID, inst.TaskName),
		audit.TaskAttrs(child.ParentWorkflowID, inst.TaskName, inst.Generation, inst.Status))
	return nil
}

// completeWorkflow closes a workflow whose end condition is marked. Root
// completion closes the trace; child completion defers parent propagation to
// a follow-up, which is semantically an immediate re-entry.
func (e *Engine) completeWorkflow(rc *runCtx, wf *workflow.Instance) error {
	wf.Status = core.WorkflowCompleted
	wf.EndedAt = rc.tx.Now()
	if err := e.cancelRemaining(rc, wf); err != nil {
		return err
	}
	if err := e.workflows.Save(rc.tx, wf); err != nil {
		return err
	}
	e.emit(rc, audit.OpWorkflowCompleted, audit.OpTypeWorkflow, workflowResource(wf),
		audit.WorkflowAttrs(wf.ID, wf.Definition.Name, wf.Status, wf.Marking))
	if wf.IsRoot() {
		rc.rec.CloseTrace(audit.SpanCompleted)
		return nil
	}
	return e.followUps.Schedule(rc.ctx, followUpChildCompleted+wf.ID.String(), 0)
}

// failUpward fails wf's subtree, then walks the parent chain failing every
// ancestor. The whole trace ends failed.
func (e *Engine) failUpward(rc *runCtx, wf *workflow.Instance) error {
	if err := e.cancelTree(rc, wf, core.WorkflowFailed); err != nil {
		return err
	}
	if wf.IsRoot() {
		rc.rec.CloseTrace(audit.SpanFailed)
		return nil
	}
	parent, err := e.workflows.Get(rc.tx, wf.ParentWorkflowID)
	if err != nil {
		return err
	}
	if parent.Status.IsTerminal() {
		return nil
	}
	pctx, err := e.audits.GetContext(rc.tx, parent.ID)
	if err != nil {
		return err
	}
	return e.failUpward(rc.forWorkflow(pctx), parent)
}

// propagateChildCompletion folds a completed composite child back into its
// parent: OnComplete sees the child output, the split produces tokens, the
// fixpoint runs.
func (e *Engine) propagateChildCompletion(ctx context.Context, childID core.ID) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		child, err := e.workflows.Get(tx, childID)
		if err != nil {
			return err
		}
		if child.Status != core.WorkflowCompleted {
			return nil
		}
		parent, err := e.workflows.Get(tx, child.ParentWorkflowID)
		if err != nil {
			return err
		}
		if parent.Status.IsTerminal() {
			return nil
		}
		def, err := e.registry.ResolveRef(parent.Definition)
		if err != nil {
			return err
		}
		t, ok := def.Task(child.ParentTaskName)
		if !ok {
			return fmt.Errorf("composite task %q not in %s", child.ParentTaskName, def.Ref())
		}
		inst, err := e.tasks.Get(tx, parent.ID, t.Name)
		if err != nil {
			return err
		}
		if inst.Status != core.TaskStarted || inst.Generation != child.ParentGeneration {
			return nil
		}
		rc, err := e.begin(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		rc.op = rc.rec.StartOperation(audit.OpTaskCompleted, audit.OpTypeTask,
			taskResource(parent.ID, t.Name),
			audit.TaskAttrs(parent.ID, t.Name, inst.Generation, core.TaskCompleted))
		comp := &definition.Completion{}
		if t.OnComplete != nil {
			comp, err = t.OnComplete(ctx, &definition.CallbackInput{
				Tx:          tx,
				WorkflowID:  parent.ID,
				TaskName:    t.Name,
				Generation:  inst.Generation,
				Actor:       core.SystemActor,
				ChildOutput: child.Output,
			})
			if err != nil {
				return fmt.Errorf("%w: on-complete of %q: %v", core.ErrCallbackFailed, t.Name, err)
			}
		}
		before := cloneMarking(parent.Marking)
		if err := enablement.ProduceSplit(t, comp.Next, parent.Marking); err != nil {
			return err
		}
		inst.Status = core.TaskCompleted
		if err := e.tasks.Save(tx, inst); err != nil {
			return err
		}
		if comp.Output != nil {
			parent.Output = comp.Output
		}
		e.emitMarkingChanges(rc, parent, before)
		if err := e.settle(rc, def, parent); err != nil {
			return err
		}
		rc.rec.End(rc.op, audit.SpanCompleted)
		logger.FromContext(ctx).Debug("composite child completion propagated",
			"child_workflow_id", child.ID, "parent_workflow_id", parent.ID, "task", t.Name)
		return e.finish(rc)
	})
}
