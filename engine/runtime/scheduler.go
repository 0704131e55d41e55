package runtime

import (
	"errors"
	"fmt"

	"github.com/caseflow/caseflow/engine/audit"
	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/definition"
	"github.com/caseflow/caseflow/engine/enablement"
	"github.com/caseflow/caseflow/engine/task"
	"github.com/caseflow/caseflow/engine/workflow"
	"github.com/caseflow/caseflow/engine/workitem"
)

// settle runs the enablement fixpoint: sweep until no task changes state.
// Automated and composite tasks fire inside the sweep, so one settle can
// ripple through an arbitrary automated chain. The iteration cap turns a
// definition whose automated tasks never quiesce into an error instead of a
// livelock.
func (e *Engine) settle(rc *runCtx, def *definition.Definition, wf *workflow.Instance) error {
	maxIter := e.cfg.Scheduler.MaxFixpointIterations
	for i := 0; i < maxIter; i++ {
		changed, err := e.sweep(rc, def, wf)
		if err != nil {
			return err
		}
		if wf.Status.IsTerminal() {
			return nil
		}
		if !changed {
			return e.workflows.Save(rc.tx, wf)
		}
	}
	return fmt.Errorf("enablement fixpoint exceeded %d iterations in workflow %s", maxIter, wf.ID)
}

// sweep evaluates every task's enablement once against the current marking.
func (e *Engine) sweep(rc *runCtx, def *definition.Definition, wf *workflow.Instance) (bool, error) {
	instances, err := e.tasks.ForWorkflow(rc.tx, wf.ID)
	if err != nil {
		return false, err
	}
	byName := make(map[string]*task.Instance, len(instances))
	statuses := make(map[string]core.TaskStatus, len(instances))
	for _, inst := range instances {
		byName[inst.TaskName] = inst
		statuses[inst.TaskName] = inst.Status
	}
	changed := false
	for _, t := range def.Tasks() {
		inst := byName[t.Name]
		status := core.TaskDisabled
		if inst != nil {
			status = inst.Status
		}
		if status == core.TaskStarted {
			continue
		}
		satisfied, err := enablement.JoinSatisfied(def, t, wf.Marking, statuses)
		if err != nil {
			if !errors.Is(err, core.ErrPendingOrJoin) {
				return false, err
			}
			e.notePendingJoin(rc, wf, t.Name)
		}
		if status == core.TaskEnabled {
			if satisfied {
				continue
			}
			// A competing task consumed the shared token; retract the offer.
			inst.Status = core.TaskDisabled
			if err := e.tasks.Save(rc.tx, inst); err != nil {
				return false, err
			}
			statuses[t.Name] = core.TaskDisabled
			e.emit(rc, audit.OpTaskDisabled, audit.OpTypeTask, taskResource(wf.ID, t.Name),
				audit.TaskAttrs(wf.ID, t.Name, inst.Generation, inst.Status))
			if err := e.voidOpenItems(rc, wf, t.Name, inst.Generation, ""); err != nil {
				return false, err
			}
			changed = true
			continue
		}
		if !satisfied {
			continue
		}
		inst, err = e.enableTask(rc, wf, t, inst)
		if err != nil {
			return false, err
		}
		byName[t.Name] = inst
		statuses[t.Name] = core.TaskEnabled
		changed = true
		switch t.Kind {
		case definition.KindAutomated:
			if err := e.fireAutomated(rc, wf, t, inst); err != nil {
				return false, err
			}
			statuses[t.Name] = inst.Status
		case definition.KindComposite:
			if err := e.fireComposite(rc, wf, t, inst); err != nil {
				return false, err
			}
			statuses[t.Name] = inst.Status
		default:
			if t.Offer != nil && t.Offer.OnEnabled {
				if _, err := e.createOfferedItem(rc, wf, t, inst); err != nil {
					return false, err
				}
			}
		}
	}
	if wf.Status == core.WorkflowStarted && wf.Marking[def.EndCondition()] > 0 {
		if err := e.completeWorkflow(rc, wf); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// notePendingJoin records an undecided or-join on the operation span: the
// join has tokens but a live upstream producer could still add more, so the
// task must wait. One event per task per operation; the sweep revisits the
// same join every fixpoint iteration.
func (e *Engine) notePendingJoin(rc *runCtx, wf *workflow.Instance, taskName string) {
	if rc.op == nil {
		return
	}
	for _, ev := range rc.op.Events {
		if ev.Name == audit.OpTaskPending &&
			ev.Attributes[audit.AttrWorkflowID] == wf.ID.String() &&
			ev.Attributes[audit.AttrTaskName] == taskName {
			return
		}
	}
	rc.rec.AddEvent(rc.op, audit.OpTaskPending, map[string]any{
		audit.AttrWorkflowID: wf.ID.String(),
		audit.AttrTaskName:   taskName,
	})
}

// enableTask creates the instance on first enablement and bumps the
// generation on every later one.
func (e *Engine) enableTask(rc *runCtx, wf *workflow.Instance, t *definition.Task, inst *task.Instance) (*task.Instance, error) {
	if inst == nil {
		id, err := core.NewID()
		if err != nil {
			return nil, err
		}
		inst = &task.Instance{
			ID:         id,
			WorkflowID: wf.ID,
			TaskName:   t.Name,
			Generation: 1,
			Status:     core.TaskEnabled,
		}
		if err := e.tasks.Create(rc.tx, inst); err != nil {
			return nil, err
		}
	} else {
		inst.Reenable()
		if err := e.tasks.Save(rc.tx, inst); err != nil {
			return nil, err
		}
	}
	e.emit(rc, audit.OpTaskEnabled, audit.OpTypeTask, taskResource(wf.ID, t.Name),
		audit.TaskAttrs(wf.ID, t.Name, inst.Generation, inst.Status))
	return inst, nil
}

// fireAutomated runs an automated task to completion synchronously: consume
// the join, OnComplete, produce the split.
func (e *Engine) fireAutomated(rc *runCtx, wf *workflow.Instance, t *definition.Task, inst *task.Instance) error {
	before := cloneMarking(wf.Marking)
	if err := enablement.ConsumeJoin(t, wf.Marking); err != nil {
		return err
	}
	inst.Status = core.TaskStarted
	if err := e.tasks.Save(rc.tx, inst); err != nil {
		return err
	}
	e.emit(rc, audit.OpTaskStarted, audit.OpTypeTask, taskResource(wf.ID, t.Name),
		audit.TaskAttrs(wf.ID, t.Name, inst.Generation, inst.Status))
	e.emitMarkingChanges(rc, wf, before)
	comp, err := t.OnComplete(rc.ctx, &definition.CallbackInput{
		Tx:         rc.tx,
		WorkflowID: wf.ID,
		TaskName:   t.Name,
		Generation: inst.Generation,
		Actor:      core.SystemActor,
		Payload:    wf.Input,
	})
	if err != nil {
		return fmt.Errorf("%w: on-complete of %q: %v", core.ErrCallbackFailed, t.Name, err)
	}
	before = cloneMarking(wf.Marking)
	if err := enablement.ProduceSplit(t, comp.Next, wf.Marking); err != nil {
		return err
	}
	if comp.Output != nil {
		wf.Output = comp.Output
	}
	inst.Status = core.TaskCompleted
	if err := e.tasks.Save(rc.tx, inst); err != nil {
		return err
	}
	e.emit(rc, audit.OpTaskCompleted, audit.OpTypeTask, taskResource(wf.ID, t.Name),
		audit.TaskAttrs(wf.ID, t.Name, inst.Generation, inst.Status))
	e.emitMarkingChanges(rc, wf, before)
	return nil
}

// fireComposite starts the composite task and instantiates its sub-workflow
// in the same trace. The task stays started until the child completes and
// the follow-up folds its output back in.
func (e *Engine) fireComposite(rc *runCtx, wf *workflow.Instance, t *definition.Task, inst *task.Instance) error {
	before := cloneMarking(wf.Marking)
	if err := enablement.ConsumeJoin(t, wf.Marking); err != nil {
		return err
	}
	inst.Status = core.TaskStarted
	if err := e.tasks.Save(rc.tx, inst); err != nil {
		return err
	}
	e.emit(rc, audit.OpTaskStarted, audit.OpTypeTask, taskResource(wf.ID, t.Name),
		audit.TaskAttrs(wf.ID, t.Name, inst.Generation, inst.Status))
	e.emitMarkingChanges(rc, wf, before)

	childDef, err := e.registry.ResolveRef(*t.SubWorkflow)
	if err != nil {
		return err
	}
	childID, err := core.NewID()
	if err != nil {
		return err
	}
	childCtx, err := rc.rec.RegisterChildWorkflow(childID, t.Name)
	if err != nil {
		return err
	}
	in, err := wf.Input.Clone()
	if err != nil {
		return err
	}
	child := &workflow.Instance{
		ID:               childID,
		Definition:       childDef.Ref(),
		TraceID:          rc.rec.TraceID(),
		Status:           core.WorkflowStarted,
		Marking:          map[string]int{childDef.StartCondition(): 1},
		ParentWorkflowID: wf.ID,
		ParentTaskName:   t.Name,
		ParentGeneration: inst.Generation,
		Input:            in,
		StartedAt:        rc.tx.Now(),
	}
	crc := rc.forWorkflow(childCtx)
	e.emit(crc, audit.OpWorkflowInitialized, audit.OpTypeWorkflow, workflowResource(child),
		audit.WorkflowAttrs(childID, childDef.Name(), child.Status, child.Marking))
	if init := childDef.Initialize(); init != nil {
		if err := init(rc.ctx, &definition.CallbackInput{Tx: rc.tx, WorkflowID: childID, Actor: core.SystemActor, Payload: in}); err != nil {
			return fmt.Errorf("%w: initialize of %s: %v", core.ErrCallbackFailed, childDef.Ref(), err)
		}
	}
	if err := e.workflows.Create(rc.tx, child); err != nil {
		return err
	}
	return e.settle(crc, childDef, child)
}

// createOfferedItem creates a work item for an enabled human task and, when
// the task carries an offer, moves it straight to offered.
func (e *Engine) createOfferedItem(rc *runCtx, wf *workflow.Instance, t *definition.Task, inst *task.Instance) (*workitem.Item, error) {
	id, err := core.NewID()
	if err != nil {
		return nil, err
	}
	item := &workitem.Item{
		ID:         id,
		WorkflowID: wf.ID,
		TaskName:   t.Name,
		Generation: inst.Generation,
		Status:     core.WorkItemCreated,
		CreatedAt:  rc.tx.Now(),
	}
	if t.Offer != nil {
		item.Offer = &workitem.Offer{
			RequiredScope: t.Offer.RequiredScope,
			ClaimPolicy:   t.Offer.ClaimPolicy,
			AssigneeID:    t.Offer.AssigneeID,
			GroupID:       t.Offer.GroupID,
		}
	}
	if err := e.items.Create(rc.tx, item); err != nil {
		return nil, err
	}
	e.emit(rc, audit.OpItemCreated, audit.OpTypeWorkItem, itemResource(item),
		audit.ItemAttrs(wf.ID, item.ID, item.TaskName, item.Generation, item.Status, ""))
	if t.Offer != nil {
		if err := item.Transition(core.WorkItemOffered); err != nil {
			return nil, err
		}
		if err := e.items.Save(rc.tx, item); err != nil {
			return nil, err
		}
		e.emit(rc, audit.OpItemOffered, audit.OpTypeWorkItem, itemResource(item),
			audit.ItemAttrs(wf.ID, item.ID, item.TaskName, item.Generation, item.Status, ""))
	}
	return item, nil
}

// voidOpenItems cancels the not-yet-started items of one task generation,
// the except item excluded. Starting one item voids its rivals; disabling a
// task voids them all.
func (e *Engine) voidOpenItems(rc *runCtx, wf *workflow.Instance, taskName string, generation int, except core.ID) error {
	items, err := e.items.ForTask(rc.tx, wf.ID, taskName)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID == except || item.Generation != generation {
			continue
		}
		if item.Status.IsTerminal() || item.Status == core.WorkItemStarted {
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
	return nil
}
