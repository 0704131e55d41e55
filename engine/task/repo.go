package task

import (
	"fmt"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Repo persists task instances. There is exactly one live row per
// (workflow, task); re-enablement mutates it in place.
type Repo struct{}

func (Repo) Create(tx store.Tx, i *Instance) error {
	if _, err := tx.Insert(store.TableTasks, toRow(i)); err != nil {
		return fmt.Errorf("failed to create task %s/%s: %w", i.WorkflowID, i.TaskName, err)
	}
	return nil
}

func (r Repo) Get(tx store.Tx, workflowID core.ID, taskName string) (*Instance, error) {
	all, err := r.ForWorkflow(tx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, i := range all {
		if i.TaskName == taskName {
			return i, nil
		}
	}
	return nil, fmt.Errorf("task %s in workflow %s: %w", taskName, workflowID, core.ErrNotFound)
}

func (Repo) Save(tx store.Tx, i *Instance) error {
	return tx.Patch(store.TableTasks, i.ID, store.Row{
		"generation": i.Generation,
		"status":     i.Status.String(),
	})
}

func (Repo) ForWorkflow(tx store.Tx, workflowID core.ID) ([]*Instance, error) {
	rows, err := tx.QueryByIndex(store.TableTasks, store.IndexTasksByWorkflow, store.Range{
		Eq: []any{workflowID.String()},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}
