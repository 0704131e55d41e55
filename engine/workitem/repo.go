package workitem

import (
	"fmt"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Repo persists work items through the host store.
type Repo struct{}

func (Repo) Create(tx store.Tx, i *Item) error {
	if _, err := tx.Insert(store.TableWorkItems, toRow(i)); err != nil {
		return fmt.Errorf("failed to create work item for %s/%s: %w", i.WorkflowID, i.TaskName, err)
	}
	return nil
}

func (Repo) Get(tx store.Tx, id core.ID) (*Item, error) {
	row, err := tx.Get(store.TableWorkItems, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("work item %s: %w", id, core.ErrNotFound)
	}
	return fromRow(row), nil
}

// Save patches every mutable field of the item.
func (Repo) Save(tx store.Tx, i *Item) error {
	partial := store.Row{
		"status":     i.Status.String(),
		"generation": i.Generation,
	}
	if i.Claim != nil {
		partial["claim"] = map[string]any{
			"user_id":    i.Claim.UserID,
			"claimed_at": i.Claim.ClaimedAt,
		}
	}
	if i.Payload != nil {
		partial["payload"] = i.Payload.AsMap()
	}
	if i.AggregateID != "" {
		partial["aggregate_id"] = i.AggregateID
	}
	if i.Error != nil {
		partial["error"] = i.Error.AsMap()
	}
	return tx.Patch(store.TableWorkItems, i.ID, partial)
}

// ForTask returns the items of one task within a workflow, every generation
// included.
func (Repo) ForTask(tx store.Tx, workflowID core.ID, taskName string) ([]*Item, error) {
	rows, err := tx.QueryByIndex(store.TableWorkItems, store.IndexWorkItemsByWorkflow, store.Range{
		Eq: []any{workflowID.String(), taskName},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Item, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// ForWorkflow returns every item of a workflow.
func (Repo) ForWorkflow(tx store.Tx, workflowID core.ID) ([]*Item, error) {
	rows, err := tx.QueryByIndex(store.TableWorkItems, store.IndexWorkItemsByWorkflow, store.Range{
		Eq: []any{workflowID.String()},
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Item, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}
