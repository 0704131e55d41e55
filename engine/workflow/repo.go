package workflow

import (
	"fmt"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Repo persists workflow instances through the host store.
type Repo struct{}

func (Repo) Create(tx store.Tx, i *Instance) error {
	if _, err := tx.Insert(store.TableWorkflows, toRow(i)); err != nil {
		return fmt.Errorf("failed to create workflow %s: %w", i.ID, err)
	}
	return nil
}

func (Repo) Get(tx store.Tx, id core.ID) (*Instance, error) {
	row, err := tx.Get(store.TableWorkflows, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("workflow %s: %w", id, core.ErrNotFound)
	}
	return fromRow(row), nil
}

// Save patches the mutable fields of an instance.
func (Repo) Save(tx store.Tx, i *Instance) error {
	return tx.Patch(store.TableWorkflows, i.ID, store.Row{
		"status":   i.Status.String(),
		"marking":  markingToRow(i.Marking),
		"output":   outputField(i),
		"ended_at": i.EndedAt,
	})
}

func outputField(i *Instance) any {
	if i.Output == nil {
		return nil
	}
	return i.Output.AsMap()
}

// ChildrenOf returns the sub-workflows parented to the given workflow.
func (Repo) ChildrenOf(tx store.Tx, parentID core.ID) ([]*Instance, error) {
	rows, err := tx.QueryByIndex(store.TableWorkflows, store.IndexWorkflowsByParent, store.Range{
		Eq: []any{parentID.String()},
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

// ByTrace returns every instance in a trace, the root included.
func (Repo) ByTrace(tx store.Tx, traceID core.ID) ([]*Instance, error) {
	rows, err := tx.QueryByIndex(store.TableWorkflows, store.IndexWorkflowsByTrace, store.Range{
		Eq: []any{traceID.String()},
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
