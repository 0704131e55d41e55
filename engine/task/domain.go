package task

import (
	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Instance is the live state of one task within a workflow. Generation is
// 1-based and increments each time the task re-enables; prior generations
// survive only in the audit record.
type Instance struct {
	ID         core.ID         `json:"id"`
	WorkflowID core.ID         `json:"workflow_id"`
	TaskName   string          `json:"task_name"`
	Generation int             `json:"generation"`
	Status     core.TaskStatus `json:"status"`
}

// Reenable bumps the generation and returns the task to enabled. Used after
// an xor-split loops back over a completed or canceled task.
func (i *Instance) Reenable() {
	i.Generation++
	i.Status = core.TaskEnabled
}

func toRow(i *Instance) store.Row {
	return store.Row{
		"id":          i.ID.String(),
		"workflow_id": i.WorkflowID.String(),
		"task_name":   i.TaskName,
		"generation":  i.Generation,
		"status":      i.Status.String(),
	}
}

func fromRow(row store.Row) *Instance {
	return &Instance{
		ID:         core.ID(asString(row["id"])),
		WorkflowID: core.ID(asString(row["workflow_id"])),
		TaskName:   asString(row["task_name"]),
		Generation: asInt(row["generation"]),
		Status:     core.TaskStatus(asString(row["status"])),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
