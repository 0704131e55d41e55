package workflow

import (
	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/definition"
	"github.com/caseflow/caseflow/engine/store"
)

// Instance is one executing workflow. The root instance's ID doubles as the
// audit trace ID for the whole composite tree.
type Instance struct {
	ID         core.ID             `json:"id"`
	Definition definition.Ref      `json:"definition"`
	TraceID    core.ID             `json:"trace_id"`
	Status     core.WorkflowStatus `json:"status"`
	// Marking is the token count per condition; cardinality encodes
	// enablement.
	Marking map[string]int `json:"marking"`

	// Parent linkage for composite sub-workflows.
	ParentWorkflowID core.ID `json:"parent_workflow_id,omitempty"`
	ParentTaskName   string  `json:"parent_task_name,omitempty"`
	ParentGeneration int     `json:"parent_generation,omitempty"`

	Input     core.Payload `json:"input,omitempty"`
	Output    core.Payload `json:"output,omitempty"`
	StartedAt int64        `json:"started_at"`
	EndedAt   int64        `json:"ended_at,omitempty"`
}

func (i *Instance) IsRoot() bool {
	return i.ParentWorkflowID.IsZero()
}

// Tokens returns the token count at a condition.
func (i *Instance) Tokens(condition string) int {
	return i.Marking[condition]
}

func toRow(i *Instance) store.Row {
	row := store.Row{
		"id":                 i.ID.String(),
		"definition_name":    i.Definition.Name,
		"definition_version": i.Definition.Version,
		"trace_id":           i.TraceID.String(),
		"status":             i.Status.String(),
		"marking":            markingToRow(i.Marking),
		"parent_workflow_id": i.ParentWorkflowID.String(),
		"parent_task_name":   i.ParentTaskName,
		"parent_generation":  i.ParentGeneration,
		"started_at":         i.StartedAt,
		"ended_at":           i.EndedAt,
	}
	if i.Input != nil {
		row["input"] = i.Input.AsMap()
	}
	if i.Output != nil {
		row["output"] = i.Output.AsMap()
	}
	return row
}

func fromRow(row store.Row) *Instance {
	i := &Instance{
		ID: core.ID(asString(row["id"])),
		Definition: definition.Ref{
			Name:    asString(row["definition_name"]),
			Version: asString(row["definition_version"]),
		},
		TraceID:          core.ID(asString(row["trace_id"])),
		Status:           core.WorkflowStatus(asString(row["status"])),
		Marking:          markingFromRow(row["marking"]),
		ParentWorkflowID: core.ID(asString(row["parent_workflow_id"])),
		ParentTaskName:   asString(row["parent_task_name"]),
		ParentGeneration: asInt(row["parent_generation"]),
		StartedAt:        asInt64(row["started_at"]),
		EndedAt:          asInt64(row["ended_at"]),
	}
	if m, ok := row["input"].(map[string]any); ok {
		i.Input = core.Payload(m)
	}
	if m, ok := row["output"].(map[string]any); ok {
		i.Output = core.Payload(m)
	}
	return i
}

func markingToRow(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func markingFromRow(v any) map[string]int {
	m, ok := v.(map[string]any)
	if !ok {
		return map[string]int{}
	}
	out := make(map[string]int, len(m))
	for k, raw := range m {
		out[k] = asInt(raw)
	}
	return out
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

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
