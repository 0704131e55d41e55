package workitem

import (
	"fmt"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// Offer is the audience stamped onto a work item at creation, denormalized
// from the task's offer template.
type Offer struct {
	RequiredScope string `json:"required_scope,omitempty"`
	ClaimPolicy   string `json:"claim_policy,omitempty"`
	AssigneeID    string `json:"assignee_id,omitempty"`
	GroupID       string `json:"group_id,omitempty"`
}

type Claim struct {
	UserID    string `json:"user_id"`
	ClaimedAt int64  `json:"claimed_at"`
}

// Item is a concrete offer of a human task to actors. Its state machine:
//
//	created -> offered -> claimed -> started -> completed
//	   \          \           \         \----> failed
//	    \----------\-----------\----> canceled
//
// Skipping offered/claimed is only valid for automated tasks and for tasks
// whose start policy accepts the actor without a claim.
type Item struct {
	ID          core.ID             `json:"id"`
	WorkflowID  core.ID             `json:"workflow_id"`
	TaskName    string              `json:"task_name"`
	Generation  int                 `json:"generation"`
	Status      core.WorkItemStatus `json:"status"`
	Offer       *Offer              `json:"offer,omitempty"`
	Claim       *Claim              `json:"claim,omitempty"`
	Payload     core.Payload        `json:"payload,omitempty"`
	AggregateID string              `json:"aggregate_id,omitempty"`
	CreatedAt   int64               `json:"created_at"`
	Error       *core.Error         `json:"error,omitempty"`
}

var transitions = map[core.WorkItemStatus][]core.WorkItemStatus{
	core.WorkItemCreated: {core.WorkItemOffered, core.WorkItemStarted, core.WorkItemCanceled},
	core.WorkItemOffered: {core.WorkItemClaimed, core.WorkItemStarted, core.WorkItemCanceled},
	core.WorkItemClaimed: {core.WorkItemStarted, core.WorkItemCanceled},
	core.WorkItemStarted: {core.WorkItemCompleted, core.WorkItemFailed, core.WorkItemCanceled},
}

func CanTransition(from, to core.WorkItemStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves the item to the target status, or reports ErrWrongState.
func (i *Item) Transition(to core.WorkItemStatus) error {
	if !CanTransition(i.Status, to) {
		return fmt.Errorf("%w: work item %s is %s, cannot become %s", core.ErrWrongState, i.ID, i.Status, to)
	}
	i.Status = to
	return nil
}

func toRow(i *Item) store.Row {
	row := store.Row{
		"id":          i.ID.String(),
		"workflow_id": i.WorkflowID.String(),
		"task_name":   i.TaskName,
		"generation":  i.Generation,
		"status":      i.Status.String(),
		"created_at":  i.CreatedAt,
	}
	if i.Offer != nil {
		row["offer"] = map[string]any{
			"required_scope": i.Offer.RequiredScope,
			"claim_policy":   i.Offer.ClaimPolicy,
			"assignee_id":    i.Offer.AssigneeID,
			"group_id":       i.Offer.GroupID,
		}
	}
	if i.Claim != nil {
		row["claim"] = map[string]any{
			"user_id":    i.Claim.UserID,
			"claimed_at": i.Claim.ClaimedAt,
		}
	}
	if i.Payload != nil {
		row["payload"] = i.Payload.AsMap()
	}
	if i.AggregateID != "" {
		row["aggregate_id"] = i.AggregateID
	}
	if i.Error != nil {
		row["error"] = i.Error.AsMap()
	}
	return row
}

func fromRow(row store.Row) *Item {
	i := &Item{
		ID:          core.ID(asString(row["id"])),
		WorkflowID:  core.ID(asString(row["workflow_id"])),
		TaskName:    asString(row["task_name"]),
		Generation:  asInt(row["generation"]),
		Status:      core.WorkItemStatus(asString(row["status"])),
		AggregateID: asString(row["aggregate_id"]),
		CreatedAt:   asInt64(row["created_at"]),
	}
	if m, ok := row["offer"].(map[string]any); ok {
		i.Offer = &Offer{
			RequiredScope: asString(m["required_scope"]),
			ClaimPolicy:   asString(m["claim_policy"]),
			AssigneeID:    asString(m["assignee_id"]),
			GroupID:       asString(m["group_id"]),
		}
	}
	if m, ok := row["claim"].(map[string]any); ok {
		i.Claim = &Claim{
			UserID:    asString(m["user_id"]),
			ClaimedAt: asInt64(m["claimed_at"]),
		}
	}
	if m, ok := row["payload"].(map[string]any); ok {
		i.Payload = core.Payload(m)
	}
	if m, ok := row["error"].(map[string]any); ok {
		i.Error = &core.Error{
			Message: asString(m["message"]),
			Code:    asString(m["code"]),
		}
		if d, ok := m["details"].(map[string]any); ok {
			i.Error.Details = d
		}
	}
	return i
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
