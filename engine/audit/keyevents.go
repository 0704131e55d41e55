package audit

import (
	"strings"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/store"
)

// KeyEvent is the business-level view of one root-level span: one entry per
// public engine operation, stripped of the mutation detail underneath it.
type KeyEvent struct {
	TraceID   core.ID   `json:"trace_id"`
	SpanID    string    `json:"span_id"`
	Timestamp int64     `json:"timestamp"`
	Category  string    `json:"category"`
	Operation string    `json:"operation"`
	State     SpanState `json:"state"`
	// Workflow is the slash-joined composite path of the workflow the
	// operation targeted; empty for the root workflow.
	Workflow     string `json:"workflow,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`
	UserID       string `json:"user_id,omitempty"`
}

// KeyEvents lists the key events of a trace in operation order. Root-level
// spans are the events; nothing is stored separately, so the list can never
// drift from the span record.
func (r Repo) KeyEvents(tx store.Tx, traceID core.ID) ([]KeyEvent, error) {
	spans, err := r.RootSpans(tx, traceID)
	if err != nil {
		return nil, err
	}
	out := make([]KeyEvent, 0, len(spans))
	for _, span := range spans {
		userID := asString(span.Attributes[AttrClaimUserID])
		if userID == "" {
			userID = asString(span.Attributes[AttrUserID])
		}
		out = append(out, KeyEvent{
			TraceID:      span.TraceID,
			SpanID:       span.SpanID,
			Timestamp:    span.StartedAt,
			Category:     eventCategory(span.OperationType),
			Operation:    span.Operation,
			State:        span.State,
			Workflow:     strings.Join(span.Path, "/"),
			ResourceType: span.ResourceType,
			ResourceID:   span.ResourceID,
			ResourceName: span.ResourceName,
			UserID:       userID,
		})
	}
	return out, nil
}

func eventCategory(t OperationType) string {
	switch t {
	case OpTypeWorkflow:
		return "lifecycle"
	case OpTypeTask:
		return "routing"
	case OpTypeWorkItem:
		return "work"
	case OpTypeError:
		return "error"
	default:
		return "state"
	}
}
