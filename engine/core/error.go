package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine-wide failure taxonomy. Recoverable
// kinds (schema, authz, wrong-state, not-enabled) always propagate with the
// transaction rolled back and no state change observable by the caller.
var (
	// ErrInvalidDefinition marks structural problems caught while building
	// or registering a definition. It is never raised at runtime.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrSchemaMismatch marks a payload rejected by a task's declared schema.
	ErrSchemaMismatch = errors.New("payload does not match task schema")

	// ErrAuthzDenied marks an actor lacking a required scope, or a claim
	// policy rejecting the actor.
	ErrAuthzDenied = errors.New("authorization denied")

	// ErrWrongState marks a transition not allowed from the current state.
	ErrWrongState = errors.New("transition not allowed in current state")

	// ErrNotEnabled marks an attempt to act on a task whose enablement
	// predicate is false.
	ErrNotEnabled = errors.New("task is not enabled")

	// ErrCallbackFailed wraps an error raised by a host-supplied
	// Initialize/OnStart/OnComplete action.
	ErrCallbackFailed = errors.New("callback failed")

	// ErrPendingOrJoin is transient: an or-join that cannot be decided
	// without upstream termination. Never surfaced to callers; recorded in
	// span attributes for diagnostics.
	ErrPendingOrJoin = errors.New("or-join pending upstream termination")

	ErrNotFound = errors.New("not found")
)

// Error is the structured form recorded in failure spans.
type Error struct {
	Message string         `json:"message,omitempty"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func NewError(err error, code string, details map[string]any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Message: err.Error(), Code: code, Details: details}
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *Error) AsMap() map[string]any {
	m := map[string]any{"message": e.Message}
	if e.Code != "" {
		m["code"] = e.Code
	}
	if len(e.Details) > 0 {
		m["details"] = e.Details
	}
	return m
}
