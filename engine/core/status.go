package core

// -----------------------------------------------------------------------------
// Workflow status
// -----------------------------------------------------------------------------

type WorkflowStatus string

const (
	WorkflowInitialized WorkflowStatus = "INITIALIZED"
	WorkflowStarted     WorkflowStatus = "STARTED"
	WorkflowCompleted   WorkflowStatus = "COMPLETED"
	WorkflowFailed      WorkflowStatus = "FAILED"
	WorkflowCanceled    WorkflowStatus = "CANCELED"
)

func (s WorkflowStatus) String() string {
	return string(s)
}

func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCanceled
}

// -----------------------------------------------------------------------------
// Task status
// -----------------------------------------------------------------------------

type TaskStatus string

const (
	TaskDisabled  TaskStatus = "DISABLED"
	TaskEnabled   TaskStatus = "ENABLED"
	TaskStarted   TaskStatus = "STARTED"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskCanceled  TaskStatus = "CANCELED"
)

func (s TaskStatus) String() string {
	return string(s)
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCanceled
}

// -----------------------------------------------------------------------------
// Work-item status
// -----------------------------------------------------------------------------

type WorkItemStatus string

const (
	WorkItemCreated   WorkItemStatus = "CREATED"
	WorkItemOffered   WorkItemStatus = "OFFERED"
	WorkItemClaimed   WorkItemStatus = "CLAIMED"
	WorkItemStarted   WorkItemStatus = "STARTED"
	WorkItemCompleted WorkItemStatus = "COMPLETED"
	WorkItemCanceled  WorkItemStatus = "CANCELED"
	WorkItemFailed    WorkItemStatus = "FAILED"
)

func (s WorkItemStatus) String() string {
	return string(s)
}

func (s WorkItemStatus) IsTerminal() bool {
	return s == WorkItemCompleted || s == WorkItemCanceled || s == WorkItemFailed
}
