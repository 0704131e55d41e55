package definition

import (
	"context"
	"fmt"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/schema"
	"github.com/caseflow/caseflow/engine/store"
)

// -----------------------------------------------------------------------------
// Kinds
// -----------------------------------------------------------------------------

type JoinKind string

const (
	JoinNone JoinKind = ""
	JoinXor  JoinKind = "xor"
	JoinAnd  JoinKind = "and"
	JoinOr   JoinKind = "or"
)

type SplitKind string

const (
	SplitNone SplitKind = ""
	SplitXor  SplitKind = "xor"
	SplitAnd  SplitKind = "and"
	SplitOr   SplitKind = "or"
)

type TaskKind string

const (
	KindHuman     TaskKind = "human"
	KindAutomated TaskKind = "automated"
	KindComposite TaskKind = "composite"
)

type ConditionRole string

const (
	RoleStart    ConditionRole = "start"
	RoleEnd      ConditionRole = "end"
	RoleInternal ConditionRole = "internal"
)

// OrJoinPolicy is the resolution knob for or-joins, marked on the definition
// rather than inferred. UpstreamTerminated fires the join once every
// upstream task that could still produce a missing token is terminal.
type OrJoinPolicy string

const (
	OrJoinUpstreamTerminated OrJoinPolicy = "upstream-terminated"
)

// -----------------------------------------------------------------------------
// Graph elements
// -----------------------------------------------------------------------------

type Condition struct {
	Name string
	Role ConditionRole
}

// Offer is the template stamped onto work items of a human task.
type Offer struct {
	// RequiredScope is the fully qualified scope an actor must hold to claim.
	RequiredScope string
	// ClaimPolicy is an optional CEL predicate over {actor, workflow,
	// aggregate} consulted in addition to RequiredScope.
	ClaimPolicy string
	// AssigneeID pre-assigns the item to one user.
	AssigneeID string
	// GroupID restricts claiming to members of one group.
	GroupID string
	// OnEnabled auto-creates an offered work item when the task enables.
	OnEnabled bool
}

// Ref names a registered definition.
type Ref struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s@%s", r.Name, r.Version)
}

type Task struct {
	Name          string
	Kind          TaskKind
	Join          JoinKind
	Split         SplitKind
	OrJoin        OrJoinPolicy
	PayloadSchema *schema.Schema
	// StartPolicy, when set, lets an actor start an unclaimed item
	// (auto-claim-on-start). CEL over {actor, workflow, aggregate}.
	StartPolicy string
	// WritePolicy gates completion. CEL over the same activation.
	WritePolicy string
	Offer       *Offer
	SubWorkflow *Ref

	OnStart    OnStartFunc
	OnComplete OnCompleteFunc

	inputs  []string
	outputs []string
}

// Inputs returns the incoming condition names in arc-declaration order.
func (t *Task) Inputs() []string {
	out := make([]string, len(t.inputs))
	copy(out, t.inputs)
	return out
}

func (t *Task) Outputs() []string {
	out := make([]string, len(t.outputs))
	copy(out, t.outputs)
	return out
}

func (t *Task) IsHuman() bool     { return t.Kind == KindHuman }
func (t *Task) IsAutomated() bool { return t.Kind == KindAutomated }
func (t *Task) IsComposite() bool { return t.Kind == KindComposite }

// -----------------------------------------------------------------------------
// Callbacks
// -----------------------------------------------------------------------------

// CallbackInput is what the engine hands to host-supplied actions. Callbacks
// run synchronously inside the host transaction and must confine their I/O
// to the transaction.
type CallbackInput struct {
	Tx          store.Tx
	WorkflowID  core.ID
	TaskName    string
	WorkItemID  core.ID
	Generation  int
	Actor       core.Actor
	Payload     core.Payload
	AggregateID string
	// ChildOutput carries the terminal payload of a composite sub-workflow.
	ChildOutput core.Payload
}

// Completion is an OnComplete result: the split choice and the task output.
type Completion struct {
	// Next names the chosen outgoing conditions. Required for xor splits
	// (exactly one) and or splits (non-empty subset); ignored for and.
	Next []string
	// Output becomes the work item's recorded payload and, for composite
	// children, the parent's ChildOutput.
	Output core.Payload
	// AggregateID links the work item to a domain aggregate row.
	AggregateID string
}

type (
	InitializeFunc func(ctx context.Context, in *CallbackInput) error
	OnStartFunc    func(ctx context.Context, in *CallbackInput) error
	OnCompleteFunc func(ctx context.Context, in *CallbackInput) (*Completion, error)
)

// -----------------------------------------------------------------------------
// Definition
// -----------------------------------------------------------------------------

// Definition is an immutable bipartite graph of tasks and conditions.
// Instances are only produced by Builder.Build, which validates the
// structure; nothing mutates a definition afterwards.
type Definition struct {
	name       string
	version    string
	start      string
	end        string
	conditions map[string]*Condition
	tasks      map[string]*Task
	condOrder  []string
	taskOrder  []string
	initialize InitializeFunc
}

func (d *Definition) Name() string    { return d.name }
func (d *Definition) Version() string { return d.version }

func (d *Definition) Ref() Ref {
	return Ref{Name: d.name, Version: d.version}
}

func (d *Definition) StartCondition() string { return d.start }
func (d *Definition) EndCondition() string   { return d.end }

func (d *Definition) Initialize() InitializeFunc { return d.initialize }

func (d *Definition) Task(name string) (*Task, bool) {
	t, ok := d.tasks[name]
	return t, ok
}

func (d *Definition) Condition(name string) (*Condition, bool) {
	c, ok := d.conditions[name]
	return c, ok
}

// Tasks returns tasks in declaration order.
func (d *Definition) Tasks() []*Task {
	out := make([]*Task, 0, len(d.taskOrder))
	for _, name := range d.taskOrder {
		out = append(out, d.tasks[name])
	}
	return out
}

func (d *Definition) Conditions() []*Condition {
	out := make([]*Condition, 0, len(d.condOrder))
	for _, name := range d.condOrder {
		out = append(out, d.conditions[name])
	}
	return out
}

// TasksFrom returns the tasks consuming from the named condition.
func (d *Definition) TasksFrom(condition string) []*Task {
	var out []*Task
	for _, name := range d.taskOrder {
		t := d.tasks[name]
		for _, in := range t.inputs {
			if in == condition {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// TasksInto returns the tasks producing into the named condition.
func (d *Definition) TasksInto(condition string) []*Task {
	var out []*Task
	for _, name := range d.taskOrder {
		t := d.tasks[name]
		for _, outc := range t.outputs {
			if outc == condition {
				out = append(out, t)
				break
			}
		}
	}
	return out
}
