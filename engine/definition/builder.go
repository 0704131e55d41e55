package definition

import (
	"fmt"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/schema"
)

// Builder constructs a Definition fluently. Declaration errors accumulate
// and surface from Build as a single ErrInvalidDefinition.
type Builder struct {
	def  *Definition
	errs []error
}

func NewBuilder(name, version string) *Builder {
	return &Builder{
		def: &Definition{
			name:       name,
			version:    version,
			conditions: make(map[string]*Condition),
			tasks:      make(map[string]*Task),
		},
	}
}

func (b *Builder) errf(format string, args ...any) {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
}

func (b *Builder) condition(name string, role ConditionRole) *Builder {
	if _, exists := b.def.conditions[name]; exists {
		b.errf("condition %q declared twice", name)
		return b
	}
	if _, exists := b.def.tasks[name]; exists {
		b.errf("%q declared as both task and condition", name)
		return b
	}
	b.def.conditions[name] = &Condition{Name: name, Role: role}
	b.def.condOrder = append(b.def.condOrder, name)
	switch role {
	case RoleStart:
		if b.def.start != "" {
			b.errf("start condition declared twice (%q, %q)", b.def.start, name)
		}
		b.def.start = name
	case RoleEnd:
		if b.def.end != "" {
			b.errf("end condition declared twice (%q, %q)", b.def.end, name)
		}
		b.def.end = name
	}
	return b
}

func (b *Builder) StartCondition(name string) *Builder {
	return b.condition(name, RoleStart)
}

func (b *Builder) EndCondition(name string) *Builder {
	return b.condition(name, RoleEnd)
}

func (b *Builder) Condition(name string) *Builder {
	return b.condition(name, RoleInternal)
}

// OnInitialize attaches the workflow-level Initialize action, run once when
// an instance is created.
func (b *Builder) OnInitialize(fn InitializeFunc) *Builder {
	b.def.initialize = fn
	return b
}

type TaskOption func(*Task)

func WithKind(kind TaskKind) TaskOption {
	return func(t *Task) { t.Kind = kind }
}

func WithJoin(join JoinKind) TaskOption {
	return func(t *Task) { t.Join = join }
}

func WithSplit(split SplitKind) TaskOption {
	return func(t *Task) { t.Split = split }
}

func WithOrJoinPolicy(policy OrJoinPolicy) TaskOption {
	return func(t *Task) { t.OrJoin = policy }
}

func WithSchema(s *schema.Schema) TaskOption {
	return func(t *Task) { t.PayloadSchema = s }
}

func WithStartPolicy(expr string) TaskOption {
	return func(t *Task) { t.StartPolicy = expr }
}

func WithWritePolicy(expr string) TaskOption {
	return func(t *Task) { t.WritePolicy = expr }
}

func WithOffer(offer Offer) TaskOption {
	return func(t *Task) { t.Offer = &offer }
}

func WithSubWorkflow(ref Ref) TaskOption {
	return func(t *Task) {
		t.Kind = KindComposite
		t.SubWorkflow = &ref
	}
}

func WithOnStart(fn OnStartFunc) TaskOption {
	return func(t *Task) { t.OnStart = fn }
}

func WithOnComplete(fn OnCompleteFunc) TaskOption {
	return func(t *Task) { t.OnComplete = fn }
}

func (b *Builder) Task(name string, opts ...TaskOption) *Builder {
	if _, exists := b.def.tasks[name]; exists {
		b.errf("task %q declared twice", name)
		return b
	}
	if _, exists := b.def.conditions[name]; exists {
		b.errf("%q declared as both task and condition", name)
		return b
	}
	t := &Task{Name: name, Kind: KindHuman, OrJoin: OrJoinUpstreamTerminated}
	for _, opt := range opts {
		opt(t)
	}
	b.def.tasks[name] = t
	b.def.taskOrder = append(b.def.taskOrder, name)
	return b
}

// Arc connects a condition to a task or a task to a condition; direction is
// inferred from which endpoint names a condition. Anything else is a
// bipartite violation.
func (b *Builder) Arc(from, to string) *Builder {
	_, fromCond := b.def.conditions[from]
	_, toCond := b.def.conditions[to]
	fromTask, fromIsTask := b.def.tasks[from]
	toTask, toIsTask := b.def.tasks[to]
	switch {
	case fromCond && toIsTask:
		toTask.inputs = append(toTask.inputs, from)
	case fromIsTask && toCond:
		fromTask.outputs = append(fromTask.outputs, to)
	case fromCond && toCond:
		b.errf("arc %q -> %q connects two conditions", from, to)
	case fromIsTask && toIsTask:
		b.errf("arc %q -> %q connects two tasks", from, to)
	default:
		b.errf("arc %q -> %q references undeclared elements", from, to)
	}
	return b
}

// Build validates the graph and freezes it. On failure the returned error
// wraps core.ErrInvalidDefinition and lists every problem found.
func (b *Builder) Build() (*Definition, error) {
	b.applyDefaults()
	errs := append(b.errs, validate(b.def)...)
	if len(errs) > 0 {
		return nil, invalidDefinition(b.def, errs)
	}
	return b.def, nil
}

// MustBuild is for statically known definitions; structural problems are
// programmer errors and abort the process.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// applyDefaults fills join/split for tasks with arcs but no declared kind.
func (b *Builder) applyDefaults() {
	for _, name := range b.def.taskOrder {
		t := b.def.tasks[name]
		if t.Join == JoinNone && len(t.inputs) > 0 {
			t.Join = JoinXor
		}
		if t.Split == SplitNone && len(t.outputs) > 0 {
			t.Split = SplitXor
		}
	}
}

func invalidDefinition(def *Definition, errs []error) error {
	msg := ""
	for i, err := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += err.Error()
	}
	return fmt.Errorf("%w: %s@%s: %s", core.ErrInvalidDefinition, def.name, def.version, msg)
}
