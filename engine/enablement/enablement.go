// Package enablement is the firing calculus: pure functions deciding when a
// task enables, which tokens starting it consumes, and which tokens
// completing it produces. Only conditions incident to the firing task are
// ever touched, which is what keeps firing bipartite.
package enablement

import (
	"fmt"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/engine/definition"
)

// JoinSatisfied reports whether the task's join predicate holds for the
// marking. For or-joins the decision can require knowing that no further
// token can arrive; when that is still open it returns ErrPendingOrJoin and
// the caller re-evaluates on the next state change.
func JoinSatisfied(
	def *definition.Definition,
	t *definition.Task,
	marking map[string]int,
	taskStatus map[string]core.TaskStatus,
) (bool, error) {
	inputs := t.Inputs()
	switch t.Join {
	case definition.JoinXor:
		for _, c := range inputs {
			if marking[c] > 0 {
				return true, nil
			}
		}
		return false, nil
	case definition.JoinAnd:
		for _, c := range inputs {
			if marking[c] == 0 {
				return false, nil
			}
		}
		return true, nil
	case definition.JoinOr:
		return orJoinSatisfied(def, t, marking, taskStatus)
	default:
		return false, fmt.Errorf("task %q has no join kind", t.Name)
	}
}

// orJoinSatisfied approximates "no further token can still arrive" by
// upstream termination: every producer into a tokenless input condition must
// be terminal. Producers that are merely disabled count as unable to fire
// only when they are also terminal-by-status; anything else keeps the join
// pending.
func orJoinSatisfied(
	def *definition.Definition,
	t *definition.Task,
	marking map[string]int,
	taskStatus map[string]core.TaskStatus,
) (bool, error) {
	hasToken := false
	for _, c := range t.Inputs() {
		if marking[c] > 0 {
			hasToken = true
			break
		}
	}
	if !hasToken {
		return false, nil
	}
	for _, c := range t.Inputs() {
		if marking[c] > 0 {
			continue
		}
		for _, producer := range def.TasksInto(c) {
			status, known := taskStatus[producer.Name]
			if !known || status == core.TaskDisabled {
				// Never enabled so far; it cannot fire unless a token
				// reaches it, which the marking would have to show first.
				continue
			}
			if !status.IsTerminal() {
				return false, fmt.Errorf("%w: task %q waits on producer %q", core.ErrPendingOrJoin, t.Name, producer.Name)
			}
		}
	}
	return true, nil
}

// ConsumeJoin removes the tokens starting the task takes from its inputs:
// one from a single marked input for xor, one from every input for and, one
// from every marked input for or. The marking is mutated in place.
func ConsumeJoin(t *definition.Task, marking map[string]int) error {
	switch t.Join {
	case definition.JoinXor:
		for _, c := range t.Inputs() {
			if marking[c] > 0 {
				marking[c]--
				return nil
			}
		}
		return fmt.Errorf("%w: no token on any input of %q", core.ErrNotEnabled, t.Name)
	case definition.JoinAnd:
		for _, c := range t.Inputs() {
			if marking[c] == 0 {
				return fmt.Errorf("%w: no token on input %q of %q", core.ErrNotEnabled, c, t.Name)
			}
		}
		for _, c := range t.Inputs() {
			marking[c]--
		}
		return nil
	case definition.JoinOr:
		consumed := false
		for _, c := range t.Inputs() {
			if marking[c] > 0 {
				marking[c]--
				consumed = true
			}
		}
		if !consumed {
			return fmt.Errorf("%w: no token on any input of %q", core.ErrNotEnabled, t.Name)
		}
		return nil
	default:
		return fmt.Errorf("task %q has no join kind", t.Name)
	}
}

// ProduceSplit places the tokens completing the task produces. For and
// splits every output receives one token and choice is ignored; xor requires
// exactly one chosen output; or requires a non-empty subset.
func ProduceSplit(t *definition.Task, choice []string, marking map[string]int) error {
	outputs := t.Outputs()
	switch t.Split {
	case definition.SplitAnd:
		for _, c := range outputs {
			marking[c]++
		}
		return nil
	case definition.SplitXor:
		target, err := xorChoice(t, choice, outputs)
		if err != nil {
			return err
		}
		marking[target]++
		return nil
	case definition.SplitOr:
		if len(choice) == 0 {
			return fmt.Errorf("or split of %q requires at least one chosen condition", t.Name)
		}
		for _, c := range choice {
			if !contains(outputs, c) {
				return fmt.Errorf("or split of %q chose %q, not an output", t.Name, c)
			}
		}
		for _, c := range choice {
			marking[c]++
		}
		return nil
	default:
		return fmt.Errorf("task %q has no split kind", t.Name)
	}
}

func xorChoice(t *definition.Task, choice, outputs []string) (string, error) {
	switch {
	case len(choice) == 1:
		if !contains(outputs, choice[0]) {
			return "", fmt.Errorf("xor split of %q chose %q, not an output", t.Name, choice[0])
		}
		return choice[0], nil
	case len(choice) == 0 && len(outputs) == 1:
		return outputs[0], nil
	default:
		return "", fmt.Errorf("xor split of %q requires exactly one chosen condition, got %d", t.Name, len(choice))
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
