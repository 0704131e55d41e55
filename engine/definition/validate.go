package definition

import "fmt"

// validate runs the structural checks from the build contract: exactly one
// start and end condition, bipartite arcs only (enforced at Arc), no
// dangling elements, reachability and co-reachability for every task, and
// join/split kinds compatible with arc arity.
func validate(def *Definition) []error {
	var errs []error
	if def.name == "" {
		errs = append(errs, fmt.Errorf("definition name is empty"))
	}
	if def.version == "" {
		errs = append(errs, fmt.Errorf("definition version is empty"))
	}
	if def.start == "" {
		errs = append(errs, fmt.Errorf("no start condition declared"))
	}
	if def.end == "" {
		errs = append(errs, fmt.Errorf("no end condition declared"))
	}
	if def.start == "" || def.end == "" {
		return errs
	}
	errs = append(errs, validateConditions(def)...)
	errs = append(errs, validateTasks(def)...)
	errs = append(errs, validateReachability(def)...)
	return errs
}

func validateConditions(def *Definition) []error {
	var errs []error
	for _, name := range def.condOrder {
		c := def.conditions[name]
		producers := len(def.TasksInto(name))
		consumers := len(def.TasksFrom(name))
		if c.Role != RoleStart && producers == 0 {
			errs = append(errs, fmt.Errorf("condition %q has no producing task", name))
		}
		if c.Role != RoleEnd && consumers == 0 {
			errs = append(errs, fmt.Errorf("condition %q has no consuming task", name))
		}
		if c.Role == RoleStart && consumers == 0 {
			errs = append(errs, fmt.Errorf("start condition %q has no consuming task", name))
		}
		if c.Role == RoleEnd && producers == 0 {
			errs = append(errs, fmt.Errorf("end condition %q has no producing task", name))
		}
	}
	return errs
}

func validateTasks(def *Definition) []error {
	var errs []error
	for _, name := range def.taskOrder {
		t := def.tasks[name]
		switch {
		case len(t.inputs) == 0:
			errs = append(errs, fmt.Errorf("task %q has no incoming arc", name))
		case t.Join == JoinNone:
			errs = append(errs, fmt.Errorf("task %q has %d incoming arcs but no join kind", name, len(t.inputs)))
		}
		switch {
		case len(t.outputs) == 0:
			errs = append(errs, fmt.Errorf("task %q has no outgoing arc", name))
		case t.Split == SplitNone:
			errs = append(errs, fmt.Errorf("task %q has %d outgoing arcs but no split kind", name, len(t.outputs)))
		}
		if t.IsComposite() && t.SubWorkflow == nil {
			errs = append(errs, fmt.Errorf("composite task %q names no sub-workflow", name))
		}
		if !t.IsComposite() && t.SubWorkflow != nil {
			errs = append(errs, fmt.Errorf("task %q carries a sub-workflow but is %s", name, t.Kind))
		}
		if t.IsAutomated() && t.OnComplete == nil {
			errs = append(errs, fmt.Errorf("automated task %q has no OnComplete action", name))
		}
		if t.Split == SplitXor && len(t.outputs) > 1 && t.OnComplete == nil && !t.IsComposite() {
			errs = append(errs, fmt.Errorf("task %q has an xor split over %d conditions but no OnComplete to choose", name, len(t.outputs)))
		}
	}
	return errs
}

// validateReachability walks the bipartite graph forward from start and
// backward from end; every task must appear in both walks.
func validateReachability(def *Definition) []error {
	forward := walk(def, def.start, func(t *Task) ([]string, []string) {
		return t.inputs, t.outputs
	})
	backward := walk(def, def.end, func(t *Task) ([]string, []string) {
		return t.outputs, t.inputs
	})
	var errs []error
	for _, name := range def.taskOrder {
		if !forward[name] {
			errs = append(errs, fmt.Errorf("task %q is unreachable from start", name))
		}
		if !backward[name] {
			errs = append(errs, fmt.Errorf("task %q cannot reach end", name))
		}
	}
	for _, name := range def.condOrder {
		if !forward[name] {
			errs = append(errs, fmt.Errorf("condition %q is unreachable from start", name))
		}
	}
	return errs
}

// walk explores conditions and tasks from origin. arcs maps a task to its
// (incoming, outgoing) condition lists relative to the walk direction.
func walk(def *Definition, origin string, arcs func(*Task) ([]string, []string)) map[string]bool {
	visited := map[string]bool{origin: true}
	frontier := []string{origin}
	for len(frontier) > 0 {
		cond := frontier[0]
		frontier = frontier[1:]
		for _, name := range def.taskOrder {
			t := def.tasks[name]
			in, out := arcs(t)
			consumes := false
			for _, c := range in {
				if c == cond {
					consumes = true
					break
				}
			}
			if !consumes {
				continue
			}
			visited[name] = true
			for _, c := range out {
				if !visited[c] {
					visited[c] = true
					frontier = append(frontier, c)
				}
			}
		}
	}
	return visited
}
