package authz

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Policies are CEL predicates evaluated over three maps: the acting user
// (actor), the projected workflow state (workflow) and the linked domain
// aggregate (aggregate). They gate claiming, starting without a claim, and
// completion.

func newPolicyEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("workflow", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("aggregate", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build CEL policy environment: %w", err)
	}
	return env, nil
}

func (s *Service) compilePolicy(expr string) (cel.Program, error) {
	if prg, ok := s.programs.Get(expr); ok {
		return prg, nil
	}
	ast, issues := s.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL policy %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := s.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program %q: %w", expr, err)
	}
	s.programs.Add(expr, prg)
	return prg, nil
}

// CheckPolicy compiles expr, reporting syntax and type problems. The
// definition registry calls this so bad policies die at registration.
func (s *Service) CheckPolicy(expr string) error {
	_, err := s.compilePolicy(expr)
	return err
}

// PolicyActivation is the input to one policy evaluation.
type PolicyActivation struct {
	Actor     map[string]any
	Workflow  map[string]any
	Aggregate map[string]any
}

// EvalPolicy evaluates expr against the activation. An empty expression is
// vacuously true.
func (s *Service) EvalPolicy(expr string, activation PolicyActivation) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := s.compilePolicy(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"actor":     orEmpty(activation.Actor),
		"workflow":  orEmpty(activation.Workflow),
		"aggregate": orEmpty(activation.Aggregate),
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval %q: %w", expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL policy %q returned %T, want bool", expr, out.Value())
	}
	return allowed, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
