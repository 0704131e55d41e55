package definition

import (
	"fmt"
	"sync"

	"github.com/caseflow/caseflow/engine/core"
)

// ScopeChecker reports whether a fully qualified scope is declared in a
// registered scope module. Implemented by the authorization service.
type ScopeChecker interface {
	HasScope(scope string) bool
}

// PolicyChecker compiles a policy expression, reporting syntax or type
// problems. Implemented by the authorization service.
type PolicyChecker interface {
	CheckPolicy(expr string) error
}

// Registry resolves (name, version) to an immutable definition. Registration
// is the last gate for problems that Build cannot see alone: composite
// references must name an already registered definition, offer scopes must
// exist in a scope module, and policies must compile.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]map[string]*Definition
	latest   map[string]string
	scopes   ScopeChecker
	policies PolicyChecker
}

func NewRegistry(scopes ScopeChecker, policies PolicyChecker) *Registry {
	return &Registry{
		defs:     make(map[string]map[string]*Definition),
		latest:   make(map[string]string),
		scopes:   scopes,
		policies: policies,
	}
}

func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if errs := r.check(def); len(errs) > 0 {
		return invalidDefinition(def, errs)
	}
	versions := r.defs[def.name]
	if versions == nil {
		versions = make(map[string]*Definition)
		r.defs[def.name] = versions
	}
	if _, exists := versions[def.version]; exists {
		return fmt.Errorf("%w: %s already registered", core.ErrInvalidDefinition, def.Ref())
	}
	versions[def.version] = def
	r.latest[def.name] = def.version
	return nil
}

// MustRegister panics on failure: a bad definition at registration time is a
// programmer error and the process must not come up with it.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(name, version string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name][version]
	if !ok {
		return nil, fmt.Errorf("definition %s@%s: %w", name, version, core.ErrNotFound)
	}
	return def, nil
}

func (r *Registry) ResolveRef(ref Ref) (*Definition, error) {
	return r.Resolve(ref.Name, ref.Version)
}

// Latest returns the most recently registered version of a definition.
func (r *Registry) Latest(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version, ok := r.latest[name]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", name, core.ErrNotFound)
	}
	return r.defs[name][version], nil
}

func (r *Registry) check(def *Definition) []error {
	var errs []error
	for _, t := range def.Tasks() {
		if t.IsComposite() {
			if _, ok := r.defs[t.SubWorkflow.Name][t.SubWorkflow.Version]; !ok {
				errs = append(errs, fmt.Errorf("composite task %q references unregistered definition %s", t.Name, t.SubWorkflow))
			}
		}
		if t.Offer != nil && t.Offer.RequiredScope != "" && r.scopes != nil {
			if !r.scopes.HasScope(t.Offer.RequiredScope) {
				errs = append(errs, fmt.Errorf("task %q offer requires undeclared scope %q", t.Name, t.Offer.RequiredScope))
			}
		}
		if r.policies != nil {
			for _, expr := range []string{t.StartPolicy, t.WritePolicy, claimPolicy(t)} {
				if expr == "" {
					continue
				}
				if err := r.policies.CheckPolicy(expr); err != nil {
					errs = append(errs, fmt.Errorf("task %q policy: %w", t.Name, err))
				}
			}
		}
	}
	return errs
}

func claimPolicy(t *Task) string {
	if t.Offer == nil {
		return ""
	}
	return t.Offer.ClaimPolicy
}
