package authz

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caseflow/caseflow/engine/core"
	"github.com/caseflow/caseflow/pkg/logger"
)

// Service is the authorization model: a composed scope registry plus the
// user/group/role directory. It is an explicit dependency constructed at
// startup and passed around; there is no process-wide registry.
type Service struct {
	mu      sync.RWMutex
	modules map[string]*ScopeModule
	scopes  map[string]bool
	roles   map[string]*Role
	groups  map[string]*Group
	members map[string]map[string]bool // userID -> group names

	env      *cel.Env
	programs *lru.Cache[string, cel.Program]
	// effective caches per-user scope sets; purged on every directory
	// mutation so membership changes are visible to the next check.
	effective *lru.Cache[string, map[string]bool]
}

func NewService(cacheSize int, modules ...*ScopeModule) (*Service, error) {
	env, err := newPolicyEnv()
	if err != nil {
		return nil, err
	}
	programs, err := lru.New[string, cel.Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy cache: %w", err)
	}
	effective, err := lru.New[string, map[string]bool](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build scope cache: %w", err)
	}
	s := &Service{
		modules:   make(map[string]*ScopeModule),
		scopes:    make(map[string]bool),
		roles:     make(map[string]*Role),
		groups:    make(map[string]*Group),
		members:   make(map[string]map[string]bool),
		env:       env,
		programs:  programs,
		effective: effective,
	}
	for _, m := range append([]*ScopeModule{SystemModule()}, modules...) {
		if err := s.registerModule(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) registerModule(m *ScopeModule) error {
	if _, exists := s.modules[m.Name]; exists {
		return fmt.Errorf("scope module %q registered twice", m.Name)
	}
	s.modules[m.Name] = m
	for _, def := range m.Scopes {
		s.scopes[Qualify(m.Name, def.Capability)] = true
	}
	return nil
}

// HasScope reports whether a qualified scope is declared by any module.
func (s *Service) HasScope(scope string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scopes[scope]
}

// Modules returns registered modules sorted by name.
func (s *Service) Modules() []*ScopeModule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScopeModule, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// -----------------------------------------------------------------------------
// Directory mutations (every one invalidates the effective-scope cache)
// -----------------------------------------------------------------------------

func (s *Service) DefineRole(name string, scopes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, scope := range scopes {
		if !s.scopes[scope] {
			return fmt.Errorf("role %q references undeclared scope %q", name, scope)
		}
	}
	s.roles[name] = &Role{Name: name, Scopes: scopes}
	s.effective.Purge()
	return nil
}

func (s *Service) DefineGroup(name string, roles ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range roles {
		if _, ok := s.roles[role]; !ok {
			return fmt.Errorf("group %q references undefined role %q", name, role)
		}
	}
	s.groups[name] = &Group{Name: name, Roles: roles}
	s.effective.Purge()
	return nil
}

func (s *Service) AssignRoleToGroup(group, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("group %q: %w", group, core.ErrNotFound)
	}
	if _, ok := s.roles[role]; !ok {
		return fmt.Errorf("role %q: %w", role, core.ErrNotFound)
	}
	for _, r := range g.Roles {
		if r == role {
			return nil
		}
	}
	g.Roles = append(g.Roles, role)
	s.effective.Purge()
	return nil
}

func (s *Service) AssignUserToGroup(userID, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[group]; !ok {
		return fmt.Errorf("group %q: %w", group, core.ErrNotFound)
	}
	if s.members[userID] == nil {
		s.members[userID] = make(map[string]bool)
	}
	s.members[userID][group] = true
	s.effective.Purge()
	return nil
}

func (s *Service) RemoveUserFromGroup(userID, group string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[userID], group)
	s.effective.Purge()
}

// -----------------------------------------------------------------------------
// Resolution
// -----------------------------------------------------------------------------

// IsMember reports direct membership of a user in a group.
func (s *Service) IsMember(userID, group string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[userID][group]
}

// EffectiveScopes resolves a user's scope set: the union over the scopes of
// the roles of the user's groups.
func (s *Service) EffectiveScopes(ctx context.Context, userID string) map[string]bool {
	if cached, ok := s.effective.Get(userID); ok {
		return cached
	}
	s.mu.RLock()
	scopes := make(map[string]bool)
	for group := range s.members[userID] {
		g, ok := s.groups[group]
		if !ok {
			continue
		}
		for _, role := range g.Roles {
			r, ok := s.roles[role]
			if !ok {
				continue
			}
			for _, scope := range r.Scopes {
				scopes[scope] = true
			}
		}
	}
	s.mu.RUnlock()
	s.effective.Add(userID, scopes)
	logger.FromContext(ctx).Debug("resolved effective scopes", "user_id", userID, "scopes", len(scopes))
	return scopes
}

// ScopeList returns the effective scopes as a sorted slice, the shape policy
// activations expose as actor.scopes.
func (s *Service) ScopeList(ctx context.Context, userID string) []string {
	scopes := s.EffectiveScopes(ctx, userID)
	out := make([]string, 0, len(scopes))
	for scope := range scopes {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// Authorize checks that the actor holds the required scope. System actors
// pass unconditionally.
func (s *Service) Authorize(ctx context.Context, actor core.Actor, requiredScope string) error {
	if actor.IsSystem() || requiredScope == "" {
		return nil
	}
	if !s.EffectiveScopes(ctx, actor.UserID)[requiredScope] {
		return fmt.Errorf("%w: %s lacks scope %s", core.ErrAuthzDenied, actor.UserID, requiredScope)
	}
	return nil
}

// CanView gates work-item visibility: the actor must hold the domain's
// staff scope.
func (s *Service) CanView(ctx context.Context, actor core.Actor, domain string) bool {
	if actor.IsSystem() {
		return true
	}
	return s.EffectiveScopes(ctx, actor.UserID)[Qualify(domain, StaffCapability)]
}

// ActorActivation projects an actor for policy evaluation.
func (s *Service) ActorActivation(ctx context.Context, actor core.Actor) map[string]any {
	scopes := s.ScopeList(ctx, actor.UserID)
	anyScopes := make([]any, len(scopes))
	for i, scope := range scopes {
		anyScopes[i] = scope
	}
	return map[string]any{
		"user_id": actor.UserID,
		"scopes":  anyScopes,
	}
}
