package authz

// Role is a named set of qualified scopes.
type Role struct {
	Name   string
	Scopes []string
}

// Group is a named set of roles; users are assigned to groups, never
// directly to roles or scopes.
type Group struct {
	Name  string
	Roles []string
}
