package authz

import (
	"fmt"
	"strings"
)

// ScopeDef declares one capability within a module. The fully qualified
// scope string is "module:capability".
type ScopeDef struct {
	Capability  string
	Description string
	Tags        []string
	Deprecated  bool
}

// ScopeModule groups the scopes of one domain. The engine ships a system
// module; host applications register one module per domain at startup.
type ScopeModule struct {
	Name   string
	Scopes []ScopeDef
}

func Qualify(module, capability string) string {
	return module + ":" + capability
}

// SplitScope breaks a qualified scope into (module, capability).
func SplitScope(scope string) (string, string, error) {
	module, capability, ok := strings.Cut(scope, ":")
	if !ok || module == "" || capability == "" {
		return "", "", fmt.Errorf("malformed scope %q", scope)
	}
	return module, capability, nil
}

// StaffCapability gates work-item visibility: an actor without
// "{domain}:staff" never sees the domain's work items at all.
const StaffCapability = "staff"

// SystemModule declares the engine's own scopes.
func SystemModule() *ScopeModule {
	return &ScopeModule{
		Name: "system",
		Scopes: []ScopeDef{
			{Capability: "admin", Description: "Unrestricted engine administration", Tags: []string{"system"}},
			{Capability: StaffCapability, Description: "Visibility over system work items", Tags: []string{"system"}},
		},
	}
}
