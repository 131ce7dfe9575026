package clients

import (
	"slices"
	"strings"
)

// Scopes understood by this server.
const (
	ScopeOpenID   = "openid"
	ScopeProfile  = "profile"
	ScopeEmail    = "email"
	ScopeRoles    = "roles"
	ScopeMCPRead  = "mcp.read"
	ScopeMCPWrite = "mcp.write"
	ScopeMCPAdmin = "mcp.admin"

	// DefaultScope is granted when a registration requests none.
	DefaultScope = ScopeMCPRead
)

// SupportedScopes is the fixed scope vocabulary, in display order.
var SupportedScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeRoles,
	ScopeMCPRead,
	ScopeMCPWrite,
	ScopeMCPAdmin,
}

// ScopeDescriptions are shown on the consent page.
var ScopeDescriptions = map[string]string{
	ScopeOpenID:   "Confirm your identity",
	ScopeProfile:  "Read your basic profile (name and picture)",
	ScopeEmail:    "Read your email address",
	ScopeRoles:    "Read your roles and permissions",
	ScopeMCPRead:  "Read data through MCP tools",
	ScopeMCPWrite: "Create and modify data through MCP tools",
	ScopeMCPAdmin: "Administer MCP resources",
}

// IsSupportedScope reports whether scope is part of the vocabulary.
func IsSupportedScope(scope string) bool {
	return slices.Contains(SupportedScopes, scope)
}

// ParseScope splits a space-delimited scope string, dropping duplicates.
func ParseScope(scope string) []string {
	var out []string
	for _, s := range strings.Fields(scope) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// JoinScopes renders scopes as the space-delimited wire format.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IntersectScopes returns the requested scopes that are also allowed,
// preserving the requested order.
func IntersectScopes(requested, allowed []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if slices.Contains(allowed, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// ContainsAll reports whether have includes every scope in want.
func ContainsAll(have, want []string) bool {
	for _, s := range want {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}
