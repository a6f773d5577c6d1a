package objects

import (
	"github.com/osyshome/objectd/internal/actor"
	"github.com/osyshome/objectd/internal/types"
)

// Ops gated by the permission checker.
const (
	OpGet  = "get"
	OpSet  = "set"
	OpCall = "call"
	OpEdit = "edit"
)

// Wildcard matches any user or role in a rule list.
const Wildcard = "*"

// Rule is the access decision input for one op on one target. Lists may
// contain the wildcard "*".
type Rule struct {
	AccessUsers []string
	DeniedUsers []string
	AccessRoles []string
	DeniedRoles []string
}

// Policy maps op → Rule for one target.
type Policy map[string]Rule

// PermissionSource resolves the policy for a target key such as "self",
// "properties.temp" or "methods.onChange". The rules live on the
// ordinary object named "_permissions"; its dict-typed properties are
// parsed into policies on demand.
type PermissionSource interface {
	PolicyFor(target string) (Policy, bool)
}

// ParsePolicy converts a decoded dict property value into a Policy.
// Unknown shapes yield an empty policy, never an error: a malformed rule
// must not lock anyone out.
func ParsePolicy(v any) Policy {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	policy := make(Policy, len(m))
	for op, raw := range m {
		rm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		policy[op] = Rule{
			AccessUsers: stringList(rm["access_users"]),
			DeniedUsers: stringList(rm["denied_users"]),
			AccessRoles: stringList(rm["access_roles"]),
			DeniedRoles: stringList(rm["denied_roles"]),
		}
	}
	return policy
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return l
	case string:
		if l == "" {
			return nil
		}
		return []string{l}
	}
	return nil
}

// Check evaluates a rule for a user. Order: denied_users, access_users,
// denied_roles, access_roles. The root role always passes; no ambient
// user (backend-initiated call) always passes. When an allow-list exists
// and nothing matched, access is denied; with no lists at all the
// standard roles fall through to allow.
func (r Rule) Check(u actor.User, ok bool, target, op string) error {
	if !ok || u.Role == actor.RoleRoot {
		return nil
	}
	deny := func() error {
		return &types.PermissionError{User: u.Name, Role: u.Role, Target: target, Op: op}
	}
	if contains(r.DeniedUsers, u.Name) {
		return deny()
	}
	if contains(r.AccessUsers, u.Name) {
		return nil
	}
	if contains(r.DeniedRoles, u.Role) {
		return deny()
	}
	if contains(r.AccessRoles, u.Role) {
		return nil
	}
	if len(r.AccessUsers) > 0 || len(r.AccessRoles) > 0 {
		return deny()
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == Wildcard || e == v {
			return true
		}
	}
	return false
}
