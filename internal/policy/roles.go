package policy

import (
	"fmt"
	"strings"
)

// Role is one of the closed set of business roles known to the approval
// engine. Free-text roles are rejected at configuration time so that a typo
// in a chain or guard cannot silently disable a control.
type Role string

const (
	RoleAdmin            Role = "admin"
	RoleGeneralManager   Role = "general_manager"
	RoleFinanceManager   Role = "finance_manager"
	RoleWarehouseManager Role = "warehouse_manager"
	RolePurchaser        Role = "purchaser"
	RoleSalesperson      Role = "salesperson"
	RoleAuditor          Role = "auditor"
	RoleWorker           Role = "worker"
)

// SystemActor is the actor recorded on scheduler-driven transitions.
const SystemActor = "system"

var knownRoles = map[Role]struct{}{
	RoleAdmin:            {},
	RoleGeneralManager:   {},
	RoleFinanceManager:   {},
	RoleWarehouseManager: {},
	RolePurchaser:        {},
	RoleSalesperson:      {},
	RoleAuditor:          {},
	RoleWorker:           {},
}

// ParseRole validates a role string against the closed enumeration.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// RoleSet is an explicit set of roles. The zero value is the empty set.
type RoleSet []Role

// ParseRoleSet validates every element; duplicates are collapsed.
func ParseRoleSet(values []string) (RoleSet, error) {
	seen := make(map[Role]struct{}, len(values))
	var set RoleSet
	for _, v := range values {
		r, err := ParseRole(v)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		set = append(set, r)
	}
	return set, nil
}

// Contains reports set membership.
func (s RoleSet) Contains(r Role) bool {
	for _, have := range s {
		if have == r {
			return true
		}
	}
	return false
}

// ContainsAny reports whether any of the given roles is in the set.
func (s RoleSet) ContainsAny(roles []Role) bool {
	for _, r := range roles {
		if s.Contains(r) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the set has no members.
func (s RoleSet) IsEmpty() bool { return len(s) == 0 }

// Strings returns the set as plain strings for persistence.
func (s RoleSet) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = string(r)
	}
	return out
}
