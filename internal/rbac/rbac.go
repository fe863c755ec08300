// Package rbac decides which roles may perform which control actions.
package rbac

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

// DefaultRole is assigned to unknown or empty user ids.
const DefaultRole = "observer"

// Built-in roles.
const (
	RoleObserver = "observer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

func defaultMatrix() map[string]map[string]bool {
	set := func(roles ...string) map[string]bool {
		m := make(map[string]bool, len(roles))
		for _, r := range roles {
			m[r] = true
		}
		return m
	}
	return map[string]map[string]bool{
		"status":  set(RoleObserver, RoleOperator, RoleAdmin),
		"pause":   set(RoleOperator, RoleAdmin),
		"resume":  set(RoleOperator, RoleAdmin),
		"mode":    set(RoleAdmin),
		"order":   set(RoleOperator, RoleAdmin),
		"restart": set(RoleAdmin),
		"confirm": set(RoleOperator, RoleAdmin),
		"reject":  set(RoleOperator, RoleAdmin),
		"alert":   set(RoleOperator, RoleAdmin),
	}
}

// Policy maps actions to permitted roles and users to roles.
// Actions and roles compare case-insensitively.
type Policy struct {
	mu     sync.RWMutex
	matrix map[string]map[string]bool
	users  map[string]string
}

// New creates a Policy with the default action matrix and the given
// user → role assignments.
func New(users map[string]string) *Policy {
	p := &Policy{
		matrix: defaultMatrix(),
		users:  make(map[string]string, len(users)),
	}
	for user, role := range users {
		p.users[user] = strings.ToLower(strings.TrimSpace(role))
	}
	return p
}

// Allow reports whether role may perform action. Unknown actions are denied.
func (p *Policy) Allow(action, role string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	roles, ok := p.matrix[strings.ToLower(action)]
	if !ok {
		return false
	}
	return roles[strings.ToLower(strings.TrimSpace(role))]
}

// Grant permits role to perform action, creating the action if needed.
func (p *Policy) Grant(action, role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	action = strings.ToLower(action)
	if p.matrix[action] == nil {
		p.matrix[action] = make(map[string]bool)
	}
	p.matrix[action][strings.ToLower(role)] = true
}

// RoleOf returns the role assigned to user, or DefaultRole.
func (p *Policy) RoleOf(user string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if role, ok := p.users[user]; ok && role != "" {
		return role
	}
	return DefaultRole
}

// Resolve returns the role to check for a command requested by user that
// claims role claimed. With user assignments configured, the assignment wins
// and the claim is ignored; without any, the claim is used, or DefaultRole
// when empty.
func (p *Policy) Resolve(user, claimed string) string {
	p.mu.RLock()
	configured := len(p.users) > 0
	p.mu.RUnlock()
	if configured {
		return p.RoleOf(user)
	}
	if claimed = strings.ToLower(strings.TrimSpace(claimed)); claimed != "" {
		return claimed
	}
	return DefaultRole
}

// Actions lists known actions in sorted order.
func (p *Policy) Actions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.matrix))
}
