// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package role maps work items to agent roles and roles to execution
// policy.
//
// A [Table] is built once at startup and never mutated. Construction
// validates everything: every keyword must point at a known role, the
// default role must exist, and every policy must have a tier, a
// positive timeout, and a positive concurrency ceiling. After that,
// lookups cannot fail for valid input. Asking for a role the table
// does not know is a programming error and panics.
//
// Roles are named "<tier>/<function>", e.g. "worker/dev" or
// "supervisor/cto". [Table.Resolve] picks a role from a work item's
// labels: an explicit "role:<name>" label wins, then the keyword table
// in order (first hit wins), then the default role. A keyword matches a
// whole label or one of its words, where words are separated by "-",
// "_", ":" or "/".
package role

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Name identifies a role.
type Name string

// Built-in roles.
const (
	CEO            Name = "orchestrator/ceo"
	ProductManager Name = "orchestrator/pm"
	CTO            Name = "supervisor/cto"
	ProductOwner   Name = "supervisor/po"
	Researcher     Name = "supervisor/research"
	Developer      Name = "worker/dev"
	Marketer       Name = "worker/marketing"
)

// DefaultRole is used when no label selects a role.
const DefaultRole = Developer

// Tier is the level of authority a role runs with.
type Tier string

const (
	Orchestrator Tier = "orchestrator"
	Supervisor   Tier = "supervisor"
	Worker       Tier = "worker"
)

func (tier Tier) valid() bool {
	return tier == Orchestrator || tier == Supervisor || tier == Worker
}

// Policy is the execution envelope for one role.
type Policy struct {
	Role Name
	Tier Tier

	// Ephemeral roles exist for a single work item and are torn down
	// when it completes.
	Ephemeral bool

	// Timeout is the wall-clock budget from process start.
	Timeout time.Duration

	// MaxConcurrent caps the number of active sessions holding this
	// role, independently of the global ceiling.
	MaxConcurrent int

	// Tools is the allowlist handed to the worker.
	Tools []string

	// RequiresWorktree puts the worker in an isolated working tree
	// instead of the shared checkout.
	RequiresWorktree bool

	Description string

	// Persona is prepended to the task context.
	Persona string
}

// Keyword maps a label keyword to a role.
type Keyword struct {
	Keyword string
	Role    Name
}

// Table is an immutable role lookup table.
type Table struct {
	policies    map[Name]Policy
	keywords    []Keyword
	defaultRole Name
}

// New validates and builds a Table. The maps and slices passed in are
// copied.
func New(policies map[Name]Policy, keywords []Keyword, defaultRole Name) (*Table, error) {
	table := &Table{
		policies:    make(map[Name]Policy, len(policies)),
		defaultRole: defaultRole,
	}
	for name, policy := range policies {
		if err := validate(name, policy); err != nil {
			return nil, err
		}
		policy.Role = name
		policy.Tools = slices.Clone(policy.Tools)
		table.policies[name] = policy
	}
	if _, ok := table.policies[defaultRole]; !ok {
		return nil, fmt.Errorf("default role %q has no policy", defaultRole)
	}
	for _, keyword := range keywords {
		if keyword.Keyword == "" {
			return nil, fmt.Errorf("empty keyword for role %q", keyword.Role)
		}
		if _, ok := table.policies[keyword.Role]; !ok {
			return nil, fmt.Errorf("keyword %q maps to unknown role %q", keyword.Keyword, keyword.Role)
		}
		table.keywords = append(table.keywords, Keyword{
			Keyword: strings.ToLower(keyword.Keyword),
			Role:    keyword.Role,
		})
	}
	return table, nil
}

// MustNew is New for tables defined in code.
func MustNew(policies map[Name]Policy, keywords []Keyword, defaultRole Name) *Table {
	table, err := New(policies, keywords, defaultRole)
	if err != nil {
		panic("role: " + err.Error())
	}
	return table
}

func validate(name Name, policy Policy) error {
	tier, _, ok := strings.Cut(string(name), "/")
	if !ok || tier == "" {
		return fmt.Errorf("role %q is not of the form <tier>/<function>", name)
	}
	if !policy.Tier.valid() {
		return fmt.Errorf("role %q: invalid tier %q", name, policy.Tier)
	}
	if Tier(tier) != policy.Tier {
		return fmt.Errorf("role %q: name prefix does not match tier %q", name, policy.Tier)
	}
	if policy.Timeout <= 0 {
		return fmt.Errorf("role %q: timeout must be positive", name)
	}
	if policy.MaxConcurrent <= 0 {
		return fmt.Errorf("role %q: max_concurrent must be positive", name)
	}
	return nil
}

// explicitPrefix marks a label that names a role directly.
const explicitPrefix = "role:"

// Resolve picks the role for a work item with the given labels.
func (table *Table) Resolve(labels []string) Name {
	normalized := make([]string, 0, len(labels))
	for _, label := range labels {
		label = strings.ToLower(strings.TrimSpace(label))
		if explicit, ok := strings.CutPrefix(label, explicitPrefix); ok {
			if _, known := table.policies[Name(explicit)]; known {
				return Name(explicit)
			}
		}
		normalized = append(normalized, label)
	}
	for _, keyword := range table.keywords {
		for _, label := range normalized {
			if matchesKeyword(label, keyword.Keyword) {
				return keyword.Role
			}
		}
	}
	return table.defaultRole
}

func matchesKeyword(label, keyword string) bool {
	if label == keyword {
		return true
	}
	words := strings.FieldsFunc(label, func(r rune) bool {
		return r == '-' || r == '_' || r == ':' || r == '/'
	})
	return slices.Contains(words, keyword)
}

// PolicyFor returns the policy for name. Panics if the table has no
// such role.
func (table *Table) PolicyFor(name Name) Policy {
	policy, ok := table.policies[name]
	if !ok {
		panic(fmt.Sprintf("role: no policy for role %q", name))
	}
	policy.Tools = slices.Clone(policy.Tools)
	return policy
}

// Has reports whether the table defines name.
func (table *Table) Has(name Name) bool {
	_, ok := table.policies[name]
	return ok
}

// Names returns every role in the table, sorted.
func (table *Table) Names() []Name {
	names := make([]Name, 0, len(table.policies))
	for name := range table.policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
