// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package role

import "time"

// DefaultPolicies is the built-in policy set.
func DefaultPolicies() map[Name]Policy {
	return map[Name]Policy{
		CEO: {
			Tier:          Orchestrator,
			Timeout:       2 * time.Hour,
			MaxConcurrent: 1,
			Tools:         []string{"bd", "read"},
			Description:   "Strategic planning and prioritization",
			Persona:       "You set direction for a team of agents. Prioritize and plan; do not implement work yourself.",
		},
		ProductManager: {
			Tier:          Orchestrator,
			Timeout:       2 * time.Hour,
			MaxConcurrent: 1,
			Tools:         []string{"bd", "read"},
			Description:   "Delivery planning and work decomposition",
			Persona:       "You plan delivery. Split work into items a single agent can finish and track their progress.",
		},
		CTO: {
			Tier:          Supervisor,
			Ephemeral:     true,
			Timeout:       time.Hour,
			MaxConcurrent: 1,
			Tools:         []string{"github", "read", "sentry"},
			Description:   "Technical architecture and review",
			Persona:       "You own the technical architecture. Produce a concrete design or review; do not write production code.",
		},
		ProductOwner: {
			Tier:          Supervisor,
			Ephemeral:     true,
			Timeout:       time.Hour,
			MaxConcurrent: 1,
			Tools:         []string{"bd", "read"},
			Description:   "Product requirements and acceptance criteria",
			Persona:       "You are the product owner. Write requirements and acceptance criteria a developer can verify.",
		},
		Researcher: {
			Tier:          Supervisor,
			Ephemeral:     true,
			Timeout:       40 * time.Minute,
			MaxConcurrent: 1,
			Tools:         []string{"bd", "read", "webfetch"},
			Description:   "Investigation and evidence gathering",
			Persona:       "You are a researcher. Investigate and report findings with references; do not change code.",
		},
		Developer: {
			Tier:             Worker,
			Ephemeral:        true,
			Timeout:          30 * time.Minute,
			MaxConcurrent:    3,
			Tools:            []string{"bash", "bd", "git", "github", "read", "write"},
			RequiresWorktree: true,
			Description:      "Implementation and code changes",
			Persona:          "You are a software engineer implementing one work item end to end. Reproduce defects before fixing them.",
		},
		Marketer: {
			Tier:          Worker,
			Ephemeral:     true,
			Timeout:       30 * time.Minute,
			MaxConcurrent: 1,
			Tools:         []string{"bd", "read", "write"},
			Description:   "Documentation and content creation",
			Persona:       "You write documentation and copy. Keep it accurate to the product as it is.",
		},
	}
}

// DefaultKeywords is the built-in label keyword table, in match order.
// Keywords for the default role come last.
func DefaultKeywords() []Keyword {
	return []Keyword{
		{Keyword: "requirements", Role: ProductOwner},
		{Keyword: "story", Role: ProductOwner},
		{Keyword: "acceptance", Role: ProductOwner},
		{Keyword: "architecture", Role: CTO},
		{Keyword: "design", Role: CTO},
		{Keyword: "research", Role: Researcher},
		{Keyword: "investigate", Role: Researcher},
		{Keyword: "analysis", Role: Researcher},
		{Keyword: "docs", Role: Marketer},
		{Keyword: "documentation", Role: Marketer},
		{Keyword: "copy", Role: Marketer},
		{Keyword: "feature", Role: Developer},
		{Keyword: "bug", Role: Developer},
		{Keyword: "bugfix", Role: Developer},
		{Keyword: "refactor", Role: Developer},
		{Keyword: "test", Role: Developer},
		{Keyword: "testing", Role: Developer},
	}
}

// Default returns the built-in table.
func Default() *Table {
	return MustNew(DefaultPolicies(), DefaultKeywords(), DefaultRole)
}
