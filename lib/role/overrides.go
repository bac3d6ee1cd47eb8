// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package role

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/jsonc"
)

// Override adjusts one role's policy. Nil fields keep the built-in
// value.
type Override struct {
	Timeout          *string  `json:"timeout,omitempty"`
	MaxConcurrent    *int     `json:"max_concurrent,omitempty"`
	Tools            []string `json:"tools,omitempty"`
	RequiresWorktree *bool    `json:"requires_worktree,omitempty"`
	Description      *string  `json:"description,omitempty"`
	Persona          *string  `json:"persona,omitempty"`
}

// ParseOverrides decodes a JSONC document mapping role names to
// overrides:
//
//	{
//	  // long-running refactors
//	  "worker/dev": {"timeout": "90m", "max_concurrent": 2},
//	}
//
// Unknown fields are rejected.
func ParseOverrides(data []byte) (map[Name]Override, error) {
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.DisallowUnknownFields()
	var overrides map[Name]Override
	if err := decoder.Decode(&overrides); err != nil {
		return nil, fmt.Errorf("parsing role overrides: %w", err)
	}
	return overrides, nil
}

// LoadOverrides reads and parses a role override file.
func LoadOverrides(path string) (map[Name]Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading role overrides: %w", err)
	}
	return ParseOverrides(data)
}

// WithOverrides returns a new table with overrides applied. Overrides
// for roles the table does not define are rejected, as are values that
// would fail validation.
func (table *Table) WithOverrides(overrides map[Name]Override) (*Table, error) {
	policies := make(map[Name]Policy, len(table.policies))
	for name, policy := range table.policies {
		policies[name] = policy
	}
	for name, override := range overrides {
		policy, ok := policies[name]
		if !ok {
			return nil, fmt.Errorf("override for unknown role %q", name)
		}
		if override.Timeout != nil {
			timeout, err := time.ParseDuration(*override.Timeout)
			if err != nil {
				return nil, fmt.Errorf("role %q: timeout: %w", name, err)
			}
			policy.Timeout = timeout
		}
		if override.MaxConcurrent != nil {
			policy.MaxConcurrent = *override.MaxConcurrent
		}
		if override.Tools != nil {
			policy.Tools = override.Tools
		}
		if override.RequiresWorktree != nil {
			policy.RequiresWorktree = *override.RequiresWorktree
		}
		if override.Description != nil {
			policy.Description = *override.Description
		}
		if override.Persona != nil {
			policy.Persona = *override.Persona
		}
		policies[name] = policy
	}
	return New(policies, table.keywords, table.defaultRole)
}
