// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/template"

	"github.com/bureau-foundation/shepherd/lib/role"
	"github.com/bureau-foundation/shepherd/lib/workitem"
)

const noLearnings = "No previous learnings recorded."

var contextTemplate = template.Must(template.New("context").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`{{with .Policy.Persona}}{{.}}

{{end}}# Task Assignment

You are a {{.Policy.Role}} agent ({{.Policy.Tier}} tier) assigned to work item {{.Item.ID}}.

**Title:** {{.Item.Title}}
**Priority:** P{{.Item.Priority}}
**Labels:** {{if .Item.Labels}}{{join .Item.Labels ", "}}{{else}}none{{end}}
**Allowed tools:** {{if .Policy.Tools}}{{join .Policy.Tools ", "}}{{else}}none{{end}}

## Description

{{if .Item.Description}}{{.Item.Description}}{{else}}No description provided.{{end}}

## Previous Learnings

{{.Learnings}}

## Definition of Done

- The work described above is complete and verified.
- Tests covering the change pass.
- Anything the next agent should know is appended to the learnings file{{with .LearningsPath}} ({{.}}){{end}}.

## Instructions

1. Claim the item: bd update {{.Item.ID}} --status in_progress
2. Read the code you are about to change before changing it.
3. Make the change in small, reviewable steps.
4. Run the tests and fix what you broke.
5. Record what you learned.
6. Close the item: bd close {{.Item.ID}} --reason "<one-line summary>"

## Important

- Work only on {{.Item.ID}}. File new work items for anything else you find.
- If you are blocked, say why in the work item and exit without closing it.
- Exit when you are done; your session ends when your process does.
`))

type contextData struct {
	Item          workitem.Item
	Policy        role.Policy
	Learnings     string
	LearningsPath string
}

// renderContext builds the task briefing handed to a worker.
func renderContext(item workitem.Item, policy role.Policy, learnings, learningsPath string) ([]byte, error) {
	if strings.TrimSpace(learnings) == "" {
		learnings = noLearnings
	}
	var buffer bytes.Buffer
	err := contextTemplate.Execute(&buffer, contextData{
		Item:          item,
		Policy:        policy,
		Learnings:     learnings,
		LearningsPath: learningsPath,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering task context: %w", err)
	}
	return buffer.Bytes(), nil
}

// tailLines returns the last n lines of the file at path. A missing
// file yields "".
func tailLines(path string, n int) (string, error) {
	if path == "" || n <= 0 {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("reading learnings: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
