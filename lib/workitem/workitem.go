// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workitem reads and closes externally tracked work items.
//
// The session manager needs two things from the tracker: the details
// of one item at spawn time, and a way to close an item when its
// worker finishes. [Store] captures exactly that. [BeadsStore] shells
// out to the bd CLI; [FileStore] reads a beads JSONL export and is
// used where bd is not installed and in tests.
//
// Every failure to fetch an item, whether the item is missing, the CLI
// is absent, or its output is malformed, is reported as an error
// wrapping [ErrNotFound]. Callers abort the spawn either way.
package workitem

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is wrapped by every Get failure.
var ErrNotFound = errors.New("work item not found")

// DefaultPriority is assigned to records without a priority. It is the
// lowest beads priority (P4).
const DefaultPriority = 4

// Item is the subset of a work item the manager consumes.
type Item struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    int      `json:"priority"`
	Labels      []string `json:"labels"`
	Status      string   `json:"status,omitempty"`
	IssueType   string   `json:"issue_type,omitempty"`
}

// Store is the tracker collaborator.
type Store interface {
	Get(ctx context.Context, id string) (Item, error)
	Close(ctx context.Context, id, reason string) error
}

// entry is one beads record as serialized by bd --json and in JSONL
// exports.
type entry struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    *int     `json:"priority"`
	IssueType   string   `json:"issue_type"`
	Labels      []string `json:"labels"`
	CloseReason string   `json:"close_reason,omitempty"`
	ClosedAt    string   `json:"closed_at,omitempty"`
}

func (e entry) item() Item {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = "Untitled"
	}
	priority := DefaultPriority
	if e.Priority != nil {
		priority = *e.Priority
	}
	return Item{
		ID:          strings.TrimSpace(e.ID),
		Title:       title,
		Description: e.Description,
		Priority:    priority,
		Labels:      e.Labels,
		Status:      e.Status,
		IssueType:   e.IssueType,
	}
}
