// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workitem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const defaultCommandTimeout = 10 * time.Second

// BeadsStore talks to a beads tracker through the bd CLI.
type BeadsStore struct {
	// Command is the bd executable. Defaults to "bd".
	Command string

	// Directory is the project checkout bd runs in.
	Directory string

	// Timeout bounds each bd invocation. Defaults to 10s.
	Timeout time.Duration

	Logger *slog.Logger
}

func (store *BeadsStore) run(ctx context.Context, args ...string) ([]byte, error) {
	command := store.Command
	if command == "" {
		command = "bd"
	}
	timeout := store.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = store.Directory
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s %s: %w: %s", command, args[0], err, bytes.TrimSpace(stderr.Bytes()))
		}
		return nil, fmt.Errorf("%s %s: %w", command, args[0], err)
	}
	return output, nil
}

// Get runs "bd show <id> --json".
func (store *BeadsStore) Get(ctx context.Context, id string) (Item, error) {
	output, err := store.run(ctx, "show", id, "--json")
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
	}
	record, err := parseShowOutput(output)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
	}
	item := record.item()
	if item.ID == "" {
		item.ID = id
	}
	return item, nil
}

// Close runs "bd close <id> --reason <reason>".
func (store *BeadsStore) Close(ctx context.Context, id, reason string) error {
	if _, err := store.run(ctx, "close", id, "--reason", reason); err != nil {
		return fmt.Errorf("closing work item %s: %w", id, err)
	}
	if store.Logger != nil {
		store.Logger.Info("work item closed", "work_item_id", id, "reason", reason)
	}
	return nil
}

// parseShowOutput accepts the array bd show normally prints as well as
// a bare object.
func parseShowOutput(data []byte) (entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return entry{}, fmt.Errorf("empty bd output")
	}
	var records []entry
	if err := json.Unmarshal(data, &records); err == nil {
		if len(records) == 0 {
			return entry{}, fmt.Errorf("bd returned no records")
		}
		return records[0], nil
	}
	var record entry
	if err := json.Unmarshal(data, &record); err != nil {
		return entry{}, fmt.Errorf("unexpected bd show output: %w", err)
	}
	return record, nil
}
