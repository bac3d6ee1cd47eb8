// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workitem

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/shepherd/lib/statefile"
)

// FileStore reads work items from a beads JSONL export. Close rewrites
// the file with the item marked closed.
type FileStore struct {
	Path string

	// Now stamps closed_at. Defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
}

// Get scans the file for id. The file is re-read on every call so
// edits made by other tools are picked up.
func (store *FileStore) Get(_ context.Context, id string) (Item, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	records, err := readJSONL(store.Path)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
	}
	for _, record := range records {
		if record.entry.ID == id {
			return record.entry.item(), nil
		}
	}
	return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Close marks id closed and writes the file back atomically. Fields
// the store does not model are preserved.
func (store *FileStore) Close(_ context.Context, id, reason string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	records, err := readJSONL(store.Path)
	if err != nil {
		return fmt.Errorf("closing work item %s: %w", id, err)
	}
	now := time.Now
	if store.Now != nil {
		now = store.Now
	}

	found := false
	var output []byte
	for _, record := range records {
		line := record.raw
		if record.entry.ID == id {
			found = true
			fields := make(map[string]any)
			if err := json.Unmarshal(record.raw, &fields); err != nil {
				return fmt.Errorf("closing work item %s: %w", id, err)
			}
			fields["status"] = "closed"
			fields["close_reason"] = reason
			fields["closed_at"] = now().UTC().Format(time.RFC3339)
			if line, err = json.Marshal(fields); err != nil {
				return fmt.Errorf("closing work item %s: %w", id, err)
			}
		}
		output = append(output, line...)
		output = append(output, '\n')
	}
	if !found {
		return fmt.Errorf("closing work item: %w: %s", ErrNotFound, id)
	}
	return statefile.WriteBytes(store.Path, output)
}

type jsonlRecord struct {
	entry entry
	raw   json.RawMessage
}

func readJSONL(path string) ([]jsonlRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open beads file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)

	// Beads entries can be large (long descriptions, many deps).
	const maxLineSize = 1024 * 1024
	scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)

	var records []jsonlRecord
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var record entry
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		if record.ID == "" {
			return nil, fmt.Errorf("line %d: missing id field", lineNumber)
		}
		records = append(records, jsonlRecord{
			entry: record,
			raw:   append(json.RawMessage(nil), line...),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read beads file: %w", err)
	}
	return records, nil
}
