// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/shepherd/lib/codec"
	"github.com/bureau-foundation/shepherd/lib/service"
)

// Socket action names.
const (
	ActionSpawn     = "spawn"
	ActionTerminate = "terminate"
	ActionList      = "list"
	ActionGet       = "get"
	ActionStats     = "stats"
)

// ActionRequest carries the fields of every session action. Unused
// fields are ignored.
type ActionRequest struct {
	WorkItemID string `cbor:"work_item_id,omitempty"`

	// Force makes terminate wait out the kill grace period.
	Force bool `cbor:"force,omitempty"`

	// Active restricts list to active sessions.
	Active bool `cbor:"active,omitempty"`
}

// RegisterActions exposes the manager on the management socket.
func (m *Manager) RegisterActions(server *service.SocketServer) {
	server.Handle(ActionSpawn, m.handleSpawn)
	server.Handle(ActionTerminate, m.handleTerminate)
	server.Handle(ActionList, m.handleList)
	server.Handle(ActionGet, m.handleGet)
	server.Handle(ActionStats, m.handleStats)
}

func decodeActionRequest(raw []byte, needID bool) (ActionRequest, error) {
	var request ActionRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	if needID && request.WorkItemID == "" {
		return request, errors.New("work_item_id is required")
	}
	return request, nil
}

func (m *Manager) handleSpawn(ctx context.Context, raw []byte) (any, error) {
	request, err := decodeActionRequest(raw, true)
	if err != nil {
		return nil, err
	}
	spawned, err := m.Spawn(ctx, request.WorkItemID)
	if err != nil {
		return nil, err
	}
	return spawned.Descriptor(m.clock.Now()), nil
}

func (m *Manager) handleTerminate(_ context.Context, raw []byte) (any, error) {
	request, err := decodeActionRequest(raw, true)
	if err != nil {
		return nil, err
	}
	if err := m.Terminate(request.WorkItemID, request.Force); err != nil {
		return nil, err
	}
	terminated, err := m.Get(request.WorkItemID)
	if err != nil {
		return nil, err
	}
	return terminated.Descriptor(m.clock.Now()), nil
}

func (m *Manager) handleList(_ context.Context, raw []byte) (any, error) {
	request, err := decodeActionRequest(raw, false)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	sessions := m.List(request.Active)
	descriptors := make([]Descriptor, len(sessions))
	for i, listed := range sessions {
		descriptors[i] = listed.Descriptor(now)
	}
	return descriptors, nil
}

func (m *Manager) handleGet(_ context.Context, raw []byte) (any, error) {
	request, err := decodeActionRequest(raw, true)
	if err != nil {
		return nil, err
	}
	found, err := m.Get(request.WorkItemID)
	if err != nil {
		return nil, err
	}
	return found.Descriptor(m.clock.Now()), nil
}

func (m *Manager) handleStats(_ context.Context, _ []byte) (any, error) {
	return m.Stats(), nil
}
