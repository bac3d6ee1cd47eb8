// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound request types.
const (
	RequestSubscribe   = "subscribe"
	RequestUnsubscribe = "unsubscribe"
	RequestInput       = "input"
	RequestResize      = "resize"
	RequestSignal      = "signal"
	RequestTerminate   = "terminate"
	RequestList        = "list"
	RequestSpawn       = "spawn"
	RequestHistory     = "history"
	RequestPing        = "ping"
)

// Outbound message types.
const (
	MessageBuffer     = "buffer"
	MessageOutput     = "output"
	MessageSubscribed = "subscribed"
	MessageError      = "error"
	MessageSignalSent = "signal_sent"
	MessageSpawned    = "spawned"
	MessageTerminated = "terminated"
	MessagePong       = "pong"
	MessageHistory    = "history"
	MessageSessions   = "sessions"
)

// Defaults applied to requests that omit a field.
const (
	DefaultResizeRows = 24
	DefaultResizeCols = 80
	DefaultSignal     = "SIGINT"
)

// Request is one inbound message from a subscriber connection. Each
// WebSocket text frame carries exactly one JSON object.
type Request struct {
	Type       string `json:"type"`
	WorkItemID string `json:"work_item_id,omitempty"`

	// Data is raw text for "input".
	Data string `json:"data,omitempty"`

	Rows int `json:"rows,omitempty"`
	Cols int `json:"cols,omitempty"`

	// Signal is a signal name ("SIGINT", "term") or number.
	Signal string `json:"signal,omitempty"`

	// Command and Cwd describe an ad hoc "spawn".
	Command CommandLine `json:"command,omitempty"`
	Cwd     string      `json:"cwd,omitempty"`
}

// CommandLine is an argv. On the wire it is either a JSON array of
// strings or a single string, which runs under "bash -c".
type CommandLine []string

// UnmarshalJSON implements [json.Unmarshaler].
func (command *CommandLine) UnmarshalJSON(data []byte) error {
	var line string
	if err := json.Unmarshal(data, &line); err == nil {
		if line == "" {
			*command = nil
			return nil
		}
		*command = CommandLine{"bash", "-c", line}
		return nil
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return errors.New("command must be a string or an array of strings")
	}
	*command = argv
	return nil
}

// Message is one outbound message to a subscriber connection.
type Message struct {
	Type       string    `json:"type"`
	WorkItemID string    `json:"work_item_id,omitempty"`
	Data       string    `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`

	// Message is the human-readable text of an "error".
	Message string `json:"message,omitempty"`

	Signal string `json:"signal,omitempty"`

	// Session is set on "spawned".
	Session *Descriptor `json:"session,omitempty"`

	// Sessions is set on "sessions".
	Sessions []Descriptor `json:"sessions,omitempty"`
}

// ParseRequest decodes one inbound frame.
func ParseRequest(data []byte) (Request, error) {
	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		return Request{}, fmt.Errorf("invalid message: %w", err)
	}
	if request.Type == "" {
		return Request{}, errors.New("invalid message: missing type")
	}
	return request, nil
}

func errorMessage(workItemID, format string, args ...any) Message {
	return Message{
		Type:       MessageError,
		WorkItemID: workItemID,
		Message:    fmt.Sprintf(format, args...),
	}
}
