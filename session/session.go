// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"slices"
	"time"

	"github.com/bureau-foundation/shepherd/lib/role"
)

// State is a session's position in its lifecycle.
type State string

const (
	// Pending sessions have been accepted against capacity but their
	// work item has not been read yet.
	Pending State = "pending"

	Spawning State = "spawning"
	Running  State = "running"

	// Stuck is diagnostic: the worker is alive but silent. It never
	// fails a session by itself.
	Stuck State = "stuck"

	Completed  State = "completed"
	Failed     State = "failed"
	Terminated State = "terminated"
)

// Active reports whether a session in this state holds a worker slot.
func (state State) Active() bool {
	return state == Spawning || state == Running || state == Stuck
}

// Terminal reports whether the state is final.
func (state State) Terminal() bool {
	return state == Completed || state == Failed || state == Terminated
}

// Config is the policy captured when a session is spawned. It does not
// change for the life of the session.
type Config struct {
	Timeout             time.Duration
	AutoCloseOnComplete bool
	Model               string
	Role                role.Name
	Tools               []string
	RequiresWorktree    bool
}

// Session is a snapshot of one attempt to address a work item. The
// manager hands out copies; mutating one has no effect.
type Session struct {
	WorkItemID  string
	Title       string
	Description string
	Priority    int
	Labels      []string

	State State

	// Pid is zero until the worker has started.
	Pid int

	CreatedAt time.Time

	// StartedAt, EndedAt, and LastActivity are zero until set.
	StartedAt    time.Time
	EndedAt      time.Time
	LastActivity time.Time

	OutputLines int

	// Error explains a session that did not end by completing.
	Error string

	Role    role.Name
	Tier    role.Tier
	Tools   []string
	Persona string

	Config Config
}

// Duration is the worker's run time: from start to end, or to now for
// a session still running. Zero if the worker never started.
func (session Session) Duration(now time.Time) time.Duration {
	if session.StartedAt.IsZero() {
		return 0
	}
	end := session.EndedAt
	if end.IsZero() {
		end = now
	}
	return end.Sub(session.StartedAt)
}

func (session Session) clone() Session {
	session.Labels = slices.Clone(session.Labels)
	session.Tools = slices.Clone(session.Tools)
	session.Config.Tools = slices.Clone(session.Config.Tools)
	return session
}

// Descriptor is the JSON form of a session: the state file on disk and
// the payload of the management interfaces.
type Descriptor struct {
	WorkItemID      string     `json:"work_item_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Priority        int        `json:"priority"`
	Labels          []string   `json:"labels"`
	State           State      `json:"state"`
	Pid             *int       `json:"pid"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	LastActivity    *time.Time `json:"last_activity"`
	OutputLines     int        `json:"output_lines"`
	Error           *string    `json:"error"`
	DurationSeconds *float64   `json:"duration_seconds"`
	Role            string     `json:"role"`
	Tier            string     `json:"tier"`
	Tools           []string   `json:"tools"`
	Persona         string     `json:"persona,omitempty"`

	Config ConfigDescriptor `json:"config"`
}

// ConfigDescriptor is the JSON form of [Config].
type ConfigDescriptor struct {
	TimeoutSeconds      int      `json:"timeout_seconds"`
	AutoCloseOnComplete bool     `json:"auto_close_on_complete"`
	Model               string   `json:"model"`
	Role                string   `json:"role"`
	Tools               []string `json:"tools"`
	RequiresWorktree    bool     `json:"requires_worktree"`
}

// Descriptor converts the snapshot. now is used for the duration of a
// session that has not ended.
func (session Session) Descriptor(now time.Time) Descriptor {
	descriptor := Descriptor{
		WorkItemID:   session.WorkItemID,
		Title:        session.Title,
		Description:  session.Description,
		Priority:     session.Priority,
		Labels:       nonNil(session.Labels),
		State:        session.State,
		CreatedAt:    session.CreatedAt,
		StartedAt:    optionalTime(session.StartedAt),
		EndedAt:      optionalTime(session.EndedAt),
		LastActivity: optionalTime(session.LastActivity),
		OutputLines:  session.OutputLines,
		Role:         string(session.Role),
		Tier:         string(session.Tier),
		Tools:        nonNil(session.Tools),
		Persona:      session.Persona,
		Config: ConfigDescriptor{
			TimeoutSeconds:      int(session.Config.Timeout / time.Second),
			AutoCloseOnComplete: session.Config.AutoCloseOnComplete,
			Model:               session.Config.Model,
			Role:                string(session.Config.Role),
			Tools:               nonNil(session.Config.Tools),
			RequiresWorktree:    session.Config.RequiresWorktree,
		},
	}
	if session.Pid > 0 {
		pid := session.Pid
		descriptor.Pid = &pid
	}
	if session.Error != "" {
		message := session.Error
		descriptor.Error = &message
	}
	if !session.StartedAt.IsZero() {
		seconds := session.Duration(now).Seconds()
		descriptor.DurationSeconds = &seconds
	}
	return descriptor
}

// Session converts a descriptor read back from disk.
func (descriptor Descriptor) Session() Session {
	session := Session{
		WorkItemID:  descriptor.WorkItemID,
		Title:       descriptor.Title,
		Description: descriptor.Description,
		Priority:    descriptor.Priority,
		Labels:      slices.Clone(descriptor.Labels),
		State:       descriptor.State,
		CreatedAt:   descriptor.CreatedAt,
		OutputLines: descriptor.OutputLines,
		Role:        role.Name(descriptor.Role),
		Tier:        role.Tier(descriptor.Tier),
		Tools:       slices.Clone(descriptor.Tools),
		Persona:     descriptor.Persona,
		Config: Config{
			Timeout:             time.Duration(descriptor.Config.TimeoutSeconds) * time.Second,
			AutoCloseOnComplete: descriptor.Config.AutoCloseOnComplete,
			Model:               descriptor.Config.Model,
			Role:                role.Name(descriptor.Config.Role),
			Tools:               slices.Clone(descriptor.Config.Tools),
			RequiresWorktree:    descriptor.Config.RequiresWorktree,
		},
	}
	if descriptor.Pid != nil {
		session.Pid = *descriptor.Pid
	}
	if descriptor.StartedAt != nil {
		session.StartedAt = *descriptor.StartedAt
	}
	if descriptor.EndedAt != nil {
		session.EndedAt = *descriptor.EndedAt
	}
	if descriptor.LastActivity != nil {
		session.LastActivity = *descriptor.LastActivity
	}
	if descriptor.Error != nil {
		session.Error = *descriptor.Error
	}
	return session
}

// Stats summarizes every session the manager knows about.
type Stats struct {
	Total      int `json:"total"`
	Active     int `json:"active"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Terminated int `json:"terminated"`

	// AverageDurationSeconds is the mean run time of completed
	// sessions, zero if there are none.
	AverageDurationSeconds float64 `json:"avg_duration"`
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return slices.Clone(values)
}
