// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for long-running daemons.
	Production Environment = "production"
)

// Config is the master configuration for shepherd.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Sessions SessionsConfig `yaml:"sessions"`
	Terminal TerminalConfig `yaml:"terminal"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	HTTP     HTTPConfig     `yaml:"http"`

	// Per-environment overrides, applied after the base config is
	// loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths    *PathsConfig    `yaml:"paths,omitempty"`
	Sessions *SessionsConfig `yaml:"sessions,omitempty"`
	HTTP     *HTTPConfig     `yaml:"http,omitempty"`
}

// PathsConfig configures directory and file locations.
type PathsConfig struct {
	// Root is the base directory for shepherd data.
	Root string `yaml:"root"`

	// State holds session descriptors and generated context files.
	State string `yaml:"state"`

	// Terminals holds terminal logs and live terminal descriptors.
	Terminals string `yaml:"terminals"`

	// Learnings is the accumulated learnings file whose tail is
	// included in every task context.
	Learnings string `yaml:"learnings"`

	// Worktrees is where per-work-item worktrees live for roles that
	// require one.
	Worktrees string `yaml:"worktrees"`

	// Socket is the management socket path.
	Socket string `yaml:"socket"`

	// RoleOverrides is an optional JSONC file adjusting role policies.
	RoleOverrides string `yaml:"role_overrides"`
}

// SessionsConfig configures the session lifecycle manager.
type SessionsConfig struct {
	// MaxConcurrent is the global ceiling on active sessions.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Heartbeat is the monitor sampling interval.
	Heartbeat string `yaml:"heartbeat"`

	// StuckHeartbeats is how many consecutive heartbeats without new
	// output mark a session stuck.
	StuckHeartbeats int `yaml:"stuck_heartbeats"`

	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace string `yaml:"kill_grace"`

	// AutoCloseOnComplete closes the work item when its worker completes.
	AutoCloseOnComplete *bool `yaml:"auto_close_on_complete,omitempty"`

	// Model is passed to workers through the {model} placeholder.
	Model string `yaml:"model"`

	// LearningsTailLines is how many trailing lines of the learnings
	// file go into each task context.
	LearningsTailLines int `yaml:"learnings_tail_lines"`

	// WorkerCommand is the worker argv. {context_file}, {model}, and
	// {work_item_id} are substituted per session.
	WorkerCommand []string `yaml:"worker_command"`

	// UseTerminal runs workers inside relay-managed PTYs. When false,
	// workers run as plain subprocesses with output drained to the log.
	UseTerminal *bool `yaml:"use_terminal,omitempty"`
}

// TerminalConfig configures the terminal relay.
type TerminalConfig struct {
	// MaxBufferBytes is the hard ceiling of the in-memory output buffer.
	MaxBufferBytes int `yaml:"max_buffer_bytes"`

	// RetainBufferBytes is what remains after trimming.
	RetainBufferBytes int `yaml:"retain_buffer_bytes"`

	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`

	// ReadBackoff is how long the reader sleeps when no data is ready.
	ReadBackoff string `yaml:"read_backoff"`

	// ArchiveAfter is how long a terminal log sits untouched before it
	// is compressed.
	ArchiveAfter string `yaml:"archive_after"`
}

// TrackerConfig selects the work-item store.
type TrackerConfig struct {
	// Kind is "beads" (the bd CLI) or "file" (a JSONL export).
	Kind string `yaml:"kind"`

	// Command is the bd executable.
	Command string `yaml:"command"`

	// Directory is the project checkout bd runs in. Workers that do
	// not need a worktree also start here.
	Directory string `yaml:"directory"`

	// File is the JSONL file for kind "file".
	File string `yaml:"file"`
}

// HTTPConfig configures the management HTTP API and WebSocket relay
// endpoint.
type HTTPConfig struct {
	Listen string `yaml:"listen"`

	// AllowedOrigins lists browser origins accepted on WebSocket
	// upgrade. Empty accepts only same-origin and non-browser clients.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "shepherd")
	enabled := true
	terminal := true

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:      defaultRoot,
			State:     filepath.Join("${SHEPHERD_ROOT}", "state"),
			Terminals: filepath.Join("${SHEPHERD_ROOT}", "terminals"),
			Learnings: filepath.Join("${SHEPHERD_ROOT}", "learnings.md"),
			Worktrees: filepath.Join("${SHEPHERD_ROOT}", "worktrees"),
			Socket:    filepath.Join("${SHEPHERD_ROOT}", "shepherd.sock"),
		},
		Sessions: SessionsConfig{
			MaxConcurrent:       3,
			Heartbeat:           "5s",
			StuckHeartbeats:     12,
			KillGrace:           "1s",
			AutoCloseOnComplete: &enabled,
			Model:               "sonnet",
			LearningsTailLines:  50,
			WorkerCommand: []string{
				"claude", "--model", "{model}", "--print",
				"--input-file", "{context_file}",
			},
			UseTerminal: &terminal,
		},
		Terminal: TerminalConfig{
			MaxBufferBytes:    1 << 20,
			RetainBufferBytes: 512 << 10,
			Rows:              40,
			Cols:              120,
			ReadBackoff:       "10ms",
			ArchiveAfter:      "72h",
		},
		Tracker: TrackerConfig{
			Kind:      "beads",
			Command:   "bd",
			Directory: ".",
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:7681",
		},
	}
}

// Load loads configuration from the SHEPHERD_CONFIG environment
// variable. There is no fallback: if it is unset, Load fails.
func Load() (*Config, error) {
	configPath := os.Getenv("SHEPHERD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SHEPHERD_CONFIG environment variable not set; " +
			"set it to the path of your shepherd.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// Environment variables do not override config values. The only
// expansion performed is ${HOME}, ${SHEPHERD_ROOT}, and ${VAR:-default}
// in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		override(&c.Paths.Root, overrides.Paths.Root)
		override(&c.Paths.State, overrides.Paths.State)
		override(&c.Paths.Terminals, overrides.Paths.Terminals)
		override(&c.Paths.Learnings, overrides.Paths.Learnings)
		override(&c.Paths.Worktrees, overrides.Paths.Worktrees)
		override(&c.Paths.Socket, overrides.Paths.Socket)
		override(&c.Paths.RoleOverrides, overrides.Paths.RoleOverrides)
	}

	if sessions := overrides.Sessions; sessions != nil {
		if sessions.MaxConcurrent != 0 {
			c.Sessions.MaxConcurrent = sessions.MaxConcurrent
		}
		if sessions.StuckHeartbeats != 0 {
			c.Sessions.StuckHeartbeats = sessions.StuckHeartbeats
		}
		override(&c.Sessions.Heartbeat, sessions.Heartbeat)
		override(&c.Sessions.KillGrace, sessions.KillGrace)
		override(&c.Sessions.Model, sessions.Model)
		if sessions.AutoCloseOnComplete != nil {
			c.Sessions.AutoCloseOnComplete = sessions.AutoCloseOnComplete
		}
		if sessions.UseTerminal != nil {
			c.Sessions.UseTerminal = sessions.UseTerminal
		}
		if len(sessions.WorkerCommand) > 0 {
			c.Sessions.WorkerCommand = sessions.WorkerCommand
		}
	}

	if overrides.HTTP != nil {
		override(&c.HTTP.Listen, overrides.HTTP.Listen)
		if overrides.HTTP.AllowedOrigins != nil {
			c.HTTP.AllowedOrigins = overrides.HTTP.AllowedOrigins
		}
	}
}

func override(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"SHEPHERD_ROOT": c.Paths.Root,
		"HOME":          os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["SHEPHERD_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Terminals = expandVars(c.Paths.Terminals, vars)
	c.Paths.Learnings = expandVars(c.Paths.Learnings, vars)
	c.Paths.Worktrees = expandVars(c.Paths.Worktrees, vars)
	c.Paths.Socket = expandVars(c.Paths.Socket, vars)
	c.Paths.RoleOverrides = expandVars(c.Paths.RoleOverrides, vars)
	c.Tracker.Directory = expandVars(c.Tracker.Directory, vars)
	c.Tracker.File = expandVars(c.Tracker.File, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	required := map[string]string{
		"paths.root":      c.Paths.Root,
		"paths.state":     c.Paths.State,
		"paths.terminals": c.Paths.Terminals,
		"paths.worktrees": c.Paths.Worktrees,
		"paths.socket":    c.Paths.Socket,
	}
	for _, name := range slices.Sorted(maps.Keys(required)) {
		if required[name] == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	if c.Sessions.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("sessions.max_concurrent must be positive"))
	}
	if c.Sessions.StuckHeartbeats <= 0 {
		errs = append(errs, errors.New("sessions.stuck_heartbeats must be positive"))
	}
	if len(c.Sessions.WorkerCommand) == 0 {
		errs = append(errs, errors.New("sessions.worker_command is required"))
	}
	errs = appendDurationError(errs, "sessions.heartbeat", c.Sessions.Heartbeat)
	errs = appendDurationError(errs, "sessions.kill_grace", c.Sessions.KillGrace)
	errs = appendDurationError(errs, "terminal.read_backoff", c.Terminal.ReadBackoff)
	errs = appendDurationError(errs, "terminal.archive_after", c.Terminal.ArchiveAfter)

	if c.Terminal.MaxBufferBytes <= 0 {
		errs = append(errs, errors.New("terminal.max_buffer_bytes must be positive"))
	}
	if c.Terminal.RetainBufferBytes <= 0 || c.Terminal.RetainBufferBytes > c.Terminal.MaxBufferBytes {
		errs = append(errs, errors.New("terminal.retain_buffer_bytes must be positive and at most max_buffer_bytes"))
	}
	if c.Terminal.Rows <= 0 || c.Terminal.Cols <= 0 {
		errs = append(errs, errors.New("terminal.rows and terminal.cols must be positive"))
	}

	switch c.Tracker.Kind {
	case "beads":
		if c.Tracker.Command == "" {
			errs = append(errs, errors.New("tracker.command is required for kind beads"))
		}
	case "file":
		if c.Tracker.File == "" {
			errs = append(errs, errors.New("tracker.file is required for kind file"))
		}
	default:
		errs = append(errs, fmt.Errorf("tracker.kind must be one of: [beads file], got %q", c.Tracker.Kind))
	}

	if c.HTTP.Listen == "" {
		errs = append(errs, errors.New("http.listen is required"))
	}

	return errors.Join(errs...)
}

func appendDurationError(errs []error, name, value string) []error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", name, err))
	}
	if duration <= 0 {
		return append(errs, fmt.Errorf("%s must be positive", name))
	}
	return errs
}

// Durations returns the parsed duration fields. Call after Validate.
func (c *Config) Durations() Durations {
	return Durations{
		Heartbeat:    mustDuration(c.Sessions.Heartbeat),
		KillGrace:    mustDuration(c.Sessions.KillGrace),
		ReadBackoff:  mustDuration(c.Terminal.ReadBackoff),
		ArchiveAfter: mustDuration(c.Terminal.ArchiveAfter),
	}
}

// Durations holds the config's duration strings in parsed form.
type Durations struct {
	Heartbeat    time.Duration
	KillGrace    time.Duration
	ReadBackoff  time.Duration
	ArchiveAfter time.Duration
}

func mustDuration(value string) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: duration %q was not validated: %v", value, err))
	}
	return duration
}

// AutoClose reports whether completed work items are closed.
func (c *Config) AutoClose() bool {
	return c.Sessions.AutoCloseOnComplete == nil || *c.Sessions.AutoCloseOnComplete
}

// Terminals reports whether workers run inside relay PTYs.
func (c *Config) Terminals() bool {
	return c.Sessions.UseTerminal == nil || *c.Sessions.UseTerminal
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		c.Paths.Terminals,
		c.Paths.Worktrees,
		filepath.Dir(c.Paths.Socket),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
