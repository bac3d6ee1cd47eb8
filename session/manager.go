// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/shepherd/lib/clock"
	"github.com/bureau-foundation/shepherd/lib/role"
	"github.com/bureau-foundation/shepherd/lib/statefile"
	"github.com/bureau-foundation/shepherd/lib/workitem"
	"github.com/bureau-foundation/shepherd/observe"
)

// Spawn rejections and lookup failures.
var (
	// ErrAtCapacity means the global ceiling on active sessions is
	// reached.
	ErrAtCapacity = errors.New("session capacity reached")

	// ErrRoleAtCapacity means the ceiling for the work item's role is
	// reached.
	ErrRoleAtCapacity = errors.New("role capacity reached")

	// ErrWorkItemNotFound means the work item could not be read from
	// the tracker. It is [workitem.ErrNotFound], so either can be
	// matched.
	ErrWorkItemNotFound = workitem.ErrNotFound

	// ErrNotFound means the manager has no session for the work item.
	ErrNotFound = errors.New("session not found")

	// ErrClosed means the manager has been closed.
	ErrClosed = errors.New("session manager closed")

	// ErrInvalidWorkItemID means the identifier cannot name a session.
	ErrInvalidWorkItemID = errors.New("invalid work item id")
)

// autoCloseReason is recorded on work items closed after their worker
// completes.
const autoCloseReason = "Session completed automatically"

// Recorded as the error of sessions ended by Terminate.
const (
	terminatedReason = "terminated by request"
	forcedReason     = "terminated by request (forced)"
)

// trackerTimeout bounds tracker calls the manager makes on its own.
const trackerTimeout = 30 * time.Second

// Options configures a [Manager].
type Options struct {
	Store workitem.Store
	Roles *role.Table

	// Relay runs workers on pseudo-terminals. When nil, workers run as
	// plain subprocesses with output appended to TerminalDirectory.
	Relay *observe.Relay

	// StateDirectory holds session descriptors (<id>.json) and task
	// contexts (<id>.context.md).
	StateDirectory string

	// TerminalDirectory receives <id>.log for workers started without
	// a relay.
	TerminalDirectory string

	// LearningsPath is the accumulated learnings file. Its tail goes
	// into every task context.
	LearningsPath      string
	LearningsTailLines int

	// WorktreeDirectory holds per-work-item trees for roles that need
	// one. WorkDirectory is where every other worker starts.
	WorktreeDirectory string
	WorkDirectory     string

	// WorkerCommand is the worker argv with {context_file}, {model},
	// and {work_item_id} placeholders.
	WorkerCommand []string
	Model         string

	MaxConcurrent   int
	Heartbeat       time.Duration
	StuckHeartbeats int
	KillGrace       time.Duration
	AutoClose       bool

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns the lifecycle of every session: spawning workers for
// work items within the concurrency ceilings, monitoring them, and
// terminating them.
//
// The session table is guarded by one mutex held only to look up,
// count, insert, or remove entries. Each session has its own lock for
// its fields, and a transition lock that orders state changes so every
// change is persisted and announced before the next one starts.
type Manager struct {
	store              workitem.Store
	roles              *role.Table
	launcher           launcher
	clock              clock.Clock
	logger             *slog.Logger
	stateDirectory     string
	learningsPath      string
	learningsTailLines int
	worktreeDirectory  string
	workDirectory      string
	workerCommand      []string
	model              string
	maxConcurrent      int
	heartbeat          time.Duration
	stuckHeartbeats    int
	killGrace          time.Duration
	autoClose          bool

	mu       sync.Mutex
	sessions map[string]*entry

	// reserved holds spawns accepted against capacity whose work item
	// is still being read.
	reserved map[string]Session
	closed   bool

	observerMu   sync.Mutex
	observers    []registeredObserver
	nextObserver uint64

	monitors sync.WaitGroup
}

type registeredObserver struct {
	id       uint64
	observer func(Session)
}

// entry is the manager's record of one session.
type entry struct {
	transitionMu sync.Mutex

	mu      sync.Mutex
	session Session
	worker  worker

	// outputBytes counts every byte of worker output; the monitor
	// compares it with lastOutputBytes at each heartbeat.
	outputBytes     uint64
	lastOutputBytes uint64
	quietBeats      int

	stop     chan struct{}
	stopOnce sync.Once
}

func newEntry(session Session) *entry {
	return &entry{session: session, stop: make(chan struct{})}
}

func (e *entry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.clone()
}

func (e *entry) stopMonitor() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// NewManager validates options and returns a manager. Call Recover
// before serving requests to pick up sessions from a previous run.
func NewManager(options Options) (*Manager, error) {
	if options.Store == nil {
		return nil, errors.New("work item store is required")
	}
	if options.Roles == nil {
		return nil, errors.New("role table is required")
	}
	if options.StateDirectory == "" {
		return nil, errors.New("state directory is required")
	}
	if len(options.WorkerCommand) == 0 {
		return nil, errors.New("worker command is required")
	}
	if options.Relay == nil && options.TerminalDirectory == "" {
		return nil, errors.New("terminal directory is required without a relay")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}
	if options.MaxConcurrent <= 0 {
		options.MaxConcurrent = 3
	}
	if options.Heartbeat <= 0 {
		options.Heartbeat = 5 * time.Second
	}
	if options.StuckHeartbeats <= 0 {
		options.StuckHeartbeats = 12
	}
	if options.KillGrace <= 0 {
		options.KillGrace = time.Second
	}
	if options.WorkDirectory == "" {
		options.WorkDirectory = "."
	}
	if err := os.MkdirAll(options.StateDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	m := &Manager{
		store:              options.Store,
		roles:              options.Roles,
		clock:              options.Clock,
		logger:             options.Logger,
		stateDirectory:     options.StateDirectory,
		learningsPath:      options.LearningsPath,
		learningsTailLines: options.LearningsTailLines,
		worktreeDirectory:  options.WorktreeDirectory,
		workDirectory:      options.WorkDirectory,
		workerCommand:      slices.Clone(options.WorkerCommand),
		model:              options.Model,
		maxConcurrent:      options.MaxConcurrent,
		heartbeat:          options.Heartbeat,
		stuckHeartbeats:    options.StuckHeartbeats,
		killGrace:          options.KillGrace,
		autoClose:          options.AutoClose,
		sessions:           make(map[string]*entry),
		reserved:           make(map[string]Session),
	}
	if options.Relay != nil {
		m.launcher = relayLauncher{relay: options.Relay}
		options.Relay.SetOutputHook(m.recordOutput)
	} else {
		m.launcher = directLauncher{
			logDirectory: options.TerminalDirectory,
			onOutput:     m.recordOutput,
			logger:       options.Logger,
		}
	}
	return m, nil
}

// Spawn starts a worker for workItemID and returns the session.
//
// If the work item already has an active session, that session is
// returned unchanged. A spawn that would exceed the global ceiling
// fails with [ErrAtCapacity], one whose work item cannot be read with
// [ErrWorkItemNotFound], and one that would exceed its role's ceiling
// with [ErrRoleAtCapacity]; none of these leave anything behind.
//
// Once accepted, failures to prepare or start the worker are recorded
// on the returned session as state failed with an error message.
func (m *Manager) Spawn(ctx context.Context, workItemID string) (*Session, error) {
	if err := validateWorkItemID(workItemID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if existing := m.sessions[workItemID]; existing != nil {
		if snapshot := existing.snapshot(); snapshot.State.Active() {
			m.mu.Unlock()
			return &snapshot, nil
		}
	}
	if pending, ok := m.reserved[workItemID]; ok {
		m.mu.Unlock()
		return &pending, nil
	}
	if used := m.activeLocked() + len(m.reserved); used >= m.maxConcurrent {
		m.mu.Unlock()
		m.logger.Info("spawn rejected: at capacity",
			"work_item_id", workItemID,
			"active", used,
			"max_concurrent", m.maxConcurrent,
		)
		return nil, ErrAtCapacity
	}
	m.reserved[workItemID] = Session{
		WorkItemID: workItemID,
		State:      Pending,
		CreatedAt:  m.clock.Now(),
	}
	m.mu.Unlock()

	item, err := m.store.Get(ctx, workItemID)
	if err != nil {
		m.unreserve(workItemID)
		m.logger.Info("spawn rejected: work item unavailable", "work_item_id", workItemID, "error", err)
		if !errors.Is(err, ErrWorkItemNotFound) {
			err = fmt.Errorf("%w: %w", ErrWorkItemNotFound, err)
		}
		return nil, err
	}

	roleName := m.roles.Resolve(item.Labels)
	policy := m.roles.PolicyFor(roleName)
	e := newEntry(Session{
		WorkItemID:  workItemID,
		Title:       item.Title,
		Description: item.Description,
		Priority:    item.Priority,
		Labels:      slices.Clone(item.Labels),
		State:       Spawning,
		CreatedAt:   m.clock.Now(),
		Role:        roleName,
		Tier:        policy.Tier,
		Tools:       policy.Tools,
		Persona:     policy.Persona,
		Config: Config{
			Timeout:             policy.Timeout,
			AutoCloseOnComplete: m.autoClose,
			Model:               m.model,
			Role:                roleName,
			Tools:               slices.Clone(policy.Tools),
			RequiresWorktree:    policy.RequiresWorktree,
		},
	})

	// Hold the transition lock across insertion so nothing can move the
	// session on before its spawning state is persisted and announced.
	e.transitionMu.Lock()
	m.mu.Lock()
	delete(m.reserved, workItemID)
	if m.closed {
		m.mu.Unlock()
		e.transitionMu.Unlock()
		return nil, ErrClosed
	}
	if count := m.roleActiveLocked(roleName); count >= policy.MaxConcurrent {
		m.mu.Unlock()
		e.transitionMu.Unlock()
		m.logger.Info("spawn rejected: role at capacity",
			"work_item_id", workItemID,
			"role", roleName,
			"active", count,
			"max_concurrent", policy.MaxConcurrent,
		)
		return nil, ErrRoleAtCapacity
	}
	m.sessions[workItemID] = e
	m.mu.Unlock()

	spawning := e.snapshot()
	m.persist(spawning)
	m.logger.Info("session spawning", "work_item_id", workItemID, "role", roleName, "tier", policy.Tier)
	m.notify(spawning)
	e.transitionMu.Unlock()

	m.start(e, item, policy)
	snapshot := e.snapshot()
	return &snapshot, nil
}

func (m *Manager) unreserve(workItemID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, workItemID)
}

// start prepares the task context and launches the worker.
func (m *Manager) start(e *entry, item workitem.Item, policy role.Policy) {
	workItemID := e.snapshot().WorkItemID
	if item.ID == "" {
		item.ID = workItemID
	}

	learnings, err := tailLines(m.learningsPath, m.learningsTailLines)
	if err != nil {
		m.logger.Warn("learnings unavailable", "work_item_id", workItemID, "error", err)
	}
	briefing, err := renderContext(item, policy, learnings, m.learningsPath)
	if err != nil {
		m.fail(e, err.Error())
		return
	}
	contextPath := filepath.Join(m.stateDirectory, workItemID+".context.md")
	if err := statefile.WriteBytes(contextPath, briefing); err != nil {
		m.fail(e, fmt.Sprintf("writing task context: %v", err))
		return
	}

	directory := m.workDirectory
	if policy.RequiresWorktree {
		directory = filepath.Join(m.worktreeDirectory, workItemID)
		if err := os.MkdirAll(directory, 0o755); err != nil {
			m.fail(e, fmt.Sprintf("creating worktree directory: %v", err))
			return
		}
	}

	spec := launchSpec{
		workItemID: workItemID,
		command:    expandCommand(m.workerCommand, contextPath, m.model, workItemID),
		dir:        directory,
		env: []string{
			"SHEPHERD_WORK_ITEM_ID=" + workItemID,
			"SHEPHERD_ROLE=" + string(policy.Role),
			"SHEPHERD_TIER=" + string(policy.Tier),
			"SHEPHERD_TOOLS=" + strings.Join(policy.Tools, ","),
			"SHEPHERD_CONTEXT_FILE=" + contextPath,
		},
	}
	w, err := m.launcher.launch(spec)
	if err != nil {
		m.fail(e, fmt.Sprintf("starting worker: %v", err))
		return
	}

	now := m.clock.Now()
	_, result := m.transition(e, func(session *Session) change {
		if session.State != Spawning {
			return noChange
		}
		e.worker = w
		session.State = Running
		session.Pid = w.Pid()
		session.StartedAt = now
		session.LastActivity = now
		return stateChange
	})
	if result == noChange {
		// Terminated while the worker was starting.
		m.logger.Info("stopping worker of session ended during spawn", "work_item_id", workItemID, "pid", w.Pid())
		m.stopWorker(workItemID, w, true)
		w.Release()
		return
	}
	m.startMonitor(e)
}

// fail moves an active session to failed.
func (m *Manager) fail(e *entry, message string) {
	now := m.clock.Now()
	m.transition(e, func(session *Session) change {
		if !session.State.Active() {
			return noChange
		}
		session.State = Failed
		session.Error = message
		session.EndedAt = now
		return stateChange
	})
}

// Terminate ends the session for workItemID: SIGTERM to the worker,
// escalating to SIGKILL after the grace period. With force, Terminate
// waits out the grace period itself; otherwise the escalation is
// scheduled. Any terminal session is torn down. The session ends in
// state terminated whether or not the signals reached a process.
//
// Terminating a session that is no longer active succeeds and changes
// nothing. An unknown work item yields [ErrNotFound].
func (m *Manager) Terminate(workItemID string, force bool) error {
	m.mu.Lock()
	e := m.sessions[workItemID]
	m.mu.Unlock()
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	state := e.session.State
	w := e.worker
	e.mu.Unlock()
	if !state.Active() {
		return nil
	}

	m.logger.Info("terminating session", "work_item_id", workItemID, "force", force)
	e.stopMonitor()
	if w != nil {
		m.stopWorker(workItemID, w, force)
		w.Release()
	}

	reason := terminatedReason
	if force {
		reason = forcedReason
	}
	m.transition(e, func(session *Session) change {
		if !session.State.Active() {
			return noChange
		}
		session.State = Terminated
		session.EndedAt = m.clock.Now()
		session.Error = reason
		return stateChange
	})
	return nil
}

// stopWorker sends SIGTERM and arranges SIGKILL for a worker still
// alive after the grace period.
func (m *Manager) stopWorker(workItemID string, w worker, force bool) {
	if err := w.Signal(sigterm); err != nil {
		m.logger.Warn("SIGTERM failed", "work_item_id", workItemID, "pid", w.Pid(), "error", err)
	}

	kill := func() {
		if !w.Alive() {
			return
		}
		m.logger.Info("worker outlived grace period, sending SIGKILL", "work_item_id", workItemID, "pid", w.Pid())
		if err := w.Signal(sigkill); err != nil {
			m.logger.Warn("SIGKILL failed", "work_item_id", workItemID, "pid", w.Pid(), "error", err)
		}
	}

	if !force {
		m.clock.AfterFunc(m.killGrace, kill)
		return
	}
	if exited := w.Exited(); exited != nil {
		select {
		case <-exited:
			return
		case <-m.clock.After(m.killGrace):
		}
	} else {
		m.clock.Sleep(m.killGrace)
	}
	kill()
}

// Get returns the session for workItemID.
func (m *Manager) Get(workItemID string) (*Session, error) {
	m.mu.Lock()
	e := m.sessions[workItemID]
	m.mu.Unlock()
	if e == nil {
		return nil, ErrNotFound
	}
	snapshot := e.snapshot()
	return &snapshot, nil
}

// List returns sessions newest first. With activeOnly, only sessions
// holding a worker slot are included.
func (m *Manager) List(activeOnly bool) []Session {
	m.mu.Lock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		snapshot := e.snapshot()
		if activeOnly && !snapshot.State.Active() {
			continue
		}
		sessions = append(sessions, snapshot)
	}
	m.mu.Unlock()

	slices.SortFunc(sessions, func(a, b Session) int {
		if byTime := b.CreatedAt.Compare(a.CreatedAt); byTime != 0 {
			return byTime
		}
		return cmp.Compare(a.WorkItemID, b.WorkItemID)
	})
	return sessions
}

// Stats summarizes every known session.
func (m *Manager) Stats() Stats {
	var stats Stats
	var completedDuration time.Duration
	now := m.clock.Now()
	for _, session := range m.List(false) {
		stats.Total++
		switch {
		case session.State.Active():
			stats.Active++
		case session.State == Completed:
			stats.Completed++
			completedDuration += session.Duration(now)
		case session.State == Failed:
			stats.Failed++
		case session.State == Terminated:
			stats.Terminated++
		}
	}
	if stats.Completed > 0 {
		stats.AverageDurationSeconds = completedDuration.Seconds() / float64(stats.Completed)
	}
	return stats
}

// OnStatusChange registers observer to be called, synchronously and in
// registration order, with a snapshot after every state change. A
// panicking observer is logged and skipped. Observers must not call
// Spawn or Terminate for the session they are told about; hand that to
// another goroutine. The returned function unregisters the observer.
func (m *Manager) OnStatusChange(observer func(Session)) (unregister func()) {
	m.observerMu.Lock()
	id := m.nextObserver
	m.nextObserver++
	m.observers = append(m.observers, registeredObserver{id: id, observer: observer})
	m.observerMu.Unlock()

	return func() {
		m.observerMu.Lock()
		defer m.observerMu.Unlock()
		m.observers = slices.DeleteFunc(m.observers, func(registered registeredObserver) bool {
			return registered.id == id
		})
	}
}

func (m *Manager) notify(session Session) {
	m.observerMu.Lock()
	observers := slices.Clone(m.observers)
	m.observerMu.Unlock()

	for _, registered := range observers {
		m.callObserver(registered.observer, session.clone())
	}
}

func (m *Manager) callObserver(observer func(Session), session Session) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("status observer panicked",
				"work_item_id", session.WorkItemID,
				"state", session.State,
				"panic", recovered,
			)
		}
	}()
	observer(session)
}

// Close stops every monitor. Workers keep running; a later manager
// picks them up with Recover.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.stopMonitor()
	}
	m.monitors.Wait()
}

// recordOutput counts worker output. It runs on relay reader and
// output drain goroutines.
func (m *Manager) recordOutput(workItemID string, data []byte) {
	m.mu.Lock()
	e := m.sessions[workItemID]
	m.mu.Unlock()
	if e == nil {
		return
	}
	lines := bytes.Count(data, []byte{'\n'})
	e.mu.Lock()
	if e.session.State.Active() {
		e.session.OutputLines += lines
		e.outputBytes += uint64(len(data))
	}
	e.mu.Unlock()
}

func (m *Manager) activeLocked() int {
	count := 0
	for _, e := range m.sessions {
		e.mu.Lock()
		if e.session.State.Active() {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

func (m *Manager) roleActiveLocked(name role.Name) int {
	count := 0
	for _, e := range m.sessions {
		e.mu.Lock()
		if e.session.State.Active() && e.session.Role == name {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

// change says what a transition did.
type change int

const (
	noChange change = iota

	// quietChange updates fields worth persisting without a state
	// change; observers are not told.
	quietChange

	stateChange
)

// transition applies mutate to the session under its locks, then
// persists and announces the result.
func (m *Manager) transition(e *entry, mutate func(*Session) change) (Session, change) {
	e.transitionMu.Lock()
	defer e.transitionMu.Unlock()

	e.mu.Lock()
	previous := e.session.State
	result := mutate(&e.session)
	snapshot := e.session.clone()
	e.mu.Unlock()

	if result == noChange {
		return snapshot, result
	}
	m.persist(snapshot)
	if result == stateChange {
		m.logger.Info("session state changed",
			"work_item_id", snapshot.WorkItemID,
			"from", previous,
			"to", snapshot.State,
		)
		m.notify(snapshot)
	}
	return snapshot, result
}

// expandCommand substitutes the worker command placeholders.
func expandCommand(template []string, contextPath, model, workItemID string) []string {
	replacer := strings.NewReplacer(
		"{context_file}", contextPath,
		"{model}", model,
		"{work_item_id}", workItemID,
	)
	command := make([]string, len(template))
	for i, argument := range template {
		command[i] = replacer.Replace(argument)
	}
	return command
}

// validateWorkItemID rejects identifiers that cannot name files in the
// state directory.
func validateWorkItemID(workItemID string) error {
	if workItemID == "" || strings.ContainsAny(workItemID, `/\`) || strings.HasPrefix(workItemID, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidWorkItemID, workItemID)
	}
	return nil
}

// closeWorkItem closes a completed session's work item in the tracker.
func (m *Manager) closeWorkItem(workItemID string) {
	ctx, cancel := context.WithTimeout(context.Background(), trackerTimeout)
	defer cancel()
	if err := m.store.Close(ctx, workItemID, autoCloseReason); err != nil {
		m.logger.Warn("auto-close failed", "work_item_id", workItemID, "error", err)
		return
	}
	m.logger.Info("work item closed", "work_item_id", workItemID)
}
