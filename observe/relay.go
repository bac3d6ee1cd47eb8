// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package observe

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bureau-foundation/shepherd/lib/clock"
	"github.com/bureau-foundation/shepherd/lib/statefile"
)

// Relay errors.
var (
	// ErrNoSession means no terminal session exists for the work item.
	ErrNoSession = errors.New("no terminal session")

	// ErrInactive means the terminal session has ended.
	ErrInactive = errors.New("terminal session is not active")

	// ErrClosed means the relay has been closed.
	ErrClosed = errors.New("relay closed")
)

// readChunkSize is the most the reader takes from the master per read.
const readChunkSize = 4096

// descriptorRefreshInterval bounds how often output rewrites the live
// descriptor.
const descriptorRefreshInterval = time.Second

// Config configures a [Relay].
type Config struct {
	// Directory holds terminal logs (<id>.log, <id>.log.zst) and live
	// descriptors (<id>.json).
	Directory string

	Platform Platform
	Clock    clock.Clock
	Logger   *slog.Logger

	// MaxBufferBytes and RetainBufferBytes bound each session's
	// in-memory output. Zero selects the defaults.
	MaxBufferBytes    int
	RetainBufferBytes int

	// Rows and Cols are the initial terminal size. Zero selects 40x120.
	Rows uint16
	Cols uint16

	// ReadBackoff is the reader's sleep when the master has no data.
	// Zero selects 10ms.
	ReadBackoff time.Duration

	// KillGrace is the wait between SIGTERM and SIGKILL on Terminate.
	// Zero selects one second.
	KillGrace time.Duration
}

// Subscriber receives messages for the terminal sessions it subscribes
// to. Send is called from the relay's event loop and must not block: a
// subscriber that cannot take a message returns false, and the relay
// drops it from every session.
type Subscriber interface {
	ID() string
	Send(message Message) bool
}

// Relay runs worker processes on pseudo-terminals and streams their
// output to subscribers.
//
// Each terminal session has a reader goroutine that drains the PTY
// master into the session's [OutputBuffer] and its log file. Delivery
// to subscribers runs on a single event loop: readers schedule work
// onto it and never touch a subscriber directly.
type Relay struct {
	directory   string
	platform    Platform
	clock       clock.Clock
	logger      *slog.Logger
	maxBuffer   int
	retain      int
	rows        uint16
	cols        uint16
	readBackoff time.Duration
	killGrace   time.Duration

	loop *eventLoop

	mutex    sync.Mutex
	sessions map[string]*TerminalSession
	closed   bool

	// logGuards serializes opening a work item's log with archiving it.
	logGuards keyedMutex

	outputHook atomic.Pointer[func(workItemID string, data []byte)]
}

// NewRelay creates a relay and starts its event loop. Call Close to
// stop it.
func NewRelay(config Config) (*Relay, error) {
	if config.Directory == "" {
		return nil, errors.New("relay directory is required")
	}
	if config.Platform == nil {
		return nil, errors.New("relay platform is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.MaxBufferBytes == 0 {
		config.MaxBufferBytes = DefaultMaxBufferBytes
	}
	if config.RetainBufferBytes == 0 {
		config.RetainBufferBytes = min(DefaultRetainBufferBytes, config.MaxBufferBytes)
	}
	if config.RetainBufferBytes <= 0 || config.RetainBufferBytes > config.MaxBufferBytes {
		return nil, fmt.Errorf("retain size %d must be in (0, %d]", config.RetainBufferBytes, config.MaxBufferBytes)
	}
	if config.Rows == 0 {
		config.Rows = 40
	}
	if config.Cols == 0 {
		config.Cols = 120
	}
	if config.ReadBackoff <= 0 {
		config.ReadBackoff = 10 * time.Millisecond
	}
	if config.KillGrace <= 0 {
		config.KillGrace = time.Second
	}
	if err := os.MkdirAll(config.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating terminal directory: %w", err)
	}

	return &Relay{
		directory:   config.Directory,
		platform:    config.Platform,
		clock:       config.Clock,
		logger:      config.Logger,
		maxBuffer:   config.MaxBufferBytes,
		retain:      config.RetainBufferBytes,
		rows:        config.Rows,
		cols:        config.Cols,
		readBackoff: config.ReadBackoff,
		killGrace:   config.KillGrace,
		loop:        newEventLoop(),
		sessions:    make(map[string]*TerminalSession),
		logGuards:   keyedMutex{held: make(map[string]*keyedEntry)},
	}, nil
}

// SetOutputHook registers a function called from reader goroutines
// with every chunk of output. Pass nil to remove it. The hook must not
// block and must not retain data.
func (relay *Relay) SetOutputHook(hook func(workItemID string, data []byte)) {
	if hook == nil {
		relay.outputHook.Store(nil)
		return
	}
	relay.outputHook.Store(&hook)
}

// CreateSession starts command on a new pseudo-terminal for
// workItemID. Any existing terminal session for the same work item is
// terminated first. The worker inherits the daemon's environment plus
// extraEnv ("KEY=value") and the SHEPHERD_WORK_ITEM_ID, SHEPHERD_TERMINAL,
// TERM, and COLORTERM variables.
func (relay *Relay) CreateSession(workItemID string, command []string, cwd string, extraEnv ...string) (*TerminalSession, error) {
	if err := validateWorkItemID(workItemID); err != nil {
		return nil, err
	}
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}

	if existing := relay.lookup(workItemID); existing != nil {
		relay.logger.Info("replacing terminal session",
			"work_item_id", workItemID,
			"pid", existing.Pid(),
		)
		existing.Terminate()
	}

	unlock := relay.logGuards.lock(workItemID)
	defer unlock()
	logFile, err := os.OpenFile(relay.logPath(workItemID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening terminal log: %w", err)
	}

	env := append(os.Environ(), extraEnv...)
	env = append(env,
		"SHEPHERD_WORK_ITEM_ID="+workItemID,
		"SHEPHERD_TERMINAL=1",
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	child, err := relay.platform.Spawn(SpawnOptions{
		Command: command,
		Dir:     cwd,
		Env:     env,
		Rows:    relay.rows,
		Cols:    relay.cols,
	})
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("spawning %s: %w", command[0], err)
	}

	now := relay.clock.Now()
	session := &TerminalSession{
		relay:        relay,
		workItemID:   workItemID,
		command:      slices.Clone(command),
		cwd:          cwd,
		createdAt:    now,
		child:        child,
		buffer:       NewOutputBuffer(relay.maxBuffer, relay.retain),
		log:          logFile,
		active:       true,
		lastActivity: now,
		subscribers:  make(map[string]*subscription),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	relay.mutex.Lock()
	if relay.closed {
		relay.mutex.Unlock()
		child.Signal(syscall.SIGKILL)
		go func() {
			<-child.Exited()
			child.Close()
		}()
		logFile.Close()
		return nil, ErrClosed
	}
	relay.sessions[workItemID] = session
	relay.mutex.Unlock()

	session.writeDescriptor()
	go session.read()

	relay.logger.Info("terminal session started",
		"work_item_id", workItemID,
		"pid", child.Pid(),
		"command", strings.Join(command, " "),
		"cwd", cwd,
	)
	return session, nil
}

// Session returns the live terminal session for workItemID, or nil.
func (relay *Relay) Session(workItemID string) *TerminalSession {
	return relay.lookup(workItemID)
}

func (relay *Relay) lookup(workItemID string) *TerminalSession {
	relay.mutex.Lock()
	defer relay.mutex.Unlock()
	return relay.sessions[workItemID]
}

// WriteInput forwards data to the terminal. Returns false if there is
// no active session or the write fails.
func (relay *Relay) WriteInput(workItemID string, data []byte) bool {
	session := relay.lookup(workItemID)
	if session == nil || !session.isActive() {
		return false
	}
	if _, err := session.child.Write(data); err != nil {
		relay.logger.Warn("terminal input failed", "work_item_id", workItemID, "error", err)
		return false
	}
	return true
}

// Resize sets the terminal window size.
func (relay *Relay) Resize(workItemID string, rows, cols uint16) bool {
	session := relay.lookup(workItemID)
	if session == nil || !session.isActive() {
		return false
	}
	if err := session.child.Resize(rows, cols); err != nil {
		relay.logger.Warn("terminal resize failed", "work_item_id", workItemID, "error", err)
		return false
	}
	return true
}

// SendSignal delivers sig to the terminal's process group.
func (relay *Relay) SendSignal(workItemID string, sig syscall.Signal) bool {
	session := relay.lookup(workItemID)
	if session == nil || !session.isActive() {
		return false
	}
	return session.Signal(sig) == nil
}

// Terminate stops the terminal session for workItemID: SIGTERM, then
// SIGKILL after the grace period if the process is still alive. It
// returns once the session has been cleaned up, or false if there was
// no session.
func (relay *Relay) Terminate(workItemID string) bool {
	session := relay.lookup(workItemID)
	if session == nil {
		return false
	}
	session.Terminate()
	return true
}

// GetBuffer returns the recent output of workItemID: the in-memory
// buffer while the session is live, otherwise the tail of its log
// (bounded to the retained size). Returns [ErrNoSession] if neither
// exists.
func (relay *Relay) GetBuffer(workItemID string) ([]byte, error) {
	if err := validateWorkItemID(workItemID); err != nil {
		return nil, err
	}
	if session := relay.lookup(workItemID); session != nil {
		snapshot, _ := session.buffer.Snapshot()
		return snapshot, nil
	}
	return relay.readHistory(workItemID)
}

// Subscribe attaches subscriber to workItemID. The subscriber receives
// a "buffer" message with everything currently buffered, then
// "subscribed", then an "output" message for every later chunk, and
// finally exactly one "terminated" when the session ends.
func (relay *Relay) Subscribe(workItemID string, subscriber Subscriber) error {
	session := relay.lookup(workItemID)
	if session == nil {
		return ErrNoSession
	}

	var result error
	if !relay.loop.call(func() {
		if !session.isActive() {
			result = ErrInactive
			return
		}
		if _, already := session.subscribers[subscriber.ID()]; already {
			session.removeSubscriber(subscriber.ID())
		}
		snapshot, offset := session.buffer.Watch()
		session.subscribers[subscriber.ID()] = &subscription{subscriber: subscriber, from: offset}
		session.setSubscriberCount(len(session.subscribers))

		sent := subscriber.Send(Message{
			Type:       MessageBuffer,
			WorkItemID: workItemID,
			Data:       string(snapshot),
			Timestamp:  relay.clock.Now(),
		}) && subscriber.Send(Message{
			Type:       MessageSubscribed,
			WorkItemID: workItemID,
		})
		if !sent {
			relay.dropSubscriber(subscriber)
		}
	}) {
		return ErrClosed
	}
	if result == nil {
		session.writeDescriptor()
	}
	return result
}

// Unsubscribe detaches subscriber from workItemID. Returns false if it
// was not subscribed.
func (relay *Relay) Unsubscribe(workItemID string, subscriber Subscriber) bool {
	session := relay.lookup(workItemID)
	if session == nil {
		return false
	}
	removed := false
	relay.loop.call(func() {
		removed = session.removeSubscriber(subscriber.ID())
	})
	if removed {
		session.writeDescriptor()
	}
	return removed
}

// isSubscribed reports whether subscriber is attached to session. A
// subscriber that is attached when the session ends receives its
// "terminated" message from cleanup.
func (relay *Relay) isSubscribed(session *TerminalSession, subscriber Subscriber) bool {
	subscribed := false
	relay.loop.call(func() {
		_, subscribed = session.subscribers[subscriber.ID()]
	})
	return subscribed
}

// Detach removes subscriber from every session. Connections call it
// when they close; the sessions keep running.
func (relay *Relay) Detach(subscriber Subscriber) {
	relay.loop.call(func() {
		relay.dropSubscriber(subscriber)
	})
}

// dropSubscriber runs on the event loop.
func (relay *Relay) dropSubscriber(subscriber Subscriber) {
	relay.mutex.Lock()
	sessions := make([]*TerminalSession, 0, len(relay.sessions))
	for _, session := range relay.sessions {
		sessions = append(sessions, session)
	}
	relay.mutex.Unlock()

	for _, session := range sessions {
		session.removeSubscriber(subscriber.ID())
	}
}

// List returns descriptors of every live terminal session, sorted by
// work item.
func (relay *Relay) List() []Descriptor {
	relay.mutex.Lock()
	sessions := make([]*TerminalSession, 0, len(relay.sessions))
	for _, session := range relay.sessions {
		sessions = append(sessions, session)
	}
	relay.mutex.Unlock()

	descriptors := make([]Descriptor, 0, len(sessions))
	for _, session := range sessions {
		descriptors = append(descriptors, session.Descriptor())
	}
	slices.SortFunc(descriptors, func(a, b Descriptor) int {
		return strings.Compare(a.WorkItemID, b.WorkItemID)
	})
	return descriptors
}

// Close terminates every terminal session and stops the event loop.
func (relay *Relay) Close() {
	relay.mutex.Lock()
	if relay.closed {
		relay.mutex.Unlock()
		return
	}
	relay.closed = true
	sessions := make([]*TerminalSession, 0, len(relay.sessions))
	for _, session := range relay.sessions {
		sessions = append(sessions, session)
	}
	relay.mutex.Unlock()

	var wait sync.WaitGroup
	for _, session := range sessions {
		wait.Go(session.Terminate)
	}
	wait.Wait()
	relay.loop.close()
}

func (relay *Relay) logPath(workItemID string) string {
	return filepath.Join(relay.directory, workItemID+".log")
}

func (relay *Relay) archivePath(workItemID string) string {
	return filepath.Join(relay.directory, workItemID+".log.zst")
}

func (relay *Relay) descriptorPath(workItemID string) string {
	return filepath.Join(relay.directory, workItemID+".json")
}

// validateWorkItemID rejects identifiers that would escape the
// terminal directory.
func validateWorkItemID(workItemID string) error {
	if workItemID == "" {
		return errors.New("work item id is required")
	}
	if strings.ContainsAny(workItemID, `/\`) || workItemID == "." || workItemID == ".." || strings.HasPrefix(workItemID, ".") {
		return fmt.Errorf("invalid work item id %q", workItemID)
	}
	return nil
}

// Descriptor is the live terminal descriptor written to <id>.json
// while a terminal session runs.
type Descriptor struct {
	WorkItemID      string    `json:"work_item_id"`
	Pid             int       `json:"pid"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	Command         []string  `json:"command"`
	Cwd             string    `json:"cwd"`
	SubscriberCount int       `json:"subscriber_count"`
	BufferSize      int       `json:"buffer_size"`
	Active          bool      `json:"active"`
}

type subscription struct {
	subscriber Subscriber

	// from is the buffer offset the subscriber's snapshot ended at.
	// Output before it was already delivered in the snapshot.
	from uint64
}

// TerminalSession is one worker process on a pseudo-terminal.
type TerminalSession struct {
	relay      *Relay
	workItemID string
	command    []string
	cwd        string
	createdAt  time.Time
	child      Child
	buffer     *OutputBuffer

	// log is written only by the reader goroutine.
	log *os.File

	// mutex guards the fields below. Descriptor writes happen under it
	// so a write racing cleanup cannot recreate a removed descriptor.
	mutex               sync.Mutex
	active              bool
	lastActivity        time.Time
	lastDescriptorWrite time.Time
	subscriberCount     int

	// subscribers is owned by the relay's event loop.
	subscribers map[string]*subscription

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// WorkItemID returns the work item the session belongs to.
func (session *TerminalSession) WorkItemID() string { return session.workItemID }

// Pid returns the worker's process id.
func (session *TerminalSession) Pid() int { return session.child.Pid() }

// Done is closed once the session has been cleaned up.
func (session *TerminalSession) Done() <-chan struct{} { return session.done }

// Exited is closed once the worker process has been reaped.
func (session *TerminalSession) Exited() <-chan struct{} { return session.child.Exited() }

// Alive reports whether the worker process is still running.
func (session *TerminalSession) Alive() bool {
	select {
	case <-session.child.Exited():
		return false
	default:
		return true
	}
}

// Signal delivers sig to the worker's process group. A worker that has
// already exited is not an error.
func (session *TerminalSession) Signal(sig syscall.Signal) error {
	if err := session.child.Signal(sig); err != nil && !errors.Is(err, ErrExited) {
		return err
	}
	return nil
}

// Terminate sends SIGTERM, escalates to SIGKILL after the relay's
// grace period, and waits for cleanup. Safe to call more than once.
func (session *TerminalSession) Terminate() {
	relay := session.relay
	if session.Alive() {
		if err := session.Signal(syscall.SIGTERM); err != nil {
			relay.logger.Warn("SIGTERM failed", "work_item_id", session.workItemID, "error", err)
		}
		select {
		case <-session.child.Exited():
		case <-relay.clock.After(relay.killGrace):
			relay.logger.Info("worker ignored SIGTERM, sending SIGKILL",
				"work_item_id", session.workItemID,
				"pid", session.Pid(),
			)
			if err := session.Signal(syscall.SIGKILL); err != nil {
				relay.logger.Warn("SIGKILL failed", "work_item_id", session.workItemID, "error", err)
			}
		}
	}
	session.stopOnce.Do(func() { close(session.stop) })
	<-session.done
}

// Descriptor returns the session's current live descriptor.
func (session *TerminalSession) Descriptor() Descriptor {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.descriptorLocked()
}

func (session *TerminalSession) descriptorLocked() Descriptor {
	return Descriptor{
		WorkItemID:      session.workItemID,
		Pid:             session.child.Pid(),
		CreatedAt:       session.createdAt,
		LastActivity:    session.lastActivity,
		Command:         slices.Clone(session.command),
		Cwd:             session.cwd,
		SubscriberCount: session.subscriberCount,
		BufferSize:      session.buffer.Len(),
		Active:          session.active,
	}
}

func (session *TerminalSession) isActive() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.active
}

func (session *TerminalSession) setSubscriberCount(count int) {
	session.mutex.Lock()
	session.subscriberCount = count
	session.mutex.Unlock()
}

// writeDescriptor persists the live descriptor. No-op once the session
// has ended.
func (session *TerminalSession) writeDescriptor() {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	if !session.active {
		return
	}
	session.lastDescriptorWrite = session.relay.clock.Now()
	path := session.relay.descriptorPath(session.workItemID)
	if err := statefile.Write(path, session.descriptorLocked()); err != nil {
		session.relay.logger.Warn("writing terminal descriptor failed",
			"work_item_id", session.workItemID,
			"error", err,
		)
	}
}

// removeSubscriber runs on the event loop.
func (session *TerminalSession) removeSubscriber(id string) bool {
	if _, ok := session.subscribers[id]; !ok {
		return false
	}
	delete(session.subscribers, id)
	session.buffer.Unwatch()
	session.setSubscriberCount(len(session.subscribers))
	return true
}

func (session *TerminalSession) read() {
	relay := session.relay
	defer session.cleanup()

	chunk := make([]byte, readChunkSize)
	for {
		select {
		case <-session.stop:
			return
		default:
		}

		count, err := session.child.Read(chunk)
		if count > 0 {
			session.handleOutput(slices.Clone(chunk[:count]))
		}
		switch {
		case err == nil:
		case errors.Is(err, ErrNoData):
			select {
			case <-session.stop:
				return
			case <-relay.clock.After(relay.readBackoff):
			}
		case errors.Is(err, ErrExited):
			return
		default:
			relay.logger.Error("terminal read failed",
				"work_item_id", session.workItemID,
				"error", err,
			)
			return
		}
	}
}

func (session *TerminalSession) handleOutput(data []byte) {
	relay := session.relay

	start, watched := session.buffer.Write(data)
	if _, err := session.log.Write(data); err != nil {
		relay.logger.Warn("terminal log write failed",
			"work_item_id", session.workItemID,
			"error", err,
		)
	}

	now := relay.clock.Now()
	session.mutex.Lock()
	session.lastActivity = now
	refresh := now.Sub(session.lastDescriptorWrite) >= descriptorRefreshInterval
	session.mutex.Unlock()

	if hook := relay.outputHook.Load(); hook != nil {
		(*hook)(session.workItemID, data)
	}
	if watched {
		relay.loop.schedule(func() { session.deliver(data, start, now) })
	}
	if refresh {
		session.writeDescriptor()
	}
}

// deliver runs on the event loop.
func (session *TerminalSession) deliver(data []byte, start uint64, timestamp time.Time) {
	for id, entry := range session.subscribers {
		part := splice(data, start, entry.from)
		if len(part) == 0 {
			continue
		}
		sent := entry.subscriber.Send(Message{
			Type:       MessageOutput,
			WorkItemID: session.workItemID,
			Data:       string(part),
			Timestamp:  timestamp,
		})
		if !sent {
			session.relay.logger.Info("dropping slow subscriber",
				"work_item_id", session.workItemID,
				"subscriber", id,
			)
			session.relay.dropSubscriber(entry.subscriber)
		}
	}
}

// cleanup runs once, when the reader goroutine exits.
func (session *TerminalSession) cleanup() {
	relay := session.relay

	session.mutex.Lock()
	session.active = false
	if err := statefile.Remove(relay.descriptorPath(session.workItemID)); err != nil {
		relay.logger.Warn("removing terminal descriptor failed",
			"work_item_id", session.workItemID,
			"error", err,
		)
	}
	session.mutex.Unlock()

	relay.mutex.Lock()
	if relay.sessions[session.workItemID] == session {
		delete(relay.sessions, session.workItemID)
	}
	relay.mutex.Unlock()

	if err := session.child.Close(); err != nil {
		relay.logger.Warn("closing PTY failed", "work_item_id", session.workItemID, "error", err)
	}
	if err := session.log.Close(); err != nil {
		relay.logger.Warn("closing terminal log failed", "work_item_id", session.workItemID, "error", err)
	}

	relay.loop.schedule(func() {
		for id, entry := range session.subscribers {
			entry.subscriber.Send(Message{
				Type:       MessageTerminated,
				WorkItemID: session.workItemID,
				Timestamp:  relay.clock.Now(),
			})
			delete(session.subscribers, id)
			session.buffer.Unwatch()
		}
		session.setSubscriberCount(0)
	})

	relay.logger.Info("terminal session ended",
		"work_item_id", session.workItemID,
		"pid", session.child.Pid(),
	)
	close(session.done)
}

// keyedMutex is a set of mutexes keyed by work item id. Entries exist
// only while held or waited on.
type keyedMutex struct {
	mutex sync.Mutex
	held  map[string]*keyedEntry
}

type keyedEntry struct {
	sync.Mutex
	waiters int
}

func (keyed *keyedMutex) lock(key string) (unlock func()) {
	keyed.mutex.Lock()
	entry := keyed.held[key]
	if entry == nil {
		entry = &keyedEntry{}
		keyed.held[key] = entry
	}
	entry.waiters++
	keyed.mutex.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		keyed.mutex.Lock()
		entry.waiters--
		if entry.waiters == 0 {
			delete(keyed.held, key)
		}
		keyed.mutex.Unlock()
	}
}
