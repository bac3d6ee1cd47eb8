// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/shepherd/lib/clock"
	"github.com/bureau-foundation/shepherd/lib/role"
	"github.com/bureau-foundation/shepherd/lib/statefile"
	"github.com/bureau-foundation/shepherd/lib/testutil"
	"github.com/bureau-foundation/shepherd/lib/workitem"
	"github.com/bureau-foundation/shepherd/observe"
	"github.com/bureau-foundation/shepherd/observe/observetest"
	"github.com/bureau-foundation/shepherd/session"
)

const (
	waitTimeout = 5 * time.Second
	heartbeat   = 5 * time.Second
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeStore is an in-memory tracker. With a gate, Get blocks until the
// gate is closed.
type fakeStore struct {
	mu     sync.Mutex
	items  map[string]workitem.Item
	closed map[string]string

	gate     chan struct{}
	requests chan string
}

func newFakeStore(items ...workitem.Item) *fakeStore {
	store := &fakeStore{
		items:    make(map[string]workitem.Item),
		closed:   make(map[string]string),
		requests: make(chan string, 64),
	}
	for _, item := range items {
		store.items[item.ID] = item
	}
	return store
}

func (s *fakeStore) Get(ctx context.Context, id string) (workitem.Item, error) {
	s.requests <- id
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return workitem.Item{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return workitem.Item{}, fmt.Errorf("%w: %s", workitem.ErrNotFound, id)
	}
	return item, nil
}

func (s *fakeStore) Close(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[id] = reason
	return nil
}

func (s *fakeStore) closeReason(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.closed[id]
	return reason, ok
}

type harness struct {
	manager  *session.Manager
	relay    *observe.Relay
	platform *observetest.Platform
	clock    *clock.FakeClock
	store    *fakeStore
	options  session.Options
	changes  chan session.Session
}

func item(id string, labels ...string) workitem.Item {
	return workitem.Item{
		ID:          id,
		Title:       "Title of " + id,
		Description: "Description of " + id,
		Priority:    1,
		Labels:      labels,
	}
}

func newHarness(t *testing.T, store *fakeStore, adjust ...func(*session.Options)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fake := clock.Fake(epoch)
	platform := observetest.NewPlatform()
	relay, err := observe.NewRelay(observe.Config{
		Directory: filepath.Join(t.TempDir(), "terminals"),
		Platform:  platform,
		Clock:     fake,
		Logger:    logger,
		KillGrace: time.Second,
	})
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	t.Cleanup(relay.Close)

	root := t.TempDir()
	options := session.Options{
		Store:              store,
		Roles:              role.Default(),
		Relay:              relay,
		StateDirectory:     filepath.Join(root, "state"),
		LearningsPath:      filepath.Join(root, "learnings.md"),
		LearningsTailLines: 2,
		WorktreeDirectory:  filepath.Join(root, "worktrees"),
		WorkDirectory:      root,
		WorkerCommand:      []string{"worker", "--context", "{context_file}", "--model", "{model}"},
		Model:              "sonnet",
		MaxConcurrent:      3,
		Heartbeat:          heartbeat,
		StuckHeartbeats:    12,
		KillGrace:          time.Second,
		AutoClose:          true,
		Clock:              fake,
		Logger:             logger,
	}
	for _, apply := range adjust {
		apply(&options)
	}
	manager, err := session.NewManager(options)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Close)

	h := &harness{
		manager:  manager,
		relay:    relay,
		platform: platform,
		clock:    fake,
		store:    store,
		options:  options,
		changes:  make(chan session.Session, 256),
	}
	manager.OnStatusChange(func(changed session.Session) { h.changes <- changed })
	return h
}

func (h *harness) spawn(t *testing.T, workItemID string) (*session.Session, *observetest.Child) {
	t.Helper()
	spawned, err := h.manager.Spawn(context.Background(), workItemID)
	if err != nil {
		t.Fatalf("Spawn(%s): %v", workItemID, err)
	}
	if spawned.State != session.Running {
		t.Fatalf("Spawn(%s) state = %s (%s), want running", workItemID, spawned.State, spawned.Error)
	}
	child := testutil.RequireReceive(t, h.platform.Spawned(), waitTimeout, "worker for %s", workItemID)
	return spawned, child
}

// await reads state changes until workItemID reaches state.
func (h *harness) await(t *testing.T, workItemID string, state session.State) session.Session {
	t.Helper()
	for {
		changed := testutil.RequireReceive(t, h.changes, waitTimeout, "%s reaching %s", workItemID, state)
		if changed.WorkItemID == workItemID && changed.State == state {
			return changed
		}
	}
}

// tick advances one heartbeat once pending waits are armed.
func (h *harness) tick(pending int) {
	h.clock.WaitForTimers(pending)
	h.clock.Advance(heartbeat)
}

func (h *harness) get(t *testing.T, workItemID string) session.Session {
	t.Helper()
	found, err := h.manager.Get(workItemID)
	if err != nil {
		t.Fatalf("Get(%s): %v", workItemID, err)
	}
	return *found
}

func (h *harness) readDescriptor(t *testing.T, workItemID string) session.Descriptor {
	t.Helper()
	var descriptor session.Descriptor
	path := filepath.Join(h.options.StateDirectory, workItemID+".json")
	if err := statefile.Read(path, &descriptor); err != nil {
		t.Fatalf("reading descriptor: %v", err)
	}
	return descriptor
}

func descriptorExists(h *harness, workItemID string) bool {
	_, err := os.Stat(filepath.Join(h.options.StateDirectory, workItemID+".json"))
	return err == nil
}

func TestSpawnStartsWorkerWithRolePolicy(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1", "bug")))
	if err := os.WriteFile(h.options.LearningsPath, []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	spawned, _ := h.spawn(t, "wi-1")
	if spawned.Role != role.Developer || spawned.Tier != role.Worker {
		t.Errorf("role = %s/%s, want %s/%s", spawned.Role, spawned.Tier, role.Developer, role.Worker)
	}
	if spawned.Pid != 1000 {
		t.Errorf("pid = %d, want 1000", spawned.Pid)
	}
	if !spawned.StartedAt.Equal(epoch) || !spawned.LastActivity.Equal(epoch) {
		t.Errorf("started_at = %v, last_activity = %v, want %v", spawned.StartedAt, spawned.LastActivity, epoch)
	}
	if spawned.Config.Timeout != 30*time.Minute || !spawned.Config.RequiresWorktree || spawned.Config.Model != "sonnet" {
		t.Errorf("config = %+v", spawned.Config)
	}
	if !slices.Contains(spawned.Tools, "bash") {
		t.Errorf("tools = %v, want write tools", spawned.Tools)
	}

	options := h.platform.Options()[0]
	contextPath := filepath.Join(h.options.StateDirectory, "wi-1.context.md")
	wantCommand := []string{"worker", "--context", contextPath, "--model", "sonnet"}
	if !slices.Equal(options.Command, wantCommand) {
		t.Errorf("command = %q, want %q", options.Command, wantCommand)
	}
	if want := filepath.Join(h.options.WorktreeDirectory, "wi-1"); options.Dir != want {
		t.Errorf("dir = %q, want %q", options.Dir, want)
	}
	for _, want := range []string{
		"SHEPHERD_WORK_ITEM_ID=wi-1",
		"SHEPHERD_ROLE=worker/dev",
		"SHEPHERD_TIER=worker",
		"SHEPHERD_TOOLS=bash,bd,git,github,read,write",
		"SHEPHERD_CONTEXT_FILE=" + contextPath,
	} {
		if !slices.Contains(options.Env, want) {
			t.Errorf("env is missing %q", want)
		}
	}

	briefing, err := os.ReadFile(contextPath)
	if err != nil {
		t.Fatalf("reading context: %v", err)
	}
	for _, want := range []string{"Title of wi-1", "Description of wi-1", "second\nthird", "bd close wi-1", "Reproduce defects before fixing them"} {
		if !strings.Contains(string(briefing), want) {
			t.Errorf("context is missing %q:\n%s", want, briefing)
		}
	}
	if strings.Contains(string(briefing), "first\n") {
		t.Errorf("context includes learnings beyond the tail:\n%s", briefing)
	}

	descriptor := h.readDescriptor(t, "wi-1")
	if descriptor.State != session.Running || descriptor.Pid == nil || *descriptor.Pid != 1000 {
		t.Errorf("persisted descriptor = %+v", descriptor)
	}
	if descriptor.Role != "worker/dev" || descriptor.Config.TimeoutSeconds != 1800 {
		t.Errorf("persisted role = %q timeout = %d", descriptor.Role, descriptor.Config.TimeoutSeconds)
	}

	h.await(t, "wi-1", session.Spawning)
	h.await(t, "wi-1", session.Running)
}

func TestSpawnWithoutWorktreeUsesWorkDirectory(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1", "research")))
	h.spawn(t, "wi-1")
	if dir := h.platform.Options()[0].Dir; dir != h.options.WorkDirectory {
		t.Errorf("dir = %q, want %q", dir, h.options.WorkDirectory)
	}
}

func TestSpawnActiveSessionReturnsExisting(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")))
	first, _ := h.spawn(t, "wi-1")

	second, err := h.manager.Spawn(context.Background(), "wi-1")
	if err != nil {
		t.Fatalf("second Spawn: %v", err)
	}
	if second.Pid != first.Pid || second.State != session.Running {
		t.Errorf("second spawn = pid %d state %s, want pid %d running", second.Pid, second.State, first.Pid)
	}
	if count := len(h.platform.Children()); count != 1 {
		t.Errorf("started %d workers, want 1", count)
	}
}

func TestSpawnRejectsAtGlobalCapacity(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1"), item("wi-2"), item("wi-3")), func(options *session.Options) {
		options.MaxConcurrent = 2
	})
	h.spawn(t, "wi-1")
	h.spawn(t, "wi-2")

	_, err := h.manager.Spawn(context.Background(), "wi-3")
	if !errors.Is(err, session.ErrAtCapacity) {
		t.Fatalf("third Spawn error = %v, want ErrAtCapacity", err)
	}
	if _, err := h.manager.Get("wi-3"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get(wi-3) error = %v, want ErrNotFound", err)
	}
	if descriptorExists(h, "wi-3") {
		t.Error("rejected spawn left a descriptor")
	}
}

func TestSpawnRejectsAtRoleCapacity(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1", "design"), item("wi-2", "architecture"), item("wi-3")))
	h.spawn(t, "wi-1")

	_, err := h.manager.Spawn(context.Background(), "wi-2")
	if !errors.Is(err, session.ErrRoleAtCapacity) {
		t.Fatalf("Spawn(wi-2) error = %v, want ErrRoleAtCapacity", err)
	}
	if descriptorExists(h, "wi-2") {
		t.Error("rejected spawn left a descriptor")
	}

	// Other roles still have room.
	h.spawn(t, "wi-3")
}

func TestSpawnUnknownWorkItem(t *testing.T) {
	h := newHarness(t, newFakeStore())
	_, err := h.manager.Spawn(context.Background(), "missing")
	if !errors.Is(err, session.ErrWorkItemNotFound) || !errors.Is(err, workitem.ErrNotFound) {
		t.Fatalf("Spawn error = %v, want ErrWorkItemNotFound", err)
	}
	if sessions := h.manager.List(false); len(sessions) != 0 {
		t.Errorf("List = %d sessions, want none", len(sessions))
	}

	// The reservation was released.
	h.store.items["later"] = item("later")
	h.spawn(t, "later")
}

func TestSpawnRejectsInvalidWorkItemID(t *testing.T) {
	h := newHarness(t, newFakeStore())
	for _, id := range []string{"", "../escape", ".hidden", `a\b`} {
		if _, err := h.manager.Spawn(context.Background(), id); !errors.Is(err, session.ErrInvalidWorkItemID) {
			t.Errorf("Spawn(%q) error = %v, want ErrInvalidWorkItemID", id, err)
		}
	}
}

func TestConcurrentSpawnsHonorCapacity(t *testing.T) {
	store := newFakeStore()
	for i := range 5 {
		id := fmt.Sprintf("wi-%d", i)
		store.items[id] = item(id)
	}
	store.gate = make(chan struct{})
	h := newHarness(t, store, func(options *session.Options) { options.MaxConcurrent = 2 })

	type result struct {
		spawned *session.Session
		err     error
	}
	results := make(chan result, 5)
	for i := range 5 {
		go func() {
			spawned, err := h.manager.Spawn(context.Background(), fmt.Sprintf("wi-%d", i))
			results <- result{spawned, err}
		}()
	}

	// Two spawns hold reservations while their reads block; the rest
	// are turned away immediately.
	for range 3 {
		got := testutil.RequireReceive(t, results, waitTimeout, "rejected spawn")
		if !errors.Is(got.err, session.ErrAtCapacity) {
			t.Fatalf("spawn error = %v, want ErrAtCapacity", got.err)
		}
	}
	close(store.gate)
	for range 2 {
		got := testutil.RequireReceive(t, results, waitTimeout, "accepted spawn")
		if got.err != nil || got.spawned.State != session.Running {
			t.Fatalf("accepted spawn = %+v, %v", got.spawned, got.err)
		}
	}
	if active := len(h.manager.List(true)); active != 2 {
		t.Errorf("active sessions = %d, want 2", active)
	}
}

func TestSpawnOfReservedWorkItemReturnsPending(t *testing.T) {
	store := newFakeStore(item("wi-1"))
	store.gate = make(chan struct{})
	h := newHarness(t, store)

	done := make(chan error, 1)
	go func() {
		_, err := h.manager.Spawn(context.Background(), "wi-1")
		done <- err
	}()
	testutil.RequireReceive(t, store.requests, waitTimeout, "work item read")

	pending, err := h.manager.Spawn(context.Background(), "wi-1")
	if err != nil {
		t.Fatalf("Spawn during read: %v", err)
	}
	if pending.State != session.Pending {
		t.Errorf("state = %s, want pending", pending.State)
	}

	close(store.gate)
	if err := testutil.RequireReceive(t, done, waitTimeout, "first spawn"); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if count := len(h.platform.Children()); count != 1 {
		t.Errorf("started %d workers, want 1", count)
	}
}

func TestSpawnFailureRecordedOnSession(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")))
	h.platform.SetFail(errors.New("no pty available"))

	spawned, err := h.manager.Spawn(context.Background(), "wi-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if spawned.State != session.Failed || !strings.Contains(spawned.Error, "no pty available") {
		t.Fatalf("session = %s %q, want failed with the launch error", spawned.State, spawned.Error)
	}
	if !spawned.EndedAt.Equal(epoch) {
		t.Errorf("ended_at = %v, want %v", spawned.EndedAt, epoch)
	}
	if descriptor := h.readDescriptor(t, "wi-1"); descriptor.State != session.Failed || descriptor.Error == nil {
		t.Errorf("persisted descriptor = %+v", descriptor)
	}
	if stats := h.manager.Stats(); stats.Active != 0 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// A failed session does not block a new attempt.
	h.platform.SetFail(nil)
	h.spawn(t, "wi-1")
}

func TestWorkerExitCompletesAndClosesWorkItem(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")))
	pending := h.clock.PendingCount()
	_, child := h.spawn(t, "wi-1")

	h.tick(pending + 1)
	h.tick(pending + 1)
	h.clock.WaitForTimers(pending + 1)
	child.Exit()
	h.clock.Advance(heartbeat)

	completed := h.await(t, "wi-1", session.Completed)
	if want := epoch.Add(3 * heartbeat); !completed.EndedAt.Equal(want) {
		t.Errorf("ended_at = %v, want %v", completed.EndedAt, want)
	}
	testutil.Eventually(t, waitTimeout, func() bool {
		_, closed := h.store.closeReason("wi-1")
		return closed
	}, "work item closed")
	if reason, _ := h.store.closeReason("wi-1"); reason != "Session completed automatically" {
		t.Errorf("close reason = %q", reason)
	}

	stats := h.manager.Stats()
	if stats.Total != 1 || stats.Completed != 1 || stats.AverageDurationSeconds != 15 {
		t.Errorf("stats = %+v, want one completed session of 15s", stats)
	}
	if descriptor := h.readDescriptor(t, "wi-1"); descriptor.DurationSeconds == nil || *descriptor.DurationSeconds != 15 {
		t.Errorf("persisted duration = %v", descriptor.DurationSeconds)
	}
}

func TestWorkerExitWithoutAutoClose(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")), func(options *session.Options) { options.AutoClose = false })
	pending := h.clock.PendingCount()
	_, child := h.spawn(t, "wi-1")

	h.clock.WaitForTimers(pending + 1)
	child.Exit()
	h.clock.Advance(heartbeat)
	h.await(t, "wi-1", session.Completed)
	if _, closed := h.store.closeReason("wi-1"); closed {
		t.Error("work item closed with auto-close disabled")
	}
}

func TestQuietWorkerBecomesStuckAndRecovers(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")))
	pending := h.clock.PendingCount()
	_, child := h.spawn(t, "wi-1")

	for range 11 {
		h.tick(pending + 1)
	}
	h.clock.WaitForTimers(pending + 1)
	if state := h.get(t, "wi-1").State; state != session.Running {
		t.Fatalf("state after 11 quiet heartbeats = %s, want running", state)
	}

	h.tick(pending + 1)
	h.await(t, "wi-1", session.Stuck)
	h.clock.WaitForTimers(pending + 1)
	if descriptor := h.readDescriptor(t, "wi-1"); descriptor.State != session.Stuck {
		t.Errorf("persisted state = %s, want stuck", descriptor.State)
	}

	child.Emit([]byte("progress\n"))
	testutil.Eventually(t, waitTimeout, func() bool {
		return h.get(t, "wi-1").OutputLines == 1
	}, "output counted")

	h.tick(pending + 1)
	recovered := h.await(t, "wi-1", session.Running)
	if want := epoch.Add(13 * heartbeat); !recovered.LastActivity.Equal(want) {
		t.Errorf("last_activity = %v, want %v", recovered.LastActivity, want)
	}
}

func TestOutputKeepsWorkerRunning(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")), func(options *session.Options) { options.StuckHeartbeats = 2 })
	pending := h.clock.PendingCount()
	_, child := h.spawn(t, "wi-1")

	for beat := range 4 {
		child.Emit([]byte("line\n"))
		testutil.Eventually(t, waitTimeout, func() bool {
			return h.get(t, "wi-1").OutputLines == beat+1
		}, "output %d counted", beat+1)
		h.tick(pending + 1)
	}
	h.clock.WaitForTimers(pending + 1)
	got := h.get(t, "wi-1")
	if got.State != session.Running {
		t.Errorf("state = %s, want running", got.State)
	}
	if want := epoch.Add(4 * heartbeat); !got.LastActivity.Equal(want) {
		t.Errorf("last_activity = %v, want %v", got.LastActivity, want)
	}
}

func shortTimeoutRoles() *role.Table {
	return role.MustNew(map[role.Name]role.Policy{
		role.Developer: {
			Tier:          role.Worker,
			Timeout:       10 * time.Second,
			MaxConcurrent: 2,
			Tools:         []string{"Read"},
		},
	}, nil, role.Developer)
}

func TestTimeoutStopsWorkerAndFailsSession(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")), func(options *session.Options) {
		options.Roles = shortTimeoutRoles()
	})
	h.platform.SetIgnoreTerm(true)
	pending := h.clock.PendingCount()
	_, child := h.spawn(t, "wi-1")

	// 5s and 10s are within the budget; 15s is past it.
	h.tick(pending + 1)
	h.tick(pending + 1)
	h.tick(pending + 1)

	// The worker ignores SIGTERM, so the monitor waits out the grace
	// period before SIGKILL.
	h.clock.WaitForTimers(pending + 1)
	h.clock.Advance(time.Second)

	failed := h.await(t, "wi-1", session.Failed)
	if failed.Error != "session timed out after 15s" {
		t.Errorf("error = %q", failed.Error)
	}
	if signals := child.Signals(); !slices.Equal(signals, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}) {
		t.Errorf("signals = %v, want SIGTERM then SIGKILL", signals)
	}
	if _, closed := h.store.closeReason("wi-1"); closed {
		t.Error("timed out work item was closed")
	}
}

func TestTerminate(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")))
	pending := h.clock.PendingCount()
	_, child := h.spawn(t, "wi-1")

	if err := h.manager.Terminate("wi-1", false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	got := h.get(t, "wi-1")
	if got.State != session.Terminated || !got.EndedAt.Equal(epoch) {
		t.Errorf("session = %s ended %v, want terminated at %v", got.State, got.EndedAt, epoch)
	}
	if got.Error != "terminated by request" {
		t.Errorf("error = %q, want the termination reason", got.Error)
	}
	if descriptor := h.readDescriptor(t, "wi-1"); descriptor.Error == nil || *descriptor.Error != "terminated by request" {
		t.Errorf("persisted error = %v", descriptor.Error)
	}
	if !slices.Contains(child.Signals(), syscall.SIGTERM) {
		t.Errorf("signals = %v, want SIGTERM", child.Signals())
	}
	if h.relay.Session("wi-1") != nil {
		t.Error("terminal session survived terminate")
	}

	// The monitor is gone: a later heartbeat changes nothing.
	h.clock.WaitForTimers(pending + 1)
	h.clock.Advance(heartbeat)
	if state := h.get(t, "wi-1").State; state != session.Terminated {
		t.Errorf("state after heartbeat = %s, want terminated", state)
	}

	if err := h.manager.Terminate("wi-1", false); err != nil {
		t.Errorf("second Terminate: %v", err)
	}
	if err := h.manager.Terminate("unknown", false); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Terminate(unknown) error = %v, want ErrNotFound", err)
	}
	if stats := h.manager.Stats(); stats.Terminated != 1 || stats.Active != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestForceTerminateEscalates(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")))
	h.platform.SetIgnoreTerm(true)
	pending := h.clock.PendingCount()
	_, child := h.spawn(t, "wi-1")
	h.clock.WaitForTimers(pending + 1)

	done := make(chan error, 1)
	go func() { done <- h.manager.Terminate("wi-1", true) }()

	// The stale heartbeat wait plus the grace period wait.
	h.clock.WaitForTimers(pending + 2)
	h.clock.Advance(time.Second)
	if err := testutil.RequireReceive(t, done, waitTimeout, "forced terminate"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if signals := child.Signals(); !slices.Equal(signals, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}) {
		t.Errorf("signals = %v, want SIGTERM then SIGKILL", signals)
	}
	if got := h.get(t, "wi-1"); got.State != session.Terminated || got.Error != "terminated by request (forced)" {
		t.Errorf("session = %s %q, want terminated with the forced reason", got.State, got.Error)
	}
}

func TestListNewestFirst(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-a"), item("wi-b"), item("wi-c")))
	h.spawn(t, "wi-a")
	h.clock.Advance(time.Second)
	h.spawn(t, "wi-b")
	h.clock.Advance(time.Second)
	h.spawn(t, "wi-c")
	if err := h.manager.Terminate("wi-b", false); err != nil {
		t.Fatal(err)
	}

	var all []string
	for _, listed := range h.manager.List(false) {
		all = append(all, listed.WorkItemID)
	}
	if want := []string{"wi-c", "wi-b", "wi-a"}; !slices.Equal(all, want) {
		t.Errorf("List(false) = %v, want %v", all, want)
	}

	var active []string
	for _, listed := range h.manager.List(true) {
		active = append(active, listed.WorkItemID)
	}
	if want := []string{"wi-c", "wi-a"}; !slices.Equal(active, want) {
		t.Errorf("List(true) = %v, want %v", active, want)
	}
}

func TestObserversSurvivePanics(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1"), item("wi-2")))
	h.manager.OnStatusChange(func(session.Session) { panic("observer bug") })

	var mu sync.Mutex
	var seen []session.State
	unregister := h.manager.OnStatusChange(func(changed session.Session) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, changed.State)
	})

	h.spawn(t, "wi-1")
	unregister()
	h.spawn(t, "wi-2")

	mu.Lock()
	defer mu.Unlock()
	if want := []session.State{session.Spawning, session.Running}; !slices.Equal(seen, want) {
		t.Errorf("observed %v, want %v", seen, want)
	}
}

func TestReturnedSessionsAreCopies(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1", "bug")))
	h.spawn(t, "wi-1")

	got := h.get(t, "wi-1")
	got.Labels[0] = "mutated"
	got.Tools[0] = "mutated"
	again := h.get(t, "wi-1")
	if again.Labels[0] != "bug" || again.Tools[0] == "mutated" {
		t.Errorf("mutating a snapshot changed the manager's session: %+v", again)
	}
}

func TestRecover(t *testing.T) {
	store := newFakeStore()
	first := newHarness(t, store)
	stateDirectory := first.options.StateDirectory
	first.manager.Close()

	alivePid := os.Getpid()
	deadPid := reapedPid(t)
	write := func(descriptor session.Descriptor) {
		t.Helper()
		path := filepath.Join(stateDirectory, descriptor.WorkItemID+".json")
		if err := statefile.Write(path, descriptor); err != nil {
			t.Fatal(err)
		}
	}
	startedAt := epoch.Add(-time.Minute)
	write(session.Descriptor{WorkItemID: "alive", State: session.Running, Pid: &alivePid, CreatedAt: startedAt, StartedAt: &startedAt, Role: "worker/dev"})
	write(session.Descriptor{WorkItemID: "dead", State: session.Stuck, Pid: &deadPid, CreatedAt: startedAt, StartedAt: &startedAt, Role: "worker/dev"})
	write(session.Descriptor{WorkItemID: "unstarted", State: session.Spawning, CreatedAt: startedAt, Role: "worker/dev"})
	write(session.Descriptor{WorkItemID: "done", State: session.Completed, CreatedAt: startedAt, StartedAt: &startedAt, EndedAt: &startedAt})
	if err := os.WriteFile(filepath.Join(stateDirectory, "garbage.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	second := newHarness(t, store, func(options *session.Options) { options.StateDirectory = stateDirectory })
	if err := second.manager.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if got := second.get(t, "alive"); got.State != session.Running || got.Pid != alivePid {
		t.Errorf("alive = %s pid %d, want running pid %d", got.State, got.Pid, alivePid)
	}
	for _, id := range []string{"dead", "unstarted"} {
		got := second.get(t, id)
		if got.State != session.Completed || !got.EndedAt.Equal(epoch) {
			t.Errorf("%s = %s ended %v, want completed at %v", id, got.State, got.EndedAt, epoch)
		}
		if persisted := second.readDescriptor(t, id); persisted.State != session.Completed {
			t.Errorf("%s persisted state = %s, want completed", id, persisted.State)
		}
	}
	if got := second.get(t, "done"); got.State != session.Completed || !got.EndedAt.Equal(startedAt) {
		t.Errorf("done = %s ended %v, want unchanged", got.State, got.EndedAt)
	}
	if _, err := second.manager.Get("garbage"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get(garbage) error = %v, want ErrNotFound", err)
	}
	if _, closed := store.closeReason("dead"); closed {
		t.Error("recovery closed a work item")
	}
	if stats := second.manager.Stats(); stats.Total != 4 || stats.Active != 1 || stats.Completed != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSpawnAfterCloseFails(t *testing.T) {
	h := newHarness(t, newFakeStore(item("wi-1")))
	h.manager.Close()
	if _, err := h.manager.Spawn(context.Background(), "wi-1"); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Spawn after Close error = %v, want ErrClosed", err)
	}
}
