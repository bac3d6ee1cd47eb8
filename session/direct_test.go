// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/shepherd/lib/clock"
	"github.com/bureau-foundation/shepherd/lib/process"
	"github.com/bureau-foundation/shepherd/lib/role"
	"github.com/bureau-foundation/shepherd/lib/testutil"
	"github.com/bureau-foundation/shepherd/session"
)

// reapedPid returns the pid of a process that has exited and been
// waited for.
func reapedPid(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run /bin/sh: %v", err)
	}
	return cmd.Process.Pid
}

// newDirectManager runs real subprocesses without a relay, on the wall
// clock with a short heartbeat.
func newDirectManager(t *testing.T, script string) (*session.Manager, string, chan session.Session) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	root := t.TempDir()
	terminals := filepath.Join(root, "terminals")
	manager, err := session.NewManager(session.Options{
		Store:             newFakeStore(item("wi-1")),
		Roles:             role.Default(),
		StateDirectory:    filepath.Join(root, "state"),
		TerminalDirectory: terminals,
		WorktreeDirectory: filepath.Join(root, "worktrees"),
		WorkDirectory:     root,
		WorkerCommand:     []string{"/bin/sh", "-c", script},
		Heartbeat:         10 * time.Millisecond,
		KillGrace:         200 * time.Millisecond,
		Clock:             clock.Real(),
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(manager.Close)

	changes := make(chan session.Session, 64)
	manager.OnStatusChange(func(changed session.Session) { changes <- changed })
	return manager, filepath.Join(terminals, "wi-1.log"), changes
}

func awaitState(t *testing.T, changes <-chan session.Session, state session.State) session.Session {
	t.Helper()
	for {
		changed := testutil.RequireReceive(t, changes, waitTimeout, "state %s", state)
		if changed.State == state {
			return changed
		}
	}
}

func logContains(path, want string) bool {
	data, err := os.ReadFile(path)
	return err == nil && strings.Contains(string(data), want)
}

func TestDirectWorkerCompletes(t *testing.T) {
	manager, logPath, changes := newDirectManager(t, `echo started; echo "role=$SHEPHERD_ROLE"; test -s "$SHEPHERD_CONTEXT_FILE" && echo context-ok`)

	spawned, err := manager.Spawn(context.Background(), "wi-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if spawned.State != session.Running || spawned.Pid == 0 {
		t.Fatalf("spawned = %s pid %d (%s)", spawned.State, spawned.Pid, spawned.Error)
	}

	awaitState(t, changes, session.Completed)
	testutil.Eventually(t, waitTimeout, func() bool {
		return logContains(logPath, "started\nrole=worker/dev\ncontext-ok\n")
	}, "worker output in %s", logPath)
}

func TestDirectWorkerTerminateKillsProcessGroup(t *testing.T) {
	manager, logPath, _ := newDirectManager(t, `trap '' TERM; echo ready; while :; do sleep 1; done`)

	spawned, err := manager.Spawn(context.Background(), "wi-1")
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	testutil.Eventually(t, waitTimeout, func() bool { return logContains(logPath, "ready\n") }, "worker ready")

	if err := manager.Terminate("wi-1", true); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	got, err := manager.Get("wi-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != session.Terminated {
		t.Errorf("state = %s, want terminated", got.State)
	}
	testutil.Eventually(t, waitTimeout, func() bool { return !process.Alive(spawned.Pid) }, "worker %d gone", spawned.Pid)
}
