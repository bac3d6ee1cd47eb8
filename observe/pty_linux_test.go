// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package observe_test

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/shepherd/lib/testutil"
	"github.com/bureau-foundation/shepherd/observe"
)

func newPTYRelay(t *testing.T) *observe.Relay {
	t.Helper()
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx in this environment")
	}
	relay, err := observe.NewRelay(observe.Config{
		Directory: t.TempDir(),
		Platform:  observe.LinuxPlatform{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		KillGrace: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	t.Cleanup(relay.Close)
	return relay
}

func TestLinuxPlatformRunsShell(t *testing.T) {
	t.Parallel()
	relay := newPTYRelay(t)

	session, err := relay.CreateSession("wi-shell", []string{"/bin/sh", "-c", `printf 'id=%s tty=%s\n' "$SHEPHERD_WORK_ITEM_ID" "$TERM"`}, t.TempDir())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	testutil.RequireClosed(t, session.Done(), 10*time.Second, "shell exiting")

	history, err := relay.GetBuffer("wi-shell")
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if !strings.Contains(string(history), "id=wi-shell tty=xterm-256color") {
		t.Errorf("output = %q", history)
	}
}

func TestLinuxPlatformEchoesInputAndTerminates(t *testing.T) {
	t.Parallel()
	relay := newPTYRelay(t)

	session, err := relay.CreateSession("wi-cat", []string{"/bin/cat"}, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !relay.WriteInput("wi-cat", []byte("ping\n")) {
		t.Fatal("WriteInput failed")
	}
	testutil.Eventually(t, 10*time.Second, func() bool {
		data, _ := relay.GetBuffer("wi-cat")
		// The line discipline echoes the input, then cat repeats it.
		return strings.Count(string(data), "ping") >= 2
	}, "cat echoing input")

	if !relay.Resize("wi-cat", 50, 132) {
		t.Error("Resize failed")
	}
	if !relay.Terminate("wi-cat") {
		t.Fatal("Terminate returned false")
	}
	testutil.RequireClosed(t, session.Done(), 10*time.Second, "cleanup")
	if session.Alive() {
		t.Error("cat still alive after Terminate")
	}
}
