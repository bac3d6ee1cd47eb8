// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
)

func TestParseSignal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    syscall.Signal
		wantErr bool
	}{
		{"SIGINT", syscall.SIGINT, false},
		{"int", syscall.SIGINT, false},
		{"Term", syscall.SIGTERM, false},
		{" SIGKILL ", syscall.SIGKILL, false},
		{"9", syscall.SIGKILL, false},
		{"SIGWINCH", syscall.SIGWINCH, false},
		{"", 0, true},
		{"SIGBOGUS", 0, true},
		{"0", 0, true},
		{"99", 0, true},
	}

	for _, test := range tests {
		got, err := ParseSignal(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseSignal(%q) = %v, want error", test.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSignal(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseSignal(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}

func TestAliveSelf(t *testing.T) {
	t.Parallel()
	if !Alive(os.Getpid()) {
		t.Fatal("Alive(own pid) = false")
	}
	if Alive(0) || Alive(-1) {
		t.Fatal("Alive of non-positive pid = true")
	}
}

func TestAliveAfterReap(t *testing.T) {
	t.Parallel()
	command := exec.Command("/bin/sh", "-c", "exit 0")
	if err := command.Start(); err != nil {
		t.Skipf("cannot start /bin/sh: %v", err)
	}
	pid := command.Process.Pid
	if err := command.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if Alive(pid) {
		t.Skip("pid reused before check")
	}
	if err := Signal(pid, syscall.SIGTERM); err != nil {
		t.Fatalf("Signal to reaped pid: %v", err)
	}
}
