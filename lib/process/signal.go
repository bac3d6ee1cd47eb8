// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Alive reports whether pid names an existing process. A process that
// exists but belongs to another user (EPERM) counts as alive. Zombies
// also count; callers that are the parent must reap instead.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal sends sig to pid. A process that no longer exists is not an
// error.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %v to pid %d: %w", sig, pid, err)
	}
	return nil
}

// ParseSignal accepts a signal name with or without the SIG prefix,
// in any case, or a decimal signal number.
func ParseSignal(name string) (syscall.Signal, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return 0, fmt.Errorf("empty signal name")
	}
	if number, err := strconv.Atoi(trimmed); err == nil {
		if number <= 0 || number > 64 {
			return 0, fmt.Errorf("signal number %d out of range", number)
		}
		return syscall.Signal(number), nil
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}
