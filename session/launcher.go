// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/shepherd/lib/process"
	"github.com/bureau-foundation/shepherd/observe"
)

// launchSpec describes one worker start.
type launchSpec struct {
	workItemID string
	command    []string
	dir        string

	// env is added to the daemon's environment.
	env []string
}

// launcher starts workers.
type launcher interface {
	launch(spec launchSpec) (worker, error)
}

// worker is a running worker process, however it was started.
type worker interface {
	Pid() int
	Alive() bool

	// Signal delivers sig to the worker's process group. A worker that
	// has already gone is not an error.
	Signal(sig syscall.Signal) error

	// Exited is closed once the process has been reaped. Nil for
	// workers this process did not start.
	Exited() <-chan struct{}

	// Release frees what the launcher holds for the worker, stopping it
	// if it is still running. Safe to call more than once.
	Release()
}

// relayLauncher runs workers on relay pseudo-terminals. Output is
// counted through the relay's output hook.
type relayLauncher struct {
	relay *observe.Relay
}

func (l relayLauncher) launch(spec launchSpec) (worker, error) {
	terminal, err := l.relay.CreateSession(spec.workItemID, spec.command, spec.dir, spec.env...)
	if err != nil {
		return nil, err
	}
	return relayWorker{terminal}, nil
}

type relayWorker struct {
	terminal *observe.TerminalSession
}

func (w relayWorker) Pid() int { return w.terminal.Pid() }
func (w relayWorker) Alive() bool { return w.terminal.Alive() }
func (w relayWorker) Signal(sig syscall.Signal) error { return w.terminal.Signal(sig) }
func (w relayWorker) Exited() <-chan struct{} { return w.terminal.Exited() }
func (w relayWorker) Release() { w.terminal.Terminate() }

// directLauncher runs workers as plain subprocesses in their own
// process group. Combined stdout and stderr are appended to the
// worker's terminal log and passed to onOutput.
type directLauncher struct {
	logDirectory string
	onOutput     func(workItemID string, data []byte)
	logger       *slog.Logger
}

func (l directLauncher) launch(spec launchSpec) (worker, error) {
	if len(spec.command) == 0 {
		return nil, errors.New("empty worker command")
	}
	if err := os.MkdirAll(l.logDirectory, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(l.logDirectory, spec.workItemID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening worker log: %w", err)
	}
	reader, writer, err := os.Pipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(spec.command[0], spec.command[1:]...)
	cmd.Dir = spec.dir
	cmd.Env = append(os.Environ(), spec.env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	cmd.Stdin = nil
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		logFile.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.command[0], err)
	}
	writer.Close()

	w := &directWorker{cmd: cmd, exited: make(chan struct{})}
	go func() {
		defer reader.Close()
		defer logFile.Close()
		chunk := make([]byte, 4096)
		for {
			count, err := reader.Read(chunk)
			if count > 0 {
				data := bytes.Clone(chunk[:count])
				if _, writeErr := logFile.Write(data); writeErr != nil {
					l.logger.Warn("worker log write failed", "work_item_id", spec.workItemID, "error", writeErr)
				}
				l.onOutput(spec.workItemID, data)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					l.logger.Warn("worker output read failed", "work_item_id", spec.workItemID, "error", err)
				}
				return
			}
		}
	}()
	go func() {
		_ = cmd.Wait()
		close(w.exited)
	}()
	return w, nil
}

type directWorker struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func (w *directWorker) Pid() int { return w.cmd.Process.Pid }

func (w *directWorker) Alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

func (w *directWorker) Signal(sig syscall.Signal) error {
	if !w.Alive() {
		return nil
	}
	return signalGroup(w.Pid(), sig)
}

func (w *directWorker) Exited() <-chan struct{} { return w.exited }

// Release does nothing: the worker's process group is signalled
// directly and its output goroutine ends at EOF.
func (w *directWorker) Release() {}

// pidWorker is a worker recovered from a previous daemon run. All that
// is left of it is a pid.
type pidWorker struct {
	pid int
}

func (w pidWorker) Pid() int { return w.pid }
func (w pidWorker) Alive() bool { return process.Alive(w.pid) }
func (w pidWorker) Signal(sig syscall.Signal) error { return signalGroup(w.pid, sig) }
func (w pidWorker) Exited() <-chan struct{} { return nil }
func (w pidWorker) Release() {}

// signalGroup signals the process group pid leads, falling back to the
// process alone.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return process.Signal(pid, sig)
	}
	if err != nil {
		return fmt.Errorf("signal %v to process group %d: %w", sig, pid, err)
	}
	return nil
}
