// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package observe

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// LinuxPlatform starts processes on devpts pseudo-terminals.
type LinuxPlatform struct{}

// Spawn implements [Platform].
func (LinuxPlatform) Spawn(options SpawnOptions) (Child, error) {
	if len(options.Command) == 0 {
		return nil, errors.New("empty command")
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("allocate PTY: %w", err)
	}
	if err := pty.Setsize(slave, &pty.Winsize{Rows: options.Rows, Cols: options.Cols}); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("set PTY size: %w", err)
	}

	cmd := exec.Command(options.Command[0], options.Command[1:]...)
	cmd.Dir = options.Dir
	cmd.Env = options.Env
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		master.Close()
		slave.Close()
		return nil, fmt.Errorf("start %s: %w", options.Command[0], err)
	}
	// Close slave in parent so EIO on the master means the child side
	// is really gone.
	slave.Close()

	// Fd switches the file to blocking mode once; after that the
	// descriptor is driven with raw non-blocking syscalls.
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		master.Close()
		return nil, fmt.Errorf("set PTY master non-blocking: %w", err)
	}

	child := &linuxChild{
		cmd:    cmd,
		master: master,
		fd:     fd,
		exited: make(chan struct{}),
	}
	go func() {
		// Reap promptly so a finished worker never lingers as a zombie
		// that kill(pid, 0) would still report.
		_ = cmd.Wait()
		close(child.exited)
	}()
	return child, nil
}

type linuxChild struct {
	cmd    *exec.Cmd
	master *os.File
	fd     int
	exited chan struct{}
}

func (c *linuxChild) Pid() int { return c.cmd.Process.Pid }

func (c *linuxChild) Read(buffer []byte) (int, error) {
	n, err := unix.Read(c.fd, buffer)
	switch {
	case err == nil && n == 0:
		return 0, ErrExited
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, ErrNoData
	case errors.Is(err, unix.EIO):
		return 0, ErrExited
	default:
		return 0, fmt.Errorf("read PTY master: %w", err)
	}
}

// Write blocks (polling) until everything is written or the child
// exits.
func (c *linuxChild) Write(data []byte) (int, error) {
	written := 0
	for written < len(data) {
		n, err := unix.Write(c.fd, data[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				select {
				case <-c.exited:
					return written, ErrExited
				default:
				}
				_, _ = unix.Poll([]unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}, 100)
				continue
			}
			return written, fmt.Errorf("write PTY master: %w", err)
		}
	}
	return written, nil
}

// Resize sets TIOCSWINSZ on the master, which delivers SIGWINCH to the
// foreground process group on the slave.
func (c *linuxChild) Resize(rows, cols uint16) error {
	return unix.IoctlSetWinsize(c.fd, unix.TIOCSWINSZ, &unix.Winsize{Row: rows, Col: cols})
}

// Signal targets the process group the child leads, so helpers the
// worker started go too. Falls back to the pid alone if the group is
// already gone.
func (c *linuxChild) Signal(sig syscall.Signal) error {
	pid := c.Pid()
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return ErrExited
	}
	return err
}

func (c *linuxChild) Exited() <-chan struct{} { return c.exited }

func (c *linuxChild) Close() error { return c.master.Close() }
