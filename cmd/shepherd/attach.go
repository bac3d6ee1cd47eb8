// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/shepherd/observe"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

func attachCommand() command {
	var readOnly bool
	return command{
		name:    "attach",
		summary: "Watch a worker terminal and type into it (Ctrl-] detaches)",
		usage:   "shepherd attach <work-item-id> [--readonly]",
		flags: func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&readOnly, "readonly", false, "watch without forwarding keystrokes")
		},
		run: func(ctx context.Context, env *environment, args []string) error {
			id, err := singleID("attach", args)
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, env.relayURL, http.Header{})
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", env.relayURL, err)
			}
			defer conn.Close()

			attached := &attachment{conn: conn, workItemID: id}
			var input io.Reader
			if !readOnly {
				input = env.stdin
				stdinFd := int(env.stdin.Fd())
				if term.IsTerminal(stdinFd) {
					oldState, err := term.MakeRaw(stdinFd)
					if err != nil {
						return fmt.Errorf("set terminal raw mode: %w", err)
					}
					defer term.Restore(stdinFd, oldState)
					if cols, rows, err := term.GetSize(stdinFd); err == nil {
						attached.rows, attached.cols = rows, cols
					}
				}
			}
			return attached.run(ctx, input, env.stdout)
		},
	}
}

// attachment is one client-side subscription to a relay session.
type attachment struct {
	conn       *websocket.Conn
	workItemID string
	rows, cols int

	writeMu sync.Mutex
}

var (
	// errDetached is returned when the user presses the detach key.
	errDetached = errors.New("detached")

	// errInputClosed leaves the attachment watching output.
	errInputClosed = errors.New("input closed")
)

// run subscribes, copies terminal output to out, and forwards input
// (when non-nil) until the session ends, the user detaches, or ctx is
// cancelled.
func (a *attachment) run(ctx context.Context, input io.Reader, out io.Writer) error {
	if err := a.send(observe.Request{Type: observe.RequestSubscribe, WorkItemID: a.workItemID}); err != nil {
		return err
	}
	if a.rows > 0 && a.cols > 0 {
		if err := a.send(observe.Request{Type: observe.RequestResize, WorkItemID: a.workItemID, Rows: a.rows, Cols: a.cols}); err != nil {
			return err
		}
	}

	done := make(chan error, 2)
	go func() { done <- a.receive(out) }()
	if input != nil {
		go func() { done <- a.forward(input) }()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			switch {
			case errors.Is(err, errInputClosed):
				continue
			case errors.Is(err, errDetached):
				fmt.Fprint(out, "\r\n[detached]\r\n")
				return nil
			}
			return err
		}
	}
}

func (a *attachment) receive(out io.Writer) error {
	for {
		var message observe.Message
		if err := a.conn.ReadJSON(&message); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading from relay: %w", err)
		}
		if message.WorkItemID != "" && message.WorkItemID != a.workItemID {
			continue
		}
		switch message.Type {
		case observe.MessageBuffer, observe.MessageOutput:
			if _, err := io.WriteString(out, message.Data); err != nil {
				return err
			}
		case observe.MessageTerminated:
			fmt.Fprintf(out, "\r\n[session %s ended]\r\n", a.workItemID)
			return nil
		case observe.MessageError:
			return fmt.Errorf("relay: %s", message.Message)
		}
	}
}

func (a *attachment) forward(input io.Reader) error {
	buffer := make([]byte, 4096)
	for {
		n, err := input.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			detach := false
			if index := bytes.IndexByte(chunk, detachKey); index >= 0 {
				chunk, detach = chunk[:index], true
			}
			if len(chunk) > 0 {
				if sendErr := a.send(observe.Request{Type: observe.RequestInput, WorkItemID: a.workItemID, Data: string(chunk)}); sendErr != nil {
					return sendErr
				}
			}
			if detach {
				return errDetached
			}
		}
		if err == io.EOF {
			return errInputClosed
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
	}
}

func (a *attachment) send(request observe.Request) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteJSON(request); err != nil {
		return fmt.Errorf("writing to relay: %w", err)
	}
	return nil
}
