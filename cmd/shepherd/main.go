// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Shepherd is the operator client for shepherd-daemon. Session commands
// go over the daemon's management socket; attach connects to the
// terminal relay over WebSocket.
//
// Usage:
//
//	shepherd spawn <work-item-id>
//	shepherd terminate <work-item-id> [--force]
//	shepherd list [--active] [--json]
//	shepherd get <work-item-id>
//	shepherd stats
//	shepherd attach <work-item-id> [--readonly]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/shepherd/lib/config"
	"github.com/bureau-foundation/shepherd/lib/service"
	"github.com/bureau-foundation/shepherd/lib/version"
)

// command is one subcommand.
type command struct {
	name    string
	summary string
	usage   string
	flags   func(*pflag.FlagSet)
	run     func(ctx context.Context, env *environment, args []string) error
}

// environment is what every subcommand runs against.
type environment struct {
	client     *service.Client
	relayURL   string
	stdout     io.Writer
	stderr     io.Writer
	stdin      *os.File
	asJSON     bool
	socket     string
	httpListen string
}

// exitError carries a process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	os.Exit(1)
}

func commands() []command {
	return []command{
		spawnCommand(),
		terminateCommand(),
		listCommand(),
		getCommand(),
		statsCommand(),
		attachCommand(),
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stderr)
		return usageError("a command is required")
	}
	switch args[0] {
	case "--version", "version":
		version.Fprint(stdout, "shepherd")
		return nil
	case "--help", "-h", "help":
		printUsage(stdout)
		return nil
	}

	for _, candidate := range commands() {
		if candidate.name != args[0] {
			continue
		}
		env := &environment{stdout: stdout, stderr: stderr, stdin: os.Stdin}
		socket, listen := defaultEndpoints()
		flagSet := pflag.NewFlagSet(candidate.name, pflag.ContinueOnError)
		flagSet.SetOutput(stderr)
		flagSet.StringVar(&env.socket, "socket", socket, "daemon management socket")
		flagSet.StringVar(&env.httpListen, "http", listen, "daemon HTTP address, for attach")
		flagSet.BoolVar(&env.asJSON, "json", false, "print JSON instead of a table")
		if candidate.flags != nil {
			candidate.flags(flagSet)
		}
		flagSet.Usage = func() {
			fmt.Fprintf(stderr, "Usage: %s\n\n%s\n\nFlags:\n%s", candidate.usage, candidate.summary, flagSet.FlagUsages())
		}
		if err := flagSet.Parse(args[1:]); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			return usageError("%v", err)
		}
		env.client = service.NewClient(env.socket)
		env.relayURL = "ws://" + env.httpListen + "/ws"
		return candidate.run(ctx, env, flagSet.Args())
	}
	printUsage(stderr)
	return usageError("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "shepherd - operate shepherd-daemon sessions\n\nCommands:\n")
	for _, listed := range commands() {
		fmt.Fprintf(w, "  %-10s %s\n", listed.name, listed.summary)
	}
	fmt.Fprintf(w, "\nRun 'shepherd <command> --help' for flags.\n")
}

// defaultEndpoints reads the socket and HTTP address from the daemon's
// config when SHEPHERD_CONFIG is set.
func defaultEndpoints() (socket, listen string) {
	defaults := config.Default()
	listen = defaults.HTTP.Listen
	home, _ := os.UserHomeDir()
	socket = filepath.Join(home, ".cache", "shepherd", "shepherd.sock")
	if os.Getenv("SHEPHERD_CONFIG") == "" {
		return socket, listen
	}
	cfg, err := config.Load()
	if err != nil {
		return socket, listen
	}
	return cfg.Paths.Socket, cfg.HTTP.Listen
}
