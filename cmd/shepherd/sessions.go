// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/shepherd/session"
)

func spawnCommand() command {
	return command{
		name:    "spawn",
		summary: "Start a worker session for a work item",
		usage:   "shepherd spawn <work-item-id>",
		run: func(ctx context.Context, env *environment, args []string) error {
			id, err := singleID("spawn", args)
			if err != nil {
				return err
			}
			var descriptor session.Descriptor
			if err := env.client.Call(ctx, session.ActionSpawn, map[string]any{"work_item_id": id}, &descriptor); err != nil {
				return err
			}
			if descriptor.State == session.Failed && !env.asJSON {
				return fmt.Errorf("session %s failed to start: %s", id, deref(descriptor.Error))
			}
			return printDescriptor(env, descriptor)
		},
	}
}

func terminateCommand() command {
	var force bool
	return command{
		name:    "terminate",
		summary: "Stop a running worker session",
		usage:   "shepherd terminate <work-item-id> [--force]",
		flags: func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&force, "force", false, "wait for the worker to exit, escalating to SIGKILL")
		},
		run: func(ctx context.Context, env *environment, args []string) error {
			id, err := singleID("terminate", args)
			if err != nil {
				return err
			}
			var descriptor session.Descriptor
			fields := map[string]any{"work_item_id": id, "force": force}
			if err := env.client.Call(ctx, session.ActionTerminate, fields, &descriptor); err != nil {
				return err
			}
			return printDescriptor(env, descriptor)
		},
	}
}

func listCommand() command {
	var active bool
	return command{
		name:    "list",
		summary: "List sessions, newest first",
		usage:   "shepherd list [--active]",
		flags: func(flagSet *pflag.FlagSet) {
			flagSet.BoolVar(&active, "active", false, "only pending, spawning, running, or stuck sessions")
		},
		run: func(ctx context.Context, env *environment, args []string) error {
			if len(args) != 0 {
				return usageError("list takes no arguments")
			}
			var descriptors []session.Descriptor
			if err := env.client.Call(ctx, session.ActionList, map[string]any{"active": active}, &descriptors); err != nil {
				return err
			}
			if env.asJSON {
				return writeJSON(env.stdout, descriptors)
			}
			return writeTable(env.stdout, descriptors, time.Now())
		},
	}
}

func getCommand() command {
	return command{
		name:    "get",
		summary: "Show one session",
		usage:   "shepherd get <work-item-id>",
		run: func(ctx context.Context, env *environment, args []string) error {
			id, err := singleID("get", args)
			if err != nil {
				return err
			}
			var descriptor session.Descriptor
			if err := env.client.Call(ctx, session.ActionGet, map[string]any{"work_item_id": id}, &descriptor); err != nil {
				return err
			}
			return printDescriptor(env, descriptor)
		},
	}
}

func statsCommand() command {
	return command{
		name:    "stats",
		summary: "Show session counts and average duration",
		usage:   "shepherd stats",
		run: func(ctx context.Context, env *environment, args []string) error {
			if len(args) != 0 {
				return usageError("stats takes no arguments")
			}
			var stats session.Stats
			if err := env.client.Call(ctx, session.ActionStats, nil, &stats); err != nil {
				return err
			}
			if env.asJSON {
				return writeJSON(env.stdout, stats)
			}
			fmt.Fprintf(env.stdout, "total:        %d\n", stats.Total)
			fmt.Fprintf(env.stdout, "active:       %d\n", stats.Active)
			fmt.Fprintf(env.stdout, "completed:    %d\n", stats.Completed)
			fmt.Fprintf(env.stdout, "failed:       %d\n", stats.Failed)
			fmt.Fprintf(env.stdout, "terminated:   %d\n", stats.Terminated)
			fmt.Fprintf(env.stdout, "avg duration: %s\n", seconds(stats.AverageDurationSeconds))
			return nil
		},
	}
}

func singleID(name string, args []string) (string, error) {
	if len(args) != 1 {
		return "", usageError("%s takes exactly one work item id", name)
	}
	return args[0], nil
}

func printDescriptor(env *environment, descriptor session.Descriptor) error {
	if env.asJSON {
		return writeJSON(env.stdout, descriptor)
	}
	w := env.stdout
	fmt.Fprintf(w, "work item:   %s\n", descriptor.WorkItemID)
	if descriptor.Title != "" {
		fmt.Fprintf(w, "title:       %s\n", descriptor.Title)
	}
	fmt.Fprintf(w, "state:       %s\n", descriptor.State)
	fmt.Fprintf(w, "role:        %s (%s)\n", descriptor.Role, descriptor.Tier)
	if descriptor.Pid != nil {
		fmt.Fprintf(w, "pid:         %d\n", *descriptor.Pid)
	}
	if descriptor.DurationSeconds != nil {
		fmt.Fprintf(w, "duration:    %s\n", seconds(*descriptor.DurationSeconds))
	}
	fmt.Fprintf(w, "output:      %d lines\n", descriptor.OutputLines)
	if descriptor.Error != nil {
		fmt.Fprintf(w, "error:       %s\n", *descriptor.Error)
	}
	return nil
}

func writeTable(w io.Writer, descriptors []session.Descriptor, now time.Time) error {
	if len(descriptors) == 0 {
		fmt.Fprintln(w, "no sessions")
		return nil
	}
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "WORK ITEM\tSTATE\tROLE\tAGE\tLINES\tTITLE")
	for _, descriptor := range descriptors {
		age := now.Sub(descriptor.CreatedAt).Truncate(time.Second)
		fmt.Fprintf(table, "%s\t%s\t%s\t%s\t%d\t%s\n",
			descriptor.WorkItemID,
			descriptor.State,
			descriptor.Role,
			age,
			descriptor.OutputLines,
			truncate(descriptor.Title, 48),
		)
	}
	return table.Flush()
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func seconds(value float64) string {
	return (time.Duration(value * float64(time.Second))).Truncate(time.Second).String()
}

func truncate(text string, width int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}

func deref(value *string) string {
	if value == nil {
		return "unknown error"
	}
	return *value
}
