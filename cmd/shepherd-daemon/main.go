// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Shepherd-daemon is the long-running process that spawns, watches,
// and terminates worker sessions. It serves the CBOR management socket
// used by the shepherd CLI and an HTTP API with the terminal relay's
// WebSocket endpoint.
//
// Usage:
//
//	shepherd-daemon [--config shepherd.yaml] [--log-level info] [--log-format text]
//
// Without --config the path comes from SHEPHERD_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/shepherd/api"
	"github.com/bureau-foundation/shepherd/lib/clock"
	"github.com/bureau-foundation/shepherd/lib/config"
	"github.com/bureau-foundation/shepherd/lib/process"
	"github.com/bureau-foundation/shepherd/lib/role"
	"github.com/bureau-foundation/shepherd/lib/service"
	"github.com/bureau-foundation/shepherd/lib/version"
	"github.com/bureau-foundation/shepherd/lib/workitem"
	"github.com/bureau-foundation/shepherd/observe"
	"github.com/bureau-foundation/shepherd/session"
)

// archiveInterval is how often ended terminal logs are checked for
// archival.
const archiveInterval = time.Hour

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("shepherd-daemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to shepherd.yaml (default: $SHEPHERD_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("shepherd-daemon")
		return nil
	}

	logger, err := newLogger(os.Stderr, logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}
	durations := cfg.Durations()

	roles, err := loadRoles(cfg.Paths.RoleOverrides)
	if err != nil {
		return err
	}

	clk := clock.Real()

	var relay *observe.Relay
	if cfg.Terminals() {
		relay, err = observe.NewRelay(observe.Config{
			Directory:         cfg.Paths.Terminals,
			Platform:          observe.LinuxPlatform{},
			Clock:             clk,
			Logger:            logger.With("component", "relay"),
			MaxBufferBytes:    cfg.Terminal.MaxBufferBytes,
			RetainBufferBytes: cfg.Terminal.RetainBufferBytes,
			Rows:              uint16(cfg.Terminal.Rows),
			Cols:              uint16(cfg.Terminal.Cols),
			ReadBackoff:       durations.ReadBackoff,
			KillGrace:         durations.KillGrace,
		})
		if err != nil {
			return fmt.Errorf("creating terminal relay: %w", err)
		}
		defer relay.Close()
	}

	manager, err := session.NewManager(session.Options{
		Store:              newStore(cfg.Tracker, logger),
		Roles:              roles,
		Relay:              relay,
		StateDirectory:     cfg.Paths.State,
		TerminalDirectory:  cfg.Paths.Terminals,
		LearningsPath:      cfg.Paths.Learnings,
		LearningsTailLines: cfg.Sessions.LearningsTailLines,
		WorktreeDirectory:  cfg.Paths.Worktrees,
		WorkDirectory:      cfg.Tracker.Directory,
		WorkerCommand:      cfg.Sessions.WorkerCommand,
		Model:              cfg.Sessions.Model,
		MaxConcurrent:      cfg.Sessions.MaxConcurrent,
		Heartbeat:          durations.Heartbeat,
		StuckHeartbeats:    cfg.Sessions.StuckHeartbeats,
		KillGrace:          durations.KillGrace,
		AutoClose:          cfg.AutoClose(),
		Clock:              clk,
		Logger:             logger.With("component", "sessions"),
	})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}
	defer manager.Close()

	if err := manager.Recover(); err != nil {
		return fmt.Errorf("recovering sessions: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	socketServer := service.NewSocketServer(cfg.Paths.Socket, logger.With("component", "socket"))
	manager.RegisterActions(socketServer)
	socketDone := make(chan error, 1)
	go func() {
		socketDone <- socketServer.Serve(ctx)
	}()

	routerOptions := api.Options{
		Sessions: manager,
		Clock:    clk,
		Logger:   logger.With("component", "http"),
	}
	if relay != nil {
		routerOptions.Terminals = relay
		routerOptions.WebSocket = observe.NewServer(relay, observe.ServerConfig{
			Logger:         logger.With("component", "websocket"),
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		})
		go archiveLoop(ctx, relay, clk, durations.ArchiveAfter, logger)
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.HTTP.Listen, err)
	}
	httpServer := &http.Server{
		Handler:           api.NewRouter(routerOptions),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpDone := make(chan error, 1)
	go func() {
		httpDone <- httpServer.Serve(listener)
	}()

	logger.Info("shepherd daemon running",
		"version", version.Info(),
		"socket", cfg.Paths.Socket,
		"http", listener.Addr().String(),
		"terminals", relay != nil,
		"max_concurrent", cfg.Sessions.MaxConcurrent,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-socketDone:
		serveErr = fmt.Errorf("management socket: %w", err)
	case err := <-httpDone:
		serveErr = fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	return serveErr
}

func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadRoles(overridePath string) (*role.Table, error) {
	roles := role.Default()
	if overridePath == "" {
		return roles, nil
	}
	if _, err := os.Stat(overridePath); errors.Is(err, os.ErrNotExist) {
		return roles, nil
	}
	overrides, err := role.LoadOverrides(overridePath)
	if err != nil {
		return nil, err
	}
	return roles.WithOverrides(overrides)
}

func newStore(tracker config.TrackerConfig, logger *slog.Logger) workitem.Store {
	if tracker.Kind == "file" {
		return &workitem.FileStore{Path: tracker.File}
	}
	return &workitem.BeadsStore{
		Command:   tracker.Command,
		Directory: tracker.Directory,
		Logger:    logger.With("component", "tracker"),
	}
}

// archiveLoop compresses ended terminal logs at startup and then every
// archiveInterval.
func archiveLoop(ctx context.Context, relay *observe.Relay, clk clock.Clock, olderThan time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(archiveInterval)
	defer ticker.Stop()
	for {
		archived, err := relay.ArchiveLogs(olderThan)
		if err != nil {
			logger.Warn("terminal log archival failed", "error", err)
		} else if archived > 0 {
			logger.Info("terminal logs archived", "count", archived)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
