// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bureau-foundation/shepherd/lib/clock"
	"github.com/bureau-foundation/shepherd/session"
)

// Sessions is the session manager as the HTTP API uses it.
type Sessions interface {
	Spawn(ctx context.Context, workItemID string) (*session.Session, error)
	Terminate(workItemID string, force bool) error
	Get(workItemID string) (*session.Session, error)
	List(activeOnly bool) []session.Session
	Stats() session.Stats
}

// Terminals serves terminal history.
type Terminals interface {
	GetBuffer(workItemID string) ([]byte, error)
}

// Options configures [NewRouter].
type Options struct {
	Sessions Sessions

	// Terminals and WebSocket are nil when workers do not run on
	// terminals; their routes then answer 404.
	Terminals Terminals
	WebSocket http.Handler

	Clock  clock.Clock
	Logger *slog.Logger
}

// NewRouter builds the management HTTP API.
func NewRouter(options Options) *chi.Mux {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(options.Logger, options.Clock))
	r.Use(Recovery(options.Logger))

	sessions := &sessionHandler{sessions: options.Sessions, clock: options.Clock, logger: options.Logger}
	r.Get("/healthz", sessions.Health)
	r.Get("/stats", sessions.Stats)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", sessions.List)
		r.Get("/{id}", sessions.Get)
		r.Post("/{id}/spawn", sessions.Spawn)
		r.Post("/{id}/terminate", sessions.Terminate)
	})

	if options.Terminals != nil {
		terminals := &terminalHandler{terminals: options.Terminals}
		r.Get("/terminals/{id}/buffer", terminals.Buffer)
	}
	if options.WebSocket != nil {
		r.Handle("/ws", options.WebSocket)
	}
	return r
}
