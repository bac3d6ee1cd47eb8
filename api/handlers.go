// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bureau-foundation/shepherd/lib/clock"
	"github.com/bureau-foundation/shepherd/observe"
	"github.com/bureau-foundation/shepherd/session"
)

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
	Active int    `json:"active"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// statusFor maps manager and relay errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAtCapacity), errors.Is(err, session.ErrRoleAtCapacity):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrWorkItemNotFound),
		errors.Is(err, observe.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidWorkItemID):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed), errors.Is(err, observe.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// flag reads a boolean query parameter; "1" and "true" are set.
func flag(r *http.Request, name string) bool {
	value, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && value
}

type sessionHandler struct {
	sessions Sessions
	clock    clock.Clock
	logger   *slog.Logger
}

func (h *sessionHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Active: len(h.sessions.List(true)),
	})
}

func (h *sessionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Stats())
}

// List handles GET /sessions.
func (h *sessionHandler) List(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	sessions := h.sessions.List(flag(r, "active"))
	descriptors := make([]session.Descriptor, len(sessions))
	for i, listed := range sessions {
		descriptors[i] = listed.Descriptor(now)
	}
	writeJSON(w, http.StatusOK, descriptors)
}

// Get handles GET /sessions/{id}.
func (h *sessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	found, err := h.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, found.Descriptor(h.clock.Now()))
}

// Spawn handles POST /sessions/{id}/spawn. A launch failure is not an
// HTTP error: the failed session is returned.
func (h *sessionHandler) Spawn(w http.ResponseWriter, r *http.Request) {
	workItemID := chi.URLParam(r, "id")
	spawned, err := h.sessions.Spawn(r.Context(), workItemID)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("spawn failed", "work_item_id", workItemID, "error", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, spawned.Descriptor(h.clock.Now()))
}

// Terminate handles POST /sessions/{id}/terminate.
func (h *sessionHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	workItemID := chi.URLParam(r, "id")
	if err := h.sessions.Terminate(workItemID, flag(r, "force")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	terminated, err := h.sessions.Get(workItemID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, terminated.Descriptor(h.clock.Now()))
}

type terminalHandler struct {
	terminals Terminals
}

// Buffer handles GET /terminals/{id}/buffer: the raw buffered output
// of a live terminal, or the tail of its log once it has ended.
func (h *terminalHandler) Buffer(w http.ResponseWriter, r *http.Request) {
	data, err := h.terminals.GetBuffer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
