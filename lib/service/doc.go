// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the management socket: a CBOR
// request-response protocol on a Unix socket.
//
// Each connection carries exactly one request and one response. A
// request is a CBOR map with an "action" field plus action-specific
// fields; the response is a [Response] envelope. [SocketServer]
// dispatches by action to registered [ActionFunc] handlers, and
// [Client] is the matching caller used by the shepherd CLI.
//
// Access control is the socket file's permissions: the socket is
// created mode 0600, so only the daemon's user can connect.
package service
