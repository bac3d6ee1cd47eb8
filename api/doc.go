// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api serves the daemon's HTTP interface: session management
// as JSON, raw terminal history, and the relay's WebSocket endpoint at
// /ws. Spawn rejections map to 409 for capacity and 404 for a missing
// work item.
package api
