// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is shepherd's single CBOR configuration.
//
// JSON is used wherever a file or message leaves the process for
// something that is not shepherd: session descriptors, live terminal
// descriptors, the WebSocket relay protocol, and the HTTP API. CBOR is
// used on the management socket between the daemon and the shepherd
// CLI. Types shared by both (session.Session, session.Stats) carry json
// tags only; fxamacker/cbor falls back to them.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2) and
// writes timestamps as RFC 3339 strings with nanoseconds so they
// survive a round trip unchanged.
package codec
