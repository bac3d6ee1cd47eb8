// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for shepherd.
//
// Configuration is loaded from a single file specified by either the
// SHEPHERD_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// The file may carry development and production sections that
// override base values when [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${SHEPHERD_ROOT}, and ${VAR:-default} patterns are expanded.
// Default paths are expressed relative to ${SHEPHERD_ROOT}, so setting
// paths.root moves everything that is not set explicitly.
//
// Durations are kept as strings and checked by [Config.Validate];
// [Config.Durations] returns them parsed.
//
// This package depends on no other shepherd packages.
package config
