// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	saved := GitCommit + "|" + GitDirty + "|" + BuildTime
	t.Cleanup(func() {
		parts := strings.Split(saved, "|")
		GitCommit, GitDirty, BuildTime = parts[0], parts[1], parts[2]
	})

	GitCommit, GitDirty, BuildTime = "abc1234", "true", "2026-03-01T00:00:00Z"
	if got, want := Info(), Version+" (abc1234-dirty, 2026-03-01T00:00:00Z)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "false"
	var buffer bytes.Buffer
	Fprint(&buffer, "shepherd")
	if got, want := buffer.String(), "shepherd "+Version+" (abc1234, 2026-03-01T00:00:00Z)\n"; got != want {
		t.Errorf("Fprint = %q, want %q", got, want)
	}
	if !strings.Contains(Full(), "Go: go") {
		t.Errorf("Full() = %q, want the Go version", Full())
	}
}
