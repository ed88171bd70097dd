package main

import (
	"os"
	"path/filepath"
	"testing"

	"upatch-build/internal/buildctx"
)

// withArgs temporarily replaces os.Args for the duration of fn.
func withArgs(t *testing.T, args []string, fn func()) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"upatch-build"}, args...)
	defer func() { os.Args = old }()
	fn()
}

func TestRunMissingRequiredFlags(t *testing.T) {
	var code int
	withArgs(t, nil, func() {
		code = run()
	})
	if code != buildctx.ExitMissingArgument {
		t.Errorf("run() with no flags = %d, want ExitMissingArgument (%d)", code, buildctx.ExitMissingArgument)
	}
}

func TestRunUnreadableInputMapsToIOFailure(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist.o")

	var code int
	withArgs(t, []string{
		"--source", missing,
		"--patched", missing,
		"--running", missing,
		"--output", filepath.Join(dir, "out.o"),
	}, func() {
		code = run()
	})
	if code != buildctx.ExitIOFailure {
		t.Errorf("run() with unreadable source = %d, want ExitIOFailure (%d)", code, buildctx.ExitIOFailure)
	}
}
