package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/statekeeper/internal/catalog"
)

func TestRunSeedCommandDefault(t *testing.T) {
	// Empty home: falls back to the embedded default, which must be valid.
	if code := runSeedCommand(t.TempDir(), nil); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunSeedCommandExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.yaml")
	if err := os.WriteFile(path, catalog.DefaultSeed, 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if code := runSeedCommand(t.TempDir(), []string{path}); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestRunSeedCommandRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lifecycle.yaml")
	bad := []byte(`
version: 1
categories:
  task:
    statuses:
      - code: task_pending
      - code: task_orphan
    transitions:
      - to: task_pending
`)
	if err := os.WriteFile(path, bad, 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	if code := runSeedCommand(t.TempDir(), []string{path}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestRunSeedCommandTooManyArgs(t *testing.T) {
	if code := runSeedCommand(t.TempDir(), []string{"a", "b"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}
