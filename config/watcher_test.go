package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherObservesFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("cardinalityLimit: 100\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("cardinalityLimit: 250\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-w.Changes:
		if cfg.CardinalityLimit != 250 {
			t.Fatalf("expected reloaded cardinalityLimit 250, got %d", cfg.CardinalityLimit)
		}
	case err := <-w.Errors:
		t.Fatalf("unexpected watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for config change notification")
	}
}
