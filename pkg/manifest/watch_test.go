package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.yaml")
	other := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(path, []byte("web01: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 1)
	w := NewWatcher(zerolog.New(nil).Level(zerolog.Disabled), path, 20*time.Millisecond)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(context.Context) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Writes to siblings are ignored.
	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// The watch is registered asynchronously, so keep touching the file until it is seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for seen := false; !seen; {
		select {
		case <-changed:
			seen = true
		case <-tick.C:
			if err := os.WriteFile(path, []byte("web01: {}\ndb01: {}\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("manifest change was not reported")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestNewWatcherDefaultDebounce(t *testing.T) {
	w := NewWatcher(zerolog.New(nil), "hosts.yaml", 0)
	if w.debounce != 500*time.Millisecond {
		t.Errorf("debounce = %v, want 500ms", w.debounce)
	}
}
