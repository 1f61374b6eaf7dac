package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcherHandlesStableAcquisitions(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.czi")
	if err := os.WriteFile(existing, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := New(Options{Dir: dir, Settle: 50 * time.Millisecond, Existing: true, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 8)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(ctx context.Context, path string) error {
			handled <- filepath.Base(path)
			if filepath.Base(path) == "old.czi" {
				return errors.New("conversion failed")
			}
			return nil
		})
	}()

	// Give the watcher time to register before creating files.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new.h5"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case name := <-handled:
			got[name] = true
		case <-timeout:
			t.Fatalf("handled only %v", got)
		}
	}
	if !got["old.czi"] || !got["new.h5"] {
		t.Fatalf("handled %v", got)
	}
	select {
	case name := <-handled:
		t.Fatalf("unexpected extra handling of %s", name)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestSecondWatcherIsLockedOut(t *testing.T) {
	dir := t.TempDir()
	first, err := New(Options{Dir: dir, Settle: time.Second, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- first.Run(ctx, func(context.Context, string) error { return nil }) }()

	lockPath := filepath.Join(dir, LockName)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(lockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock file never created")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	second, err := New(Options{Dir: dir, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Run(context.Background(), nil); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	cancel()
	<-done
}

func TestNewRejectsMissingDir(t *testing.T) {
	if _, err := New(Options{Dir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected error")
	}
}
