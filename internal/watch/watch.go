// Package watch converts acquisition files as they land in a directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"scenesplit/internal/fsutil"
)

// LockName is the lock file created in a watched directory.
const LockName = ".scenesplit.lock"

// ErrLocked means another watcher holds the directory.
var ErrLocked = errors.New("directory is already watched")

// Handler converts one stable acquisition file.
type Handler func(ctx context.Context, path string) error

// Options configure a Watcher.
type Options struct {
	Dir        string
	Extensions []string
	// Settle is how long a file's size must stay unchanged before it is
	// handed to the Handler.
	Settle time.Duration
	// Existing also queues acquisition files already present at start.
	Existing bool
	Logger   *slog.Logger
}

type pending struct {
	size    int64
	changed time.Time
}

// Watcher monitors one directory.
type Watcher struct {
	opts    Options
	log     *slog.Logger
	lock    *flock.Flock
	pending map[string]pending
}

// New validates opts. The directory is locked by Run.
func New(opts Options) (*Watcher, error) {
	st, err := os.Stat(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("watch dir %s is not a directory", opts.Dir)
	}
	if opts.Settle <= 0 {
		opts.Settle = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		opts:    opts,
		log:     opts.Logger.With("watch", opts.Dir),
		lock:    flock.New(filepath.Join(opts.Dir, LockName)),
		pending: make(map[string]pending),
	}, nil
}

// Run watches until ctx is done. Handler failures are logged and never stop
// the watcher; files are handled one at a time.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, w.opts.Dir)
	}
	defer func() {
		if err := w.lock.Unlock(); err != nil {
			w.log.Warn("failed to release watch lock", "error", err)
		}
	}()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.opts.Dir); err != nil {
		return err
	}
	w.log.Info("watching directory", "settle", w.opts.Settle.String())

	if w.opts.Existing {
		files, err := fsutil.ListAcquisitions(w.opts.Dir, w.opts.Extensions)
		if err != nil {
			return err
		}
		for _, f := range files {
			w.touch(f)
		}
	}

	tick := w.opts.Settle / 4
	if tick < 20*time.Millisecond {
		tick = 20 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.event(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		case <-ticker.C:
			for _, path := range w.stable(time.Now()) {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Info("acquisition ready", "path", path)
				if err := handle(ctx, path); err != nil {
					w.log.Error("conversion failed", "path", path, "error", err)
				}
			}
		}
	}
}

func (w *Watcher) event(ev fsnotify.Event) {
	if !fsutil.IsAcquisitionFile(ev.Name, w.opts.Extensions) {
		return
	}
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.touch(ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(w.pending, ev.Name)
	}
}

// touch (re)starts the settle clock of path.
func (w *Watcher) touch(path string) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return
	}
	w.pending[path] = pending{size: st.Size(), changed: time.Now()}
}

// stable returns pending files whose size has not changed for the settle
// interval and forgets them.
func (w *Watcher) stable(now time.Time) []string {
	var ready []string
	for path, p := range w.pending {
		st, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if st.Size() != p.size {
			w.pending[path] = pending{size: st.Size(), changed: now}
			continue
		}
		if now.Sub(p.changed) >= w.opts.Settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(ready)
	return ready
}
