// Package watcher reports modifications of a fixed set of files.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// Event reports that the file at Path changed and has been quiet for the
// debounce window.
type Event struct {
	Path string
	Time time.Time
}

// WatchError is a non-fatal problem with one watched path.
type WatchError struct {
	Path string
	Err  error
}

func (e *WatchError) Error() string { return fmt.Sprintf("watch %s: %v", e.Path, e.Err) }
func (e *WatchError) Unwrap() error { return e.Err }

type Options struct {
	// Debounce collapses writes to one path closer together than this.
	Debounce time.Duration
	// Poll is how often directories that could not be watched are retried.
	Poll time.Duration
}

func DefaultOptions() Options {
	return Options{Debounce: 150 * time.Millisecond, Poll: 500 * time.Millisecond}
}

var errRunning = errors.New("watcher is already running")

// Watcher watches the parent directory of every path rather than the files
// themselves, so editors that save by renaming a temporary file still
// produce events.
type Watcher struct {
	opts   Options
	paths  map[string]bool     // absolute path -> watched
	dirs   map[string][]string // directory -> absolute paths in it
	events chan Event
	log    *log.Logger

	running   atomic.Bool
	readyOnce sync.Once
	ready     chan struct{}
}

func New(paths []string, opts Options) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("no paths to watch")
	}
	w := &Watcher{
		opts:   opts,
		paths:  make(map[string]bool),
		dirs:   make(map[string][]string),
		events: make(chan Event, len(paths)),
		log:    log.WithPrefix("watcher"),
		ready:  make(chan struct{}),
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if w.paths[abs] {
			continue
		}
		w.paths[abs] = true
		dir := filepath.Dir(abs)
		w.dirs[dir] = append(w.dirs[dir], abs)
	}
	return w, nil
}

// Events delivers one Event per settled change. Paths are absolute.
func (w *Watcher) Events() <-chan Event { return w.events }

// Run watches until ctx is cancelled. It can be called again after it
// returns; changes made while it is not running are not reported.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errRunning
	}
	defer w.running.Store(false)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	done := make(chan struct{})
	defer close(done)
	fire := make(chan string, len(w.paths))
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Reset(w.opts.Debounce)
			return
		}
		timers[path] = time.AfterFunc(w.opts.Debounce, func() {
			select {
			case fire <- path:
			case <-done:
			}
		})
	}

	armed := make(map[string]bool)
	warned := make(map[string]bool)
	arm := func() {
		for dir, files := range w.dirs {
			if armed[dir] {
				continue
			}
			if err := fw.Add(dir); err != nil {
				if !warned[dir] {
					w.log.Warn("directory not watchable, retrying", "err", &WatchError{Path: dir, Err: err})
					warned[dir] = true
				}
				continue
			}
			armed[dir] = true
			if warned[dir] {
				// Files may have appeared together with the directory.
				w.log.Info("watching again", "dir", dir)
				delete(warned, dir)
				for _, f := range files {
					if _, err := os.Stat(f); err == nil {
						schedule(f)
					}
				}
			}
		}
	}

	for p := range w.paths {
		if _, err := os.Stat(p); err != nil {
			w.log.Warn("watched file is missing", "err", &WatchError{Path: p, Err: err})
		}
	}
	arm()
	w.readyOnce.Do(func() { close(w.ready) })

	poll := time.NewTicker(w.opts.Poll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return errors.New("fsnotify event stream closed")
			}
			name := filepath.Clean(ev.Name)
			if _, isDir := w.dirs[name]; isDir && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
				w.log.Warn("watched directory went away", "err", &WatchError{Path: name, Err: os.ErrNotExist})
				_ = fw.Remove(name)
				armed[name] = false
				warned[name] = true
				continue
			}
			if !w.paths[name] {
				continue
			}
			switch {
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				schedule(name)
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				w.log.Debug("watched file removed", "path", name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return errors.New("fsnotify error stream closed")
			}
			w.log.Warn("watch error", "err", err)

		case <-poll.C:
			arm()

		case path := <-fire:
			// A file that vanished during the window is reported when it
			// comes back.
			if _, err := os.Stat(path); err != nil {
				w.log.Warn("changed file is missing", "err", &WatchError{Path: path, Err: err})
				continue
			}
			select {
			case w.events <- Event{Path: path, Time: time.Now()}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
