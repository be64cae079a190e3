package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from disk whenever the watched file changes and
// publishes the new value to Changes. It is a narrower, single-file version
// of the teacher's directory-wide hot reloader: live metrics only ever has
// the one config file to watch.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu         sync.Mutex
	isWatching bool

	Changes chan Config
	Errors  chan error
}

// NewWatcher creates a Watcher for path. Call Start to begin watching.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		Changes: make(chan Config, 1),
		Errors:  make(chan error, 1),
	}, nil
}

// Start begins watching the config file's directory (fsnotify does not
// reliably notice changes to a single file across editors that replace it
// via rename, so the directory is watched instead) and runs until Stop is
// called.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.isWatching {
		w.mu.Unlock()
		return nil
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Unlock()
		return err
	}
	w.isWatching = true
	w.mu.Unlock()

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.Changes)
	defer close(w.Errors)

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.Errors <- err
				continue
			}
			w.Changes <- cfg
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Errors <- err
		}
	}
}

// Stop closes the underlying fsnotify watcher, which terminates loop.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}
