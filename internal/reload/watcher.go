package reload

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval collapses the burst of events a single touch produces.
const debounceInterval = 50 * time.Millisecond

// Checker is anything that can check its marker and trigger a restart.
// Wrapper and Factory both satisfy it.
type Checker interface {
	CheckRestart() bool
}

// Watcher triggers restart checks when a marker file changes, so a touched
// marker is picked up without waiting for the next request.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.RWMutex
	targets map[string][]Checker
	dirs    map[string]bool

	started  atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a stopped watcher.
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		watcher: fw,
		logger:  logger,
		targets: make(map[string][]Checker),
		dirs:    make(map[string]bool),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Add calls c.CheckRestart whenever the marker at path is created or
// modified. The marker's directory is watched, and created if missing, so
// the marker itself need not exist yet.
func (w *Watcher) Add(path string, c Checker) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve marker path: %w", err)
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirs[dir] {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create marker dir: %w", err)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.targets[abs] = append(w.targets[abs], c)
	return nil
}

// Start begins processing file events.
func (w *Watcher) Start() {
	if w.started.CompareAndSwap(false, true) {
		go w.loop()
	}
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	if w.started.Load() {
		<-w.done
	}
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)

	debounce := time.NewTimer(debounceInterval)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := make(map[string]bool)

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// touch on an existing file only changes attributes.
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Chmod) {
				continue
			}
			if w.watched(ev.Name) {
				pending[ev.Name] = true
				debounce.Reset(debounceInterval)
			}

		case <-debounce.C:
			for path := range pending {
				w.fire(path)
			}
			clear(pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("marker watcher error", "error", err)
		}
	}
}

func (w *Watcher) watched(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.targets[path]
	return ok
}

func (w *Watcher) fire(path string) {
	w.mu.RLock()
	checkers := append([]Checker(nil), w.targets[path]...)
	w.mu.RUnlock()

	for _, c := range checkers {
		if c.CheckRestart() {
			w.logger.Info("marker changed, restart triggered", "marker", path)
		}
	}
}
