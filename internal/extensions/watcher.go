package extensions

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/pith-agent/pith/internal/logging"
)

// Watcher monitors the extension and remote-config directories and
// fires a debounced callback when their contents change, so an agent
// that just wrote a new tool can use it on the next turn.
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func()
	stopCh   chan struct{}

	mu           sync.Mutex
	pendingTimer *time.Timer
}

// NewWatcher creates a directory watcher. A non-positive debounce falls
// back to 500ms.
func NewWatcher(debounce time.Duration, onChange func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:  fsWatcher,
		debounce: debounce,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}, nil
}

// WatchDirs adds directories to watch. Missing directories are logged
// and skipped; the rest keep working.
func (w *Watcher) WatchDirs(dirs []string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			L_warn("extensions: failed to watch directory", "path", dir, "error", err)
			continue
		}
		L_debug("extensions: watching directory", "path", dir)
	}
	return nil
}

// Start begins watching. Spawns the event loop goroutine.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("extensions: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relevant := event.Op&fsnotify.Write != 0 ||
		event.Op&fsnotify.Create != 0 ||
		event.Op&fsnotify.Remove != 0 ||
		event.Op&fsnotify.Rename != 0 ||
		event.Op&fsnotify.Chmod != 0

	if !relevant {
		return
	}

	L_debug("extensions: directory changed", "path", event.Name, "op", event.Op.String())
	w.trigger()
}

// trigger schedules the callback, resetting the window on each new
// event so a burst of writes produces one refresh.
func (w *Watcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.pendingTimer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		w.pendingTimer = nil
		w.mu.Unlock()

		L_info("extensions: changes detected, refreshing")
		if w.onChange != nil {
			w.onChange()
		}
	})
}

// Stop halts watching and cancels any pending trigger.
func (w *Watcher) Stop() error {
	close(w.stopCh)

	w.mu.Lock()
	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}
