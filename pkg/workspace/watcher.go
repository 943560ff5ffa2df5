package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// FileEventCallback is invoked with the changed path once the file has
// settled.
type FileEventCallback func(path string)

// Watcher monitors a session workspace for files written by sandboxed
// commands, debouncing rapid writes so callbacks fire once per settled
// file.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	settle   time.Duration
	onChange FileEventCallback
	onDelete FileEventCallback
	done     chan struct{}
	timers   map[string]*time.Timer
	timersMu sync.Mutex
	stopOnce sync.Once
}

// WatcherConfig configures a workspace watcher.
type WatcherConfig struct {
	Dir      string
	Settle   time.Duration
	OnChange FileEventCallback
	OnDelete FileEventCallback
}

// NewWatcher creates a watcher for the given directory.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if cfg.Settle == 0 {
		cfg.Settle = 100 * time.Millisecond
	}
	return &Watcher{
		watcher:  fw,
		dir:      cfg.Dir,
		settle:   cfg.Settle,
		onChange: cfg.OnChange,
		onDelete: cfg.OnDelete,
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Subdirectories present at start are included,
// and directories created later are added as they appear.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	go w.eventLoop()
	log.Info().Str("path", w.dir).Msg("Workspace watcher started")
	return nil
}

// Stop closes the watcher and cancels pending callbacks.
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })

	w.timersMu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	clear(w.timers)
	w.timersMu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Workspace watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
			return
		}
		w.debounce(event.Name, w.onChange)
		return
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && w.onDelete != nil {
		w.onDelete(event.Name)
	}
}

// debounce resets the per-path timer so the callback runs only after
// writes stop for the settle window.
func (w *Watcher) debounce(path string, cb FileEventCallback) {
	if cb == nil {
		return
	}
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		select {
		case <-w.done:
			return
		default:
		}
		cb(path)
		w.timersMu.Lock()
		delete(w.timers, path)
		w.timersMu.Unlock()
	})
}
