package backend

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 100 * time.Millisecond

// Watcher publishes debounced "fs:changed" events for the workspace so
// clients can refresh file views while an agent edits the tree.
type Watcher struct {
	hub     *Hub
	workDir string
	watcher *fsnotify.Watcher
	done    chan struct{}

	timerMu  sync.Mutex
	timerMap map[string]*time.Timer
}

// ChangePayload describes one filesystem change, with Path relative to the
// workspace root.
type ChangePayload struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}

// NewWatcher creates a watcher over workDir publishing to hub.
func NewWatcher(hub *Hub, workDir string) *Watcher {
	return &Watcher{
		hub:      hub,
		workDir:  workDir,
		done:     make(chan struct{}),
		timerMap: make(map[string]*time.Timer),
	}
}

func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher
	if err := watcher.Add(w.workDir); err != nil {
		watcher.Close()
		return err
	}

	go w.eventLoop()
	slog.Info("workspace watcher started", "workDir", w.workDir)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.timerMu.Lock()
	for _, timer := range w.timerMap {
		timer.Stop()
	}
	w.timerMap = make(map[string]*time.Timer)
	w.timerMu.Unlock()
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.debounce(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("workspace watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// debounce coalesces rapid writes to the same path into one event.
func (w *Watcher) debounce(event fsnotify.Event) {
	rel, err := filepath.Rel(w.workDir, event.Name)
	if err != nil {
		rel = event.Name
	}
	op := event.Op.String()

	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if timer, exists := w.timerMap[rel]; exists {
		timer.Stop()
	}
	w.timerMap[rel] = time.AfterFunc(debounceInterval, func() {
		w.timerMu.Lock()
		delete(w.timerMap, rel)
		w.timerMu.Unlock()
		w.hub.Publish("fs:changed", ChangePayload{Path: rel, Op: op})
	})
}
