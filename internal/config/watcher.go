package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file on change and hands the validated
// result to a callback. Invalid reloads are logged and skipped so a
// half-saved file never takes down a running instance.
type Watcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a config file watcher.
func NewWatcher(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{logger: logger.With("component", "config.Watcher")}
}

// Watch starts an fsnotify watcher on the given config file. On every
// write or create of that file the config is reloaded, validated, and
// passed to onChange. Call Stop to clean up.
func (w *Watcher) Watch(path string, onChange func(*Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		w.stopLocked()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor
	// rename-and-replace patterns (e.g. vim, nano).
	dir := filepath.Dir(absPath)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.watcher = fw
	w.done = make(chan struct{})

	go w.watchLoop(fw, w.done, absPath, onChange)

	w.logger.Info("watching config for changes", "path", absPath)
	return nil
}

func (w *Watcher) watchLoop(fw *fsnotify.Watcher, done chan struct{}, targetPath string, onChange func(*Config)) {
	defer close(done)

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				cfg, err := Load(targetPath)
				if err != nil {
					w.logger.Error("config reload failed, keeping previous config", "path", targetPath, "error", err)
					continue
				}
				w.logger.Info("config file changed, applying", "path", targetPath)
				onChange(cfg)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

// Stop stops the watcher, if running.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *Watcher) stopLocked() {
	if w.watcher != nil {
		_ = w.watcher.Close()
		if w.done != nil {
			<-w.done
		}
		w.watcher = nil
		w.done = nil
	}
}
