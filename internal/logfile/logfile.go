// Package logfile provides the log-destination writer for file-based
// logging: an io.Writer that appends to a configured path and transparently
// reopens it after external rotation (rename or removal by logrotate and
// friends), detected via fsnotify.
package logfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Writer appends to a file and survives rotation. Safe for concurrent use;
// slog handlers serialize through it.
type Writer struct {
	path string

	mu sync.Mutex
	f  *os.File

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open opens (creating if needed) the file at path for appending and starts
// watching its directory for rotation.
func Open(path string) (*Writer, error) {
	w := &Writer{path: path, done: make(chan struct{})}
	if err := w.reopen(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = w.f.Close()
		return nil, fmt.Errorf("log watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		_ = w.f.Close()
		return nil, fmt.Errorf("log watcher add: %w", err)
	}
	w.watcher = watcher

	go w.watch()
	return w, nil
}

func (w *Writer) watch() {
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Name != w.path {
				continue
			}
			if evt.Op.Has(fsnotify.Rename) || evt.Op.Has(fsnotify.Remove) {
				// Rotated out from under us; drop the old handle and append
				// to a fresh file at the configured path.
				if err := w.reopen(); err != nil {
					fmt.Fprintf(os.Stderr, "logfile: reopen %s: %v\n", w.path, err)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "logfile: watch %s: %v\n", w.path, err)
		}
	}
}

func (w *Writer) reopen() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.mu.Lock()
	old := w.f
	w.f = f
	w.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return 0, os.ErrClosed
	}
	return w.f.Write(p)
}

// Close stops the watcher and closes the file. Further writes fail.
func (w *Writer) Close() error {
	close(w.done)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
