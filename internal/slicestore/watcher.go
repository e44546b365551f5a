package slicestore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/Montimage/maip-sub000/internal/logging"
)

// Watcher raises a wake-up signal whenever a slice file lands in the watched
// session directory. Signals coalesce: at most one is pending at a time.
type Watcher struct {
	fs      *fsnotify.Watcher
	pattern string
	wake    chan struct{}
	log     *slog.Logger

	mu  sync.Mutex
	dir string

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher for files matching pattern.
func NewWatcher(pattern string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fs:      fw,
		pattern: pattern,
		wake:    make(chan struct{}, 1),
		log:     logging.Component("slicewatch"),
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Watch switches the watcher to dir, creating it if needed.
func (w *Watcher) Watch(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dir == dir {
		return nil
	}
	if w.dir != "" {
		_ = w.fs.Remove(w.dir)
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch '%s': %w", dir, err)
	}
	w.dir = dir
	return nil
}

// Wake returns the coalesced wake-up channel.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if ok, _ := filepath.Match(w.pattern, filepath.Base(ev.Name)); !ok {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "err", err)
		}
	}
}
