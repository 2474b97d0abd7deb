// Package watch triggers a callback whenever a single file changes on disk.
package watch

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is the quiet period after the last event before reacting
const DefaultDebounce = 100 * time.Millisecond

// FileWatcher watches one file. The parent directory is watched instead of
// the file itself, so editors replacing the file through a rename are seen.
type FileWatcher struct {
	// Absolute path of the watched file
	path string
	// Underlying inotify handle
	watcher *fsnotify.Watcher
	// Collapses bursts of events
	debouncer *Debouncer
	// Closed to stop Watch
	stopChannel chan struct{}
	stopOnce    sync.Once
}

// NewFileWatcher creates a watcher for path. A debounce of zero uses DefaultDebounce.
func NewFileWatcher(path string, debounce time.Duration) (*FileWatcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't resolve path")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create watcher")
	}
	return &FileWatcher{
		path:        abs,
		watcher:     watcher,
		debouncer:   NewDebouncer(debounce),
		stopChannel: make(chan struct{}),
	}, nil
}

// Watch blocks until ctx is done or Stop is called, running onChange after
// every burst of changes to the file. Errors from onChange are logged.
func (w *FileWatcher) Watch(ctx context.Context, onChange func() error) error {
	defer w.debouncer.Stop()
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "couldn't watch %s", w.path)
	}
	logger := log.WithField("path", w.path)
	logger.Debug("Watching file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopChannel:
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			logger.WithField("op", event.Op.String()).Debug("File event")
			w.debouncer.Trigger(func() {
				logger.Info("File changed")
				if err := onChange(); err != nil {
					logger.WithError(err).Error("Couldn't process file change")
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			logger.WithError(err).Warn("Watcher error")
		}
	}
}

// Stop makes Watch return
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChannel)
	})
}

func (w *FileWatcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

// Debouncer runs the last triggered callback once no trigger arrived for the interval
type Debouncer struct {
	interval time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	callback func()
	stopped  bool
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger (re)arms the timer with callback
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.callback = callback
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	cb := d.callback
	d.callback = nil
	stopped := d.stopped
	d.mu.Unlock()
	if cb != nil && !stopped {
		cb()
	}
}

// Stop cancels a pending callback. Further triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.callback = nil
}
