package watch

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teotikalki/laminar/internal/logging"
)

// Watcher observes configuration directories and invokes a callback after
// changes settle. Events are debounced so an editor writing several files
// triggers a single reload.
type Watcher struct {
	fsw      *fsnotify.Watcher
	onChange func()
	cancel   context.CancelFunc
}

const debounce = 200 * time.Millisecond

// New starts watching the given directories. Directories that do not exist
// are skipped with a warning.
func New(dirs []string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			logging.Warn(context.Background(), "not watching directory",
				zap.String("dir", dir), zap.Error(err))
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{fsw: fsw, onChange: onChange, cancel: cancel}
	go w.loop(ctx)
	return w, nil
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Warn(ctx, "config watch error", zap.Error(err))
		case <-fire:
			timer = nil
			fire = nil
			w.onChange()
		}
	}
}

func (w *Watcher) Close() error {
	w.cancel()
	return w.fsw.Close()
}
