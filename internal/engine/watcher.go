package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/playbookd/internal/playbook"
	"github.com/fyrsmithlabs/playbookd/internal/store"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads the playbook whenever another process rewrites it.
// Atomic writes replace the file by rename, so the directory is watched
// and events are filtered by name.
type Watcher struct {
	store    *store.PlaybookStore
	watcher  *fsnotify.Watcher
	onChange func(*playbook.Playbook)
	debounce time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Watch starts a watcher on the engine's playbook. onChange receives every
// successfully reloaded playbook; corrupt or half-written states are
// logged and skipped. Call Stop to release it.
func (e *Engine) Watch(ctx context.Context, onChange func(*playbook.Playbook)) (*Watcher, error) {
	return newWatcher(ctx, e.store, onChange, defaultDebounce, e.logger)
}

func newWatcher(ctx context.Context, st *store.PlaybookStore, onChange func(*playbook.Playbook), debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fw.Add(filepath.Dir(st.Path())); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(st.Path()), err)
	}
	w := &Watcher{
		store:    st,
		watcher:  fw,
		onChange: onChange,
		debounce: debounce,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Stop ends the watch and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	name := filepath.Base(w.store.Path())

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("playbook watcher error", zap.Error(err))
		case <-timer.C:
			pb, err := w.store.Load(ctx)
			if err != nil {
				w.logger.Warn("reloading playbook", zap.Error(err))
				continue
			}
			w.logger.Debug("playbook reloaded", zap.Int("bullets", len(pb.Bullets)))
			w.onChange(pb)
		}
	}
}
