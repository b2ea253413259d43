package profile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Store when .conf files in its directory change.
type Watcher struct {
	Store    *Store
	Debounce time.Duration
	// OnReload is called after every reload attempt.
	OnReload func(LoadResult, error)
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("profile watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.Store.Dir()); err != nil {
		return fmt.Errorf("watch %s: %w", w.Store.Dir(), err)
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".conf" {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("profile directory changed", "event", ev.Op.String(), "file", ev.Name)
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				res, err := w.Store.Load(ctx)
				if err != nil {
					slog.Warn("profile reload failed", "err", err)
				}
				if w.OnReload != nil {
					w.OnReload(res, err)
				}
			})
			mu.Unlock()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("profile watcher error", "err", err)
		}
	}
}
