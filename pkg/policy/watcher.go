package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 300 * time.Millisecond

// Watcher reloads catalog profiles when their policy files change.
type Watcher struct {
	catalog  *Catalog
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	debounce map[string]*time.Timer
	delay    time.Duration
	logger   *slog.Logger
}

func NewWatcher(catalog *Catalog) *Watcher {
	return &Watcher{catalog: catalog, debounce: make(map[string]*time.Timer), delay: debounceDelay}
}

func (w *Watcher) SetLogger(logger *slog.Logger) {
	w.logger = logger
}

// Start watches until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Watch(); err != nil {
		return err
	}
	return w.Run(ctx)
}

// Watch registers the directories holding every profile source. Directories
// are watched rather than files so that editors replacing a file by rename
// are still observed.
func (w *Watcher) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	for _, dir := range w.catalog.sourceDirs() {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.watcher = watcher
	return nil
}

// Run processes filesystem events. Watch must have been called.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			_ = w.watcher.Close()
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !shouldReload(event) {
				continue
			}
			for _, profile := range w.catalog.profilesFor(event.Name) {
				w.scheduleReload(profile)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logError("policy_watcher_error", "error", err)
		}
	}
}

func shouldReload(event fsnotify.Event) bool {
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) scheduleReload(profile string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.debounce[profile]; ok {
		timer.Stop()
	}
	w.debounce[profile] = time.AfterFunc(w.delay, func() {
		w.mu.Lock()
		delete(w.debounce, profile)
		w.mu.Unlock()

		if err := w.catalog.Reload(profile); err != nil {
			w.logError("policy_reload_failed", "profile", profile, "error", err)
			return
		}
		w.logInfo("policy_reloaded", "profile", profile, "path", w.catalog.Source(profile))
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for profile, timer := range w.debounce {
		timer.Stop()
		delete(w.debounce, profile)
	}
}

func (w *Watcher) logInfo(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Info(msg, args...)
	}
}

func (w *Watcher) logError(msg string, args ...any) {
	if w.logger != nil {
		w.logger.Error(msg, args...)
	}
}
