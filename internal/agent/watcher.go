package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ProfileSource hands out the profile to use for the next model call.
type ProfileSource interface {
	Current() *Profile
}

// StaticProfile is a ProfileSource that never changes.
type StaticProfile struct{ P *Profile }

func (s StaticProfile) Current() *Profile { return s.P }

const profileDebounce = 500 * time.Millisecond

// ProfileWatcher reloads a profile file when it changes on disk. A reload
// that fails to parse keeps the previous profile.
type ProfileWatcher struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Profile]
	reloads atomic.Uint32

	mu    sync.Mutex
	timer *time.Timer
}

// NewProfileWatcher loads path once. Call Run to start watching.
func NewProfileWatcher(path string, logger *slog.Logger) (*ProfileWatcher, error) {
	p, err := LoadProfile(path)
	if err != nil {
		return nil, fmt.Errorf("load initial profile: %w", err)
	}
	w := &ProfileWatcher{path: path, logger: logger}
	w.current.Store(p)
	return w, nil
}

func (w *ProfileWatcher) Current() *Profile { return w.current.Load() }

// ReloadCount returns the number of successful reloads.
func (w *ProfileWatcher) ReloadCount() uint32 { return w.reloads.Load() }

// Run watches the profile's directory until ctx is done. Editors often
// replace files by rename, so events are matched by file name.
func (w *ProfileWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)
	w.logger.Info("watching prompt profile", "path", w.path)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("profile watcher error", "error", err)
		}
	}
}

func (w *ProfileWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(profileDebounce, w.reload)
}

func (w *ProfileWatcher) reload() {
	p, err := LoadProfile(w.path)
	if err != nil {
		w.logger.Error("profile reload failed, keeping previous", "path", w.path, "error", err)
		return
	}
	w.current.Store(p)
	count := w.reloads.Add(1)
	w.logger.Info("prompt profile reloaded", "path", w.path, "count", count)
}
