package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events editors emit for a
// single save.
const watchDebounce = 500 * time.Millisecond

// PolicyWatcher watches a policy file and invokes a callback after
// changes settle. The parent directory is watched rather than the file
// itself so atomic rename-into-place saves are observed.
type PolicyWatcher struct {
	path     string
	onChange func()
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewPolicyWatcher creates a watcher for the given policy file.
func NewPolicyWatcher(path string, onChange func(), logger *slog.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	return &PolicyWatcher{
		path:     path,
		onChange: onChange,
		logger:   logger,
		watcher:  w,
	}, nil
}

// Run consumes filesystem events until the context is cancelled.
func (p *PolicyWatcher) Run(ctx context.Context) {
	defer p.watcher.Close()

	var debounce *time.Timer
	var fire <-chan time.Time

	target := filepath.Clean(p.path)
	for {
		select {
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				fire = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}
		case <-fire:
			debounce = nil
			fire = nil
			p.logger.Info("policy file changed", "path", p.path)
			p.onChange()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("policy watcher error", "error", err)
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
