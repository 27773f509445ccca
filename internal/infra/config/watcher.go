package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file when it changes on disk and invokes
// onReload with the new config. Load failures keep the previous config
// and log a warning.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	onReload func(Config)
	logger   *zap.Logger
}

type WatcherOptions struct {
	Loader   *Loader
	Path     string
	Debounce time.Duration
	OnReload func(Config)
	Logger   *zap.Logger
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Loader == nil {
		panic("config watcher requires a loader")
	}
	if opts.OnReload == nil {
		panic("config watcher requires a reload callback")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	return &Watcher{
		loader:   opts.Loader,
		path:     opts.Path,
		debounce: debounce,
		onReload: opts.OnReload,
		logger:   logger.Named("config_watcher"),
	}
}

// Run watches until ctx is canceled. Editors replace files rather than
// rewriting them in place, so the parent directory is watched and
// events are filtered to the config path.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-watcher.Errors:
			if err != nil {
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		case event := <-watcher.Events:
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			cfg, err := w.loader.Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			w.logger.Info("config reloaded", zap.String("path", w.path))
			w.onReload(cfg)
		}
	}
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}
