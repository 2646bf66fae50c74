package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
)

// ReloadDebounce absorbs the burst of events one editor save produces.
const ReloadDebounce = 250 * time.Millisecond

// Reloader re-reads a config file whenever it changes on disk.
type Reloader struct {
	path     string
	clock    clockz.Clock
	debounce time.Duration
	logger   zerolog.Logger
}

func NewReloader(path string, clock clockz.Clock, logger zerolog.Logger) *Reloader {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Reloader{path: filepath.Clean(path), clock: clock, debounce: ReloadDebounce, logger: logger}
}

// Watch starts watching and returns once the watch is installed. Every
// valid new version is handed to apply; invalid versions are logged and
// the previous configuration stays in effect. Watching stops with ctx.
func (r *Reloader) Watch(ctx context.Context, apply func(*Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// editors often replace the file, which drops a watch on the file itself
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	go r.loop(ctx, watcher, apply)
	return nil
}

func (r *Reloader) loop(ctx context.Context, watcher *fsnotify.Watcher, apply func(*Config) error) {
	defer watcher.Close()

	var (
		timer clockz.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = r.clock.NewTimer(r.debounce)
			fire = timer.C()

		case <-fire:
			timer, fire = nil, nil
			r.reload(apply)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (r *Reloader) reload(apply func(*Config) error) {
	cfg, err := Load(r.path)
	if err != nil {
		r.logger.Error().Err(err).Str("path", r.path).Msg("config rejected, keeping previous")
		return
	}
	if err := apply(cfg); err != nil {
		r.logger.Error().Err(err).Str("path", r.path).Msg("config reload failed")
		return
	}
	r.logger.Info().Str("path", r.path).Msg("config reloaded")
}
