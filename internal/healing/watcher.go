package healing

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchRules hot-reloads the ruleset when the rules directory changes.
// Events are debounced: editors produce bursts of writes and renames.
// Blocks until ctx is done.
func WatchRules(ctx context.Context, log zerolog.Logger, dir string, loader *Loader, healer *Healer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Info().Str("dir", dir).Msg("watching rules directory")

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(500 * time.Millisecond)
				timerC = timer.C
			} else {
				timer.Reset(500 * time.Millisecond)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			healer.SwapRules(loader.Load())
			log.Info().Msg("ruleset reloaded after change")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("rules watcher error")
		}
	}
}
