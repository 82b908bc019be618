package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 500 * time.Millisecond

// watch applies the manifest again whenever it changes until ctx is done.
// The parent directory is watched because editors often replace a file by
// renaming over it. Bursts of events are collapsed into one run.
func (a *app) watch(ctx context.Context, manifestFile string) error {
	abs, err := filepath.Abs(manifestFile)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	a.logger.Info().Str("manifest", abs).Msg("Watching for changes")
	fmt.Fprintf(os.Stdout, "Watching %s for changes (Ctrl-C to stop)\n", abs)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			a.logger.Debug().Str("event", event.Op.String()).Msg("Manifest changed")
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn().Err(err).Msg("Watcher error")

		case <-fire:
			fire = nil
			if _, err := os.Stat(abs); err != nil {
				a.logger.Debug().Err(err).Msg("Manifest not present, waiting")
				continue
			}
			_, err := a.run(ctx, manifestFile, false)
			a.printUnreported(err)
		}
	}
}
