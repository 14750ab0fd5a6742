// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// settleTime is how long Watch waits after the last change to a file before
// reloading it. Editors often write a file in several steps.
const settleTime = 250 * time.Millisecond

// Watch rereads the configuration file at path each time it changes, and
// calls fn with each configuration that reads successfully. The result is
// not validated. A file that fails to read is logged and skipped. Watch
// blocks until ctx ends.
//
// Watch observes the directory containing path, so a file replaced by
// renaming over it is also reloaded.
func Watch(ctx context.Context, path string, log zerolog.Logger, fn func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer w.Close()

	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(settleTime)
			} else {
				timer.Reset(settleTime)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("path", path).Msg("config watcher error")

		case <-fire:
			fire = nil
			cfg, err := Read(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("reload config failed")
				continue
			}
			log.Info().Str("path", path).Msg("config reloaded")
			fn(cfg)
		}
	}
}
