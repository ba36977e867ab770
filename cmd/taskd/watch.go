package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"pkt.systems/pslog"
	"pkt.systems/taskd/internal/loggingutil"
)

// watchConfigFile calls onChange whenever path is written or replaced until
// ctx ends. The parent directory is watched so that editors that rename a
// temporary file over the original are seen too.
func watchConfigFile(ctx context.Context, path string, logger pslog.Logger, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %q: %w", filepath.Dir(path), err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logger.Debug("config.changed", "path", path, "op", ev.Op.String())
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config.watch.error", "path", path, "error", err)
			}
		}
	}()
	return nil
}

// reloadLogLevel re-reads log-level from path and applies it to levels.
func reloadLogLevel(path string, levels *loggingutil.LevelSwitch, logger pslog.Logger) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("config.reload.failed", "path", path, "error", err)
		return
	}
	raw := strings.TrimSpace(v.GetString("log-level"))
	if raw == "" {
		raw = "info"
	}
	level, ok := pslog.ParseLevel(raw)
	if !ok {
		logger.Warn("config.reload.invalid_log_level", "path", path, "log_level", raw)
		return
	}
	if level == levels.Level() {
		return
	}
	levels.Set(level)
	logger.Info("config.reload.log_level", "path", path, "log_level", raw)
}
