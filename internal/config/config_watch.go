package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the hot-reloadable settings whenever the file at path
// changes and passes them to onChange. Other settings need a restart.
// Blocks until ctx is done.
func (c *Config) Watch(ctx context.Context, path string, onChange func(Tunables)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	slog.Info("config: watching for changes", "path", abs)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reload = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)
		case <-reload:
			reload = nil
			if err := c.reload(abs); err != nil {
				slog.Warn("config: reload rejected, keeping previous settings", "error", err)
				continue
			}
			t := c.Tunables()
			slog.Info("config: reloaded", "cooldown", t.CooldownInterval, "trigger_word", t.Trigger.Word, "min_length", t.Trigger.MinLength)
			onChange(t)
		}
	}
}

func (c *Config) reload(path string) error {
	fresh, err := Load(path)
	if err != nil {
		return err
	}
	for _, s := range []any{&fresh.Cooldown, &fresh.Trigger} {
		if err := validate.Struct(s); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.Cooldown.Interval = fresh.Cooldown.Interval
	c.Trigger = fresh.Trigger
	c.mu.Unlock()
	return nil
}
