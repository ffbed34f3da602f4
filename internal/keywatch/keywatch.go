// Package keywatch hot-reloads the token signing key from a file so
// the coordinator can rotate keys without a restart.
package keywatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/edgelobby/edgelobby/token"
)

// Watch loads the key from path, invokes apply, and keeps watching the
// file for changes until ctx ends. Each successful reload invokes apply
// again; unreadable or malformed updates are logged and skipped, the
// previous key stays in effect.
func Watch(ctx context.Context, log *slog.Logger, path string, apply func(key [token.KeyBytes]byte)) error {
	key, err := loadKey(path)
	if err != nil {
		return err
	}
	apply(key)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = w.Close()
	}()

	// Watch the directory, not the file: editors and secret mounts
	// replace the file atomically, which drops a file-level watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			key, err := loadKey(path)
			if err != nil {
				log.WarnContext(ctx, "keywatch.reload_fail",
					slog.String("path", path), slog.String("err", err.Error()))
				continue
			}
			apply(key)
			log.InfoContext(ctx, "keywatch.reloaded", slog.String("path", path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "keywatch.watch_error", slog.String("err", err.Error()))
		}
	}
}

func loadKey(path string) ([token.KeyBytes]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return [token.KeyBytes]byte{}, err
	}
	return token.ParseKey(strings.TrimSpace(string(raw)))
}
