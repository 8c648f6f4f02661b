package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = time.Second

// Watch observes the config file for external edits and invokes onReload
// with the re-parsed list when the content differs from our last save.
// Saves made by this process produce the same checksum we recorded and are
// not fed back.
func (s *Store) Watch(ctx context.Context, onReload func([]Identity)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors and our own renameio saves replace the
	// file, which would drop a direct file watch.
	dir := filepath.Dir(s.path)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	base := filepath.Base(s.path)

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				debounce.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			case <-debounce.C:
				s.reloadIfChanged(onReload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("config: watch error", "err", err)
			}
		}
	}()
	return nil
}

func (s *Store) reloadIfChanged(onReload func([]Identity)) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		slog.Error("config: reload read failed", "err", err)
		return
	}

	sum := checksumBytes(raw)

	s.mu.Lock()
	unchanged := sum == s.checksum
	s.mu.Unlock()
	if unchanged {
		return
	}

	users, err := parseUsers(raw)
	if err != nil {
		slog.Error("config: reload parse failed", "err", err)
		return
	}
	valid := filterValid(users)

	s.mu.Lock()
	s.users = cloneList(valid)
	s.checksum = sum
	s.mu.Unlock()

	slog.Info("config: external change detected", "users", len(valid))
	onReload(valid)
}
